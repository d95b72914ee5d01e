// Package scan implements the Historical Scanner (C4): it parses an
// archival TSV of past node events, derives the canonical fork by walking
// parent pointers backward from the highest-index block, backfills the
// Block Store, and replays predicates over the derived range before
// handing off to the live streaming path. Grounded on the checkpoint/
// backfill idiom of chaindatafetcher's sendRequests/startRangeFetching,
// generalized from "replay one KV range" to "replay a TSV-derived fork".
package scan

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/storage/blockstore"
)

var logger = log.NewModuleLogger(log.HistoricalScan)

// newBlockKind is the only TSV row kind the fork derivation reads; every
// other kind (mempool events, microblocks, attachments, ...) is skipped by
// Phase A/B since it carries no block identifier to anchor a fork on.
const newBlockKind = "/new_block"

// ErrTruncatedFork is returned by CanonicalFork when a parent pointer is
// missing from the TSV (a hole in the archive); the caller gets back
// whatever prefix of the fork it could derive.
var ErrTruncatedFork = errors.New("scan: canonical fork truncated, missing ancestor")

// forkHeader is the cheap, header-only shape Phase A decodes: just enough
// of a /new_block blob to place it in the ancestry DAG without paying for
// a full C3 normalize of every row in the archive.
type forkHeader struct {
	BlockIdentifier       chaintypes.BlockIdentifier `json:"block_identifier"`
	ParentBlockIdentifier chaintypes.BlockIdentifier `json:"parent_block_identifier"`
}

// ForkEntry names one block's place in the TSV: its identity, its parent,
// and the 1-based line number Phase B rereads to extract its payload.
type ForkEntry struct {
	ID         chaintypes.BlockIdentifier
	ParentID   chaintypes.BlockIdentifier
	LineNumber int
}

// ForkIndex is the Phase A result: every /new_block row seen, keyed by
// identity, plus the highest-index block from which CanonicalFork starts
// its backward walk.
type ForkIndex struct {
	path    string
	blocks  map[chaintypes.BlockIdentifier]ForkEntry
	highest chaintypes.BlockIdentifier
	hasAny  bool
}

// BuildForkIndex streams the TSV once, parsing only headers (§4.4 Phase A).
// Blocks below startBlock are still indexed (the ancestry walk may need to
// pass through them) unless a Block Store already has them confirmed, in
// which case they're skipped to avoid holding a full-depth archive in
// memory on every restart.
func BuildForkIndex(path string, startBlock uint64, store *blockstore.BlockStore) (*ForkIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "scan: open tsv")
	}
	defer f.Close()

	idx := &ForkIndex{path: path, blocks: make(map[chaintypes.BlockIdentifier]ForkEntry)}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		row, ok := parseRow(scanner.Text())
		if !ok || row.Kind != newBlockKind {
			continue
		}
		if row.Blob == "" {
			logger.Warn("skipping TSV row with empty blob", "line", lineNumber)
			continue
		}

		var hdr forkHeader
		if err := json.Unmarshal([]byte(row.Blob), &hdr); err != nil {
			logger.Warn("skipping unparseable TSV row", "line", lineNumber, "err", err)
			continue
		}

		if hdr.BlockIdentifier.Index < startBlock && store != nil {
			if present, err := store.PresentConfirmed(hdr.BlockIdentifier.Index); err == nil && present {
				continue
			}
		}

		idx.blocks[hdr.BlockIdentifier] = ForkEntry{
			ID:         hdr.BlockIdentifier,
			ParentID:   hdr.ParentBlockIdentifier,
			LineNumber: lineNumber,
		}
		if !idx.hasAny || idx.highest.Less(hdr.BlockIdentifier) {
			idx.highest = hdr.BlockIdentifier
			idx.hasAny = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan: read tsv")
	}
	return idx, nil
}

// CanonicalFork walks parent pointers from the highest-index block back to
// genesis, prepending each step so the result is genesis-to-tip ordered.
// A missing parent truncates the walk at that point and returns
// ErrTruncatedFork alongside the (non-empty) prefix it recovered.
func (idx *ForkIndex) CanonicalFork() ([]ForkEntry, error) {
	if !idx.hasAny {
		return nil, nil
	}

	var deque []ForkEntry
	cursor := idx.highest
	for {
		entry, ok := idx.blocks[cursor]
		if !ok {
			logger.Warn("canonical fork derivation hit a hole, truncating", "missing", cursor)
			return deque, ErrTruncatedFork
		}
		deque = append([]ForkEntry{entry}, deque...)
		if entry.ID.IsGenesis() {
			break
		}
		cursor = entry.ParentID
	}
	return deque, nil
}

// tsvRow is one parsed `id\tcreated_at\tkind\tblob` line.
type tsvRow struct {
	ID        string
	CreatedAt int64
	Kind      string
	Blob      string
}

func parseRow(line string) (tsvRow, bool) {
	fields := strings.SplitN(line, "\t", 4)
	if len(fields) != 4 {
		return tsvRow{}, false
	}
	createdAt, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return tsvRow{}, false
	}
	return tsvRow{ID: fields[0], CreatedAt: createdAt, Kind: fields[2], Blob: fields[3]}, true
}

// Backfill reopens the TSV as a line-addressable reader (Phase B) and
// inserts every fork entry not already confirmed into store, normalizing
// each payload via normalize before writing. Confirmed writes are flushed
// every flushEvery rows, matching the Block Store's own auto-flush
// threshold (§4.4 Phase B: "flush every 2,500 inserts").
func Backfill(path string, fork []ForkEntry, store *blockstore.BlockStore, flushEvery int, normalize func([]byte) (chaintypes.Block, error)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "scan: open tsv for backfill")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "scan: stat tsv")
	}
	if fi.Size() == 0 {
		return 0, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return 0, errors.Wrap(err, "scan: mmap tsv")
	}
	defer data.Unmap()

	reader := newLineReader(data)
	inserted := 0
	sinceFlush := 0

	for _, entry := range fork {
		present, err := store.PresentConfirmed(entry.ID.Index)
		if err != nil {
			return inserted, err
		}
		if present {
			continue
		}

		lineBytes, err := reader.lineAt(entry.LineNumber)
		if err != nil {
			return inserted, errors.Wrapf(err, "scan: seek to line %d", entry.LineNumber)
		}
		row, ok := parseRow(string(lineBytes))
		if !ok {
			logger.Warn("skipping unparseable backfill row", "line", entry.LineNumber)
			continue
		}
		if row.Blob == "" {
			logger.Warn("skipping TSV row with empty blob", "line", entry.LineNumber)
			continue
		}

		block, err := normalize([]byte(row.Blob))
		if err != nil {
			logger.Warn("skipping unnormalizable backfill row", "line", entry.LineNumber, "err", err)
			continue
		}
		if err := store.PutConfirmed(block); err != nil {
			return inserted, errors.Wrap(err, "scan: backfill put")
		}
		inserted++
		sinceFlush++
		if sinceFlush >= flushEvery {
			if err := store.Flush(); err != nil {
				return inserted, err
			}
			sinceFlush = 0
		}
	}
	if sinceFlush > 0 {
		if err := store.Flush(); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// lineReader resolves a 1-based line number to its byte content inside a
// memory-mapped file, caching line_number -> start offset in a
// VictoriaMetrics/fastcache byte cache so the common case -- fork entries
// requested in ascending line order -- never rescans from the beginning.
// Grounded on chaindatafetcher's range-bounded request handling
// generalized from "range of block numbers" to "range of file offsets".
type lineReader struct {
	data      mmap.MMap
	cache     *fastcache.Cache
	lastLine  int
	lastStart int64
}

func newLineReader(data mmap.MMap) *lineReader {
	return &lineReader{
		data:  data,
		cache: fastcache.New(4 * 1024 * 1024),
	}
}

func (lr *lineReader) lineAt(n int) ([]byte, error) {
	if n < 1 {
		return nil, errors.Errorf("scan: line number must be >= 1, got %d", n)
	}

	start, known := lr.cachedOffset(n)
	if !known {
		var err error
		start, err = lr.scanToLine(n)
		if err != nil {
			return nil, err
		}
	}

	end := start
	for end < int64(len(lr.data)) && lr.data[end] != '\n' {
		end++
	}
	return lr.data[start:end], nil
}

func (lr *lineReader) cachedOffset(n int) (int64, bool) {
	key := lineKey(n)
	raw, ok := lr.cache.HasGet(nil, key)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(raw)), true
}

// scanToLine walks forward from the last resolved position, caching every
// line-start offset it passes so a later lookup for an intervening line
// number is a cache hit instead of another scan.
func (lr *lineReader) scanToLine(n int) (int64, error) {
	line := lr.lastLine
	offset := lr.lastStart
	if n < line {
		line, offset = 0, 0
	}

	for line < n {
		if offset >= int64(len(lr.data)) {
			return 0, io.ErrUnexpectedEOF
		}
		lr.cache.Set(lineKey(line+1), offsetBytes(offset))
		next := offset
		for next < int64(len(lr.data)) && lr.data[next] != '\n' {
			next++
		}
		if next < int64(len(lr.data)) {
			next++ // past the newline, start of the next line
		}
		offset = next
		line++
	}

	lr.lastLine, lr.lastStart = line, offset
	start, _ := lr.cachedOffset(n)
	return start, nil
}

func lineKey(n int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(n))
	return key
}

func offsetBytes(off int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(off))
	return b
}
