// Package blockstore implements the Block Store (C1): the durable record
// of every block the Fork Scratch Pad has accepted, split into a
// confirmed namespace (blocks past the confirmation depth, never
// rewritten) and an unconfirmed namespace (blocks still within reorg
// range, replaced wholesale on every reorg). Grounded on the
// chaindatafetcher retry/backoff idiom (retryFunc) and the teacher's
// table-prefixed Database views.
package blockstore

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/log"
	"github.com/stacks-network/chainhook/storage/database"
)

var logger = log.NewModuleLogger(log.BlockStore)

// flushThreshold is how many buffered writes accumulate before Put
// auto-flushes, the same "flush every 2500" rule the Historical Scanner's
// backfill phase applies to its own inserts (§4.4 Phase B).
const flushThreshold = 2500

// readRetries and readRetryInterval bound how long Get waits for a write
// that raced ahead of a read to become visible, mirroring retryFunc's
// retry-until-success loop generalized to a bounded read retry.
const readRetries = 3

var readRetryInterval = 20 * time.Millisecond

// BlockStore is the confirmed/unconfirmed namespaced store the Observer
// Core and Historical Scanner both read and write.
type BlockStore struct {
	chain       chaintypes.Chain
	confirmed   database.Database
	unconfirmed database.Database

	batch       database.Batch
	bufferedOps int
}

// New returns a BlockStore backed by two table views of db, namespaced by
// chain so one physical database can serve both Stacks and Bitcoin.
func New(db database.Database, chain chaintypes.Chain) *BlockStore {
	prefix := chain.String() + "-"
	confirmed := database.NewTable(db, prefix+"confirmed-")
	unconfirmed := database.NewTable(db, prefix+"unconfirmed-")
	return &BlockStore{
		chain:       chain,
		confirmed:   confirmed,
		unconfirmed: unconfirmed,
		batch:       confirmed.NewBatch(),
	}
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// PutUnconfirmed stores a block in the unconfirmed namespace. Unconfirmed
// writes are never buffered: the Fork Scratch Pad needs them visible to
// the next Get immediately, since reorg handling reads them back within
// the same command-loop iteration.
func (s *BlockStore) PutUnconfirmed(b chaintypes.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "blockstore: encode unconfirmed block")
	}
	return s.unconfirmed.Put(indexKey(b.ID.Index), raw)
}

// DeleteUnconfirmed removes a block from the unconfirmed namespace, used
// when a reorg discards it instead of confirming it.
func (s *BlockStore) DeleteUnconfirmed(index uint64) error {
	return s.unconfirmed.Delete(indexKey(index))
}

// PutConfirmed buffers a block into the confirmed namespace. Buffered
// writes are flushed automatically every flushThreshold calls, or on an
// explicit Flush.
func (s *BlockStore) PutConfirmed(b chaintypes.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "blockstore: encode confirmed block")
	}
	if err := s.batch.Put(indexKey(b.ID.Index), raw); err != nil {
		return err
	}
	s.bufferedOps++
	if s.bufferedOps >= flushThreshold {
		return s.Flush()
	}
	return nil
}

// Flush commits any buffered confirmed-namespace writes.
func (s *BlockStore) Flush() error {
	if s.bufferedOps == 0 {
		return nil
	}
	if err := s.batch.Write(); err != nil {
		return errors.Wrap(err, "blockstore: flush confirmed batch")
	}
	logger.Debug("flushed confirmed blocks", "count", s.bufferedOps)
	s.batch.Reset()
	s.bufferedOps = 0
	return nil
}

// GetConfirmed reads a confirmed block by index, retrying briefly to
// tolerate a write still in flight from another goroutine.
func (s *BlockStore) GetConfirmed(index uint64) (chaintypes.Block, error) {
	return s.get(s.confirmed, index)
}

// GetUnconfirmed reads an unconfirmed block by index.
func (s *BlockStore) GetUnconfirmed(index uint64) (chaintypes.Block, error) {
	return s.get(s.unconfirmed, index)
}

func (s *BlockStore) get(db database.Database, index uint64) (chaintypes.Block, error) {
	var raw []byte
	var err error
	for attempt := 0; attempt < readRetries; attempt++ {
		raw, err = db.Get(indexKey(index))
		if err == nil {
			break
		}
		if errors.Is(err, database.ErrNotFound) && attempt < readRetries-1 {
			time.Sleep(readRetryInterval)
			continue
		}
		break
	}
	if err != nil {
		return chaintypes.Block{}, err
	}
	var b chaintypes.Block
	if jsonErr := json.Unmarshal(raw, &b); jsonErr != nil {
		return chaintypes.Block{}, errors.Wrap(jsonErr, "blockstore: decode block")
	}
	return b, nil
}

// PresentConfirmed reports whether a confirmed block at index exists.
func (s *BlockStore) PresentConfirmed(index uint64) (bool, error) {
	return s.confirmed.Has(indexKey(index))
}

// PresentUnconfirmed reports whether an unconfirmed block at index exists.
func (s *BlockStore) PresentUnconfirmed(index uint64) (bool, error) {
	return s.unconfirmed.Has(indexKey(index))
}

// Tip scans the confirmed namespace for the highest stored index. It is
// O(n) over an iterator and meant for startup/recovery, not the hot path.
func (s *BlockStore) Tip() (uint64, bool) {
	it := s.confirmed.NewIterator(nil)
	defer it.Release()

	var tip uint64
	found := false
	for it.Next() {
		if len(it.Key()) != 8 {
			continue
		}
		idx := binary.BigEndian.Uint64(it.Key())
		if !found || idx > tip {
			tip = idx
			found = true
		}
	}
	return tip, found
}
