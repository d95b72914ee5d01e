package scan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/chainhook/chaintypes"
	"github.com/stacks-network/chainhook/storage/blockstore"
	"github.com/stacks-network/chainhook/storage/database"
)

func writeTSV(t *testing.T, rows []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.tsv")
	content := ""
	for _, r := range rows {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func blockRow(id, createdAt, index uint64, hash, parentHash string) string {
	blob := `{"block_identifier":{"index":` + itoa(index) + `,"hash":"` + hash + `"},"parent_block_identifier":{"index":` + itoa(parentIndex(index)) + `,"hash":"` + parentHash + `"},"timestamp":1,"metadata":{},"transactions":[]}`
	return itoa(id) + "\t" + itoa(createdAt) + "\t" + newBlockKind + "\t" + blob
}

func parentIndex(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	return index - 1
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestBuildForkIndexAndCanonicalFork(t *testing.T) {
	path := writeTSV(t, []string{
		blockRow(1, 100, 0, "g", ""),
		blockRow(2, 101, 1, "a1", "g"),
		blockRow(3, 102, 2, "a2", "a1"),
	})

	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)

	fork, err := idx.CanonicalFork()
	require.NoError(t, err)
	require.Len(t, fork, 3)
	require.Equal(t, "g", fork[0].ID.Hash)
	require.Equal(t, "a1", fork[1].ID.Hash)
	require.Equal(t, "a2", fork[2].ID.Hash)
}

func TestCanonicalForkTruncatesOnMissingParent(t *testing.T) {
	path := writeTSV(t, []string{
		blockRow(1, 100, 0, "g", ""),
		// block 1 is missing; block 2 claims "a1" as parent
		blockRow(3, 102, 2, "a2", "a1"),
	})

	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)

	fork, err := idx.CanonicalFork()
	require.ErrorIs(t, err, ErrTruncatedFork)
	require.Len(t, fork, 1, "the walk keeps the blocks it reached before the hole")
}

func TestBuildForkIndexSkipsNonBlockRows(t *testing.T) {
	path := writeTSV(t, []string{
		"1\t100\t/new_mempool_tx\t{\"txid\":\"0xabc\"}",
		blockRow(2, 101, 0, "g", ""),
	})

	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)
	require.Len(t, idx.blocks, 1)
}

func TestBuildForkIndexSkipsEmptyBlob(t *testing.T) {
	path := writeTSV(t, []string{
		"1\t100\t/new_block\t",
		blockRow(2, 101, 0, "g", ""),
	})

	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)
	require.Len(t, idx.blocks, 1)
}

func fakeNormalize(raw []byte) (chaintypes.Block, error) {
	var hdr forkHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return chaintypes.Block{}, err
	}
	return chaintypes.Block{
		Chain:    chaintypes.Stacks,
		ID:       hdr.BlockIdentifier,
		ParentID: hdr.ParentBlockIdentifier,
	}, nil
}

func TestBackfillInsertsAndFlushes(t *testing.T) {
	path := writeTSV(t, []string{
		blockRow(1, 100, 0, "g", ""),
		blockRow(2, 101, 1, "a1", "g"),
		blockRow(3, 102, 2, "a2", "a1"),
	})

	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)
	fork, err := idx.CanonicalFork()
	require.NoError(t, err)

	store := blockstore.New(database.NewMemoryDB(), chaintypes.Stacks)
	inserted, err := Backfill(path, fork, store, 2, fakeNormalize)
	require.NoError(t, err)
	require.Equal(t, 3, inserted)

	for _, e := range fork {
		present, err := store.PresentConfirmed(e.ID.Index)
		require.NoError(t, err)
		require.True(t, present)
	}
}

func TestBackfillSkipsAlreadyConfirmed(t *testing.T) {
	path := writeTSV(t, []string{
		blockRow(1, 100, 0, "g", ""),
		blockRow(2, 101, 1, "a1", "g"),
	})
	idx, err := BuildForkIndex(path, 0, nil)
	require.NoError(t, err)
	fork, err := idx.CanonicalFork()
	require.NoError(t, err)

	store := blockstore.New(database.NewMemoryDB(), chaintypes.Stacks)
	require.NoError(t, store.PutConfirmed(chaintypes.Block{Chain: chaintypes.Stacks, ID: chaintypes.BlockIdentifier{Index: 0, Hash: "g"}}))
	require.NoError(t, store.Flush())

	inserted, err := Backfill(path, fork, store, 10, fakeNormalize)
	require.NoError(t, err)
	require.Equal(t, 1, inserted, "genesis already confirmed, only block 1 should be inserted")
}
