package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryDBPutGetHasDelete(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	ok, err := db.Has([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))

	ok, err = db.Has([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)

	v, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete([]byte("k1")))
	_, err = db.Get([]byte("k1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDBBatch(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Put([]byte("b"), []byte("2")))
	require.Equal(t, 2, batch.ValueSize())

	ok, _ := db.Has([]byte("a"))
	require.False(t, ok, "batch writes should not be visible before Write")

	require.NoError(t, batch.Write())
	ok, _ = db.Has([]byte("a"))
	require.True(t, ok)
}

func TestMemoryDBIteratorPrefix(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	require.NoError(t, db.Put([]byte("block/1"), []byte("v1")))
	require.NoError(t, db.Put([]byte("block/2"), []byte("v2")))
	require.NoError(t, db.Put([]byte("other/1"), []byte("v3")))

	it := db.NewIterator([]byte("block/"))
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.ElementsMatch(t, []string{"block/1", "block/2"}, keys)
}

func TestTableNamespacesKeys(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	confirmed := NewTable(db, "confirmed-")
	unconfirmed := NewTable(db, "unconfirmed-")

	require.NoError(t, confirmed.Put([]byte("100"), []byte("a")))
	require.NoError(t, unconfirmed.Put([]byte("100"), []byte("b")))

	v, err := confirmed.Get([]byte("100"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)

	v, err = unconfirmed.Get([]byte("100"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)

	raw, err := db.Get([]byte("confirmed-100"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), raw)
}
