// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package database is the key-value storage layer underneath the Block
// Store (C1). A DBType picks the on-disk engine; callers
// otherwise only see the Database interface.
package database

import "errors"

// ErrNotFound is returned by Get for a key the database doesn't hold.
var ErrNotFound = errors.New("database: key not found")

// DBType selects the on-disk engine a Database is backed by.
type DBType string

const (
	LevelDB DBType = "leveldb"
	BadgerDB DBType = "badger"
	MemoryDB DBType = "memory"
)

// Putter is the write-half of Database, also satisfied by Batch.
type Putter interface {
	Put(key []byte, value []byte) error
}

// Deleter is the delete-half of Database.
type Deleter interface {
	Delete(key []byte) error
}

// Database is the interface every storage backend implements: a flat
// byte-keyed store plus table namespacing and batched writes.
type Database interface {
	Putter
	Deleter
	Type() DBType
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	Close()
}

// Iterator walks a key range in ascending key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}

// Batch accumulates writes and commits them atomically, the bulk-insert
// path the Historical Scanner's Phase B backfill uses for its
// flush-every-2500 rule.
type Batch interface {
	Putter
	Deleter
	ValueSize() int
	Write() error
	Reset()
}

// NewTable returns a view over db where every key is implicitly prefixed,
// letting several logical tables (each chain's confirmed and unconfirmed
// blocks) share one physical database.
func NewTable(db Database, prefix string) Database {
	return &table{db: db, prefix: prefix}
}

type table struct {
	db     Database
	prefix string
}

func (t *table) Type() DBType { return t.db.Type() }

func (t *table) Put(key, value []byte) error {
	return t.db.Put(append([]byte(t.prefix), key...), value)
}

func (t *table) Has(key []byte) (bool, error) {
	return t.db.Has(append([]byte(t.prefix), key...))
}

func (t *table) Get(key []byte) ([]byte, error) {
	return t.db.Get(append([]byte(t.prefix), key...))
}

func (t *table) Delete(key []byte) error {
	return t.db.Delete(append([]byte(t.prefix), key...))
}

func (t *table) NewBatch() Batch {
	return &tableBatch{batch: t.db.NewBatch(), prefix: t.prefix}
}

func (t *table) NewIterator(prefix []byte) Iterator {
	return t.db.NewIterator(append([]byte(t.prefix), prefix...))
}

func (t *table) Close() {
	// Do nothing; the underlying database owns the lifetime.
}

type tableBatch struct {
	batch  Batch
	prefix string
}

func (tb *tableBatch) Put(key, value []byte) error {
	return tb.batch.Put(append([]byte(tb.prefix), key...), value)
}

func (tb *tableBatch) Delete(key []byte) error {
	return tb.batch.Delete(append([]byte(tb.prefix), key...))
}

func (tb *tableBatch) ValueSize() int {
	return tb.batch.ValueSize()
}

func (tb *tableBatch) Write() error {
	return tb.batch.Write()
}

func (tb *tableBatch) Reset() {
	tb.batch.Reset()
}
