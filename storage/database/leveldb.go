// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package database

import (
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/stacks-network/chainhook/log"
)

// OpenFileLimit bounds how many file descriptors a single leveldbDatabase
// may hold open at once.
var OpenFileLimit = 64

type leveldbDatabase struct {
	fn string
	db *leveldb.DB

	compTimeMeter  metrics.Meter
	compReadMeter  metrics.Meter
	compWriteMeter metrics.Meter
	diskReadMeter  metrics.Meter
	diskWriteMeter metrics.Meter
	quitChan       chan chan error

	logger log.Logger
}

func getLDBOptions(cacheSizeMB, numHandles int) *opt.Options {
	if cacheSizeMB < 16 {
		cacheSizeMB = 16
	}
	if numHandles < 16 {
		numHandles = 16
	}
	return &opt.Options{
		OpenFilesCacheCapacity: numHandles,
		BlockCacheCapacity:     cacheSizeMB / 2 * opt.MiB,
		WriteBuffer:            cacheSizeMB / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
}

// NewLevelDB opens (or creates) a goleveldb-backed Database at dir, the
// default on-disk backend for the Block Store (C1).
func NewLevelDB(dir string, cacheSizeMB, numHandles int) (Database, error) {
	logger := log.NewModuleLogger(log.StorageDatabase).NewWith("engine", "leveldb", "path", dir)

	db, err := leveldb.OpenFile(dir, getLDBOptions(cacheSizeMB, numHandles))
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}

	ldb := &leveldbDatabase{fn: dir, db: db, logger: logger}
	ldb.meter(3 * time.Second)
	return ldb, nil
}

func (db *leveldbDatabase) Type() DBType { return LevelDB }

func (db *leveldbDatabase) Put(key, value []byte) error {
	return db.db.Put(key, value, nil)
}

func (db *leveldbDatabase) Has(key []byte) (bool, error) {
	return db.db.Has(key, nil)
}

func (db *leveldbDatabase) Get(key []byte) ([]byte, error) {
	val, err := db.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (db *leveldbDatabase) Delete(key []byte) error {
	return db.db.Delete(key, nil)
}

func (db *leveldbDatabase) NewIterator(prefix []byte) Iterator {
	return &leveldbIterator{it: db.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (db *leveldbDatabase) NewBatch() Batch {
	return &leveldbBatch{db: db.db, b: new(leveldb.Batch)}
}

func (db *leveldbDatabase) Close() {
	if db.quitChan != nil {
		errc := make(chan error)
		db.quitChan <- errc
		if err := <-errc; err != nil {
			db.logger.Error("metrics collection failed", "err", err)
		}
		db.quitChan = nil
	}
	if err := db.db.Close(); err != nil {
		db.logger.Error("failed to close database", "err", err)
	} else {
		db.logger.Info("database closed")
	}
}

// meter periodically samples goleveldb's internal compaction and IO
// counters into the rcrowley/go-metrics registry, the same periodic
// collector shape as the teacher's levelDB.meter.
func (db *leveldbDatabase) meter(refresh time.Duration) {
	db.compTimeMeter = metrics.NewRegisteredMeter("db/compaction/time", nil)
	db.compReadMeter = metrics.NewRegisteredMeter("db/compaction/read", nil)
	db.compWriteMeter = metrics.NewRegisteredMeter("db/compaction/write", nil)
	db.diskReadMeter = metrics.NewRegisteredMeter("db/disk/read", nil)
	db.diskWriteMeter = metrics.NewRegisteredMeter("db/disk/write", nil)

	db.quitChan = make(chan chan error)

	go func() {
		s := new(leveldb.DBStats)
		var prevCompRead, prevCompWrite int64
		var prevCompTime time.Duration
		var prevRead, prevWrite uint64
		var errc chan error
		var merr error

		for {
			merr = db.db.Stats(s)
			if merr != nil {
				break
			}
			var currCompRead, currCompWrite int64
			var currCompTime time.Duration
			for i := range s.LevelDurations {
				currCompTime += s.LevelDurations[i]
				currCompRead += s.LevelRead[i]
				currCompWrite += s.LevelWrite[i]
			}
			db.compTimeMeter.Mark(int64(currCompTime.Seconds() - prevCompTime.Seconds()))
			db.compReadMeter.Mark(currCompRead - prevCompRead)
			db.compWriteMeter.Mark(currCompWrite - prevCompWrite)
			prevCompTime, prevCompRead, prevCompWrite = currCompTime, currCompRead, currCompWrite

			db.diskReadMeter.Mark(int64(s.IORead - prevRead))
			db.diskWriteMeter.Mark(int64(s.IOWrite - prevWrite))
			prevRead, prevWrite = s.IORead, s.IOWrite

			select {
			case errc = <-db.quitChan:
				if errc == nil {
					errc = <-db.quitChan
				}
				errc <- merr
				return
			case <-time.After(refresh):
			}
		}
		if errc == nil {
			errc = <-db.quitChan
		}
		errc <- merr
	}()
}

type leveldbIterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
	}
}

func (i *leveldbIterator) Next() bool    { return i.it.Next() }
func (i *leveldbIterator) Key() []byte   { return i.it.Key() }
func (i *leveldbIterator) Value() []byte { return i.it.Value() }
func (i *leveldbIterator) Release()      { i.it.Release() }

type leveldbBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *leveldbBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(value)
	return nil
}

func (b *leveldbBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size++
	return nil
}

func (b *leveldbBatch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *leveldbBatch) ValueSize() int { return b.size }

func (b *leveldbBatch) Reset() {
	b.b.Reset()
	b.size = 0
}
