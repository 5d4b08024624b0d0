// Package kvstore adapts the teacher's LevelDB binding
// (storage/database/leveldb_database.go) into the generic durable
// key-value log spec.md §6 names as the persistence port: atomic batched
// put/delete, range scan by prefix, and durability on commit (every write
// here is issued with LevelDB's Sync write option, so a write is not
// acknowledged until fsync'd, per spec.md §4.2).
package kvstore

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Store)

// syncWrite forces fsync-before-ack on every write, the durability
// guarantee spec.md §4.2 requires of the store's backing log.
var syncWrite = &opt.WriteOptions{Sync: true}

// KV is the narrow durable-log port internal/store programs against.
type KV interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	NewIteratorWithPrefix(prefix []byte) iterator.Iterator
	NewBatch() Batch
	Close() error
}

// Batch groups puts/deletes for atomic, single-fsync commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
}

func ldbOptions(cacheSizeMB, numHandles int) *opt.Options {
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

type levelDB struct {
	path string
	db   *leveldb.DB
}

// Open opens (or creates) a LevelDB-backed KV log at path, recovering from
// corruption the way the teacher's NewLDBDatabase does.
func Open(path string, cacheSizeMB, numHandles int) (KV, error) {
	db, err := leveldb.OpenFile(path, ldbOptions(cacheSizeMB, numHandles))
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		logger.Warn("recovering corrupted database", "path", path)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, perrors.Wrap(perrors.TransientIoError, err, "failed to open leveldb")
	}
	return &levelDB{path: path, db: db}, nil
}

func (d *levelDB) Put(key, value []byte) error {
	return d.db.Put(key, value, syncWrite)
}

func (d *levelDB) Get(key []byte) ([]byte, error) {
	return d.db.Get(key, nil)
}

func (d *levelDB) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *levelDB) Delete(key []byte) error {
	return d.db.Delete(key, syncWrite)
}

func (d *levelDB) NewIteratorWithPrefix(prefix []byte) iterator.Iterator {
	return d.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (d *levelDB) NewBatch() Batch {
	return &levelDBBatch{db: d.db, b: new(leveldb.Batch)}
}

func (d *levelDB) Close() error {
	return d.db.Close()
}

type levelDBBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelDBBatch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *levelDBBatch) Delete(key []byte)      { b.b.Delete(key) }
func (b *levelDBBatch) Write() error           { return b.db.Write(b.b, syncWrite) }

// IsNotFound reports whether err is goleveldb's "key not found", so callers
// can distinguish absence from a real I/O failure.
func IsNotFound(err error) bool {
	return err == leveldb.ErrNotFound
}
