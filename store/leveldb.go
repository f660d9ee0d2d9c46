package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore is a Provider backed by a LevelDB database directory.
// It suits deployments with large course-content stores, where SQLite's
// single-writer lock becomes a bottleneck.
type LevelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(path string) (LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStore{}, err
	}
	return LevelDBStore{db: db}, nil
}

func (l LevelDBStore) Get(key string) ([]byte, bool, error) {
	bytes, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (l LevelDBStore) Put(key string, bytes []byte) error {
	return l.db.Put([]byte(key), bytes, nil)
}

func (l LevelDBStore) Keys(prefix string, cb func(string)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		cb(string(iter.Key()))
	}
	return iter.Error()
}

func (l LevelDBStore) Purge(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l LevelDBStore) PurgePrefix(prefix string) error {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l LevelDBStore) Close() error {
	return l.db.Close()
}
