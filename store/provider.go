package store

import (
	"database/sql"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is the backing key-value storage for cache stores.
// It stores and retrieves []byte values, which represent serialized HTTP
// responses. Keys are namespaced by store name (see Registry), so prefix
// operations are essential for store-level enumeration and deletion.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the stored bytes for the given key, if they exist,
	// along with a boolean indicating whether retrieval was successful.
	Get(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, replacing any
	// previous entry wholesale.
	Put(key string, bytes []byte) error
	// Keys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large key sets to be
	// processable (an implementation might use paging, for instance).
	Keys(prefix string, cb func(key string)) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// PurgePrefix removes every entry whose key has the given prefix.
	PurgePrefix(prefix string) error
	// Close releases the underlying storage.
	Close() error
}

type memEntry struct {
	bytes []byte
}

// MemStore is an in-memory Provider, used for tests and as the default
// backend when embedding the engine without persistence.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memEntry),
	}
}

func (m MemStore) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemStore) Put(key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memEntry{bytes}
	return nil
}

func (m MemStore) Keys(prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0)
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemStore) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStore) PurgePrefix(prefix string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			delete(m.db, key)
		}
	}
	return nil
}

func (m MemStore) Close() error {
	return nil
}

// SQLiteStore is a Provider backed by an SQLite database file.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, bytes BLOB)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, err
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE key = ?", key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteStore) Put(key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, bytes) VALUES (?, ?)", key, bytes)
	return err
}

func (s SQLiteStore) Keys(prefix string, cb func(string)) error {
	rows, err := s.db.Query(`SELECT key FROM cache WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteStore) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s SQLiteStore) PurgePrefix(prefix string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`DELETE FROM cache WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	return err
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}

// likePrefix escapes LIKE wildcards so a key prefix only ever matches
// literally. Keys contain URIs, which may contain underscores.
func likePrefix(prefix string) string {
	prefix = strings.ReplaceAll(prefix, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, "%", `\%`)
	prefix = strings.ReplaceAll(prefix, "_", `\_`)
	return prefix + "%"
}
