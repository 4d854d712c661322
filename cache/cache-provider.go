package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrPartitionNotFound is returned when operating on a partition that does not exist (anymore).
var ErrPartitionNotFound = errors.New("partition not found")

// Storage is the set of named cache partitions of one origin.
// It is the equivalent of the CacheStorage a service worker sees.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(name string) (Partition, error)
	// Has checks if a partition with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the named partition and all of its entries.
	// It returns false if there was no such partition.
	Delete(name string) (bool, error)
	// Names returns the partition names in creation order.
	Names() ([]string, error)
}

// Partition maps request identities (cache keys) to the most recent stored response.
//
// Implementations must be thread-safe!
type Partition interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	// Writes into a partition that has been deleted are dropped.
	Put(entry Entry) error
	// Keys calls the given callback for each key with the given prefix.
	Keys(prefix string, cb func(string)) error
}

// Entry is one stored response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (or creates) a partition store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	// a single connection keeps shared in-memory dbs alive and serializes writers
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("could not initialize cache db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqlitePartition{name: name, s: s}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Names() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqlitePartition struct {
	name string
	s    SQLiteStorage
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) Match(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := p.s.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (p sqlitePartition) Put(entry Entry) error {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	// only write if the partition still exists
	_, err := p.s.db.Exec(`INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM partitions WHERE name = ?)`,
		p.name, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes, p.name)
	return err
}

func (p sqlitePartition) Keys(prefix string, cb func(string)) error {
	rows, err := p.s.db.Query(
		"SELECT key FROM entries WHERE partition = ? AND substr(key, 1, length(?)) = ? ORDER BY key",
		p.name, prefix, prefix,
	)
	if err != nil {
		return err
	}
	// collect first, callbacks may use the db (single connection)
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// Count returns the number of entries in the named partition without creating it.
func Count(s Storage, name string) (int, error) {
	if ok, err := s.Has(name); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrPartitionNotFound)
	}
	p, err := s.Open(name)
	if err != nil {
		return 0, err
	}
	count := 0
	err = p.Keys("", func(string) { count++ })
	return count, err
}
