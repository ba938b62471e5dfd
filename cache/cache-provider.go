package cache

import (
	"database/sql"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmgilman/go/errors"
)

// Storage holds named cache partitions.
// Each partition maps storage keys to serialized response snapshots.
// Partitions come into existence with their first write and disappear
// only when deleted as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns a handle to the named partition.
	// Opening does not create the partition.
	Open(name string) Partition
	// Names returns the names of all existing partitions in creation order.
	Names() ([]string, error)
	// Delete removes the partition and all of its entries.
	// It reports whether the partition existed.
	Delete(name string) (bool, error)
	// Match looks the key up in the named partitions, or in every partition
	// if no names are given, in creation order, and returns the first entry found.
	Match(key string, names ...string) ([]byte, bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Partition is a handle to a single named partition.
type Partition interface {
	// Get returns the entry stored under key, if any.
	Get(key string) ([]byte, bool, error)
	// Put inserts or overwrites the entry stored under key.
	Put(key string, bytes []byte) error
	// PutAll writes all entries, or none of them if an error occurs.
	PutAll(entries []Entry) error
	// Keys returns all keys in the partition.
	Keys() ([]string, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}

// DeleteAll deletes every partition whose name matches, returning the deleted names.
func DeleteAll(s Storage, match func(name string) bool) ([]string, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if !match(name) {
			continue
		}
		ok, err := s.Delete(name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not open cache db")
	}
	// a single connection keeps in-memory dbs intact and serializes writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeDatabase, "could not initialize cache db")
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(name string) Partition {
	return sqlitePartition{s, name}
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list partitions")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, errors.Wrap(err, errors.CodeDatabase, "could not list partitions")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete partition")
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete partition entries")
	}
	result, err := tx.Exec("DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete partition")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete partition")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not delete partition")
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Match(key string, names ...string) ([]byte, bool, error) {
	query := `SELECT e.bytes FROM entries e
		JOIN partitions p ON p.name = e.partition
		WHERE e.key = ?`
	args := []interface{}{key}
	if len(names) > 0 {
		query += " AND p.name IN (?" + strings.Repeat(", ?", len(names)-1) + ")"
		for _, name := range names {
			args = append(args, name)
		}
	}
	query += " ORDER BY p.id ASC LIMIT 1"
	var bytes []byte
	err := s.db.QueryRow(query, args...).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, errors.CodeDatabase, "could not match key")
	}
	return bytes, true, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	s    *SQLiteStorage
	name string
}

func (p sqlitePartition) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := p.s.db.QueryRow("SELECT bytes FROM entries WHERE partition = ? AND key = ?", p.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, errors.CodeDatabase, "could not read entry")
	}
	return bytes, true, nil
}

func (p sqlitePartition) Put(key string, bytes []byte) error {
	return p.PutAll([]Entry{{Key: key, Bytes: bytes}})
}

func (p sqlitePartition) PutAll(entries []Entry) error {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	tx, err := p.s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not write entries")
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", p.name); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not create partition")
	}
	for _, e := range entries {
		_, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(partition, key, bytes) VALUES (?, ?, ?)`,
			p.name, e.Key, e.Bytes)
		if err != nil {
			return errors.Wrap(err, errors.CodeDatabase, "could not write entry")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not write entries")
	}
	return nil
}

func (p sqlitePartition) Keys() ([]string, error) {
	rows, err := p.s.db.Query("SELECT key FROM entries WHERE partition = ? ORDER BY key", p.name)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list keys")
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, errors.Wrap(err, errors.CodeDatabase, "could not list keys")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
