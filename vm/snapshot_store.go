package vm

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "modernc.org/sqlite"
)

// SnapshotStore is a content-addressed persistent store for program
// snapshots, backed by SQLite. Snapshots are keyed by the SHA-256 of
// their bytes; names are mutable pointers to a hash.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (creating if needed) a store at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vm: open snapshot store: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: snapshot store busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: snapshot store schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS names (
		name TEXT PRIMARY KEY,
		hash TEXT NOT NULL REFERENCES snapshots(hash)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vm: snapshot store schema: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

// Put stores snapshot bytes under name and returns the content hash.
func (s *SnapshotStore) Put(name string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("vm: snapshot store put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO snapshots (hash, data) VALUES (?, ?)", hash, data); err != nil {
		return "", fmt.Errorf("vm: snapshot store put: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO names (name, hash) VALUES (?, ?) "+
			"ON CONFLICT(name) DO UPDATE SET hash = excluded.hash", name, hash); err != nil {
		return "", fmt.Errorf("vm: snapshot store put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("vm: snapshot store put: %w", err)
	}
	return hash, nil
}

// Get returns the snapshot bytes for a content hash.
func (s *SnapshotStore) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM snapshots WHERE hash = ?", hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vm: snapshot %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("vm: snapshot store get: %w", err)
	}
	return data, nil
}

// GetByName returns the snapshot bytes the given name points to.
func (s *SnapshotStore) GetByName(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT s.data FROM names n JOIN snapshots s ON s.hash = n.hash WHERE n.name = ?",
		name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vm: snapshot named %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("vm: snapshot store get: %w", err)
	}
	return data, nil
}

// Close releases the store.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
