// Package store persists harvested metadata: every fetch is written as a
// .torrent file, and optionally recorded in a Postgres harvests table.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/anacrolix/torrent/bencode"
)

// HarvestRecord is the persisted/broadcast view of one completed fetch.
type HarvestRecord struct {
	InfoHashHex  string    `json:"info_hash_hex"`
	Peer         string    `json:"peer"`
	FetchedAt    time.Time `json:"fetched_at"`
	MetadataSize int       `json:"metadata_size"`
	TorrentPath  string    `json:"torrent_path"`
}

type torrentFile struct {
	Info []byte `bencode:"info"`
}

// FileStore writes harvested metadata as canonical .torrent files under
// a single output directory.
type FileStore struct {
	dir string
}

// NewFileStore ensures dir exists and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create output dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Write persists metadata for infoHashHex as "<hash>.torrent", bencoded
// as {"info": metadata}. Empty metadata is never written.
func (s *FileStore) Write(infoHashHex string, metadata []byte) (string, error) {
	if len(metadata) == 0 {
		return "", fmt.Errorf("store: refusing to write empty metadata for %s", infoHashHex)
	}
	path := filepath.Join(s.dir, infoHashHex+".torrent")
	body, err := bencode.Marshal(torrentFile{Info: metadata})
	if err != nil {
		return "", fmt.Errorf("store: encode torrent: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("store: write %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a previously written .torrent file, used when the
// caller wants to force a hash to be re-fetched.
func (s *FileStore) Remove(infoHashHex string) error {
	return os.Remove(filepath.Join(s.dir, infoHashHex+".torrent"))
}

// Dir returns the output directory, for the fsnotify watcher to target.
func (s *FileStore) Dir() string {
	return s.dir
}

// PostgresStore records harvest history. Grounded on the teacher's
// internal/db/db.go connect/pool-tuning idiom.
type PostgresStore struct {
	db *sql.DB
}

// ConnectPostgres opens and pings a Postgres connection, creates the
// harvests table if absent, and tunes the connection pool.
func ConnectPostgres(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	const migration = `CREATE TABLE IF NOT EXISTS harvests (
		id SERIAL PRIMARY KEY,
		info_hash_hex TEXT NOT NULL,
		peer TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		metadata_size INTEGER NOT NULL
	)`
	if _, err := db.Exec(migration); err != nil {
		return nil, fmt.Errorf("store: run migration: %w", err)
	}

	log.Println("store: connected to postgres")
	return &PostgresStore{db: db}, nil
}

// Record inserts one harvest row. Failure is logged and dropped — a
// Postgres outage must never fail a harvest, matching the teacher's
// fail-open posture in internal/torrent/queue.go's ShouldHash.
func (p *PostgresStore) Record(r HarvestRecord) {
	_, err := p.db.Exec(
		`INSERT INTO harvests (info_hash_hex, peer, fetched_at, metadata_size) VALUES ($1, $2, $3, $4)`,
		r.InfoHashHex, r.Peer, r.FetchedAt, r.MetadataSize,
	)
	if err != nil {
		log.Printf("store: record harvest %s: %v", r.InfoHashHex, err)
	}
}

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Sink fans a harvest out to a FileStore and, if present, a
// PostgresStore. It also keeps the most recent records in memory for
// the status API's /harvests endpoint. Harvest is called concurrently
// by every orchestrator worker while Recent is read concurrently by
// every API request goroutine, so recent is guarded by recentMu — the
// same pattern as internal/ws/hub.go's clientsMu.
type Sink struct {
	files    *FileStore
	postgres *PostgresStore

	recentMu sync.Mutex
	recent   []HarvestRecord
	max      int
}

// NewSink wires a Sink; postgres may be nil to disable that path.
func NewSink(files *FileStore, postgres *PostgresStore) *Sink {
	return &Sink{files: files, postgres: postgres, max: 200}
}

// Harvest implements orchestrator.Sink.
func (s *Sink) Harvest(infoHashHex string, peer string, metadata []byte) {
	path, err := s.files.Write(infoHashHex, metadata)
	if err != nil {
		log.Printf("store: %v", err)
		return
	}

	record := HarvestRecord{
		InfoHashHex:  infoHashHex,
		Peer:         peer,
		FetchedAt:    time.Now(),
		MetadataSize: len(metadata),
		TorrentPath:  path,
	}

	if s.postgres != nil {
		s.postgres.Record(record)
	}

	s.recentMu.Lock()
	s.recent = append(s.recent, record)
	if len(s.recent) > s.max {
		s.recent = s.recent[len(s.recent)-s.max:]
	}
	s.recentMu.Unlock()
}

// Recent returns up to limit of the most recently harvested records,
// newest first.
func (s *Sink) Recent(limit int) []HarvestRecord {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]HarvestRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}
