// Package giststore implements the revisioned document store the
// collaboration server persists to. It exists so local development and
// tests don't need a hosted store; the wire protocol matches what the
// gist client in internal/gist expects.
package giststore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MaxRevisions bounds the per-gist revision history.
const MaxRevisions = 100

type Store struct {
	db *sql.DB
}

type Gist struct {
	ID        string
	Filename  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Revision struct {
	Revision    string
	GistID      string
	ContentHash string
	CreatedAt   time.Time
}

func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Gist store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS gists (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL DEFAULT 'share.json',
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS gist_revisions (
		revision TEXT PRIMARY KEY,
		gist_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (gist_id) REFERENCES gists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_gist_revisions_gist_id ON gist_revisions(gist_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the gist for id, or nil when unknown.
func (s *Store) Get(id string) (*Gist, error) {
	row := s.db.QueryRow(
		"SELECT id, filename, content, created_at, updated_at FROM gists WHERE id = ?",
		id,
	)

	var g Gist
	err := row.Scan(&g.ID, &g.Filename, &g.Content, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Patch upserts the gist content and records a revision. Writing identical
// content returns the existing latest revision instead of minting a new one.
func (s *Store) Patch(id, filename, content string) (*Revision, error) {
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	if latest, err := s.LatestRevision(id); err != nil {
		return nil, err
	} else if latest != nil && latest.ContentHash == hash {
		return latest, nil
	}

	_, err := s.db.Exec(`
		INSERT INTO gists (id, filename, content, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			content = excluded.content,
			updated_at = CURRENT_TIMESTAMP
	`, id, filename, content)
	if err != nil {
		return nil, err
	}

	revID := uuid.NewString()
	if _, err := s.db.Exec(`
		INSERT INTO gist_revisions (revision, gist_id, content, content_hash)
		VALUES (?, ?, ?, ?)
	`, revID, id, content, hash); err != nil {
		return nil, err
	}

	if err := s.pruneRevisions(id, MaxRevisions); err != nil {
		return nil, err
	}

	return s.getRevision(revID)
}

func (s *Store) getRevision(revID string) (*Revision, error) {
	row := s.db.QueryRow(`
		SELECT revision, gist_id, content_hash, created_at
		FROM gist_revisions WHERE revision = ?
	`, revID)

	var r Revision
	err := row.Scan(&r.Revision, &r.GistID, &r.ContentHash, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestRevision returns the most recent revision for a gist, or nil.
func (s *Store) LatestRevision(id string) (*Revision, error) {
	row := s.db.QueryRow(`
		SELECT revision, gist_id, content_hash, created_at
		FROM gist_revisions
		WHERE gist_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, id)

	var r Revision
	err := row.Scan(&r.Revision, &r.GistID, &r.ContentHash, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRevisions returns revisions for a gist, newest first.
func (s *Store) ListRevisions(id string, limit, offset int) ([]Revision, error) {
	rows, err := s.db.Query(`
		SELECT revision, gist_id, content_hash, created_at
		FROM gist_revisions
		WHERE gist_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.Revision, &r.GistID, &r.ContentHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		revisions = append(revisions, r)
	}
	return revisions, rows.Err()
}

func (s *Store) pruneRevisions(id string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM gist_revisions
		WHERE gist_id = ? AND revision NOT IN (
			SELECT revision FROM gist_revisions
			WHERE gist_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
	`, id, id, keep)
	return err
}

// Stats returns store-wide counters for the stats endpoint.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var gistCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM gists").Scan(&gistCount); err != nil {
		return nil, err
	}
	stats["gist_count"] = gistCount

	var revisionCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM gist_revisions").Scan(&revisionCount); err != nil {
		return nil, err
	}
	stats["revision_count"] = revisionCount

	return stats, nil
}
