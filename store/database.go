// database.go - SQLite-Verbindung, Schema und Migrationen
// Enthaelt: Store, Open, Close, init, migrate

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// currentSchemaVersion wird bei Schema-Aenderungen erhoeht
const currentSchemaVersion = 2

// ErrDisabled wird zurueckgegeben wenn der Cache abgeschaltet ist
var ErrDisabled = errors.New("store: cache disabled")

// Store ist der Caption-Cache. SQLite serialisiert Schreiber selbst,
// WAL erlaubt parallele Leser.
type Store struct {
	conn *sql.DB
	path string
}

// Open oeffnet (oder erstellt) die Datenbank unter path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, ErrDisabled
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	slog.Debug("caption cache opened", "path", path)
	return s, nil
}

// Path gibt den Datenbankpfad zurueck
func (s *Store) Path() string { return s.path }

// Close schliesst die Verbindung
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

func (s *Store) init() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL DEFAULT %d
	);

	INSERT OR IGNORE INTO meta (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS captions (
		key TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		caption TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		hits INTEGER NOT NULL DEFAULT 0,
		last_hit_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_captions_created_at ON captions(created_at);
	`, currentSchemaVersion)

	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	return s.migrate()
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.conn.QueryRow("SELECT schema_version FROM meta WHERE id = 1").Scan(&version)
	return version, err
}

// migrate hebt aeltere Datenbanken auf currentSchemaVersion
func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for version < currentSchemaVersion {
		switch version {
		case 1:
			// Trefferstatistik
			if err := s.migrateV1ToV2(); err != nil {
				return fmt.Errorf("migrate v1 to v2: %w", err)
			}
			version = 2
		default:
			version = currentSchemaVersion
		}
	}

	_, err = s.conn.Exec("UPDATE meta SET schema_version = ? WHERE id = 1", currentSchemaVersion)
	return err
}

func (s *Store) migrateV1ToV2() error {
	for _, stmt := range []string{
		"ALTER TABLE captions ADD COLUMN hits INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE captions ADD COLUMN last_hit_at TIMESTAMP",
	} {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
