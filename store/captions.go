// captions.go - Caption-Eintraege lesen, schreiben, aufraeumen
// Enthaelt: Key, Get, Put, Purge, Stats

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry ist ein gespeichertes Ergebnis
type Entry struct {
	Key       string
	Model     string
	Caption   string
	CreatedAt time.Time
	Hits      int
}

// Stats fasst den Cache zusammen
type Stats struct {
	Entries int
	Hits    int
	Oldest  time.Time
}

// Key bildet den Cache-Schluessel aus Bild, Modellname und Generierungsoptionen.
// options wird als JSON serialisiert; gleiche Optionen ergeben gleiche Schluessel.
func Key(image []byte, model string, options any) (string, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("store: encode options: %w", err)
	}

	h := sha256.New()
	imgSum := sha256.Sum256(image)
	h.Write(imgSum[:])
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(opts)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get liest einen Eintrag und zaehlt den Treffer. ok ist false wenn nichts gespeichert ist.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := s.conn.QueryRowContext(ctx,
		"SELECT key, model, caption, created_at, hits FROM captions WHERE key = ?", key,
	).Scan(&e.Key, &e.Model, &e.Caption, &e.CreatedAt, &e.Hits)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("store: get: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx,
		"UPDATE captions SET hits = hits + 1, last_hit_at = CURRENT_TIMESTAMP WHERE key = ?", key,
	); err != nil {
		return Entry{}, false, fmt.Errorf("store: count hit: %w", err)
	}
	e.Hits++
	return e, true, nil
}

// Put speichert oder ersetzt einen Eintrag.
func (s *Store) Put(ctx context.Context, key, model, caption string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO captions (key, model, caption) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET model = excluded.model, caption = excluded.caption,
			created_at = CURRENT_TIMESTAMP, hits = 0
	`, key, model, caption)
	if err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Purge loescht Eintraege die vor before angelegt wurden und gibt ihre Anzahl zurueck.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM captions WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats gibt Anzahl, Treffer und aeltesten Eintrag zurueck.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st     Stats
		oldest sql.NullString
	)
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(hits), 0), MIN(created_at) FROM captions",
	).Scan(&st.Entries, &st.Hits, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	if oldest.Valid {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, oldest.String); err == nil {
				st.Oldest = t
				break
			}
		}
	}
	return st, nil
}
