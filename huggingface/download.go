// download.go - Downloads mit Retry, Resume und Progress-Callback
// Einzeldateien aus Hub-Repositories, mehrere Dateien parallel, beliebige URLs.
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// Download-Konstanten
const (
	DefaultChunkSize    = 1024 * 1024 // 1 MB
	MaxDownloadRetries  = 3
	DownloadRetryDelay  = 2 * time.Second
	DefaultParallelism  = 4
	partialFileSuffix   = ".download"
	defaultDirectoryMod = 0o755
)

// ProgressCallback wird waehrend des Downloads mit den neu geschriebenen Bytes aufgerufen
type ProgressCallback func(filename string, n int64)

// DownloadOption konfiguriert einen Download
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	revision    string
	progressFn  ProgressCallback
	parallelism int
	optional    map[string]bool
}

// WithRevision setzt die Git-Revision
func WithRevision(revision string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.revision = revision }
}

// WithProgress setzt den Progress-Callback
func WithProgress(fn ProgressCallback) DownloadOption {
	return func(cfg *downloadConfig) { cfg.progressFn = fn }
}

// WithParallelism setzt die Anzahl paralleler Downloads
func WithParallelism(n int) DownloadOption {
	return func(cfg *downloadConfig) {
		if n > 0 {
			cfg.parallelism = n
		}
	}
}

// WithOptional markiert Dateien, deren Fehlen (404) kein Fehler ist
func WithOptional(files ...string) DownloadOption {
	return func(cfg *downloadConfig) {
		for _, f := range files {
			cfg.optional[f] = true
		}
	}
}

func newDownloadConfig(opts []DownloadOption) *downloadConfig {
	cfg := &downloadConfig{
		revision:    DefaultRevision,
		parallelism: DefaultParallelism,
		optional:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// DownloadFile laedt eine Datei aus einem Repository in den Cache und gibt den lokalen Pfad zurueck.
// Bereits vorhandene Dateien werden nicht erneut geladen.
func (c *Client) DownloadFile(ctx context.Context, repoID, filename string, opts ...DownloadOption) (string, error) {
	if err := validateRepoID(repoID); err != nil {
		return "", err
	}
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename", ErrNotFound)
	}

	cfg := newDownloadConfig(opts)
	if p, ok := c.CachedFile(repoID, cfg.revision, filename); ok {
		return p, nil
	}

	target := filepath.Join(c.SnapshotDir(repoID, cfg.revision), filepath.FromSlash(filename))
	if err := c.download(ctx, c.FileURL(repoID, cfg.revision, filename), target, filename, cfg.progressFn); err != nil {
		return "", err
	}
	return target, nil
}

// DownloadFiles laedt mehrere Dateien parallel. Das Ergebnis enthaelt nur vorhandene Dateien
// (optionale Dateien mit 404 fehlen in der Map).
func (c *Client) DownloadFiles(ctx context.Context, repoID string, files []string, opts ...DownloadOption) (map[string]string, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}

	cfg := newDownloadConfig(opts)
	paths := make([]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)
	for i, file := range files {
		g.Go(func() error {
			p, err := c.DownloadFile(ctx, repoID, file, opts...)
			if err != nil {
				if cfg.optional[file] && errors.Is(err, ErrNotFound) {
					slog.Debug("optional file not found", "repo", repoID, "file", file)
					return nil
				}
				return fmt.Errorf("%s: %w", file, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(files))
	for i, file := range files {
		if paths[i] != "" {
			result[file] = paths[i]
		}
	}
	return result, nil
}

// DownloadURL laedt eine beliebige URL in den URL-Cache und gibt den lokalen Pfad zurueck.
func (c *Client) DownloadURL(ctx context.Context, rawURL string, opts ...DownloadOption) (string, error) {
	cfg := newDownloadConfig(opts)
	target := c.URLCachePath(rawURL)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if err := c.download(ctx, rawURL, target, filepath.Base(target), cfg.progressFn); err != nil {
		return "", err
	}
	return target, nil
}

// download versucht den Download bis zu MaxDownloadRetries mal.
// 404 und 401/403 werden nicht wiederholt.
func (c *Client) download(ctx context.Context, rawURL, target, name string, progressFn ProgressCallback) error {
	if err := os.MkdirAll(filepath.Dir(target), defaultDirectoryMod); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var lastErr error
	for attempt := range MaxDownloadRetries {
		if attempt > 0 {
			slog.Warn("download failed, retrying", "url", rawURL, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		err := c.doDownload(ctx, rawURL, target, name, progressFn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDownloadFailed, MaxDownloadRetries, lastErr)
}

// doDownload schreibt in <target>.download und setzt einen vorhandenen Teil-Download per Range fort.
func (c *Client) doDownload(ctx context.Context, rawURL, target, name string, progressFn ProgressCallback) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	tmpPath := target + partialFileSuffix
	var existingSize int64
	if stat, err := os.Stat(tmpPath); err == nil {
		existingSize = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && existingSize > 0 {
		// Server ignoriert Range, neu beginnen
		existingSize = 0
	} else if err := c.handleResponseError(resp); err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE
	if existingSize > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, DefaultChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if progressFn != nil {
				progressFn(name, int64(n))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	}

	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, target)
}
