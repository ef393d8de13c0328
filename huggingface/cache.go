// cache.go - Cache-Layout fuer HuggingFace Dateien und Checkpoint-URLs
// Kompatibel mit der huggingface_hub Struktur (models--owner--name/snapshots/<rev>/...).
package huggingface

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
)

// Cache-Konstanten
const (
	DefaultCacheSubdir = "huggingface/hub"
	CacheSnapshotDir   = "snapshots"
	CacheModelPrefix   = "models--"
	CacheURLDir        = "checkpoints"
)

// GetCacheDir gibt das Cache-Verzeichnis zurueck
// Reihenfolge: HF_HUB_CACHE, HF_HOME/hub, XDG_CACHE_HOME/huggingface/hub, ~/.cache/huggingface/hub
func GetCacheDir() string {
	if cacheDir := os.Getenv("HF_HUB_CACHE"); cacheDir != "" {
		return cacheDir
	}
	if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		return filepath.Join(hfHome, "hub")
	}
	return getDefaultCacheDir()
}

func getDefaultCacheDir() string {
	var baseDir string
	switch runtime.GOOS {
	case "windows":
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			baseDir = filepath.Join(userProfile, ".cache")
		} else {
			baseDir = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	default:
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			baseDir = xdgCache
		} else if home, err := os.UserHomeDir(); err == nil {
			baseDir = filepath.Join(home, ".cache")
		} else {
			baseDir = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	}
	return filepath.Join(baseDir, DefaultCacheSubdir)
}

// SnapshotDir gibt das Snapshot-Verzeichnis eines Repositories zurueck
func (c *Client) SnapshotDir(repoID, revision string) string {
	if revision == "" {
		revision = DefaultRevision
	}
	return filepath.Join(c.cacheDir, repoIDToCacheDir(repoID), CacheSnapshotDir, revision)
}

// CachedFile gibt den Pfad einer bereits geladenen Datei zurueck
func (c *Client) CachedFile(repoID, revision, filename string) (string, bool) {
	p := filepath.Join(c.SnapshotDir(repoID, revision), filepath.FromSlash(filename))
	if _, err := os.Stat(p); err == nil {
		return p, true
	}
	return "", false
}

// URLCachePath gibt den Cache-Pfad fuer eine beliebige Download-URL zurueck.
// Der Dateiname bleibt erhalten, damit die Endung (.pth, .safetensors) erkennbar ist.
func (c *Client) URLCachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := "download"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	return filepath.Join(c.cacheDir, CacheURLDir, hex.EncodeToString(sum[:8])+"-"+name)
}

func repoIDToCacheDir(repoID string) string {
	return CacheModelPrefix + strings.ReplaceAll(repoID, "/", "--")
}
