package huggingface

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(
		WithBaseURL(srv.URL),
		WithCacheDir(t.TempDir()),
		WithRetryDelay(time.Millisecond),
		WithToken("secret"),
	)
}

func TestGetCacheDir(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", "/tmp/hub")
	assert.Equal(t, "/tmp/hub", GetCacheDir())

	t.Setenv("HF_HUB_CACHE", "")
	t.Setenv("HF_HOME", "/tmp/hf")
	assert.Equal(t, filepath.Join("/tmp/hf", "hub"), GetCacheDir())
}

func TestValidateRepoID(t *testing.T) {
	for _, id := range []string{"bert-base-uncased", "Salesforce/blip-image-captioning-base"} {
		assert.NoError(t, validateRepoID(id), id)
	}
	for _, id := range []string{"", "a/b/c", "/x", "x/", "..", "a/.."} {
		assert.ErrorIs(t, validateRepoID(id), ErrInvalidRepoID, id)
	}
}

func TestDownloadFile(t *testing.T) {
	var auth atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/bert-base-uncased/resolve/main/vocab.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("[PAD]\n[UNK]\n"))
	}))

	p, err := c.DownloadFile(t.Context(), "bert-base-uncased", "vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.SnapshotDir("bert-base-uncased", ""), "vocab.txt"), p)
	assert.Equal(t, "Bearer secret", auth.Load())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "[PAD]\n[UNK]\n", string(data))

	cached, ok := c.CachedFile("bert-base-uncased", "main", "vocab.txt")
	assert.True(t, ok)
	assert.Equal(t, p, cached)
}

func TestDownloadFileNotFoundNoRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))

	_, err := c.DownloadFile(t.Context(), "bert-base-uncased", "missing.json")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < MaxDownloadRetries {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	p, err := c.DownloadFile(t.Context(), "a/b", "config.json")
	require.NoError(t, err)
	assert.Equal(t, int32(MaxDownloadRetries), calls.Load())

	data, _ := os.ReadFile(p)
	assert.Equal(t, "ok", string(data))
}

func TestDownloadRetriesExhausted(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.DownloadFile(t.Context(), "a/b", "config.json")
	require.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestDownloadResume(t *testing.T) {
	const content = "0123456789"
	var gotRange atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		gotRange.Store(rng)
		if rng == "bytes=4-" {
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(content[4:]))
			return
		}
		_, _ = w.Write([]byte(content))
	}))

	target := filepath.Join(c.SnapshotDir("a/b", "main"), "model.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target+partialFileSuffix, []byte(content[:4]), 0o644))

	var progressed atomic.Int64
	p, err := c.DownloadFile(t.Context(), "a/b", "model.bin", WithProgress(func(_ string, n int64) {
		progressed.Add(n)
	}))
	require.NoError(t, err)
	assert.Equal(t, "bytes=4-", gotRange.Load())
	assert.Equal(t, int64(6), progressed.Load())

	data, _ := os.ReadFile(p)
	assert.Equal(t, content, string(data))

	_, err = os.Stat(target + partialFileSuffix)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDownloadFilesOptional(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tokenizer_config.json") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("{}"))
	}))

	files := []string{"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json"}
	paths, err := c.DownloadFiles(t.Context(), "bert-base-uncased", files, WithOptional("tokenizer_config.json"))
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	assert.Contains(t, paths, "tokenizer.json")
	assert.NotContains(t, paths, "tokenizer_config.json")

	_, err = c.DownloadFiles(t.Context(), "bert-base-uncased", files)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadURLNoTokenLeak(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("weights"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithCacheDir(t.TempDir()), WithToken("secret"), WithBaseURL("https://hub.example"))

	p, err := c.DownloadURL(t.Context(), srv.URL+"/models/model_base_capfilt_large.pth")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, "-model_base_capfilt_large.pth"), p)
	assert.Equal(t, "", auth.Load())

	again, err := c.DownloadURL(t.Context(), srv.URL+"/models/model_base_capfilt_large.pth")
	require.NoError(t, err)
	assert.Equal(t, p, again)
}
