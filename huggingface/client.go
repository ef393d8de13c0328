// client.go - HuggingFace Hub Client
// Stellt einen HTTP-Client fuer Tokenizer- und Checkpoint-Downloads bereit.
package huggingface

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/caption/envconfig"
)

// Konstanten fuer HuggingFace Hub
const (
	DefaultHubURL        = "https://huggingface.co"
	DefaultRevision      = "main"
	DefaultClientTimeout = 30 * time.Minute
	ClientUserAgent      = "caption/1.0"
)

// Fehler-Definitionen
var (
	ErrNotFound        = errors.New("huggingface: not found")
	ErrUnauthorized    = errors.New("huggingface: unauthorized")
	ErrRateLimited     = errors.New("huggingface: rate limited")
	ErrNetwork         = errors.New("huggingface: network error")
	ErrInvalidRepoID   = errors.New("huggingface: invalid repo id")
	ErrInvalidResponse = errors.New("huggingface: invalid response")
	ErrDownloadFailed  = errors.New("huggingface: download failed")
)

// Client ist der HuggingFace Hub Client
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	cacheDir   string
	retryDelay time.Duration
}

// ClientOption konfiguriert den Client
type ClientOption func(*Client)

// WithToken setzt den HuggingFace API Token
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithBaseURL setzt eine Custom Base-URL (z.B. Mirror oder Test-Server)
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient setzt einen Custom HTTP Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUserAgent setzt einen Custom User-Agent
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithCacheDir setzt das Cache-Verzeichnis
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) { c.cacheDir = dir }
}

// WithRetryDelay setzt die Wartezeit zwischen Download-Versuchen
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient erstellt einen Client. Token und Endpoint kommen aus HF_TOKEN / HF_ENDPOINT,
// Optionen haben Vorrang.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		baseURL:    DefaultHubURL,
		token:      envconfig.HFToken(),
		userAgent:  ClientUserAgent,
		retryDelay: DownloadRetryDelay,
	}
	if endpoint := envconfig.HFEndpoint(); endpoint != "" {
		c.baseURL = strings.TrimSuffix(endpoint, "/")
	}
	for _, opt := range options {
		opt(c)
	}
	if c.cacheDir == "" {
		c.cacheDir = GetCacheDir()
	}
	return c
}

// BaseURL gibt die aktuelle Base-URL zurueck
func (c *Client) BaseURL() string { return c.baseURL }

// CacheDir gibt das Cache-Verzeichnis zurueck
func (c *Client) CacheDir() string { return c.cacheDir }

// HasToken prueft ob ein Token konfiguriert ist
func (c *Client) HasToken() bool { return c.token != "" }

// FileURL baut die resolve-URL einer Datei im Repository
func (c *Client) FileURL(repoID, revision, filename string) string {
	if revision == "" {
		revision = DefaultRevision
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repoID, url.PathEscape(revision), filename)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	// Token nur an den Hub senden, nicht an beliebige Checkpoint-URLs
	if c.token != "" && strings.HasPrefix(req.URL.String(), c.baseURL+"/") {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) handleResponseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("%w: status %d - %s", ErrInvalidResponse, resp.StatusCode, string(body))
		}
		return nil
	}
}

// validateRepoID akzeptiert "owner/name" und kanonische Namen ohne Owner (z.B. "bert-base-uncased").
func validateRepoID(repoID string) error {
	if repoID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRepoID)
	}
	parts := strings.Split(repoID, "/")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q, expected 'owner/name'", ErrInvalidRepoID, repoID)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidRepoID, repoID)
		}
	}
	return nil
}
