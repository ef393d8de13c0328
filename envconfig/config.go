// config.go - Prozess-Konfiguration aus Environment-Variablen
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host des Caption-Servers zurueck (CAPTION_HOST)
// - AllowedOrigins: Gibt erlaubte CORS-Origins zurueck (CAPTION_ORIGINS)
// - Models: Gibt das Modell-/Download-Verzeichnis zurueck (CAPTION_MODELS)
// - CacheDB: Pfad der SQLite Caption-Cache-Datenbank (CAPTION_CACHE)
// - RequestTimeout: Timeout fuer einzelne Anfragen (CAPTION_REQUEST_TIMEOUT)
// - LogLevel: Gibt Log-Level zurueck (CAPTION_DEBUG)
//
// Getter-Helfer und AsMap liegen in config_utils.go.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPort ist der Standard-Port des Caption-Servers.
const DefaultPort = "11436"

// Host gibt Scheme und Host zurueck
// Konfigurierbar via CAPTION_HOST
// Default: http://127.0.0.1:11436
func Host() *url.URL {
	defaultPort := DefaultPort

	s := strings.TrimSpace(Var("CAPTION_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via CAPTION_ORIGINS (komma-separiert)
// Enthaelt immer die Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("CAPTION_ORIGINS"); s != "" {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Models gibt das Verzeichnis fuer Modelle, Checkpoints und Tokenizer zurueck
// Konfigurierbar via CAPTION_MODELS
// Default: $HOME/.caption/models
func Models() string {
	if s := Var("CAPTION_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "caption", "models")
	}

	return filepath.Join(home, ".caption", "models")
}

// CacheDB gibt den Pfad der Caption-Cache-Datenbank zurueck
// Konfigurierbar via CAPTION_CACHE, "off" deaktiviert den Cache
// Default: <Models()>/../cache.db
func CacheDB() string {
	s := Var("CAPTION_CACHE")
	switch strings.ToLower(s) {
	case "":
		return filepath.Join(filepath.Dir(Models()), "cache.db")
	case "off", "0", "false", "none":
		return ""
	}
	return s
}

// RequestTimeout gibt das Timeout fuer eine einzelne Caption-Anfrage zurueck
// Konfigurierbar via CAPTION_REQUEST_TIMEOUT (Dauer oder Sekunden)
// 0 oder negative Werte = kein Timeout
// Default: 2 Minuten
func RequestTimeout() time.Duration {
	timeout := 2 * time.Minute
	if s := Var("CAPTION_REQUEST_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Second
		}
	}

	if timeout < 0 {
		return 0
	}
	return timeout
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via CAPTION_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CAPTION_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
