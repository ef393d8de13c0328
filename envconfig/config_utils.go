// config_utils.go - Getter-Helfer und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar/AsMap/Values: Uebersicht aller Variablen (fuer --help und Logs)
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// UseGPU aktiviert den CUDA Execution Provider fuer ONNX-Backends.
	UseGPU = Bool("CAPTION_GPU")
	// NumThreads begrenzt die Intra-Op Threads der ONNX Runtime (0 = auto).
	NumThreads = Uint("CAPTION_NUM_THREADS", 0)
	// MaxBatch begrenzt die Anzahl Bilder pro Anfrage.
	MaxBatch = Uint("CAPTION_MAX_BATCH", 16)
	// HFToken ist das Hugging Face Token fuer private Repositories.
	HFToken = String("HF_TOKEN")
	// HFEndpoint ueberschreibt den Hugging Face Hub Endpoint.
	HFEndpoint = String("HF_ENDPOINT")
	// OrtLibrary ist der Pfad zur onnxruntime Shared Library.
	OrtLibrary = String("CAPTION_ORT_LIBRARY")
)

// =============================================================================
// Export
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CAPTION_DEBUG":           {"CAPTION_DEBUG", LogLevel(), "Show additional debug information (e.g. CAPTION_DEBUG=1)"},
		"CAPTION_HOST":            {"CAPTION_HOST", Host(), "IP Address for the caption server (default 127.0.0.1:" + DefaultPort + ")"},
		"CAPTION_MODELS":          {"CAPTION_MODELS", Models(), "The path to the models directory"},
		"CAPTION_CACHE":           {"CAPTION_CACHE", CacheDB(), "Path of the caption cache database (\"off\" disables it)"},
		"CAPTION_ORIGINS":         {"CAPTION_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"CAPTION_REQUEST_TIMEOUT": {"CAPTION_REQUEST_TIMEOUT", RequestTimeout(), "Timeout for a single caption request (default \"2m\")"},
		"CAPTION_GPU":             {"CAPTION_GPU", UseGPU(), "Use the CUDA execution provider"},
		"CAPTION_NUM_THREADS":     {"CAPTION_NUM_THREADS", NumThreads(), "Intra-op threads for the ONNX runtime (0 = auto)"},
		"CAPTION_MAX_BATCH":       {"CAPTION_MAX_BATCH", MaxBatch(), "Maximum number of images per request"},
		"CAPTION_ORT_LIBRARY":     {"CAPTION_ORT_LIBRARY", OrtLibrary(), "Path to the onnxruntime shared library"},
		"HF_TOKEN":                {"HF_TOKEN", HFToken() != "", "Hugging Face access token"},
		"HF_ENDPOINT":             {"HF_ENDPOINT", HFEndpoint(), "Hugging Face Hub endpoint"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
