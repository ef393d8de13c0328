// types.go - Request/Response Typen der Caption API
// Enthaelt: StatusError, ImageData, Options, CaptionRequest/Response, LossRequest/Response,
// ModelsResponse, VersionResponse
package api

import (
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the caption server logs for details"
	}
}

// ImageData represents the raw binary data of an image file. It is sent as
// base64 in JSON.
type ImageData []byte

// ============================================================================
// Generierung
// ============================================================================

// Options steuert die Caption-Generierung. Nil-Felder bedeuten "Server-Default",
// 0 ist ein gueltiger Wert. Seed ist nur beim Nucleus Sampling relevant.
type Options struct {
	UseNucleusSampling bool     `json:"use_nucleus_sampling,omitempty"`
	NumBeams           *int     `json:"num_beams,omitempty"`
	MaxLength          *int     `json:"max_length,omitempty"`
	MinLength          *int     `json:"min_length,omitempty"`
	TopP               *float64 `json:"top_p,omitempty"`
	RepetitionPenalty  *float64 `json:"repetition_penalty,omitempty"`
	Seed               *int64   `json:"seed,omitempty"`
}

// CaptionRequest beschreibt eine Caption-Anfrage fuer ein oder mehrere Bilder.
type CaptionRequest struct {
	// Model ist ein Modelltyp ("base", "large") oder ein Config-Pfad. Leer = "base".
	Model   string      `json:"model,omitempty"`
	Images  []ImageData `json:"images"`
	Options *Options    `json:"options,omitempty"`
	// NoCache umgeht den Ergebnis-Cache
	NoCache bool `json:"no_cache,omitempty"`
}

// CaptionResponse enthaelt eine Caption pro Bild in Eingabereihenfolge.
type CaptionResponse struct {
	Model    string        `json:"model"`
	Captions []string      `json:"captions"`
	Cached   []bool        `json:"cached,omitempty"`
	Duration time.Duration `json:"total_duration,omitempty"`
}

// ============================================================================
// Loss
// ============================================================================

// LossRequest bewertet Bild/Text-Paare mit dem Sprachmodell-Loss.
type LossRequest struct {
	Model    string      `json:"model,omitempty"`
	Images   []ImageData `json:"images"`
	Captions []string    `json:"captions"`
}

// LossResponse enthaelt den mittleren Loss ueber alle gezaehlten Tokens.
type LossResponse struct {
	Model     string        `json:"model"`
	Loss      float64       `json:"loss"`
	NumTokens int           `json:"num_tokens"`
	Duration  time.Duration `json:"total_duration,omitempty"`
}

// ============================================================================
// Modelle / Version
// ============================================================================

// ModelInfo beschreibt einen verfuegbaren Modelltyp.
type ModelInfo struct {
	Name     string    `json:"name"`
	Arch     string    `json:"arch"`
	Config   string    `json:"config"`
	Loaded   bool      `json:"loaded"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

// ModelsResponse listet Modelltypen und registrierte Architekturen.
type ModelsResponse struct {
	Models        []ModelInfo `json:"models"`
	Architectures []string    `json:"architectures"`
}

// VersionResponse ist die Antwort von /api/version
type VersionResponse struct {
	Version string `json:"version"`
}
