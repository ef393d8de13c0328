// MODUL: errors
// ZWECK: Fehler-Definitionen und Mapping auf HTTP-Status und API-Codes
// INPUT: Fehler aus Handlern, caption, vision, registry, decoding
// OUTPUT: JSON-Fehler {"error": ..., "code": ...}
// NEBENEFFEKTE: HTTP-Responses schreiben
// ABHAENGIGKEITEN: gin, caption, decoding, logutil, registry, vision (intern)
// HINWEISE: Fehler-Codes entsprechen api.StatusError.Code
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/decoding"
	"github.com/ollama/caption/logutil"
	"github.com/ollama/caption/registry"
	"github.com/ollama/caption/vision"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	// ErrNoImages wird zurueckgegeben wenn eine Anfrage keine Bilder enthaelt
	ErrNoImages = errors.New("no images in request")

	// ErrBatchTooLarge wird zurueckgegeben wenn die Batch-Groesse das Limit ueberschreitet
	ErrBatchTooLarge = errors.New("batch size exceeds limit")

	// ErrInvalidImage wird bei nicht dekodierbaren Bildern zurueckgegeben
	ErrInvalidImage = errors.New("invalid image data")

	// ErrCaptionCount wird zurueckgegeben wenn Bilder und Captions nicht zusammenpassen
	ErrCaptionCount = errors.New("number of captions does not match number of images")

	// ErrInvalidRequest wird bei nicht lesbarem JSON zurueckgegeben
	ErrInvalidRequest = errors.New("invalid request")
)

// ============================================================================
// Fehler-Code Mapping
// ============================================================================

type errorMapping struct {
	err    error
	status int
	code   string
}

// Reihenfolge zaehlt: der erste Treffer per errors.Is gewinnt
var errorMappings = []errorMapping{
	{ErrNoImages, http.StatusBadRequest, "NO_IMAGES"},
	{ErrBatchTooLarge, http.StatusBadRequest, "BATCH_TOO_LARGE"},
	{ErrCaptionCount, http.StatusBadRequest, "CAPTION_COUNT"},
	{ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
	{vision.ErrUnknownFormat, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
	{ErrInvalidImage, http.StatusBadRequest, "INVALID_IMAGE"},
	{caption.ErrNoText, http.StatusBadRequest, "NO_TEXT"},
	{caption.ErrBatchSize, http.StatusBadRequest, "BATCH_MISMATCH"},
	{decoding.ErrInvalidParams, http.StatusBadRequest, "INVALID_OPTIONS"},
	{caption.ErrUnknownModelType, http.StatusNotFound, "MODEL_NOT_FOUND"},
	{registry.ErrNotRegistered, http.StatusNotFound, "MODEL_NOT_FOUND"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
	{context.Canceled, 499, "CANCELED"},
}

// classify gibt HTTP-Status und API-Code fuer einen Fehler zurueck.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// ============================================================================
// HTTP Response Helper
// ============================================================================

// abortWithError schreibt den Fehler als JSON und bricht die Handler-Kette ab.
func abortWithError(c *gin.Context, err error) {
	status, code := classify(err)
	logger := logutil.FromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
	} else {
		logger.Debug("request rejected", "path", c.FullPath(), "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, api.StatusError{ErrorMessage: err.Error(), Code: code})
}
