// handlers.go - HTTP-Handler der Caption API
// Enthaelt: CaptionHandler, LossHandler, ModelsHandler, generateOptions

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/decoding"
	"github.com/ollama/caption/logutil"
	"github.com/ollama/caption/store"
)

// requestContext begrenzt die Anfrage auf das konfigurierte Timeout (0 = keins)
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.timeout)
	}
	return context.WithCancel(c.Request.Context())
}

func (s *Server) checkBatch(n int) error {
	if n == 0 {
		return ErrNoImages
	}
	if s.maxBatch > 0 && n > s.maxBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, s.maxBatch)
	}
	return nil
}

// pixels dekodiert die Bilder eines Requests in einen Batch-Tensor
func pixels(ctx context.Context, inst *Instance, images [][]byte) (caption.Samples, error) {
	t, err := inst.Preprocessor.Batch(ctx, images)
	if err != nil {
		if ctx.Err() != nil {
			return caption.Samples{}, ctx.Err()
		}
		return caption.Samples{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return caption.Samples{Image: t}, nil
}

// generateOptions legt die gesetzten (nicht-nil) Felder der Anfrage ueber die Defaults
func generateOptions(o *api.Options) caption.GenerateOptions {
	opts := caption.DefaultGenerateOptions()
	if o == nil {
		return opts
	}

	opts.UseNucleusSampling = o.UseNucleusSampling
	if o.NumBeams != nil {
		opts.NumBeams = *o.NumBeams
	}
	if o.MaxLength != nil {
		opts.MaxLength = *o.MaxLength
	}
	if o.MinLength != nil {
		opts.MinLength = *o.MinLength
	}
	if o.TopP != nil {
		opts.TopP = *o.TopP
	}
	if o.RepetitionPenalty != nil {
		opts.RepetitionPenalty = *o.RepetitionPenalty
	}
	opts.Seed = o.Seed
	return opts
}

// validateOptions prueft die Optionen vor dem Laden der Bilder
func validateOptions(o caption.GenerateOptions) error {
	p := decoding.DefaultParams()
	p.UseNucleusSampling = o.UseNucleusSampling
	p.NumBeams = o.NumBeams
	p.MaxLength = o.MaxLength
	p.MinLength = o.MinLength
	p.TopP = o.TopP
	p.RepetitionPenalty = o.RepetitionPenalty
	return p.Validate()
}

// ============================================================================
// POST /api/caption
// ============================================================================

// CaptionHandler erzeugt eine Caption pro Bild. Deterministische Ergebnisse (Beam Search,
// Greedy) werden im Cache abgelegt; nur fehlende Bilder laufen durch das Modell.
func (s *Server) CaptionHandler(c *gin.Context) {
	var req api.CaptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	if err := s.checkBatch(len(req.Images)); err != nil {
		abortWithError(c, err)
		return
	}

	opts := generateOptions(req.Options)
	if err := validateOptions(opts); err != nil {
		abortWithError(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	start := time.Now()
	inst, err := s.models.Get(ctx, req.Model)
	if err != nil {
		abortWithError(c, err)
		return
	}

	useCache := s.cache != nil && !req.NoCache && !opts.UseNucleusSampling

	n := len(req.Images)
	captions := make([]string, n)
	cached := make([]bool, n)
	keys := make([]string, n)

	var missing []int
	for i, img := range req.Images {
		if useCache {
			if key, err := store.Key(img, inst.Name, opts); err == nil {
				keys[i] = key
				e, ok, err := s.cache.Get(ctx, key)
				if err != nil {
					logutil.FromContext(ctx).Warn("cache lookup failed", "error", err)
				} else if ok {
					captions[i], cached[i] = e.Caption, true
					continue
				}
			}
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		raw := make([][]byte, len(missing))
		for j, i := range missing {
			raw[j] = req.Images[i]
		}

		samples, err := pixels(ctx, inst, raw)
		if err != nil {
			abortWithError(c, err)
			return
		}

		out, err := inst.Model.Generate(ctx, samples, opts)
		if err != nil {
			abortWithError(c, err)
			return
		}

		for j, i := range missing {
			captions[i] = out[j]
			if keys[i] == "" {
				continue
			}
			if err := s.cache.Put(ctx, keys[i], inst.Name, out[j]); err != nil {
				logutil.FromContext(ctx).Warn("cache store failed", "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, api.CaptionResponse{
		Model:    inst.Name,
		Captions: captions,
		Cached:   cached,
		Duration: time.Since(start),
	})
}

// ============================================================================
// POST /api/loss
// ============================================================================

// LossHandler bewertet Bild/Caption-Paare mit dem Sprachmodell-Loss des Decoders
func (s *Server) LossHandler(c *gin.Context) {
	var req api.LossRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	if err := s.checkBatch(len(req.Images)); err != nil {
		abortWithError(c, err)
		return
	}
	if len(req.Captions) != len(req.Images) {
		abortWithError(c, fmt.Errorf("%w: %d images, %d captions", ErrCaptionCount, len(req.Images), len(req.Captions)))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	start := time.Now()
	inst, err := s.models.Get(ctx, req.Model)
	if err != nil {
		abortWithError(c, err)
		return
	}

	raw := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		raw[i] = img
	}
	samples, err := pixels(ctx, inst, raw)
	if err != nil {
		abortWithError(c, err)
		return
	}
	samples.TextInput = req.Captions

	out, err := inst.Model.Forward(ctx, samples)
	if err != nil {
		abortWithError(c, err)
		return
	}

	loss, _ := out.Loss()
	tokens, _ := out[caption.OutputTokens].(int)
	c.JSON(http.StatusOK, api.LossResponse{
		Model:     inst.Name,
		Loss:      loss,
		NumTokens: tokens,
		Duration:  time.Since(start),
	})
}

// ============================================================================
// GET /api/models
// ============================================================================

// ModelsHandler listet die bekannten Modelltypen, zusaetzlich geladene Config-Pfade
// und die registrierten Architekturen
func (s *Server) ModelsHandler(c *gin.Context) {
	loaded := make(map[string]*Instance)
	for _, inst := range s.models.Loaded() {
		loaded[inst.Name] = inst
	}

	var models []api.ModelInfo
	for _, t := range caption.ModelTypes() {
		path, _ := caption.DefaultConfigPath(t)
		info := api.ModelInfo{Name: t, Arch: caption.ModelName, Config: path}
		if inst, ok := loaded[t]; ok {
			info.Loaded, info.LoadedAt = true, inst.LoadedAt
			delete(loaded, t)
		}
		models = append(models, info)
	}
	for _, inst := range s.models.Loaded() {
		if _, ok := loaded[inst.Name]; !ok {
			continue
		}
		models = append(models, api.ModelInfo{
			Name:     inst.Name,
			Arch:     inst.Config.Model.Arch,
			Config:   inst.Name,
			Loaded:   true,
			LoadedAt: inst.LoadedAt,
		})
	}

	c.JSON(http.StatusOK, api.ModelsResponse{Models: models, Architectures: s.builders.List()})
}
