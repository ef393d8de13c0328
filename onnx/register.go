// MODUL: onnx/register
// ZWECK: ONNX Encoder und Decoder als Backend "onnx" registrieren
// INPUT: *caption.Components, Optionen
// OUTPUT: Fehler bei doppelter Registrierung
// NEBENEFFEKTE: Traegt Builder in die Backend-Registries ein
// ABHAENGIGKEITEN: caption (intern)
// HINWEISE: Ohne CGO liefern die Builder ErrCGORequired

package onnx

import (
	"context"
	"log/slog"

	"github.com/ollama/caption/caption"
)

// Register traegt die ONNX Builder unter BackendName ein.
func Register(c *caption.Components, opts ...Option) error {
	o := newOptions(opts)

	if err := c.Encoders.RegisterUnique(BackendName, func(ctx context.Context, cfg *caption.ModelConfig) (caption.Encoder, error) {
		co := o.forComponent(cfg.Encoder)
		path, err := ResolveModelPath(ctx, cfg.Encoder, co)
		if err != nil {
			return nil, err
		}
		slog.Info("loading onnx encoder", "path", path, "threads", co.NumThreads, "gpu", co.UseGPU)
		return NewEncoder(path, co)
	}); err != nil {
		return err
	}

	return c.Decoders.RegisterUnique(BackendName, func(ctx context.Context, cfg *caption.ModelConfig) (caption.Decoder, error) {
		co := o.forComponent(cfg.Decoder)
		path, err := ResolveModelPath(ctx, cfg.Decoder, co)
		if err != nil {
			return nil, err
		}
		slog.Info("loading onnx decoder", "path", path, "threads", co.NumThreads, "gpu", co.UseGPU)
		return NewDecoder(path, co)
	})
}
