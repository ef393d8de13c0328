// build.go - Konfigurationsgesteuerter Aufbau und Registrierung
//
// Enthaelt:
// - Components: Registries fuer Encoder-/Decoder-Backends, Tokenizer- und Gewichts-Loader
// - BuildFromConfig: Encoder + Decoder + Model, optional Checkpoint laden
// - Register: traegt "blip_caption" in eine Modell-Registry ein

package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/caption/checkpoint"
	"github.com/ollama/caption/huggingface"
	"github.com/ollama/caption/registry"
	"github.com/ollama/caption/tokenizer"
)

// EncoderBuilder erzeugt einen Bild-Encoder aus der Modell-Konfiguration.
type EncoderBuilder func(ctx context.Context, cfg *ModelConfig) (Encoder, error)

// DecoderBuilder erzeugt einen Text-Decoder aus der Modell-Konfiguration.
type DecoderBuilder func(ctx context.Context, cfg *ModelConfig) (Decoder, error)

// ConfigTokenizerLoader laedt den Tokenizer mit dem Namen aus der Konfiguration.
type ConfigTokenizerLoader func(ctx context.Context, name string) (Tokenizer, error)

// PretrainedLoader laedt Gewichte in ein Model und gibt eine Diagnose-Meldung zurueck.
type PretrainedLoader func(ctx context.Context, m *Model, urlOrPath string) (string, error)

// Builder erzeugt ein Model aus einer Konfiguration.
type Builder func(ctx context.Context, cfg *Config) (*Model, error)

// Components sind die Bausteine fuer BuildFromConfig.
type Components struct {
	Encoders   *registry.Registry[EncoderBuilder]
	Decoders   *registry.Registry[DecoderBuilder]
	Tokenizer  ConfigTokenizerLoader
	Pretrained PretrainedLoader
}

// NewComponents erstellt leere Backend-Registries mit BLIP-Tokenizer und Checkpoint-Loader
// ueber den angegebenen Hub-Client.
func NewComponents(client *huggingface.Client) *Components {
	return &Components{
		Encoders:   registry.New[EncoderBuilder]("encoder"),
		Decoders:   registry.New[DecoderBuilder]("decoder"),
		Tokenizer:  BlipTokenizerLoader(client),
		Pretrained: CheckpointLoader(client),
	}
}

// BlipTokenizerLoader laedt einen BERT-Tokenizer mit [DEC] als BOS und [ENC].
func BlipTokenizerLoader(client *huggingface.Client) ConfigTokenizerLoader {
	return func(ctx context.Context, name string) (Tokenizer, error) {
		return tokenizer.BlipFromPretrained(ctx, client, name)
	}
}

// CheckpointLoader laedt .pth oder .safetensors Gewichte (lokal oder per URL).
func CheckpointLoader(client *huggingface.Client) PretrainedLoader {
	return func(ctx context.Context, m *Model, urlOrPath string) (string, error) {
		res, err := checkpoint.Load(ctx, client, m, urlOrPath)
		if err != nil {
			return "", err
		}
		return res.Message(), nil
	}
}

// BuildFromConfig baut Encoder und Decoder ueber die Backend-Registries, erstellt das Model
// und laedt optional Gewichte. Fehler des Loaders werden unveraendert weitergegeben.
func BuildFromConfig(ctx context.Context, cfg *Config, c *Components) (*Model, error) {
	if cfg == nil {
		return nil, errors.New("caption: nil config")
	}
	if c == nil || c.Encoders == nil || c.Decoders == nil {
		return nil, errors.New("caption: missing components")
	}
	mc := &cfg.Model

	buildEncoder, err := c.Encoders.Get(mc.Encoder.Backend)
	if err != nil {
		return nil, err
	}
	enc, err := buildEncoder(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("caption: build encoder: %w", err)
	}

	buildDecoder, err := c.Decoders.Get(mc.Decoder.Backend)
	if err != nil {
		return nil, err
	}
	dec, err := buildDecoder(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("caption: build decoder: %w", err)
	}

	var load TokenizerLoader
	if c.Tokenizer != nil {
		load = func(ctx context.Context) (Tokenizer, error) {
			return c.Tokenizer(ctx, mc.Tokenizer)
		}
	}
	m, err := NewWithTokenizerLoader(ctx, enc, dec, load,
		WithPrompt(mc.Prompt),
		WithMaxTextLength(mc.MaxTxtLen),
	)
	if err != nil {
		return nil, err
	}

	if weights := mc.WeightsPath(); weights != "" {
		if c.Pretrained == nil {
			return nil, errors.New("caption: config sets pretrained weights but no loader is configured")
		}
		msg, err := c.Pretrained(ctx, m, weights)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded pretrained weights", "source", weights, "result", msg)
	}

	return m, nil
}

// Register traegt das Caption-Modell unter ModelName in r ein.
func Register(r *registry.Registry[Builder], c *Components) error {
	return r.RegisterUnique(ModelName, func(ctx context.Context, cfg *Config) (*Model, error) {
		return BuildFromConfig(ctx, cfg, c)
	})
}
