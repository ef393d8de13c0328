// MODUL: onnx/options
// ZWECK: Optionen und Modellpfad-Aufloesung fuer die ONNX Runtime Backends
// INPUT: caption.ComponentConfig, funktionale Optionen
// OUTPUT: Options, lokaler .onnx Pfad
// NEBENEFFEKTE: Download aus dem Hugging Face Hub wenn Repo gesetzt ist
// ABHAENGIGKEITEN: envconfig, huggingface (intern)
// HINWEISE: Unabhaengig von CGO, damit Konfiguration auch ohne Runtime testbar bleibt

package onnx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/envconfig"
	"github.com/ollama/caption/huggingface"
)

// BackendName ist der Registry-Name der ONNX Backends
const BackendName = "onnx"

// Standard-Namen der Graph-Ein- und Ausgaenge
const (
	EncoderInput  = "pixel_values"
	EncoderOutput = "image_embeds"

	DecoderInputIDs      = "input_ids"
	DecoderAttentionMask = "attention_mask"
	DecoderHiddenStates  = "encoder_hidden_states"
	DecoderOutput        = "logits"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	ErrCGORequired  = errors.New("onnx: CGO required but not available")
	ErrModelPath    = errors.New("onnx: model path")
	ErrInference    = errors.New("onnx: inference failed")
	ErrClosed       = errors.New("onnx: session already closed")
	ErrOutputFormat = errors.New("onnx: unexpected output")
)

// ============================================================================
// Optionen
// ============================================================================

// Options konfiguriert Sessions und Modellpfade
type Options struct {
	// ModelDir ist die Basis fuer relative Pfade (Standard: CAPTION_MODELS)
	ModelDir string
	// NumThreads fuer Intra-Op Parallelisierung (0 = auto)
	NumThreads int
	// UseGPU aktiviert den CUDA Execution Provider
	UseGPU      bool
	GPUDeviceID int
	// LibraryPath der onnxruntime Shared Library ("" = Systemsuche)
	LibraryPath string
	// Hub laedt Modelle mit gesetztem Repo
	Hub *huggingface.Client
}

// Option ist eine funktionale Option
type Option func(*Options)

// DefaultOptions liest die Umgebungsvariablen
func DefaultOptions() Options {
	return Options{
		ModelDir:    envconfig.Models(),
		NumThreads:  int(envconfig.NumThreads()),
		UseGPU:      envconfig.UseGPU(),
		LibraryPath: envconfig.OrtLibrary(),
	}
}

// WithModelDir setzt das Modellverzeichnis
func WithModelDir(dir string) Option {
	return func(o *Options) { o.ModelDir = dir }
}

// WithThreads setzt die Intra-Op Threads
func WithThreads(n int) Option {
	return func(o *Options) { o.NumThreads = n }
}

// WithGPU aktiviert CUDA auf dem angegebenen Device
func WithGPU(deviceID int) Option {
	return func(o *Options) {
		o.UseGPU = true
		o.GPUDeviceID = deviceID
	}
}

// WithHub setzt den Hub-Client fuer Repo-Downloads
func WithHub(c *huggingface.Client) Option {
	return func(o *Options) { o.Hub = c }
}

func newOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// forComponent ueberlagert Options mit Werten aus der Modell-Konfiguration
func (o Options) forComponent(c caption.ComponentConfig) Options {
	if c.Threads > 0 {
		o.NumThreads = c.Threads
	}
	if c.GPU {
		o.UseGPU = true
	}
	return o
}

// ResolveModelPath gibt den lokalen Pfad eines Graphen zurueck.
// Mit Repo wird die Datei aus dem Hub geladen, sonst ist Path absolut oder relativ zu ModelDir.
func ResolveModelPath(ctx context.Context, c caption.ComponentConfig, o Options) (string, error) {
	if c.Path == "" {
		return "", fmt.Errorf("%w: empty", ErrModelPath)
	}

	if c.Repo != "" {
		hub := o.Hub
		if hub == nil {
			hub = huggingface.NewClient()
		}
		p, err := hub.DownloadFile(ctx, c.Repo, c.Path)
		if err != nil {
			return "", fmt.Errorf("%w: %s/%s: %w", ErrModelPath, c.Repo, c.Path, err)
		}
		return p, nil
	}

	p := c.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(o.ModelDir, p)
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelPath, err)
	}
	return p, nil
}
