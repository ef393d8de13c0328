// MODUL: preprocess
// ZWECK: Bild-Bytes -> Pixel-Tensor [B, 3, S, S] fuer den Bild-Encoder
// INPUT: Bild-Bytes (beliebige unterstuetzte Formate), Preprocess-Optionen
// OUTPUT: *tensor.Dense (float32, NCHW)
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: github.com/pdevine/tensor, golang.org/x/sync/errgroup
// HINWEISE: Bilder eines Batches werden parallel dekodiert. Reihenfolge bleibt erhalten.

package vision

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// DefaultImageSize ist die Eingabegroesse von BLIP base/large
const DefaultImageSize = 384

// ErrEmptyBatch wird bei leerem Batch zurueckgegeben
var ErrEmptyBatch = errors.New("vision: empty image batch")

// ============================================================================
// Optionen
// ============================================================================

// PreprocessOptions konfiguriert die Bildvorverarbeitung
type PreprocessOptions struct {
	ImageSize   int
	Mean        [3]float32
	Std         [3]float32
	Resample    Resample
	Parallelism int
}

// PreprocessOption ist eine funktionale Option
type PreprocessOption func(*PreprocessOptions)

// DefaultPreprocessOptions gibt die BLIP-Vorverarbeitung zurueck (384px, bicubic, CLIP-Statistik)
func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		ImageSize:   DefaultImageSize,
		Mean:        ClipMean,
		Std:         ClipStd,
		Resample:    ResampleBicubic,
		Parallelism: runtime.GOMAXPROCS(0),
	}
}

// WithImageSize setzt die quadratische Zielgroesse
func WithImageSize(size int) PreprocessOption {
	return func(o *PreprocessOptions) { o.ImageSize = size }
}

// WithNormalization setzt mean/std
func WithNormalization(mean, std [3]float32) PreprocessOption {
	return func(o *PreprocessOptions) {
		o.Mean = mean
		o.Std = std
	}
}

// WithResample setzt das Interpolationsverfahren
func WithResample(r Resample) PreprocessOption {
	return func(o *PreprocessOptions) { o.Resample = r }
}

// WithParallelism begrenzt die Anzahl gleichzeitig dekodierter Bilder
func WithParallelism(n int) PreprocessOption {
	return func(o *PreprocessOptions) { o.Parallelism = n }
}

// Validate prueft die Optionen
func (o PreprocessOptions) Validate() error {
	if o.ImageSize <= 0 {
		return fmt.Errorf("vision: invalid image size %d", o.ImageSize)
	}
	for i, s := range o.Std {
		if s == 0 {
			return fmt.Errorf("vision: std[%d] is zero", i)
		}
	}
	return nil
}

// ============================================================================
// Preprocessor
// ============================================================================

// Preprocessor wandelt Bilder in Encoder-Eingaben um. Thread-sicher.
type Preprocessor struct {
	opts PreprocessOptions
}

// NewPreprocessor erstellt einen Preprocessor
func NewPreprocessor(opts ...PreprocessOption) (*Preprocessor, error) {
	o := DefaultPreprocessOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
	return &Preprocessor{opts: o}, nil
}

// Options gibt die aktiven Optionen zurueck
func (p *Preprocessor) Options() PreprocessOptions {
	return p.opts
}

// Image bereitet ein einzelnes Bild vor und gibt CHW-Werte zurueck
func (p *Preprocessor) Image(img *ImageInput) ([]float32, error) {
	out := make([]float32, p.pixels())
	if err := p.imageInto(out, img); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Preprocessor) imageInto(dst []float32, img *ImageInput) error {
	img = Composite(img)
	resized, err := ResizeImage(img, p.opts.ImageSize, p.opts.ImageSize, p.opts.Resample)
	if err != nil {
		return err
	}
	NormalizeRGBInto(dst, resized, p.opts.Mean, p.opts.Std)
	return nil
}

func (p *Preprocessor) pixels() int {
	return 3 * p.opts.ImageSize * p.opts.ImageSize
}

// Batch dekodiert und normalisiert alle Bilder und gibt einen Tensor [B, 3, S, S] zurueck.
// Der Fehler nennt den Index des ersten fehlerhaften Bildes.
func (p *Preprocessor) Batch(ctx context.Context, images [][]byte) (*tensor.Dense, error) {
	if len(images) == 0 {
		return nil, ErrEmptyBatch
	}

	n := p.pixels()
	data := make([]float32, len(images)*n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for i, raw := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := LoadImageFromBytes(raw)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			if err := p.imageInto(data[i*n:(i+1)*n], img); err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := p.opts.ImageSize
	return tensor.New(tensor.WithShape(len(images), 3, s, s), tensor.WithBacking(data)), nil
}

// BatchImages wie Batch, aber fuer bereits dekodierte Bilder
func (p *Preprocessor) BatchImages(images []*ImageInput) (*tensor.Dense, error) {
	if len(images) == 0 {
		return nil, ErrEmptyBatch
	}

	n := p.pixels()
	data := make([]float32, len(images)*n)
	for i, img := range images {
		if err := p.imageInto(data[i*n:(i+1)*n], img); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}

	s := p.opts.ImageSize
	return tensor.New(tensor.WithShape(len(images), 3, s, s), tensor.WithBacking(data)), nil
}
