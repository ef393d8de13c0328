// MODUL: models
// ZWECK: Caption-Modelle bei Bedarf laden und fuer weitere Anfragen vorhalten
// INPUT: Modelltyp ("base", "large") oder Config-Pfad
// OUTPUT: *Instance mit Model und passendem Preprocessor
// NEBENEFFEKTE: Laedt ONNX Sessions, Tokenizer und Gewichte; Close gibt Sessions frei
// ABHAENGIGKEITEN: caption, registry, vision (intern), golang.org/x/sync/singleflight
// HINWEISE: Gleichzeitige Anfragen fuer dasselbe Modell loesen nur einen Ladevorgang aus
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/registry"
	"github.com/ollama/caption/vision"
)

// DefaultModel wird verwendet wenn eine Anfrage kein Modell nennt
const DefaultModel = caption.DefaultModelType

// Instance ist ein geladenes Modell
type Instance struct {
	Name         string
	Config       *caption.Config
	Model        *caption.Model
	Preprocessor *vision.Preprocessor
	LoadedAt     time.Time
}

// Close gibt Encoder und Decoder frei, sofern sie io.Closer implementieren
func (i *Instance) Close() error {
	var errs []error
	for _, c := range []any{i.Model.VisualEncoder(), i.Model.TextDecoder()} {
		if closer, ok := c.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// LoadFunc laedt ein Modell anhand seines Namens
type LoadFunc func(ctx context.Context, name string) (*Instance, error)

// ConfigLoader liest die Modell-Konfiguration, baut das Modell ueber die registrierte
// Architektur und erstellt den Preprocessor aus dem preprocess-Abschnitt.
func ConfigLoader(builders *registry.Registry[caption.Builder]) LoadFunc {
	return func(ctx context.Context, name string) (*Instance, error) {
		cfg, err := caption.LoadModelConfig(name)
		if err != nil {
			return nil, err
		}

		build, err := builders.Get(cfg.Model.Arch)
		if err != nil {
			return nil, err
		}

		pre, err := NewPreprocessor(cfg.Preprocess)
		if err != nil {
			return nil, err
		}

		m, err := build(ctx, cfg)
		if err != nil {
			return nil, err
		}

		return &Instance{Name: name, Config: cfg, Model: m, Preprocessor: pre, LoadedAt: time.Now()}, nil
	}
}

// NewPreprocessor uebersetzt den preprocess-Abschnitt in vision-Optionen
func NewPreprocessor(pc caption.PreprocessConfig) (*vision.Preprocessor, error) {
	opts := []vision.PreprocessOption{vision.WithImageSize(pc.ImageSize)}
	if len(pc.Mean) == 3 && len(pc.Std) == 3 {
		opts = append(opts, vision.WithNormalization(
			[3]float32{pc.Mean[0], pc.Mean[1], pc.Mean[2]},
			[3]float32{pc.Std[0], pc.Std[1], pc.Std[2]},
		))
	}
	return vision.NewPreprocessor(opts...)
}

// ============================================================================
// Models
// ============================================================================

// Models verwaltet geladene Instanzen
type Models struct {
	load  LoadFunc
	group singleflight.Group

	mu     sync.RWMutex
	loaded map[string]*Instance
}

// NewModels erstellt einen leeren Modell-Cache mit der angegebenen Ladefunktion
func NewModels(load LoadFunc) *Models {
	return &Models{load: load, loaded: make(map[string]*Instance)}
}

// Get gibt eine geladene Instanz zurueck oder laedt sie.
// Der Ladevorgang ist von der Anfrage entkoppelt, damit ein Abbruch andere Wartende nicht trifft.
func (m *Models) Get(ctx context.Context, name string) (*Instance, error) {
	if name == "" {
		name = DefaultModel
	}

	m.mu.RLock()
	inst, ok := m.loaded[name]
	m.mu.RUnlock()
	if ok {
		return inst, nil
	}

	ch := m.group.DoChan(name, func() (any, error) {
		m.mu.RLock()
		inst, ok := m.loaded[name]
		m.mu.RUnlock()
		if ok {
			return inst, nil
		}

		start := time.Now()
		inst, err := m.load(context.WithoutCancel(ctx), name)
		if err != nil {
			return nil, err
		}
		slog.Info("model loaded", "model", name, "duration", time.Since(start))

		m.mu.Lock()
		m.loaded[name] = inst
		m.mu.Unlock()
		return inst, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load model %q: %w", name, res.Err)
		}
		return res.Val.(*Instance), nil
	}
}

// Loaded gibt die geladenen Instanzen nach Namen sortiert zurueck
func (m *Models) Loaded() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Instance, 0, len(m.loaded))
	for _, inst := range m.loaded {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Unload entfernt eine Instanz und gibt ihre Ressourcen frei
func (m *Models) Unload(name string) error {
	m.mu.Lock()
	inst, ok := m.loaded[name]
	delete(m.loaded, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return inst.Close()
}

// Close entlaedt alle Instanzen
func (m *Models) Close() error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = make(map[string]*Instance)
	m.mu.Unlock()

	var errs []error
	for name, inst := range loaded {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
