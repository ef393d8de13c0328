// load.go - Checkpoint aufloesen, lesen und auf ein Modell anwenden

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pdevine/tensor"

	"github.com/ollama/caption/huggingface"
)

// StateLoader ist ein Teilmodul mit ladbaren Parametern.
type StateLoader interface {
	// StateShapes gibt die erwarteten Parameter und ihre Formen zurueck.
	StateShapes() map[string][]int
	// LoadState uebernimmt Parameter (Namen ohne Modul-Praefix).
	LoadState(params map[string]*tensor.Dense) error
}

// Container ist ein Modell aus benannten Teilmodulen.
type Container interface {
	Children() map[string]any
}

// Result beschreibt das Ergebnis von Apply.
type Result struct {
	Loaded     int
	Missing    []string
	Unexpected []string
	// Mismatched: Form passt nicht zum Modell, Tensor wurde verworfen (zaehlt auch als Missing)
	Mismatched []string
}

// Message fasst das Ergebnis in einer Zeile zusammen.
func (r Result) Message() string {
	return fmt.Sprintf("loaded=%d missing_keys=%v unexpected_keys=%v mismatched_keys=%v",
		r.Loaded, r.Missing, r.Unexpected, r.Mismatched)
}

// Load loest urlOrPath auf, liest den Checkpoint und wendet ihn auf target an.
func Load(ctx context.Context, client *huggingface.Client, target any, urlOrPath string) (Result, error) {
	path, err := Resolve(ctx, client, urlOrPath)
	if err != nil {
		return Result{}, err
	}

	sd, err := ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("checkpoint read", "path", path, "tensors", sd.Len())

	res, err := Apply(target, sd)
	if err != nil {
		return res, err
	}
	slog.Info("checkpoint applied", "source", urlOrPath, "loaded", res.Loaded,
		"missing", len(res.Missing), "unexpected", len(res.Unexpected), "mismatched", len(res.Mismatched))
	return res, nil
}

// Resolve gibt einen lokalen Pfad zurueck. URLs werden ueber den Hub-Client in den Cache geladen.
func Resolve(ctx context.Context, client *huggingface.Client, urlOrPath string) (string, error) {
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		if client == nil {
			return "", errors.New("checkpoint: url given but no download client configured")
		}
		slog.Info("downloading checkpoint", "url", urlOrPath)
		return client.DownloadURL(ctx, urlOrPath)
	}
	if urlOrPath == "" {
		return "", errors.New("checkpoint: empty path")
	}
	return urlOrPath, nil
}

// ReadFile waehlt das Format anhand der Dateiendung.
func ReadFile(path string) (*StateDict, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return ReadSafetensors(path)
	case ".pth", ".pt", ".bin", ".ckpt":
		return ReadPyTorch(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

type loaderSlot struct {
	prefix string
	loader StateLoader
	shapes map[string][]int
	params map[string]*tensor.Dense
}

// Apply verteilt die Tensoren aus sd auf die StateLoader in target. Namen werden ueber
// die Container-Hierarchie mit "." verbunden (z.B. "visual_encoder.blocks.0.attn.qkv.weight").
func Apply(target any, sd *StateDict) (Result, error) {
	var slots []*loaderSlot
	collect(target, "", &slots)

	// laengstes Praefix zuerst, damit verschachtelte Module Vorrang haben
	slices.SortFunc(slots, func(a, b *loaderSlot) int {
		return len(b.prefix) - len(a.prefix)
	})

	var res Result
	seen := make(map[string]bool)
	for name, t := range sd.All() {
		slot, local := findSlot(slots, name)
		if slot == nil {
			res.Unexpected = append(res.Unexpected, name)
			continue
		}
		if !slices.Equal(slot.shapes[local], []int(t.Shape())) {
			slog.Warn("dropping checkpoint tensor with mismatched shape", "name", name,
				"checkpoint", []int(t.Shape()), "model", slot.shapes[local])
			res.Mismatched = append(res.Mismatched, name)
			continue
		}
		seen[name] = true
		slot.params[local] = t
	}

	for _, slot := range slots {
		for _, local := range slices.Sorted(maps.Keys(slot.shapes)) {
			if !seen[slot.prefix+local] {
				res.Missing = append(res.Missing, slot.prefix+local)
			}
		}
		if len(slot.params) == 0 {
			continue
		}
		if err := slot.loader.LoadState(slot.params); err != nil {
			return res, fmt.Errorf("checkpoint: load %s: %w", strings.TrimSuffix(slot.prefix, "."), err)
		}
		res.Loaded += len(slot.params)
	}
	return res, nil
}

func collect(node any, prefix string, slots *[]*loaderSlot) {
	if l, ok := node.(StateLoader); ok {
		*slots = append(*slots, &loaderSlot{
			prefix: prefix,
			loader: l,
			shapes: l.StateShapes(),
			params: make(map[string]*tensor.Dense),
		})
	}
	if c, ok := node.(Container); ok {
		children := c.Children()
		for _, name := range slices.Sorted(maps.Keys(children)) {
			if children[name] != nil {
				collect(children[name], prefix+name+".", slots)
			}
		}
	}
}

func findSlot(slots []*loaderSlot, name string) (*loaderSlot, string) {
	for _, slot := range slots {
		local, ok := strings.CutPrefix(name, slot.prefix)
		if !ok {
			continue
		}
		if _, known := slot.shapes[local]; known {
			return slot, local
		}
	}
	return nil, ""
}
