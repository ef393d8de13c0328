// pytorch.go - PyTorch Checkpoints (.pth / .bin) ueber gopickle

package checkpoint

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// ErrUnsupportedFormat wird fuer unbekannte Dateiformate oder Datentypen zurueckgegeben
var ErrUnsupportedFormat = errors.New("checkpoint: unsupported format")

// ReadPyTorch liest einen PyTorch Checkpoint. Ein Eintrag "model" (Trainings-Checkpoint)
// wird ausgepackt, sonst gilt das oberste Dictionary als State-Dict.
func ReadPyTorch(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: unpickle %s: %w", path, err)
	}
	return stateDictFromPickle(obj)
}

func stateDictFromPickle(obj any) (*StateDict, error) {
	entries, ok := pickleEntries(obj)
	if !ok {
		return nil, fmt.Errorf("%w: top-level object %T", ErrUnsupportedFormat, obj)
	}
	for _, e := range entries {
		if e.key == "model" {
			if inner, ok := pickleEntries(e.value); ok {
				entries = inner
			}
			break
		}
	}

	sd := NewStateDict()
	for _, e := range entries {
		t, ok := e.value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor checkpoint entry", "name", e.key, "type", fmt.Sprintf("%T", e.value))
			continue
		}
		if len(t.Size) == 0 {
			continue
		}

		data, err := torchData(t)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", e.key, err)
		}
		sd.Set(e.key, newDense(t.Size, data))
	}
	return sd, nil
}

type pickleEntry struct {
	key   string
	value any
}

// pickleEntries liefert die String-Schluessel eines Dict oder OrderedDict in Reihenfolge.
func pickleEntries(obj any) ([]pickleEntry, bool) {
	var out []pickleEntry
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}
			v, _ := d.Get(k)
			out = append(out, pickleEntry{key: name, value: v})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry, ok := listEntry(e)
			if !ok {
				continue
			}
			name, ok := entry.Key.(string)
			if !ok {
				continue
			}
			out = append(out, pickleEntry{key: name, value: entry.Value})
		}
	default:
		return nil, false
	}
	return out, true
}

func listEntry(e *list.Element) (*types.OrderedDictEntry, bool) {
	entry, ok := e.Value.(*types.OrderedDictEntry)
	return entry, ok
}

// torchData kopiert die Elemente eines Tensors (beliebige Strides) als float32.
func torchData(t *pytorch.Tensor) ([]float32, error) {
	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	case *pytorch.LongStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	case *pytorch.IntStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupportedFormat, s)
	}

	n := 1
	for _, d := range t.Size {
		n *= d
	}

	stride := t.Stride
	if len(stride) != len(t.Size) {
		stride = contiguousStride(t.Size)
	}

	out := make([]float32, n)
	idx := make([]int, len(t.Size))
	for i := range n {
		off := t.StorageOffset
		for d, v := range idx {
			off += v * stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("checkpoint: storage offset %d out of range %d", off, len(src))
		}
		out[i] = src[off]

		// Index in row-major Reihenfolge weiterzaehlen
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}
