// MODUL: onnx/encoder
// ZWECK: Bild-Encoder (ViT) ueber eine ONNX Session
// INPUT: Pixel-Tensor [B, 3, S, S]
// OUTPUT: Bild-Embeddings [B, N, D]
// NEBENEFFEKTE: Keine (Session-Zugriff in der Encode-Funktion)
// ABHAENGIGKEITEN: github.com/pdevine/tensor
// HINWEISE: Thread-sicher, Close() gibt die Session frei

package onnx

import (
	"context"
	"fmt"
	"sync"

	"github.com/pdevine/tensor"
)

type encodeFunc func(ctx context.Context, pixels *tensor.Dense) (*tensor.Dense, error)

// Encoder implementiert caption.Encoder.
type Encoder struct {
	encode  encodeFunc
	closeFn func()

	mu     sync.RWMutex
	closed bool
}

func newEncoder(fn encodeFunc, closeFn func()) *Encoder {
	return &Encoder{encode: fn, closeFn: closeFn}
}

// Encode berechnet die Bild-Embeddings.
func (e *Encoder) Encode(ctx context.Context, pixels *tensor.Dense) (*tensor.Dense, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	if pixels == nil || len(pixels.Shape()) != 4 {
		return nil, fmt.Errorf("%w: expected pixel tensor [B,3,H,W]", ErrInference)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.encode(ctx, pixels)
}

// Close gibt die Session frei.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.closeFn != nil {
		e.closeFn()
	}
	return nil
}
