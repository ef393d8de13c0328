//go:build cgo

// MODUL: onnx/session
// ZWECK: ONNX Runtime Session Management - Erstellen, Konfigurieren, Ausfuehren
// INPUT: Modell-Pfad (.onnx), Options, benannte Input-Tensoren
// OUTPUT: Encoder / Decoder mit laufender Session
// NEBENEFFEKTE: Alloziert ONNX Runtime Ressourcen, GPU Memory
// ABHAENGIGKEITEN: github.com/yalue/onnxruntime_go
// HINWEISE: Die Runtime wird einmal pro Prozess initialisiert. Close() MUSS aufgerufen werden

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pdevine/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// ============================================================================
// Runtime Initialisierung (Singleton)
// ============================================================================

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

// InitRuntime initialisiert die ONNX Runtime einmalig.
func InitRuntime(libraryPath string) error {
	runtimeInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		runtimeInitErr = ort.InitializeEnvironment()
	})
	return runtimeInitErr
}

// DestroyRuntime gibt die ONNX Runtime frei.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// ============================================================================
// Session
// ============================================================================

type session struct {
	inner   *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func newSession(modelPath string, inputs, outputs []string, o Options) (*session, error) {
	if err := InitRuntime(o.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: runtime init: %w", err)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer sessOpts.Destroy()

	if o.NumThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(o.NumThreads); err != nil {
			return nil, fmt.Errorf("onnx: set threads: %w", err)
		}
	}

	if o.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			_ = cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(o.GPUDeviceID)})
			if err := sessOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				// Fallback auf CPU
				slog.Warn("cuda provider unavailable, using cpu", "error", err)
			}
			cudaOpts.Destroy()
		}
	}

	inner, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session %s: %w", modelPath, err)
	}

	if in, out, err := ort.GetInputOutputInfo(modelPath); err == nil {
		slog.Debug("onnx session created", "path", modelPath, "inputs", len(in), "outputs", len(out))
	}

	return &session{inner: inner, inputs: inputs, outputs: outputs}, nil
}

// runFloat fuehrt die Session aus und gibt den ersten Output als float32 Tensor zurueck.
func (s *session) runFloat(inputs []ort.Value) (*tensor.Dense, error) {
	defer func() {
		for _, t := range inputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]ort.Value, len(s.outputs))
	if err := s.inner.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer func() {
		for _, t := range outputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %s is %T", ErrOutputFormat, s.outputs[0], outputs[0])
	}

	shape := make([]int, len(out.GetShape()))
	for i, d := range out.GetShape() {
		shape[i] = int(d)
	}
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

func (s *session) destroy() {
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
}

func floatValue(t *tensor.Dense) (ort.Value, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: tensor dtype %v", ErrInference, t.Dtype())
	}
	shape := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// int64Value flacht [B][L] int32 auf einen int64 Tensor [B, L] ab.
func int64Value(rows [][]int32) (ort.Value, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty id batch", ErrInference)
	}
	width := len(rows[0])
	flat := make([]int64, 0, len(rows)*width)
	for _, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: ragged id batch", ErrInference)
		}
		for _, v := range r {
			flat = append(flat, int64(v))
		}
	}
	return ort.NewTensor(ort.NewShape(int64(len(rows)), int64(width)), flat)
}

// ============================================================================
// Konstruktoren
// ============================================================================

// NewEncoder laedt einen Bild-Encoder Graphen (pixel_values -> image_embeds).
func NewEncoder(modelPath string, o Options) (*Encoder, error) {
	s, err := newSession(modelPath, []string{EncoderInput}, []string{EncoderOutput}, o)
	if err != nil {
		return nil, err
	}

	encode := func(_ context.Context, pixels *tensor.Dense) (*tensor.Dense, error) {
		in, err := floatValue(pixels)
		if err != nil {
			return nil, err
		}
		return s.runFloat([]ort.Value{in})
	}
	return newEncoder(encode, s.destroy), nil
}

// NewDecoder laedt einen Text-Decoder Graphen (input_ids, attention_mask,
// encoder_hidden_states -> logits).
func NewDecoder(modelPath string, o Options) (*Decoder, error) {
	s, err := newSession(modelPath,
		[]string{DecoderInputIDs, DecoderAttentionMask, DecoderHiddenStates},
		[]string{DecoderOutput}, o)
	if err != nil {
		return nil, err
	}

	logits := func(ctx context.Context, ids, mask [][]int32, embeds *tensor.Dense) (*tensor.Dense, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inputs := make([]ort.Value, 0, 3)
		cleanup := func() {
			for _, v := range inputs {
				v.Destroy()
			}
		}

		idv, err := int64Value(ids)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, idv)

		mv, err := int64Value(mask)
		if err != nil {
			cleanup()
			return nil, err
		}
		inputs = append(inputs, mv)

		ev, err := floatValue(embeds)
		if err != nil {
			cleanup()
			return nil, err
		}
		inputs = append(inputs, ev)

		return s.runFloat(inputs)
	}
	return newDecoder(logits, s.destroy), nil
}
