//go:build !cgo

// MODUL: onnx/stub
// ZWECK: Stub-Implementierung wenn CGO nicht verfuegbar ist
// HINWEISE: Konstruktoren geben immer ErrCGORequired zurueck

package onnx

// NewEncoder Stub
func NewEncoder(modelPath string, o Options) (*Encoder, error) {
	return nil, ErrCGORequired
}

// NewDecoder Stub
func NewDecoder(modelPath string, o Options) (*Decoder, error) {
	return nil, ErrCGORequired
}

// DestroyRuntime Stub
func DestroyRuntime() error {
	return nil
}
