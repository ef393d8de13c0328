// Package checkpoint - Vortrainierte Gewichte laden und auf Modell-Komponenten verteilen.
//
// MODUL: checkpoint
// ZWECK: .pth (PyTorch Pickle) und .safetensors lesen, Namen den Teilmodulen zuordnen
// INPUT: Lokaler Pfad oder http(s)-URL, Ziel-Modell (StateLoader / Container)
// OUTPUT: Result mit fehlenden, unerwarteten und verworfenen Schluesseln
// NEBENEFFEKTE: Downloads in den Hugging Face Cache, Aufruf von LoadState auf den Teilmodulen
// ABHAENGIGKEITEN: github.com/nlpodyssey/gopickle, github.com/x448/float16,
//                  github.com/d4l3k/go-bfloat16, github.com/wk8/go-ordered-map/v2,
//                  github.com/pdevine/tensor
// HINWEISE: Tensoren mit abweichender Form werden vor dem Laden verworfen.
//           Alle Gewichte werden als float32 gehalten.
package checkpoint

import (
	"iter"

	"github.com/pdevine/tensor"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StateDict ist eine geordnete Zuordnung Parametername -> Tensor.
type StateDict struct {
	om *orderedmap.OrderedMap[string, *tensor.Dense]
}

// NewStateDict erstellt einen leeren StateDict.
func NewStateDict() *StateDict {
	return &StateDict{om: orderedmap.New[string, *tensor.Dense]()}
}

// Set setzt einen Tensor. Bestehende Schluessel behalten ihre Position.
func (s *StateDict) Set(name string, t *tensor.Dense) {
	s.om.Set(name, t)
}

// Get gibt den Tensor fuer name zurueck.
func (s *StateDict) Get(name string) (*tensor.Dense, bool) {
	return s.om.Get(name)
}

// Delete entfernt name.
func (s *StateDict) Delete(name string) {
	s.om.Delete(name)
}

// Len gibt die Anzahl der Tensoren zurueck.
func (s *StateDict) Len() int {
	return s.om.Len()
}

// Keys gibt die Namen in Einfuegereihenfolge zurueck.
func (s *StateDict) Keys() []string {
	keys := make([]string, 0, s.om.Len())
	for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// All iteriert in Einfuegereihenfolge.
func (s *StateDict) All() iter.Seq2[string, *tensor.Dense] {
	return func(yield func(string, *tensor.Dense) bool) {
		for pair := s.om.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// newDense erstellt einen float32 Tensor; Skalare werden als [1] abgelegt.
func newDense(shape []int, data []float32) *tensor.Dense {
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}
