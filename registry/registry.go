// Package registry - Generische Namens-Registry fuer Modelle und Backends.
//
// MODUL: registry
// ZWECK: Thread-sichere Zuordnung Name -> Wert (Modell-Builder, Encoder-/Decoder-Backends)
// INPUT: Name, Wert vom Typ T
// OUTPUT: Registrierte Werte, sortierte Namenslisten
// NEBENEFFEKTE: Keine (rein speicherbasiert)
// ABHAENGIGKEITEN: sync, slices (stdlib)
// HINWEISE: Keine globale Instanz. Registries werden beim Start erzeugt und explizit befuellt.
package registry

import (
	"errors"
	"slices"
	"sync"
)

// ============================================================================
// Fehler
// ============================================================================

var (
	// ErrNotRegistered wird zurueckgegeben wenn unter dem Namen nichts registriert ist.
	ErrNotRegistered = errors.New("registry: name not registered")

	// ErrDuplicate wird von RegisterUnique zurueckgegeben wenn der Name bereits belegt ist.
	ErrDuplicate = errors.New("registry: name already registered")

	// ErrEmptyName wird bei leerem Namen zurueckgegeben.
	ErrEmptyName = errors.New("registry: empty name")
)

// Error repraesentiert einen Registry-spezifischen Fehler.
type Error struct {
	Op   string // Operation (z.B. "get", "register")
	Kind string // Art der Eintraege (z.B. "model", "encoder")
	Name string
	Err  error
}

// Error implementiert das error Interface.
func (e *Error) Error() string {
	return "registry: " + e.Op + " " + e.Kind + " '" + e.Name + "': " + e.Err.Error()
}

// Unwrap gibt den urspruenglichen Fehler zurueck.
func (e *Error) Unwrap() error {
	return e.Err
}

// ============================================================================
// Registry
// ============================================================================

// Registry verwaltet Werte unter eindeutigen Namen.
type Registry[T any] struct {
	kind    string
	entries map[string]T
	mu      sync.RWMutex
}

// New erstellt eine leere Registry. kind erscheint in Fehlermeldungen.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		entries: make(map[string]T),
	}
}

// Kind gibt die Art der Eintraege zurueck.
func (r *Registry[T]) Kind() string {
	return r.kind
}

// Register registriert value unter name und ueberschreibt bestehende Eintraege.
func (r *Registry[T]) Register(name string, value T) error {
	if name == "" {
		return &Error{Op: "register", Kind: r.kind, Name: name, Err: ErrEmptyName}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[name] = value
	return nil
}

// RegisterUnique registriert value und gibt ErrDuplicate zurueck wenn name bereits belegt ist.
func (r *Registry[T]) RegisterUnique(name string, value T) error {
	if name == "" {
		return &Error{Op: "register", Kind: r.kind, Name: name, Err: ErrEmptyName}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return &Error{Op: "register", Kind: r.kind, Name: name, Err: ErrDuplicate}
	}
	r.entries[name] = value
	return nil
}

// Unregister entfernt einen Eintrag. Gibt true zurueck wenn er existierte.
func (r *Registry[T]) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.entries[name]
	delete(r.entries, name)
	return exists
}

// ============================================================================
// Abfrage
// ============================================================================

// Lookup gibt den Wert fuer name zurueck, (zero, false) wenn nicht vorhanden.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, exists := r.entries[name]
	return value, exists
}

// Get gibt den Wert fuer name zurueck oder einen *Error mit ErrNotRegistered.
func (r *Registry[T]) Get(name string) (T, error) {
	value, exists := r.Lookup(name)
	if !exists {
		return value, &Error{Op: "get", Kind: r.kind, Name: name, Err: ErrNotRegistered}
	}
	return value, nil
}

// Has prueft ob name registriert ist.
func (r *Registry[T]) Has(name string) bool {
	_, exists := r.Lookup(name)
	return exists
}

// List gibt alle registrierten Namen sortiert zurueck.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Count gibt die Anzahl der Eintraege zurueck.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
