// config.go - Modell-Konfiguration (YAML) und Standard-Pfade
//
// Enthaelt:
// - Config / ModelConfig / ComponentConfig / PreprocessConfig
// - DefaultConfigPath: Modelltyp -> eingebetteter Konfigurationspfad
// - LoadConfig / ParseConfig / LoadModelConfig

package caption

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/ollama/caption/configs"
)

// ModelName ist der Registry-Name des Caption-Modells
const ModelName = "blip_caption"

// Standardwerte der Konfiguration
const (
	DefaultTokenizer = "bert-base-uncased"
	DefaultBackend   = "onnx"
	DefaultImageSize = 384
	DefaultModelType = "base"
)

// ErrUnknownModelType wird von DefaultConfigPath fuer unbekannte Modelltypen zurueckgegeben
var ErrUnknownModelType = errors.New("unknown model type")

var defaultConfigPaths = map[string]string{
	"base":  "configs/models/blip_caption_base.yaml",
	"large": "configs/models/blip_caption_large.yaml",
}

// ConfigError beschreibt einen Konfigurationsfehler
type ConfigError struct {
	Key        string
	Suggestion string
	Err        error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("caption: %s %q", e.Err, e.Key)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(", did you mean %q?", e.Suggestion)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ============================================================================
// Typen
// ============================================================================

// Config ist eine komplette Modell-Konfigurationsdatei.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
}

// ModelConfig enthaelt die Felder des model-Abschnitts.
type ModelConfig struct {
	Arch      string `yaml:"arch"`
	ModelType string `yaml:"model_type"`

	LoadFinetuned bool   `yaml:"load_finetuned"`
	Pretrained    string `yaml:"pretrained"`
	Finetuned     string `yaml:"finetuned"`

	VitType   string `yaml:"vit_type"`
	ImageSize int    `yaml:"image_size"`

	Tokenizer string `yaml:"tokenizer"`
	Prompt    string `yaml:"prompt"`
	MaxTxtLen int    `yaml:"max_txt_len"`

	Encoder ComponentConfig `yaml:"encoder"`
	Decoder ComponentConfig `yaml:"decoder"`
}

// ComponentConfig beschreibt ein Encoder- oder Decoder-Backend.
type ComponentConfig struct {
	Backend string `yaml:"backend"`
	// Path ist absolut oder relativ zum Modellverzeichnis
	Path string `yaml:"path"`
	// Repo optional: Hugging Face Repository, aus dem Path geladen wird
	Repo    string `yaml:"repo,omitempty"`
	Threads int    `yaml:"threads,omitempty"`
	GPU     bool   `yaml:"gpu,omitempty"`
}

// PreprocessConfig beschreibt die Bildvorverarbeitung.
type PreprocessConfig struct {
	ImageSize int       `yaml:"image_size"`
	Mean      []float32 `yaml:"mean"`
	Std       []float32 `yaml:"std"`
}

// WeightsPath gibt den zu ladenden Checkpoint zurueck (finetuned vor pretrained), "" wenn keiner.
func (c ModelConfig) WeightsPath() string {
	if c.LoadFinetuned && c.Finetuned != "" {
		return c.Finetuned
	}
	return c.Pretrained
}

func (c *Config) applyDefaults() {
	m := &c.Model
	if m.Arch == "" {
		m.Arch = ModelName
	}
	if m.MaxTxtLen <= 0 {
		m.MaxTxtLen = DefaultMaxTextLength
	}
	if m.ImageSize <= 0 {
		m.ImageSize = DefaultImageSize
	}
	if m.Tokenizer == "" {
		m.Tokenizer = DefaultTokenizer
	}
	if m.Encoder.Backend == "" {
		m.Encoder.Backend = DefaultBackend
	}
	if m.Decoder.Backend == "" {
		m.Decoder.Backend = DefaultBackend
	}
	if c.Preprocess.ImageSize <= 0 {
		c.Preprocess.ImageSize = m.ImageSize
	}
}

// Validate prueft Felder, die ohne Defaults ungueltig sind.
func (c *Config) Validate() error {
	if c.Model.Arch != ModelName {
		return &ConfigError{Key: c.Model.Arch, Err: errors.New("unsupported arch")}
	}
	if n := len(c.Preprocess.Mean); n != 0 && n != 3 {
		return &ConfigError{Key: "preprocess.mean", Err: fmt.Errorf("expected 3 values, got %d", n)}
	}
	if n := len(c.Preprocess.Std); n != 0 && n != 3 {
		return &ConfigError{Key: "preprocess.std", Err: fmt.Errorf("expected 3 values, got %d", n)}
	}
	for _, s := range c.Preprocess.Std {
		if s == 0 {
			return &ConfigError{Key: "preprocess.std", Err: errors.New("zero standard deviation")}
		}
	}
	return nil
}

// ============================================================================
// Pfade und Laden
// ============================================================================

// DefaultConfigPath gibt den Konfigurationspfad fuer "base" oder "large" zurueck.
func DefaultConfigPath(modelType string) (string, error) {
	if p, ok := defaultConfigPaths[modelType]; ok {
		return p, nil
	}
	return "", &ConfigError{Key: modelType, Suggestion: suggestModelType(modelType), Err: ErrUnknownModelType}
}

// ModelTypes gibt die bekannten Modelltypen zurueck.
func ModelTypes() []string {
	return []string{"base", "large"}
}

func suggestModelType(s string) string {
	best, score := "", math.MaxInt
	for _, t := range ModelTypes() {
		if d := levenshtein.ComputeDistance(strings.ToLower(s), t); d < score {
			best, score = t, d
		}
	}
	if score <= 2 {
		return best
	}
	return ""
}

// ParseConfig parst YAML-Daten und setzt Standardwerte.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("caption: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig liest eine Konfiguration. Pfade unter "configs/" werden zuerst in den
// eingebetteten Dateien gesucht, danach im Dateisystem.
func LoadConfig(path string) (*Config, error) {
	var (
		data []byte
		err  error
	)
	if name, ok := strings.CutPrefix(path, configs.Prefix); ok {
		data, err = configs.FS.ReadFile(name)
	}
	if data == nil {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("caption: read config: %w", err)
	}
	return ParseConfig(data)
}

// LoadModelConfig akzeptiert einen Modelltyp ("base", "large") oder einen Dateipfad.
func LoadModelConfig(typeOrPath string) (*Config, error) {
	if p, err := DefaultConfigPath(typeOrPath); err == nil {
		return LoadConfig(p)
	}
	if _, err := os.Stat(typeOrPath); err != nil {
		// weder Datei noch bekannter Typ: Fehler mit Vorschlag
		_, typeErr := DefaultConfigPath(typeOrPath)
		return nil, typeErr
	}
	return LoadConfig(typeOrPath)
}
