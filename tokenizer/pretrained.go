// pretrained.go - Tokenizer aus lokalem Pfad oder Hugging Face Repository laden

package tokenizer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ollama/caption/huggingface"
)

// pretrainedFiles sind die Dateien, die fuer einen BERT-Tokenizer geladen werden.
var pretrainedFiles = []string{FileTokenizerJSON, FileVocabTxt, FileTokenizerConfig, FileSpecialTokens}

// FromPretrained laedt einen Tokenizer. nameOrPath ist entweder ein lokaler Pfad
// (Datei oder Verzeichnis) oder eine Repository-ID wie "bert-base-uncased".
func FromPretrained(ctx context.Context, client *huggingface.Client, nameOrPath string) (*Tokenizer, error) {
	if _, err := os.Stat(nameOrPath); err == nil {
		return Load(nameOrPath)
	}
	if client == nil {
		return nil, fmt.Errorf("tokenizer: %q is not a local path and no hub client configured", nameOrPath)
	}

	paths, err := client.DownloadFiles(ctx, nameOrPath, pretrainedFiles, huggingface.WithOptional(pretrainedFiles...))
	if err != nil {
		return nil, fmt.Errorf("tokenizer: download %s: %w", nameOrPath, err)
	}

	for _, f := range []string{FileTokenizerJSON, FileVocabTxt} {
		if p, ok := paths[f]; ok {
			slog.Debug("loading tokenizer", "repo", nameOrPath, "file", f)
			return Load(filepath.Dir(p))
		}
	}
	return nil, fmt.Errorf("tokenizer: %s: neither %s nor %s found: %w", nameOrPath, FileTokenizerJSON, FileVocabTxt, huggingface.ErrNotFound)
}

// BlipFromPretrained laedt einen BERT-Tokenizer und ergaenzt die BLIP Special-Tokens.
func BlipFromPretrained(ctx context.Context, client *huggingface.Client, nameOrPath string) (*Tokenizer, error) {
	t, err := FromPretrained(ctx, client, nameOrPath)
	if err != nil {
		return nil, err
	}
	return NewBlip(t), nil
}
