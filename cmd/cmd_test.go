package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/envconfig"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewCLI()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigPath(t *testing.T) {
	out, err := execute(t, "config", "path", "large")
	require.NoError(t, err)
	assert.Equal(t, "configs/models/blip_caption_large.yaml\n", out)

	_, err = execute(t, "config", "path", "bse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "base"`)
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "config", "show", "base")
	require.NoError(t, err)
	assert.Contains(t, out, "blip_caption")
	assert.Contains(t, out, `"a picture of "`)
	assert.Contains(t, out, "bert-base-uncased")

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  prompt: \"\"\n  max_txt_len: 20\n"), 0o644))
	out, err = execute(t, "config", "show", path)
	require.NoError(t, err)
	assert.Contains(t, out, "20")
}

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(paths[i], []byte(n), 0o644))
	}
	return paths
}

func TestRunHandler(t *testing.T) {
	var got api.CaptionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			return
		case "/api/caption":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(api.CaptionResponse{
				Model:    "base",
				Captions: []string{"a cat on a mat", "a dog in a park"},
				Cached:   []bool{true, false},
				Duration: time.Second,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	t.Setenv("CAPTION_HOST", ts.URL)

	paths := writeImages(t, "cat.png", "dog.png")
	out, err := execute(t, "run", paths[0], paths[1], "--beams", "5", "--min-length", "0", "--seed", "3", "--verbose")
	require.NoError(t, err)

	require.Len(t, got.Images, 2)
	assert.Equal(t, "cat.png", string(got.Images[0]))
	require.NotNil(t, got.Options)
	require.NotNil(t, got.Options.NumBeams)
	assert.Equal(t, 5, *got.Options.NumBeams)
	// explizit gesetzte 0 wird uebertragen, nicht gesetzte Flags bleiben nil
	require.NotNil(t, got.Options.MinLength)
	assert.Equal(t, 0, *got.Options.MinLength)
	assert.Nil(t, got.Options.MaxLength)
	assert.Nil(t, got.Options.TopP)
	require.NotNil(t, got.Options.Seed)
	assert.Equal(t, int64(3), *got.Options.Seed)

	assert.Contains(t, out, "a cat on a mat")
	assert.Contains(t, out, "a dog in a park")
	assert.Contains(t, out, "cached:         1/2")
}

func TestPrintCaptions(t *testing.T) {
	resp := &api.CaptionResponse{Model: "base", Captions: []string{"a cat"}}

	var buf bytes.Buffer
	require.NoError(t, printCaptions(&buf, []string{"x.png"}, resp, "", false))
	assert.Equal(t, "a cat\n", buf.String())

	buf.Reset()
	require.NoError(t, printCaptions(&buf, []string{"x.png"}, resp, "json", false))
	var decoded api.CaptionResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, resp.Captions, decoded.Captions)

	assert.Error(t, printCaptions(&buf, []string{"x.png"}, resp, "yaml", false))
}

func TestPairs(t *testing.T) {
	images, captions, err := pairs([]string{"a.png", "a cat", "b.png", "a dog"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, images)
	assert.Equal(t, []string{"a cat", "a dog"}, captions)

	_, _, err = pairs([]string{"a.png"})
	assert.Error(t, err)
}

func TestAppendEnvDocs(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	appendEnvDocs(cmd, []envconfig.EnvVar{{Name: "CAPTION_HOST", Description: "host"}})
	assert.True(t, strings.Contains(cmd.UsageTemplate(), "Environment Variables:"))
	assert.Contains(t, cmd.UsageTemplate(), "CAPTION_HOST")
}
