package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/logutil"
	"github.com/ollama/caption/registry"
	"github.com/ollama/caption/store"
	"github.com/ollama/caption/tokenizer"
	"github.com/ollama/caption/version"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", // 0-4
	"a", "picture", "of", "cat", "on", // 5-9
	"mat", "dog", "in", "park", // 10-13
}

// brightEncoder liefert pro Bild die Pixelsumme als Embedding [B, 1, 1]
type brightEncoder struct{}

func (brightEncoder) Encode(_ context.Context, img *tensor.Dense) (*tensor.Dense, error) {
	shape := img.Shape()
	b, n := shape[0], shape[1]*shape[2]*shape[3]
	data := img.Data().([]float32)
	out := make([]float32, b)
	for i := range b {
		for _, v := range data[i*n : (i+1)*n] {
			out[i] += v
		}
	}
	return tensor.New(tensor.WithShape(b, 1, 1), tensor.WithBacking(out)), nil
}

// brightDecoder: helle Bilder sind Katzen, dunkle Hunde
type brightDecoder struct {
	rows atomic.Int32
	last atomic.Pointer[caption.GenerateOptions]
}

func (d *brightDecoder) ForwardLoss(_ context.Context, req caption.LossRequest) (caption.Output, error) {
	return caption.Output{caption.OutputLoss: 2.5, caption.OutputTokens: len(req.InputIDs) * 2}, nil
}

func (d *brightDecoder) GenerateFromEncoder(_ context.Context, req caption.GenerateRequest) ([][]int32, error) {
	d.rows.Add(int32(len(req.InputIDs)))
	opts := req.Options
	d.last.Store(&opts)
	embeds := req.ImageEmbeds.Data().([]float32)
	out := make([][]int32, len(req.InputIDs))
	for i, ids := range req.InputIDs {
		word := int32(11)
		if embeds[i] > 0 {
			word = 8
		}
		out[i] = append(append([]int32(nil), ids...), 5, word, req.SEP)
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	handler http.Handler
	decoder *brightDecoder
	loads   atomic.Int32
	models  *Models
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{decoder: &brightDecoder{}}
	load := func(ctx context.Context, name string) (*Instance, error) {
		if name != "base" {
			_, err := caption.DefaultConfigPath(name)
			return nil, err
		}
		ts.loads.Add(1)

		tok, err := tokenizer.LoadVocab(strings.NewReader(strings.Join(testVocab, "\n")))
		if err != nil {
			return nil, err
		}
		m, err := caption.New(brightEncoder{}, ts.decoder, tokenizer.NewBlip(tok), caption.WithPrompt("a picture of "))
		if err != nil {
			return nil, err
		}
		pre, err := NewPreprocessor(caption.PreprocessConfig{ImageSize: 4})
		if err != nil {
			return nil, err
		}
		cfg := &caption.Config{Model: caption.ModelConfig{Arch: caption.ModelName}}
		return &Instance{Name: name, Config: cfg, Model: m, Preprocessor: pre, LoadedAt: time.Now()}, nil
	}

	builders := registry.New[caption.Builder]("model")
	require.NoError(t, builders.Register(caption.ModelName, func(context.Context, *caption.Config) (*caption.Model, error) {
		return nil, errors.New("not used")
	}))

	ts.models = NewModels(load)
	s := New(builders, ts.models, append([]Option{WithMaxBatch(4), WithTimeout(time.Minute)}, opts...)...)
	ts.handler = s.GenerateRoutes()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.StatusError {
	t.Helper()
	var se api.StatusError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &se))
	return se
}

func TestHeadAndVersion(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodHead, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = ts.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var v api.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, version.Version, v.Version)
}

func TestRequestIDPassthrough(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestRequestIDInLogs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	logutil.Setup(&buf, slog.LevelDebug)

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/caption", strings.NewReader(`{"images":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	assert.Contains(t, buf.String(), `msg="request rejected"`)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Contains(t, line, "request_id=abc-123")
	}
}

func TestCaptionHandler(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{
		Images: []api.ImageData{pngBytes(t, color.White), pngBytes(t, color.Black)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.CaptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "base", resp.Model)
	assert.Equal(t, []string{"a cat", "a dog"}, resp.Captions)
	assert.Equal(t, []bool{false, false}, resp.Cached)
	assert.Equal(t, int32(1), ts.loads.Load())
}

func TestCaptionHandlerCache(t *testing.T) {
	cache, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	ts := newTestServer(t, WithCache(cache))
	white, black := pngBytes(t, color.White), pngBytes(t, color.Black)

	w := ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{Images: []api.ImageData{white}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(1), ts.decoder.rows.Load())

	// nur das neue Bild laeuft durch das Modell
	w = ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{Images: []api.ImageData{black, white}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.CaptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a dog", "a cat"}, resp.Captions)
	assert.Equal(t, []bool{false, true}, resp.Cached)
	assert.Equal(t, int32(2), ts.decoder.rows.Load())

	// andere Optionen ergeben einen anderen Schluessel
	w = ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{
		Images:  []api.ImageData{white},
		Options: &api.Options{NumBeams: ptr(1)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int32(3), ts.decoder.rows.Load())

	// Sampling wird nie gecacht
	for range 2 {
		w = ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{
			Images:  []api.ImageData{white},
			Options: &api.Options{UseNucleusSampling: true},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, int32(5), ts.decoder.rows.Load())
}

func TestCaptionHandlerOptions(t *testing.T) {
	cases := []struct {
		name    string
		options *api.Options
		want    caption.GenerateOptions
	}{
		{"defaults", nil, caption.DefaultGenerateOptions()},
		{"short caption", &api.Options{MaxLength: ptr(5), MinLength: ptr(0)}, caption.GenerateOptions{
			NumBeams: 3, MaxLength: 5, MinLength: 0, TopP: 0.9, RepetitionPenalty: 1.0,
		}},
		{"greedy", &api.Options{NumBeams: ptr(1), MinLength: ptr(0)}, caption.GenerateOptions{
			NumBeams: 1, MaxLength: 30, MinLength: 0, TopP: 0.9, RepetitionPenalty: 1.0,
		}},
		{"sampling", &api.Options{UseNucleusSampling: true, TopP: ptr(0.5), RepetitionPenalty: ptr(1.2)}, caption.GenerateOptions{
			UseNucleusSampling: true, NumBeams: 3, MaxLength: 30, MinLength: 10, TopP: 0.5, RepetitionPenalty: 1.2,
		}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(t, http.MethodPost, "/api/caption", api.CaptionRequest{
				Images:  []api.ImageData{pngBytes(t, color.White)},
				Options: tt.options,
			})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			got := ts.decoder.last.Load()
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestCaptionHandlerErrors(t *testing.T) {
	ts := newTestServer(t)
	img := pngBytes(t, color.White)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"no images", api.CaptionRequest{}, http.StatusBadRequest, "NO_IMAGES"},
		{"batch too large", api.CaptionRequest{Images: []api.ImageData{img, img, img, img, img}}, http.StatusBadRequest, "BATCH_TOO_LARGE"},
		{"bad image", api.CaptionRequest{Images: []api.ImageData{[]byte("not an image")}}, http.StatusBadRequest, "UNSUPPORTED_FORMAT"},
		{"unknown model", api.CaptionRequest{Model: "bse", Images: []api.ImageData{img}}, http.StatusNotFound, "MODEL_NOT_FOUND"},
		{"invalid options", api.CaptionRequest{Images: []api.ImageData{img}, Options: &api.Options{MinLength: ptr(40), MaxLength: ptr(20)}}, http.StatusBadRequest, "INVALID_OPTIONS"},
		{"bad json", "{", http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/caption", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestLossHandler(t *testing.T) {
	ts := newTestServer(t)
	img := pngBytes(t, color.White)

	w := ts.do(t, http.MethodPost, "/api/loss", api.LossRequest{
		Images:   []api.ImageData{img, img},
		Captions: []string{"a cat", "a cat on a mat"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.LossResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 2.5, resp.Loss, 1e-9)
	assert.Equal(t, 4, resp.NumTokens)

	w = ts.do(t, http.MethodPost, "/api/loss", api.LossRequest{
		Images:   []api.ImageData{img, img},
		Captions: []string{"a cat"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CAPTION_COUNT", decodeError(t, w).Code)
}

func TestModelsHandler(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.models.Get(context.Background(), "")
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{caption.ModelName}, resp.Architectures)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "base", resp.Models[0].Name)
	assert.True(t, resp.Models[0].Loaded)
	assert.Equal(t, "configs/models/blip_caption_base.yaml", resp.Models[0].Config)
	assert.Equal(t, "large", resp.Models[1].Name)
	assert.False(t, resp.Models[1].Loaded)
}

func TestModelsLoadOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m := NewModels(func(ctx context.Context, name string) (*Instance, error) {
		calls.Add(1)
		<-release
		return &Instance{Name: name}, nil
	})

	done := make(chan *Instance, 4)
	for range 4 {
		go func() {
			inst, err := m.Get(context.Background(), "base")
			assert.NoError(t, err)
			done <- inst
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	first := <-done
	for range 3 {
		assert.Same(t, first, <-done)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, m.Loaded(), 1)
}

func TestModelsGetCanceled(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	m := NewModels(func(ctx context.Context, name string) (*Instance, error) {
		<-block
		return &Instance{Name: name}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Get(ctx, "base")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ErrNoImages, http.StatusBadRequest, "NO_IMAGES"},
		{&caption.ConfigError{Key: "bse", Err: caption.ErrUnknownModelType}, http.StatusNotFound, "MODEL_NOT_FOUND"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range cases {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
