package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFromEnvironment(t *testing.T) {
	type testCase struct {
		value  string
		expect string
	}

	testCases := map[string]*testCase{
		"empty":       {value: "", expect: "http://127.0.0.1:11436"},
		"only host":   {value: "1.2.3.4", expect: "http://1.2.3.4:11436"},
		"only port":   {value: ":1234", expect: "http://:1234"},
		"with scheme": {value: "https://caption.local", expect: "https://caption.local:443"},
	}

	for k, v := range testCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("CAPTION_HOST", v.value)

			client, err := ClientFromEnvironment()
			require.NoError(t, err)
			assert.Equal(t, v.expect, client.base.String())
		})
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return NewClient(base, ts.Client())
}

func TestCaption(t *testing.T) {
	var got CaptionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/caption", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(CaptionResponse{Model: "base", Captions: []string{"a cat"}, Cached: []bool{false}})
	})

	seed, topP, minLength := int64(7), 0.8, 0
	req := &CaptionRequest{
		Model:   "base",
		Images:  []ImageData{[]byte("png bytes")},
		Options: &Options{UseNucleusSampling: true, TopP: &topP, MinLength: &minLength, Seed: &seed},
	}
	resp, err := c.Caption(context.Background(), req)
	require.NoError(t, err)

	if diff := cmp.Diff(*req, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a cat"}, resp.Captions)
}

func TestCheckError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"unknown model type \"bse\"","code":"MODEL_NOT_FOUND"}`))
	})

	_, err := c.Loss(context.Background(), &LossRequest{Model: "bse"})
	var se StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "MODEL_NOT_FOUND", se.Code)
	assert.Contains(t, se.Error(), "unknown model type")
}

func TestCheckErrorPlainBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.Heartbeat(context.Background())
	var se StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "boom\n", se.ErrorMessage)
}

func TestVersionAndModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			json.NewEncoder(w).Encode(VersionResponse{Version: "1.2.3"})
		case "/api/models":
			json.NewEncoder(w).Encode(ModelsResponse{
				Models:        []ModelInfo{{Name: "base", Arch: "blip_caption"}},
				Architectures: []string{"blip_caption"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)

	m, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Models, 1)
	assert.Equal(t, "base", m.Models[0].Name)
}

func TestStatusErrorMessage(t *testing.T) {
	cases := []struct {
		err  StatusError
		want string
	}{
		{StatusError{Status: "400 Bad Request", ErrorMessage: "no images"}, "400 Bad Request: no images"},
		{StatusError{Status: "400 Bad Request"}, "400 Bad Request"},
		{StatusError{ErrorMessage: "no images"}, "no images"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}
