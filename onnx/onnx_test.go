package onnx

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/caption/caption"
)

const (
	testVocab       = 6
	testSEP   int32 = 3
	testPAD   int32 = 0
)

// scriptedLogits bevorzugt an Position t das Token script[t], danach SEP.
func scriptedLogits(script []int32, calls *int) logitsFunc {
	return func(_ context.Context, ids, _ [][]int32, embeds *tensor.Dense) (*tensor.Dense, error) {
		if calls != nil {
			*calls++
		}
		if embeds.Shape()[0] != len(ids) {
			return nil, errors.New("embedding rows do not match ids")
		}
		b, l := len(ids), len(ids[0])
		data := make([]float32, b*l*testVocab)
		for i := range b {
			for t := range l {
				next := testSEP
				if t < len(script) {
					next = script[t]
				}
				data[(i*l+t)*testVocab+int(next)] = 8
			}
		}
		return tensor.New(tensor.WithShape(b, l, testVocab), tensor.WithBacking(data)), nil
	}
}

func embeds(b int) *tensor.Dense {
	data := make([]float32, b*2*4)
	for i := range data {
		data[i] = float32(i)
	}
	return tensor.New(tensor.WithShape(b, 2, 4), tensor.WithBacking(data))
}

func TestDecoderGenerate(t *testing.T) {
	// Prompt [1, 4] -> Position 1 sagt 5 voraus, Position 2 sagt 4 voraus
	d := newDecoder(scriptedLogits([]int32{4, 5, 4}, nil), nil)

	opts := caption.DefaultGenerateOptions()
	opts.MinLength = 0
	opts.MaxLength = 8

	for _, beams := range []int{1, 3} {
		opts.NumBeams = beams
		out, err := d.GenerateFromEncoder(context.Background(), caption.GenerateRequest{
			InputIDs:    [][]int32{{1, 4}, {1, 4}},
			ImageEmbeds: embeds(2),
			SEP:         testSEP,
			PAD:         testPAD,
			Options:     opts,
		})
		require.NoError(t, err, "beams=%d", beams)
		assert.Equal(t, [][]int32{{1, 4, 5, 4, 3}, {1, 4, 5, 4, 3}}, out, "beams=%d", beams)
	}
}

func TestDecoderForwardLoss(t *testing.T) {
	d := newDecoder(scriptedLogits([]int32{4, 5}, nil), nil)

	out, err := d.ForwardLoss(context.Background(), caption.LossRequest{
		InputIDs:      [][]int32{{1, 4, 5}},
		AttentionMask: [][]int32{{1, 1, 1}},
		ImageEmbeds:   embeds(1),
		Targets:       [][]int32{{-100, -100, 5}},
	})
	require.NoError(t, err)

	loss, ok := out.Loss()
	require.True(t, ok)
	assert.Equal(t, 1, out[caption.OutputTokens])
	// Vorhersage korrekt mit Logit 8, nur Label Smoothing und Restmasse tragen bei
	assert.Greater(t, loss, 0.0)
	assert.Less(t, loss, 1.0)
	assert.False(t, math.IsNaN(loss))
}

func TestDecoderClosed(t *testing.T) {
	closed := false
	d := newDecoder(scriptedLogits(nil, nil), func() { closed = true })
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, closed)

	_, err := d.ForwardLoss(context.Background(), caption.LossRequest{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGenerateParams(t *testing.T) {
	req := caption.GenerateRequest{SEP: testSEP, PAD: testPAD, Options: caption.DefaultGenerateOptions()}

	p := generateParams(req)
	assert.Equal(t, 3, p.NumBeams)
	assert.Equal(t, 1.0, p.RepetitionPenalty)
	assert.Equal(t, testSEP, p.EOS)

	req.Options.UseNucleusSampling = true
	p = generateParams(req)
	assert.Equal(t, 1, p.NumBeams)
	assert.Equal(t, NucleusRepetitionPenalty, p.RepetitionPenalty)
	assert.Equal(t, DefaultTopK, p.TopK)

	req.Options.RepetitionPenalty = 1.3
	assert.Equal(t, 1.3, generateParams(req).RepetitionPenalty)
}

func TestSelectRows(t *testing.T) {
	src := embeds(2)
	got, err := selectRows(src, []int{1, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 4}, []int(got.Shape()))

	data := got.Data().([]float32)
	assert.Equal(t, float32(8), data[0])
	assert.Equal(t, float32(8), data[8])
	assert.Equal(t, float32(0), data[16])

	_, err = selectRows(src, []int{2})
	assert.ErrorIs(t, err, ErrOutputFormat)
}

func TestEncoderValidatesInput(t *testing.T) {
	e := newEncoder(func(context.Context, *tensor.Dense) (*tensor.Dense, error) {
		return embeds(1), nil
	}, nil)

	_, err := e.Encode(context.Background(), embeds(1))
	assert.ErrorIs(t, err, ErrInference)

	pixels := tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12)))
	out, err := e.Encode(context.Background(), pixels)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, []int(out.Shape()))
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "blip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blip", "enc.onnx"), []byte("x"), 0o644))

	o := Options{ModelDir: dir}
	p, err := ResolveModelPath(context.Background(), caption.ComponentConfig{Path: "blip/enc.onnx"}, o)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "blip", "enc.onnx"), p)

	_, err = ResolveModelPath(context.Background(), caption.ComponentConfig{Path: "missing.onnx"}, o)
	assert.ErrorIs(t, err, ErrModelPath)

	_, err = ResolveModelPath(context.Background(), caption.ComponentConfig{}, o)
	assert.ErrorIs(t, err, ErrModelPath)
}

func TestRegister(t *testing.T) {
	c := caption.NewComponents(nil)
	require.NoError(t, Register(c, WithModelDir(t.TempDir())))
	assert.True(t, c.Encoders.Has(BackendName))
	assert.True(t, c.Decoders.Has(BackendName))

	// zweite Registrierung schlaegt fehl
	assert.Error(t, Register(c))

	build, err := c.Encoders.Get(BackendName)
	require.NoError(t, err)
	_, err = build(context.Background(), &caption.ModelConfig{Encoder: caption.ComponentConfig{Path: "nope.onnx"}})
	assert.ErrorIs(t, err, ErrModelPath)
}
