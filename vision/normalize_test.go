package vision

import (
	"image/color"
	"math"
	"testing"
)

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestNormalizeRGB(t *testing.T) {
	img := FromImage(solidImage(2, 3, color.RGBA{255, 0, 51, 255}))
	out := NormalizeRGB(img, NoNormMean, NoNormStd)

	if len(out) != 3*2*3 {
		t.Fatalf("Tensor Laenge = %d, erwartet 18", len(out))
	}

	plane := 6
	for i := range plane {
		if !approxEqual(out[i], 1) || !approxEqual(out[plane+i], 0) || !approxEqual(out[2*plane+i], 0.2) {
			t.Fatalf("Pixel %d = (%f,%f,%f), erwartet (1,0,0.2)", i, out[i], out[plane+i], out[2*plane+i])
		}
	}
}

func TestNormalizeRGBClip(t *testing.T) {
	img := FromImage(solidImage(1, 1, color.White))
	out := NormalizeRGB(img, ClipMean, ClipStd)

	for c := range 3 {
		want := (1 - ClipMean[c]) / ClipStd[c]
		if !approxEqual(out[c], want) {
			t.Errorf("Kanal %d = %f, erwartet %f", c, out[c], want)
		}
	}
}

func TestTensorShape(t *testing.T) {
	img := FromImage(solidImage(4, 2, color.White))
	shape := img.TensorShape()
	if shape[0] != 3 || shape[1] != 2 || shape[2] != 4 {
		t.Errorf("TensorShape = %v, erwartet [3 2 4]", shape)
	}
}
