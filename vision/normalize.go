// MODUL: normalize
// ZWECK: Pixel -> normalisierte float32-Werte im CHW-Layout
// INPUT: ImageInput, mean/std pro Kanal
// OUTPUT: []float32 mit 3*H*W Werten
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine
// HINWEISE: BLIP verwendet die OpenAI-CLIP Statistik

package vision

// Normalisierungs-Presets
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}

	// Nur Skalierung auf [0,1]
	NoNormMean = [3]float32{0, 0, 0}
	NoNormStd  = [3]float32{1, 1, 1}
)

// NormalizeRGB normalisiert ein Bild und gibt es im CHW Format zurueck
func NormalizeRGB(img *ImageInput, mean, std [3]float32) []float32 {
	out := make([]float32, 3*img.Width*img.Height)
	NormalizeRGBInto(out, img, mean, std)
	return out
}

// NormalizeRGBInto schreibt das CHW-Ergebnis in dst (len >= 3*H*W).
func NormalizeRGBInto(dst []float32, img *ImageInput, mean, std [3]float32) {
	plane := img.Width * img.Height
	pix := img.Image.Pix
	stride := img.Image.Stride

	idx := 0
	for y := range img.Height {
		row := pix[y*stride:]
		for x := range img.Width {
			p := row[x*4 : x*4+3]
			dst[idx] = (float32(p[0])/255 - mean[0]) / std[0]
			dst[plane+idx] = (float32(p[1])/255 - mean[1]) / std[1]
			dst[2*plane+idx] = (float32(p[2])/255 - mean[2]) / std[2]
			idx++
		}
	}
}

// TensorShape gibt die CHW-Form des Bildes zurueck
func (img *ImageInput) TensorShape() []int {
	return []int{3, img.Height, img.Width}
}
