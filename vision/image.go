// MODUL: image
// ZWECK: Bilder laden, Alpha entfernen, skalieren und zuschneiden
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: ImageInput mit dekodiertem RGBA-Bild
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadImage
// ABHAENGIGKEITEN: golang.org/x/image (draw, webp, bmp)
// HINWEISE: Alle Bilder werden als RGBA gehalten

package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageInput enthaelt ein dekodiertes Bild mit Metadaten
type ImageInput struct {
	Image  *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vision: read image: %w", err)
	}
	return LoadImageFromBytes(data)
}

// LoadImageFromBytes dekodiert ein Bild aus Byte-Daten
func LoadImageFromBytes(data []byte) (*ImageInput, error) {
	format := DetectFormat(data)
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode %s: %w", format, err)
	}

	rgba := toRGBA(img)
	return &ImageInput{
		Image:  rgba,
		Width:  rgba.Bounds().Dx(),
		Height: rgba.Bounds().Dy(),
		Format: format,
	}, nil
}

// DecodeImage dekodiert ein Bild aus einem io.Reader
func DecodeImage(r io.Reader) (*ImageInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vision: read image: %w", err)
	}
	return LoadImageFromBytes(data)
}

// FromImage verpackt ein bereits dekodiertes Bild
func FromImage(img image.Image) *ImageInput {
	rgba := toRGBA(img)
	return &ImageInput{
		Image:  rgba,
		Width:  rgba.Bounds().Dx(),
		Height: rgba.Bounds().Dy(),
		Format: FormatUnknown,
	}
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA mit Ursprung (0,0)
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Resample waehlt das Interpolationsverfahren beim Skalieren
type Resample int

const (
	ResampleBicubic Resample = iota
	ResampleBilinear
	ResampleNearest
)

func (r Resample) scaler() draw.Scaler {
	switch r {
	case ResampleBilinear:
		return draw.BiLinear
	case ResampleNearest:
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}

// ResizeImage skaliert ein Bild ohne Beibehaltung des Seitenverhaeltnisses
func ResizeImage(img *ImageInput, width, height int, resample Resample) (*ImageInput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("vision: invalid size %dx%d", width, height)
	}
	if img.Width == width && img.Height == height {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	resample.scaler().Scale(dst, dst.Bounds(), img.Image, img.Image.Bounds(), draw.Src, nil)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// Composite entfernt den Alpha-Kanal mit weissem Hintergrund
func Composite(img *ImageInput) *ImageInput {
	return CompositeWithColor(img, color.White)
}

// CompositeWithColor entfernt den Alpha-Kanal mit gegebener Hintergrundfarbe
func CompositeWithColor(img *ImageInput, bg color.Color) *ImageInput {
	if img.Image.Opaque() {
		return img
	}

	bounds := img.Image.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, &image.Uniform{bg}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img.Image, bounds.Min, draw.Over)

	return &ImageInput{
		Image:  dst,
		Width:  img.Width,
		Height: img.Height,
		Format: img.Format,
	}
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *ImageInput, width, height int) (*ImageInput, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("vision: crop %dx%d larger than image %dx%d", width, height, img.Width, img.Height)
	}

	offsetX := (img.Width - width) / 2
	offsetY := (img.Height - height) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img.Image, image.Pt(offsetX, offsetY), draw.Src)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}
