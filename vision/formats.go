// MODUL: formats
// ZWECK: Bildformat-Erkennung ueber Magic-Bytes
// INPUT: Bild-Bytes
// OUTPUT: ImageFormat, Fehler bei nicht unterstuetztem Format
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine
// HINWEISE: JPEG, PNG, GIF, WebP und BMP. Decoder werden in image.go registriert.

package vision

import (
	"bytes"
	"errors"
)

// ImageFormat repraesentiert ein unterstuetztes Bildformat
type ImageFormat string

const (
	FormatJPEG    ImageFormat = "jpeg"
	FormatPNG     ImageFormat = "png"
	FormatGIF     ImageFormat = "gif"
	FormatWebP    ImageFormat = "webp"
	FormatBMP     ImageFormat = "bmp"
	FormatUnknown ImageFormat = "unknown"
)

var (
	magicJPEG  = []byte{0xFF, 0xD8, 0xFF}
	magicPNG   = []byte{0x89, 0x50, 0x4E, 0x47}
	magicGIF87 = []byte("GIF87a")
	magicGIF89 = []byte("GIF89a")
	magicRIFF  = []byte("RIFF")
	magicBMP   = []byte("BM")
)

// ErrUnknownFormat wird zurueckgegeben wenn das Format nicht erkannt wurde
var ErrUnknownFormat = errors.New("vision: unknown image format")

// DetectFormat erkennt das Bildformat anhand der Magic-Bytes
func DetectFormat(data []byte) ImageFormat {
	switch {
	case bytes.HasPrefix(data, magicJPEG):
		return FormatJPEG
	case bytes.HasPrefix(data, magicPNG):
		return FormatPNG
	case bytes.HasPrefix(data, magicGIF87), bytes.HasPrefix(data, magicGIF89):
		return FormatGIF
	case bytes.HasPrefix(data, magicRIFF) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	case bytes.HasPrefix(data, magicBMP) && len(data) >= 14:
		return FormatBMP
	}
	return FormatUnknown
}

// ValidateFormat prueft ob ein Format dekodiert werden kann
func ValidateFormat(format ImageFormat) error {
	switch format {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP, FormatBMP:
		return nil
	}
	return ErrUnknownFormat
}

// MimeType gibt den MIME-Type fuer ein Format zurueck
func (f ImageFormat) MimeType() string {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP, FormatBMP:
		return "image/" + string(f)
	}
	return "application/octet-stream"
}

// String implementiert Stringer
func (f ImageFormat) String() string {
	return string(f)
}
