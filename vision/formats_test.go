package vision

import "testing"

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected ImageFormat
	}{
		{"JPEG", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, FormatJPEG},
		{"PNG", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A}, FormatPNG},
		{"GIF89a", []byte("GIF89a\x01\x00"), FormatGIF},
		{"GIF87a", []byte("GIF87a\x01\x00"), FormatGIF},
		{"WebP", []byte{'R', 'I', 'F', 'F', 0, 0, 0, 0, 'W', 'E', 'B', 'P'}, FormatWebP},
		{"RIFF ohne WEBP", []byte{'R', 'I', 'F', 'F', 0, 0, 0, 0, 'W', 'A', 'V', 'E'}, FormatUnknown},
		{"BMP", append([]byte("BM"), make([]byte, 20)...), FormatBMP},
		{"BMP zu kurz", []byte("BM12"), FormatUnknown},
		{"Zu kurz", []byte{0xFF, 0xD8}, FormatUnknown},
		{"Leer", nil, FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat(tt.data); got != tt.expected {
				t.Errorf("DetectFormat() = %v, erwartet %v", got, tt.expected)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	for _, f := range []ImageFormat{FormatJPEG, FormatPNG, FormatGIF, FormatWebP, FormatBMP} {
		if err := ValidateFormat(f); err != nil {
			t.Errorf("ValidateFormat(%v) = %v, erwartet nil", f, err)
		}
	}
	if err := ValidateFormat(FormatUnknown); err != ErrUnknownFormat {
		t.Errorf("ValidateFormat(unknown) = %v, erwartet ErrUnknownFormat", err)
	}
}

func TestMimeType(t *testing.T) {
	if got := FormatWebP.MimeType(); got != "image/webp" {
		t.Errorf("MimeType = %q", got)
	}
	if got := FormatUnknown.MimeType(); got != "application/octet-stream" {
		t.Errorf("MimeType = %q", got)
	}
}
