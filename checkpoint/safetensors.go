// safetensors.go - safetensors Dateien (F32, F16, BF16)

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors liest alle Tensoren einer safetensors Datei.
func ReadSafetensors(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("checkpoint: read header size: %w", err)
	}
	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("%w: header size %d", ErrUnsupportedFormat, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}

	type entry struct {
		name string
		meta safetensorMetadata
	}
	var entries []entry
	for name, raw := range headers {
		if name == "__metadata__" {
			continue
		}
		var meta safetensorMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		if len(meta.Offsets) != 2 {
			return nil, fmt.Errorf("%w: %s has %d offsets", ErrUnsupportedFormat, name, len(meta.Offsets))
		}
		entries = append(entries, entry{name, meta})
	}
	// Reihenfolge der Daten in der Datei
	slices.SortFunc(entries, func(a, b entry) int {
		return int(a.meta.Offsets[0] - b.meta.Offsets[0])
	})

	sd := NewStateDict()
	for _, e := range entries {
		if _, err := f.Seek(8+n+e.meta.Offsets[0], io.SeekStart); err != nil {
			return nil, err
		}
		data, err := readSafetensor(f, e.meta.Type, e.meta.Offsets[1]-e.meta.Offsets[0])
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", e.name, err)
		}

		elems := 1
		for _, d := range e.meta.Shape {
			elems *= d
		}
		if elems != len(data) {
			return nil, fmt.Errorf("checkpoint: %s: shape %v does not match %d elements", e.name, e.meta.Shape, len(data))
		}
		sd.Set(e.name, newDense(e.meta.Shape, data))
	}
	return sd, nil
}

func readSafetensor(r io.Reader, dtype string, size int64) ([]float32, error) {
	switch dtype {
	case "F32":
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("%w: dtype %s", ErrUnsupportedFormat, dtype)
	}
}

// WriteSafetensors schreibt einen StateDict als F32 safetensors Datei.
func WriteSafetensors(w io.Writer, sd *StateDict) error {
	headers := make(map[string]safetensorMetadata, sd.Len())
	var offset int64
	for name, t := range sd.All() {
		size := int64(t.Shape().TotalSize()) * 4
		headers[name] = safetensorMetadata{Type: "F32", Shape: []int(t.Shape()), Offsets: []int64{offset, offset + size}}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	// Header auf 8 Byte ausrichten
	for len(header)%8 != 0 {
		header = append(header, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, t := range sd.All() {
		if err := binary.Write(w, binary.LittleEndian, t.Data().([]float32)); err != nil {
			return err
		}
	}
	return nil
}
