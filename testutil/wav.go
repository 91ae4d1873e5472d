package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// WAVSpec describes a generated PCM fixture.
type WAVSpec struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Frames        int
}

// WriteWAV writes a PCM WAV file into t.TempDir() and returns its path. Every
// frame's samples hold the frame index (scaled to the sample width), so a
// slice can be checked by reading its first sample.
func WriteWAV(t *testing.T, name string, spec WAVSpec) string {
	t.Helper()
	if spec.SampleRate == 0 {
		spec.SampleRate = 16000
	}
	if spec.Channels == 0 {
		spec.Channels = 1
	}
	if spec.BitsPerSample == 0 {
		spec.BitsPerSample = 16
	}

	bytesPerSample := spec.BitsPerSample / 8
	blockAlign := spec.Channels * bytesPerSample
	dataSize := spec.Frames * blockAlign

	buf := make([]byte, 44+dataSize)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataSize))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], uint16(spec.Channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(spec.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(spec.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:], uint16(spec.BitsPerSample))
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataSize))

	for f := 0; f < spec.Frames; f++ {
		v := int16(f % 32768)
		for c := 0; c < spec.Channels; c++ {
			off := 44 + f*blockAlign + c*bytesPerSample
			putSample(buf[off:off+bytesPerSample], v, spec.BitsPerSample)
		}
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write wav fixture: %v", err)
	}
	return path
}

// ReadWAVSamples returns the 16-bit samples of a canonical 44-byte-header WAV.
func ReadWAVSamples(t *testing.T, path string) []int16 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(data) < 44 {
		t.Fatalf("wav too short: %d bytes", len(data))
	}
	pcm := data[44:]
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// putSample stores v at the given width so that converting back to 16 bits
// yields v again.
func putSample(b []byte, v int16, bits int) {
	switch bits {
	case 8:
		b[0] = byte(int(v>>8) + 128)
	case 16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 24:
		b[0] = 0
		binary.LittleEndian.PutUint16(b[1:], uint16(v))
	case 32:
		b[0], b[1] = 0, 0
		binary.LittleEndian.PutUint16(b[2:], uint16(v))
	}
}
