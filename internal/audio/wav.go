package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var errUnsupportedFormat = errors.New("unsupported wav encoding")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	framesPerChunk      = 4096
)

// wavInfo describes the PCM stream inside a WAV container.
type wavInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int64
	DataSize      int64
}

func (w wavInfo) blockAlign() int {
	return w.Channels * (w.BitsPerSample / 8)
}

// Frames returns the number of complete sample frames in the data chunk.
func (w wavInfo) Frames() int64 {
	if ba := w.blockAlign(); ba > 0 {
		return w.DataSize / int64(ba)
	}
	return 0
}

// Duration returns the playback length of the data chunk.
func (w wavInfo) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// readWAVInfo walks the RIFF chunks of r until both fmt and data are found.
func readWAVInfo(r io.ReadSeeker) (wavInfo, error) {
	var info wavInfo

	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return info, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return info, fmt.Errorf("missing RIFF/WAVE header")
	}

	var fmtFound, dataFound bool
	for !fmtFound || !dataFound {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			return info, err
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return info, fmt.Errorf("fmt chunk too short: %d", chunkSize)
			}
			fmtChunk := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return info, err
			}
			format := binary.LittleEndian.Uint16(fmtChunk[0:2])
			if format != wavFormatPCM && format != wavFormatExtensible {
				return info, fmt.Errorf("%w: format tag %d", errUnsupportedFormat, format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			switch info.BitsPerSample {
			case 8, 16, 24, 32:
			default:
				return info, fmt.Errorf("%w: %d bits per sample", errUnsupportedFormat, info.BitsPerSample)
			}
			if info.Channels <= 0 || info.SampleRate <= 0 {
				return info, fmt.Errorf("invalid fmt chunk: channels=%d rate=%d", info.Channels, info.SampleRate)
			}
			fmtFound = true
			if chunkSize%2 == 1 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return info, err
				}
			}
		case "data":
			offset, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return info, err
			}
			info.DataOffset = offset
			info.DataSize = chunkSize
			dataFound = true
			if !fmtFound {
				if _, err := r.Seek(chunkSize+chunkSize%2, io.SeekCurrent); err != nil {
					return info, err
				}
			}
		default:
			if _, err := r.Seek(chunkSize+chunkSize%2, io.SeekCurrent); err != nil {
				return info, err
			}
		}
	}

	// Recorders that crash before finalizing leave a data size larger than the file.
	if end, err := r.Seek(0, io.SeekEnd); err == nil && info.DataOffset+info.DataSize > end {
		info.DataSize = end - info.DataOffset
	}
	return info, nil
}

// toInt16 converts one little-endian PCM sample of the given width to 16 bits.
func toInt16(b []byte, bits int) int16 {
	switch bits {
	case 8:
		return int16(int(b[0])-128) << 8
	case 16:
		return int16(binary.LittleEndian.Uint16(b))
	case 24:
		return int16(uint16(b[1]) | uint16(b[2])<<8)
	case 32:
		return int16(uint16(b[2]) | uint16(b[3])<<8)
	}
	return 0
}

// writeWAVHeader writes a 44-byte canonical header for 16-bit PCM data.
func writeWAVHeader(w io.Writer, sampleRate, channels int, dataSize uint32) error {
	header := make([]byte, 44)
	blockAlign := channels * 2

	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 36+dataSize)
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], dataSize)

	_, err := w.Write(header)
	return err
}

// WAVExtractor slices PCM WAV files without any external tool. Output keeps
// the source sample rate and channel count and is always 16-bit.
type WAVExtractor struct {
	// TempDir receives the segment files. Empty means os.TempDir().
	TempDir string
}

func (x *WAVExtractor) Extract(ctx context.Context, src string, start, duration time.Duration) (string, error) {
	if err := validateWindow(src, start, duration); err != nil {
		return "", err
	}

	f, err := os.Open(src)
	if err != nil {
		return "", &ExtractError{Op: "open", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}
	defer f.Close()

	info, err := readWAVInfo(f)
	if err != nil {
		return "", &ExtractError{Op: "open", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}

	total := info.Frames()
	first := int64(start) * int64(info.SampleRate) / int64(time.Second)
	last := int64(start+duration) * int64(info.SampleRate) / int64(time.Second)
	if last > total {
		last = total
	}
	if first >= last {
		return "", &ExtractError{
			Op:     "slice",
			Source: src,
			Err:    fmt.Errorf("%w: window starts at %s past end of %s audio", ErrExportFailed, start, info.Duration()),
		}
	}

	blockAlign := int64(info.blockAlign())
	if _, err := f.Seek(info.DataOffset+first*blockAlign, io.SeekStart); err != nil {
		return "", &ExtractError{Op: "seek", Source: src, Err: fmt.Errorf("%w: %w", ErrExportFailed, err)}
	}

	out, err := os.CreateTemp(x.TempDir, "segment-*.wav")
	if err != nil {
		return "", &ExtractError{Op: "create", Source: src, Err: fmt.Errorf("%w: %w", ErrExportSessionCreationFailed, err)}
	}
	outPath := out.Name()

	if err := copyFrames(ctx, f, out, info, last-first); err != nil {
		out.Close()
		os.Remove(outPath)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: %w", ErrExportCancelled, err)}
		}
		return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: %w", ErrExportFailed, err)}
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", &ExtractError{Op: "export", Source: src, Err: fmt.Errorf("%w: %w", ErrExportFailed, err)}
	}
	return outPath, nil
}

// copyFrames converts frames from r to 16-bit PCM and writes a complete WAV
// file to w. ctx is checked between chunks.
func copyFrames(ctx context.Context, r io.Reader, w io.Writer, info wavInfo, frames int64) error {
	bw := bufio.NewWriter(w)
	outSize := frames * int64(info.Channels) * 2
	if err := writeWAVHeader(bw, info.SampleRate, info.Channels, uint32(outSize)); err != nil {
		return err
	}

	bytesPerSample := info.BitsPerSample / 8
	blockAlign := info.blockAlign()
	in := make([]byte, framesPerChunk*blockAlign)
	conv := make([]byte, framesPerChunk*info.Channels*2)

	for remaining := frames; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(framesPerChunk)
		if remaining < n {
			n = remaining
		}
		buf := in[:n*int64(blockAlign)]
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		samples := int(n) * info.Channels
		for i := 0; i < samples; i++ {
			s := toInt16(buf[i*bytesPerSample:(i+1)*bytesPerSample], info.BitsPerSample)
			binary.LittleEndian.PutUint16(conv[i*2:], uint16(s))
		}
		if _, err := bw.Write(conv[:samples*2]); err != nil {
			return err
		}
		remaining -= n
	}
	return bw.Flush()
}

// Probe returns the duration of a PCM WAV file.
func Probe(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := readWAVInfo(f)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}
