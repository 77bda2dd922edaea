package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/klauspost/compress/gzip"
)

// Container is the staging file format a session is written into. It only
// affects the file on disk, never the capture format.
type Container string

const (
	ContainerWAV     Container = "wav"
	ContainerRaw     Container = "raw"
	ContainerWAVGzip Container = "wav.gz"
)

const wavFormatPCM = 1

// ParseContainer resolves a configured container name
func ParseContainer(name string) (Container, error) {
	switch Container(strings.ToLower(strings.TrimSpace(name))) {
	case ContainerWAV, "":
		return ContainerWAV, nil
	case ContainerRaw, "pcm":
		return ContainerRaw, nil
	case ContainerWAVGzip, "wavgz", "gzip":
		return ContainerWAVGzip, nil
	default:
		return "", fmt.Errorf("unsupported container format '%s' (want wav, raw or wav.gz)", name)
	}
}

// Extension returns the file extension including the leading dot
func (c Container) Extension() string {
	switch c {
	case ContainerRaw:
		return ".pcm"
	case ContainerWAVGzip:
		return ".wav.gz"
	default:
		return ".wav"
	}
}

// ContentType returns the MIME type used by HTTP and S3 uploads
func (c Container) ContentType() string {
	switch c {
	case ContainerRaw:
		return "application/octet-stream"
	case ContainerWAVGzip:
		return "application/gzip"
	default:
		return "audio/wav"
	}
}

// WriteFile stages samples at path in the given container and returns the
// size of the written file.
func WriteFile(path string, c Container, format Format, samples []byte) (int64, error) {
	if err := format.Validate(); err != nil {
		return 0, err
	}

	switch c {
	case ContainerWAV:
		if err := writeWAVFile(path, format, samples); err != nil {
			return 0, err
		}
	case ContainerRaw:
		if err := os.WriteFile(path, samples, 0o644); err != nil {
			return 0, fmt.Errorf("failed to write raw samples: %w", err)
		}
	case ContainerWAVGzip:
		// The WAV encoder needs a seekable target, so encode first and compress after
		partial := path + ".partial"
		defer os.Remove(partial)

		if err := writeWAVFile(partial, format, samples); err != nil {
			return 0, err
		}
		if err := gzipFile(partial, path); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported container format '%s'", c)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat staged file: %w", err)
	}
	return info.Size(), nil
}

// WriteWAV encodes samples as a PCM WAV stream
func WriteWAV(w io.WriteSeeker, format Format, samples []byte) error {
	if err := format.Validate(); err != nil {
		return err
	}

	if len(samples)%format.BytesPerSample() != 0 {
		return fmt.Errorf("sample data length %d is not a multiple of the frame size %d",
			len(samples), format.BytesPerSample())
	}

	enc := wav.NewEncoder(w, format.SampleRate, format.BitsPerSample, format.Channels, wavFormatPCM)

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           toInts(format, samples),
		SourceBitDepth: format.BitsPerSample,
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write WAV data: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}

	return nil
}

// toInts widens raw samples into the encoder's int representation.
// WAV stores 8-bit PCM unsigned, so signed samples are offset by 128;
// 16-bit PCM is little-endian signed.
func toInts(format Format, samples []byte) []int {
	if format.BitsPerSample == 8 {
		out := make([]int, len(samples))
		for i, s := range samples {
			out[i] = int(int8(s)) + 128
		}
		return out
	}

	out := make([]int, len(samples)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(samples[i*2:])))
	}
	return out
}

func writeWAVFile(path string, format Format, samples []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create WAV file: %w", err)
	}

	if err := WriteWAV(f, format, samples); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close WAV file: %w", err)
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open WAV for compression: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create compressed file: %w", err)
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("failed to compress WAV: %w", err)
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to flush compressed WAV: %w", err)
	}

	return out.Close()
}
