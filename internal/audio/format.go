package audio

import (
	"fmt"
	"time"
)

// Format describes raw PCM samples
type Format struct {
	SampleRate    int `json:"sample_rate"`
	BitsPerSample int `json:"bits_per_sample"`
	Channels      int `json:"channels"`
}

// DetectionFormat is the fixed capture format used for silence analysis:
// mono, signed 8-bit, 16 kHz. It is chosen for cheap scanning, not fidelity.
// 8-bit samples are two's complement bytes with silence at 0; 16-bit samples
// are little-endian signed.
var DetectionFormat = Format{
	SampleRate:    16000,
	BitsPerSample: 8,
	Channels:      1,
}

// Validate checks that the format can be captured and written
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}

	if f.BitsPerSample != 8 && f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 8 and 16 are supported)", f.BitsPerSample)
	}

	if f.Channels != 1 {
		return fmt.Errorf("unsupported channel count: %d (only mono is supported)", f.Channels)
	}

	return nil
}

// BytesPerSample returns the size of one sample frame
func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8 * f.Channels
}

// BytesPerSecond returns the data rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample()
}

// Duration converts a byte count into playback time
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// String returns e.g. "16000Hz/8bit/mono"
func (f Format) String() string {
	channels := "mono"
	if f.Channels != 1 {
		channels = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz/%dbit/%s", f.SampleRate, f.BitsPerSample, channels)
}
