package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/vox-relay-service/internal/audio"
)

// DefaultFramesPerBuffer is the PortAudio read size: 64 ms at 16 kHz
const DefaultFramesPerBuffer = 1024

// closeTimeout bounds how long Close waits for an aborted read to return
const closeTimeout = 2 * time.Second

// DeviceInfo describes one input device. Index is the value Open expects.
type DeviceInfo struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// ListDevices enumerates the input-capable devices in index order
func ListDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	inputs, err := inputDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(inputs))
	for i, info := range inputs {
		d := DeviceInfo{
			Index:             i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		devices = append(devices, d)
	}

	return devices, nil
}

func inputDevices() ([]*portaudio.DeviceInfo, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	var inputs []*portaudio.DeviceInfo
	for _, info := range all {
		if info.MaxInputChannels > 0 {
			inputs = append(inputs, info)
		}
	}
	return inputs, nil
}

// PortAudio captures from a local input device
type PortAudio struct {
	framesPerBuffer int
	logger          *slog.Logger
}

// NewPortAudio creates a PortAudio source
func NewPortAudio(framesPerBuffer int, logger *slog.Logger) *PortAudio {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &PortAudio{
		framesPerBuffer: framesPerBuffer,
		logger:          logger,
	}
}

// Name returns the source name
func (p *PortAudio) Name() string {
	return "portaudio"
}

// Open opens input device number device (counting input-capable devices
// only) at the given format and starts the read loop.
func (p *PortAudio) Open(device int, format audio.Format, sink Sink) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %v", ErrDeviceUnsupported, err)}
	}
	if format.BitsPerSample != 8 {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %s", ErrDeviceUnsupported, format)}
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: err}
	}

	s, err := p.open(device, format)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	stream := &PortAudioStream{
		lifecycle: newLifecycle(),
		device:    device,
		stream:    s.stream,
		buffer:    s.buffer,
		raw:       make([]byte, len(s.buffer)),
		sink:      sink,
		logger:    p.logger.With(slog.Int("device", device)),
	}
	go stream.readLoop()

	p.logger.Info("Capture device opened",
		slog.Int("device", device),
		slog.String("name", s.name),
		slog.String("format", format.String()),
		slog.Int("frames_per_buffer", p.framesPerBuffer),
	)

	return stream, nil
}

type openedStream struct {
	stream *portaudio.Stream
	buffer []int8
	name   string
}

func (p *PortAudio) open(device int, format audio.Format) (*openedStream, error) {
	inputs, err := inputDevices()
	if err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: err}
	}
	if device < 0 || device >= len(inputs) {
		return nil, &DeviceError{
			Device: device,
			Op:     "open",
			Err:    fmt.Errorf("%w: %d input devices available", ErrDeviceNotFound, len(inputs)),
		}
	}
	info := inputs[device]

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = p.framesPerBuffer

	// paInt8: silence is 0, which the vox level rule expects
	buffer := make([]int8, p.framesPerBuffer*format.Channels)
	s, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %v", ErrDeviceUnsupported, err)}
	}

	if err := s.Start(); err != nil {
		s.Close()
		return nil, &DeviceError{Device: device, Op: "start", Err: err}
	}

	return &openedStream{stream: s, buffer: buffer, name: info.Name}, nil
}

// PortAudioStream is an open PortAudio capture stream
type PortAudioStream struct {
	*lifecycle

	device int
	stream *portaudio.Stream
	buffer []int8
	raw    []byte
	sink   Sink
	logger *slog.Logger

	reads     atomic.Uint64
	overflows atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// PortAudioStats represents capture statistics for monitoring
type PortAudioStats struct {
	Reads     uint64 `json:"reads"`
	Overflows uint64 `json:"overflows"`
}

func (s *PortAudioStream) readLoop() {
	defer close(s.done)

	for !s.stopping() {
		err := s.stream.Read()
		if err == portaudio.InputOverflowed {
			// Samples were dropped by the driver; the buffer is still valid
			s.overflows.Add(1)
		} else if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Error("Capture read failed", slog.String("error", err.Error()))
			s.fail(&DeviceError{Device: s.device, Op: "read", Err: fmt.Errorf("%w: %v", ErrDeviceLost, err)})
			return
		}

		s.reads.Add(1)
		copySigned(s.raw, s.buffer)
		s.sink(s.raw)
	}
}

// Close aborts the device so a blocked read returns, waits for the read loop
// and releases the device. A read loop that does not return within
// closeTimeout is abandoned and reported.
func (s *PortAudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.requestStop()
		if err := s.stream.Abort(); err != nil {
			s.logger.Debug("Capture abort failed", slog.String("error", err.Error()))
		}

		if !s.waitDone(closeTimeout) {
			s.closeErr = fmt.Errorf("capture device %d did not stop within %v", s.device, closeTimeout)
			s.logger.Error("Capture read loop wedged, abandoning device",
				slog.Int("device", s.device),
				slog.Duration("timeout", closeTimeout),
			)
			return
		}

		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close stream: %w", err)
		}
		portaudio.Terminate()

		s.logger.Info("Capture device closed",
			slog.Uint64("reads", s.reads.Load()),
			slog.Uint64("overflows", s.overflows.Load()),
		)
	})
	return s.closeErr
}

// GetStats returns capture statistics
func (s *PortAudioStream) GetStats() PortAudioStats {
	return PortAudioStats{
		Reads:     s.reads.Load(),
		Overflows: s.overflows.Load(),
	}
}
