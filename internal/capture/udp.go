package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/protocol"
)

// UDPConfig contains UDP source configuration
type UDPConfig struct {
	Address    string
	ReadBuffer int
	// Framed selects the framed datagram format; otherwise every datagram
	// payload is taken as raw samples.
	Framed bool
	// PollInterval bounds how long a read blocks before re-checking for stop
	PollInterval time.Duration
}

// UDP receives samples from remote microphones over UDP. In framed mode the
// device index selects the frame source ID to accept.
type UDP struct {
	config UDPConfig
	logger *slog.Logger
}

// NewUDP creates a UDP source
func NewUDP(config UDPConfig, logger *slog.Logger) *UDP {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ReadBuffer <= 0 {
		config.ReadBuffer = 65536
	}
	return &UDP{
		config: config,
		logger: logger,
	}
}

// Name returns the source name
func (u *UDP) Name() string {
	return "udp"
}

// Open binds the configured address and starts the receive loop
func (u *UDP) Open(device int, format audio.Format, sink Sink) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %v", ErrDeviceUnsupported, err)}
	}
	if device < 0 {
		return nil, &DeviceError{Device: device, Op: "open", Err: ErrDeviceNotFound}
	}

	addr, err := net.ResolveUDPAddr("udp", u.config.Address)
	if err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %v", ErrDeviceNotFound, err)}
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &DeviceError{Device: device, Op: "open", Err: fmt.Errorf("%w: %v", ErrDeviceNotFound, err)}
	}

	if err := conn.SetReadBuffer(u.config.ReadBuffer); err != nil {
		u.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", u.config.ReadBuffer),
			slog.String("error", err.Error()),
		)
	}

	s := &UDPStream{
		lifecycle: newLifecycle(),
		config:    u.config,
		device:    device,
		format:    format,
		conn:      conn,
		sink:      sink,
		logger:    u.logger.With(slog.Int("device", device)),
	}
	go s.receiveLoop()

	u.logger.Info("UDP capture started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Bool("framed", u.config.Framed),
		slog.String("format", format.String()),
	)

	return s, nil
}

// UDPStream is an open UDP capture stream
type UDPStream struct {
	*lifecycle

	config UDPConfig
	device int
	format audio.Format
	conn   *net.UDPConn
	sink   Sink
	logger *slog.Logger

	// Framed-mode sequence tracking, receive goroutine only
	started bool
	lastSeq uint32

	datagrams   atomic.Uint64
	bytes       atomic.Uint64
	dropped     atomic.Uint64
	parseErrors atomic.Uint64
	gaps        atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// UDPStats represents receive statistics for monitoring
type UDPStats struct {
	Datagrams   uint64 `json:"datagrams"`
	Bytes       uint64 `json:"bytes"`
	Dropped     uint64 `json:"dropped"`
	ParseErrors uint64 `json:"parse_errors"`
	Gaps        uint64 `json:"gaps"`
}

// Addr returns the bound local address
func (s *UDPStream) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UDPStream) receiveLoop() {
	defer close(s.done)

	buffer := make([]byte, protocol.MaxFrameSize)

	for !s.stopping() {
		// Set read deadline to check for stop periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.PollInterval)); err != nil {
			if s.stopping() {
				return
			}
			s.fail(&DeviceError{Device: s.device, Op: "read", Err: fmt.Errorf("%w: %v", ErrDeviceLost, err)})
			return
		}

		n, _, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.stopping() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.fail(&DeviceError{Device: s.device, Op: "read", Err: fmt.Errorf("%w: %v", ErrDeviceLost, err)})
				return
			}
			s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		s.datagrams.Add(1)

		if !s.config.Framed {
			s.deliver(buffer[:n])
			continue
		}

		if ended := s.handleFrame(buffer[:n]); ended {
			return
		}
	}
}

// handleFrame processes one framed datagram; it reports whether the remote
// source ended the stream
func (s *UDPStream) handleFrame(data []byte) bool {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		s.parseErrors.Add(1)
		s.logger.Debug("Failed to parse frame",
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if frame.Header.SourceID != uint32(s.device) {
		s.dropped.Add(1)
		return false
	}

	if frame.Header.FrameType == protocol.FrameTypeEnd {
		s.logger.Info("Remote source ended stream", slog.Uint64("sequence", uint64(frame.Sequence)))
		s.fail(&DeviceError{
			Device: s.device,
			Op:     "read",
			Err:    fmt.Errorf("%w: remote source %d ended", ErrDeviceLost, frame.Header.SourceID),
		})
		return true
	}

	if int(frame.Header.BitsPerSample) != s.format.BitsPerSample {
		s.dropped.Add(1)
		return false
	}

	if s.started {
		// Signed distance handles sequence wrap-around
		delta := int32(frame.Sequence - s.lastSeq)
		if delta <= 0 {
			s.dropped.Add(1)
			return false
		}
		if delta > 1 {
			s.gaps.Add(uint64(delta - 1))
		}
	}
	s.started = true
	s.lastSeq = frame.Sequence

	s.deliver(frame.Samples)
	return false
}

func (s *UDPStream) deliver(samples []byte) {
	if len(samples) == 0 {
		return
	}
	s.bytes.Add(uint64(len(samples)))
	s.sink(samples)
}

// Close stops the receive loop and releases the socket
func (s *UDPStream) Close() error {
	s.closeOnce.Do(func() {
		s.requestStop()
		// Unblocks a pending read immediately instead of waiting for the deadline
		if err := s.conn.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close UDP connection: %w", err)
		}
		<-s.done

		stats := s.GetStats()
		s.logger.Info("UDP capture stopped",
			slog.Uint64("datagrams", stats.Datagrams),
			slog.Uint64("bytes", stats.Bytes),
			slog.Uint64("dropped", stats.Dropped),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("gaps", stats.Gaps),
		)
	})
	return s.closeErr
}

// GetStats returns receive statistics
func (s *UDPStream) GetStats() UDPStats {
	return UDPStats{
		Datagrams:   s.datagrams.Load(),
		Bytes:       s.bytes.Load(),
		Dropped:     s.dropped.Load(),
		ParseErrors: s.parseErrors.Load(),
		Gaps:        s.gaps.Load(),
	}
}
