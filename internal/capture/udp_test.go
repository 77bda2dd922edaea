package capture

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collector is a Sink that records everything delivered to it
type collector struct {
	mu   sync.Mutex
	data []byte
}

func (c *collector) sink(samples []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, samples...)
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

func (c *collector) waitFor(t *testing.T, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data := c.bytes(); len(data) >= n {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d bytes, got %d", n, len(c.bytes()))
	return nil
}

func openUDP(t *testing.T, framed bool, device int, c *collector) (*UDPStream, *net.UDPConn) {
	t.Helper()

	source := NewUDP(UDPConfig{
		Address:      "127.0.0.1:0",
		Framed:       framed,
		PollInterval: 50 * time.Millisecond,
	}, testLogger())

	stream, err := source.Open(device, audio.DetectionFormat, c.sink)
	if err != nil {
		t.Fatalf("Failed to open UDP source: %v", err)
	}
	udpStream := stream.(*UDPStream)
	t.Cleanup(func() { udpStream.Close() })

	sender, err := net.DialUDP("udp", nil, udpStream.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial UDP source: %v", err)
	}
	t.Cleanup(func() { sender.Close() })

	return udpStream, sender
}

func send(t *testing.T, conn *net.UDPConn, data []byte) {
	t.Helper()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Failed to send datagram: %v", err)
	}
}

func audioFrame(t *testing.T, source uint32, seq uint32, samples []byte) []byte {
	t.Helper()
	frame, err := protocol.EncodeAudio(source, 8, seq, samples)
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	return frame
}

func TestUDPRawDelivery(t *testing.T) {
	c := &collector{}
	stream, sender := openUDP(t, false, 0, c)

	send(t, sender, bytes.Repeat([]byte{10}, 100))
	send(t, sender, bytes.Repeat([]byte{200}, 50))

	data := c.waitFor(t, 150)
	if !bytes.Equal(data[:100], bytes.Repeat([]byte{10}, 100)) {
		t.Error("First datagram delivered out of order or corrupted")
	}

	stats := stream.GetStats()
	if stats.Datagrams != 2 || stats.Bytes != 150 {
		t.Errorf("Expected 2 datagrams / 150 bytes, got %d / %d", stats.Datagrams, stats.Bytes)
	}
}

func TestUDPFramedDelivery(t *testing.T) {
	c := &collector{}
	stream, sender := openUDP(t, true, 7, c)

	send(t, sender, audioFrame(t, 7, 1, []byte{1, 2, 3}))
	send(t, sender, audioFrame(t, 9, 2, []byte{99})) // other source
	send(t, sender, audioFrame(t, 7, 1, []byte{4}))  // duplicate
	send(t, sender, []byte{0xFF, 0x00})              // garbage
	send(t, sender, audioFrame(t, 7, 4, []byte{5, 6}))

	data := c.waitFor(t, 5)
	if !bytes.Equal(data, []byte{1, 2, 3, 5, 6}) {
		t.Errorf("Expected [1 2 3 5 6], got %v", data)
	}

	// Wait for all datagrams to be counted
	deadline := time.Now().Add(2 * time.Second)
	for stream.GetStats().Datagrams < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stats := stream.GetStats()
	if stats.Dropped != 2 {
		t.Errorf("Expected 2 dropped frames, got %d", stats.Dropped)
	}
	if stats.ParseErrors != 1 {
		t.Errorf("Expected 1 parse error, got %d", stats.ParseErrors)
	}
	if stats.Gaps != 2 {
		t.Errorf("Expected 2 missing sequence numbers, got %d", stats.Gaps)
	}
}

func TestUDPEndFrameLosesDevice(t *testing.T) {
	c := &collector{}
	stream, sender := openUDP(t, true, 3, c)

	end, err := protocol.EncodeEnd(3, 8, 1)
	if err != nil {
		t.Fatalf("Failed to encode end frame: %v", err)
	}
	send(t, sender, end)

	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not end after end frame")
	}

	var deviceErr *DeviceError
	if !errors.As(stream.Err(), &deviceErr) {
		t.Fatalf("Expected DeviceError, got %v", stream.Err())
	}
	if !errors.Is(stream.Err(), ErrDeviceLost) {
		t.Errorf("Expected ErrDeviceLost, got %v", stream.Err())
	}
	if deviceErr.Device != 3 || deviceErr.Op != "read" {
		t.Errorf("Unexpected device error fields: %+v", deviceErr)
	}
}

func TestUDPCloseIsIdempotent(t *testing.T) {
	c := &collector{}
	stream, _ := openUDP(t, false, 0, c)

	if err := stream.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}

	select {
	case <-stream.Done():
	default:
		t.Error("Expected Done to be closed after Close")
	}
	if stream.Err() != nil {
		t.Errorf("Expected no device error after a requested close, got %v", stream.Err())
	}
}

func TestUDPOpenErrors(t *testing.T) {
	tests := []struct {
		name    string
		address string
		device  int
		format  audio.Format
		target  error
	}{
		{
			name:    "stereo format",
			address: "127.0.0.1:0",
			format:  audio.Format{SampleRate: 16000, BitsPerSample: 8, Channels: 2},
			target:  ErrDeviceUnsupported,
		},
		{
			name:    "negative device",
			address: "127.0.0.1:0",
			device:  -1,
			format:  audio.DetectionFormat,
			target:  ErrDeviceNotFound,
		},
		{
			name:    "unresolvable address",
			address: "not-an-address",
			format:  audio.DetectionFormat,
			target:  ErrDeviceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewUDP(UDPConfig{Address: tt.address}, testLogger())
			_, err := source.Open(tt.device, tt.format, func([]byte) {})
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestDeviceErrorMessage(t *testing.T) {
	err := &DeviceError{Device: 2, Op: "open", Err: ErrDeviceNotFound}
	expected := "capture open device 2: device not found"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Error("Expected DeviceError to unwrap to its cause")
	}
}
