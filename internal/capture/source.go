package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/audio"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceUnsupported = errors.New("format not supported by device")
	ErrDeviceLost        = errors.New("device lost")
)

// DeviceError reports a capture failure for one device
type DeviceError struct {
	Device int
	Op     string // "open", "start" or "read"
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture %s device %d: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Sink receives captured samples. It is called on the source's goroutine and
// samples is only valid for the duration of the call.
type Sink func(samples []byte)

// Source opens capture streams
type Source interface {
	// Open starts delivering samples from the device to sink
	Open(device int, format audio.Format, sink Sink) (Stream, error)
	Name() string
}

// Stream is one open capture session
type Stream interface {
	// Done is closed once delivery has ended, for any reason
	Done() <-chan struct{}
	// Err is non-nil when delivery ended because the device failed
	Err() error
	// Close stops delivery and releases the device before returning. It is
	// safe to call more than once.
	Close() error
}

// lifecycle tracks the delivery goroutine shared by every stream type
type lifecycle struct {
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// fail records the first device failure
func (l *lifecycle) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// requestStop signals the delivery goroutine; it reports whether this call
// was the first
func (l *lifecycle) requestStop() bool {
	first := false
	l.stopOnce.Do(func() {
		close(l.stop)
		first = true
	})
	return first
}

func (l *lifecycle) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// waitDone waits up to timeout for the delivery goroutine to exit
func (l *lifecycle) waitDone(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}

// copySigned reinterprets int8 samples as their two's complement bytes
func copySigned(dst []byte, src []int8) {
	for i, v := range src {
		dst[i] = byte(v)
	}
}
