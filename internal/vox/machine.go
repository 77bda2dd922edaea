package vox

import (
	"sync/atomic"

	"github.com/skypro1111/vox-relay-service/internal/audio"
)

// State is the recorder's voice-activity state
type State int32

const (
	StateIdle State = iota
	StateRecording
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Config contains state machine configuration
type Config struct {
	Threshold  float64
	Convention Convention
	// MaxSessionBytes closes a recording once the stream reaches this size.
	// Zero means unbounded.
	MaxSessionBytes int
}

// Result describes what one tick observed and decided
type Result struct {
	From      State
	To        State
	Window    int // bytes analysed this tick
	Length    int // committed stream length at scan time
	Silent    int
	NonSilent int

	// Session holds the whole accumulated stream on a Recording->Idle
	// transition; it is owned by the caller.
	Session []byte
	// Discarded is set when an idle tick cleared the buffer
	Discarded bool
	// Forced is set when the session was closed by MaxSessionBytes
	Forced bool
}

// Transitioned reports whether the tick changed state
func (r Result) Transitioned() bool {
	return r.From != r.To
}

// Machine is the Idle/Recording state machine. Step must only be called from
// one goroutine; State may be read from any.
type Machine struct {
	classifier      Classifier
	maxSessionBytes int
	state           atomic.Int32
}

// NewMachine creates a machine in the Idle state
func NewMachine(config Config) *Machine {
	m := &Machine{
		classifier:      NewClassifier(config.Threshold, config.Convention),
		maxSessionBytes: config.MaxSessionBytes,
	}
	m.state.Store(int32(StateIdle))
	return m
}

// State returns the current state
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Classifier returns the sample classifier in use
func (m *Machine) Classifier() Classifier {
	return m.classifier
}

// exceeds reports whether count is strictly more than 1% of n
func exceeds(count, n int) bool {
	return count*100 > n
}

// Step runs one tick over the unscanned part of buf.
//
// Idle: more than 1% non-silent samples starts a recording and keeps the
// window; otherwise the buffer is cleared. Recording: more than 1% silent
// samples ends the recording and the entire stream is detached into
// Result.Session; otherwise the audio keeps accumulating. The cursor always
// ends the tick at the stream end or at zero after a clear.
func (m *Machine) Step(buf *audio.Buffer) Result {
	result := Result{From: m.State()}

	session := buf.Scan(func(window []byte, length int) audio.ScanAction {
		result.Window = len(window)
		result.Length = length
		result.Silent, result.NonSilent = m.classifier.Count(window)

		switch result.From {
		case StateIdle:
			if exceeds(result.NonSilent, len(window)) {
				result.To = StateRecording
				return audio.ScanKeep
			}
			result.To = StateIdle
			result.Discarded = length > 0
			return audio.ScanReset

		default:
			if exceeds(result.Silent, len(window)) {
				result.To = StateIdle
				return audio.ScanTake
			}
			if m.maxSessionBytes > 0 && length >= m.maxSessionBytes {
				result.To = StateIdle
				result.Forced = true
				return audio.ScanTake
			}
			result.To = StateRecording
			return audio.ScanKeep
		}
	})

	result.Session = session
	m.state.Store(int32(result.To))

	return result
}
