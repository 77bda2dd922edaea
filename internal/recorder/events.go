package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/metrics"
)

// EventType identifies a status event
type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventDeviceLost       EventType = "device_lost"
	EventRecordingStarted EventType = "recording_started"
	EventRecordingEnded   EventType = "recording_ended"
	EventUploadSucceeded  EventType = "upload_succeeded"
	EventUploadFailed     EventType = "upload_failed"
)

// Event is an outward status notification
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
}

// broadcaster fans events out to subscribers without ever blocking the
// publisher; a full subscriber channel drops the event
type broadcaster struct {
	subs    map[int]chan Event
	next    int
	logger  *slog.Logger
	metrics *metrics.Metrics
	mu      sync.Mutex
}

func newBroadcaster(logger *slog.Logger, m *metrics.Metrics) *broadcaster {
	return &broadcaster{
		subs:    make(map[int]chan Event),
		logger:  logger,
		metrics: m,
	}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *broadcaster) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.metrics.RecordEventDropped()
			b.logger.Warn("Subscriber too slow, dropping event",
				slog.Int("subscriber", id),
				slog.String("event", string(e.Type)),
			)
		}
	}
}
