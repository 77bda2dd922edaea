package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/capture"
	"github.com/skypro1111/vox-relay-service/internal/metrics"
	"github.com/skypro1111/vox-relay-service/internal/upload"
	"github.com/skypro1111/vox-relay-service/internal/vox"
)

// State is the controller lifecycle state
type State int32

const (
	StateStopped State = iota
	StateRunning
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Config contains recorder configuration
type Config struct {
	Device    int
	Format    audio.Format
	Tick      time.Duration
	Vox       vox.Config
	QueueSize int
}

// ConfigError reports an invalid recorder configuration; Start rejects it
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid recorder config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Validate validates the recorder configuration
func (c Config) Validate() error {
	if c.Device < 0 {
		return &ConfigError{Field: "device", Err: fmt.Errorf("must be non-negative, got %d", c.Device)}
	}
	if err := c.Format.Validate(); err != nil {
		return &ConfigError{Field: "format", Err: err}
	}
	if c.Tick <= 0 {
		return &ConfigError{Field: "tick", Err: fmt.Errorf("must be positive, got %v", c.Tick)}
	}
	if c.QueueSize < 1 {
		return &ConfigError{Field: "queue_size", Err: fmt.Errorf("must be at least 1, got %d", c.QueueSize)}
	}
	if math.IsNaN(c.Vox.Threshold) {
		return &ConfigError{Field: "threshold", Err: errors.New("must be a number")}
	}
	if c.Vox.MaxSessionBytes < 0 {
		return &ConfigError{Field: "max_session_bytes", Err: fmt.Errorf("must be non-negative, got %d", c.Vox.MaxSessionBytes)}
	}
	return nil
}

// Uploader delivers completed sessions
type Uploader interface {
	Upload(ctx context.Context, samples []byte) (*upload.Result, error)
}

// Status is a point-in-time snapshot of the controller
type Status struct {
	State            string             `json:"state"`
	Vox              string             `json:"vox_state"`
	Device           int                `json:"device"`
	Source           string             `json:"source"`
	Threshold        int8               `json:"threshold_db"`
	Convention       string             `json:"convention"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	Buffer           *audio.BufferStats `json:"buffer,omitempty"`
	QueuedSessions   int                `json:"queued_sessions"`
	Sessions         uint64             `json:"sessions"`
	UploadsSucceeded uint64             `json:"uploads_succeeded"`
	UploadsFailed    uint64             `json:"uploads_failed"`
	LastError        string             `json:"last_error,omitempty"`
}

// session is a completed recording waiting for upload
type session struct {
	samples []byte
	forced  bool
}

// run holds everything that lives for one Start..Stop cycle
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	buffer    *audio.Buffer
	machine   *vox.Machine
	stream    capture.Stream
	queue     chan session
	startedAt time.Time
}

// ending reports whether the run is already tearing itself down, either
// because its context was cancelled or because the device stopped.
func (r *run) ending() bool {
	select {
	case <-r.ctx.Done():
		return true
	case <-r.stream.Done():
		return true
	default:
		return false
	}
}

// Controller owns the recorder lifecycle. Start and Stop may be called from
// any goroutine; they are serialised.
type Controller struct {
	config   Config
	source   capture.Source
	uploader Uploader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *broadcaster

	opMu sync.Mutex // serialises Start/Stop
	mu   sync.Mutex // guards run and lastErr
	run  *run

	lastErr string

	sessions         atomic.Uint64
	uploadsSucceeded atomic.Uint64
	uploadsFailed    atomic.Uint64
}

// NewController creates a stopped controller
func NewController(config Config, source capture.Source, uploader Uploader, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if config.Format == (audio.Format{}) {
		config.Format = audio.DetectionFormat
	}
	return &Controller{
		config:   config,
		source:   source,
		uploader: uploader,
		logger:   logger,
		metrics:  m,
		events:   newBroadcaster(logger, m),
	}
}

// Subscribe returns a channel of status events and a function that ends the
// subscription. Events are dropped when the channel is full.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Config returns the recorder configuration
func (c *Controller) Config() Config {
	return c.config
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return StateRunning
	}
	return StateStopped
}

// Start opens the capture device and starts the tick loop, the upload
// worker and the device watcher. It is a no-op when already running. The run
// ends on Stop, on device loss, or when ctx is cancelled; a Start that races
// such an ending waits for the teardown and opens a fresh run.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prev := c.run
	c.mu.Unlock()

	if prev != nil {
		if !prev.ending() {
			return nil
		}
		c.logger.Debug("Waiting for the previous run to finish")
		<-prev.done
	}

	if err := c.config.Validate(); err != nil {
		c.setLastError(err)
		return err
	}

	buffer := audio.NewBuffer(2 * c.config.Format.BytesPerSecond())
	machine := vox.NewMachine(c.config.Vox)

	classifier := machine.Classifier()
	if !classifier.CanEverBeSilent() {
		c.logger.Warn("No sample can classify as silent; recordings end only at the session size limit",
			slog.Int("threshold", int(classifier.Threshold())),
			slog.String("convention", classifier.Convention().String()),
			slog.Int("max_session_bytes", c.config.Vox.MaxSessionBytes),
		)
	}

	stream, err := c.source.Open(c.config.Device, c.config.Format, buffer.Append)
	if err != nil {
		c.setLastError(err)
		c.logger.Error("Failed to open capture device",
			slog.Int("device", c.config.Device),
			slog.String("source", c.source.Name()),
			slog.String("error", err.Error()),
		)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		buffer:    buffer,
		machine:   machine,
		stream:    stream,
		queue:     make(chan session, c.config.QueueSize),
		startedAt: time.Now(),
	}

	c.mu.Lock()
	c.run = r
	c.lastErr = ""
	c.mu.Unlock()

	c.metrics.SetRunning(true)
	c.events.publish(Event{Type: EventStarted})
	c.logger.Info("Recorder started",
		slog.Int("device", c.config.Device),
		slog.String("source", c.source.Name()),
		slog.String("format", c.config.Format.String()),
		slog.Duration("tick", c.config.Tick),
		slog.Int("threshold", int(classifier.Threshold())),
		slog.String("convention", classifier.Convention().String()),
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.tickLoop(gctx, r) })
	g.Go(func() error { return c.uploadWorker(gctx, r) })
	g.Go(func() error { return c.watchDevice(gctx, r) })

	go func() {
		c.finish(r, g.Wait())
	}()

	return nil
}

// Stop ends the current run: the device is closed, any in-flight upload is
// aborted and audio not yet uploaded is discarded. It always succeeds and is
// a no-op when stopped.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()

	if r == nil {
		return
	}

	r.cancel()
	<-r.done

	c.events.publish(Event{Type: EventStopped})
	c.logger.Info("Recorder stopped",
		slog.Duration("uptime", time.Since(r.startedAt)),
		slog.Int("discarded_sessions", len(r.queue)),
	)
}

// Close stops the recorder; it is safe to call more than once
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// finish tears a run down once its goroutines have exited. If the run was
// not ended by Stop, it reports the end itself.
func (c *Controller) finish(r *run, err error) {
	r.cancel()
	if closeErr := r.stream.Close(); closeErr != nil {
		c.logger.Warn("Failed to close capture stream", slog.String("error", closeErr.Error()))
	}
	c.metrics.SetRunning(false)

	c.mu.Lock()
	current := c.run == r
	if current {
		c.run = nil
		if err != nil {
			c.lastErr = err.Error()
		}
	}
	c.mu.Unlock()

	// done closes after the events; a Start waiting on it publishes Started
	// after this run's Stopped.
	defer close(r.done)

	if !current {
		return
	}

	var deviceErr *capture.DeviceError
	if errors.As(err, &deviceErr) {
		c.metrics.RecordDeviceLost()
		c.logger.Error("Capture device lost, recorder stopped",
			slog.Int("device", deviceErr.Device),
			slog.String("error", err.Error()),
		)
		c.events.publish(Event{Type: EventDeviceLost, Error: err.Error()})
	} else {
		c.logger.Info("Recorder run ended", slog.Duration("uptime", time.Since(r.startedAt)))
	}
	c.events.publish(Event{Type: EventStopped})
}

// tickLoop runs one vox step per tick until the run is cancelled
func (c *Controller) tickLoop(ctx context.Context, r *run) error {
	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := c.tick(ctx, r); err != nil {
			return nil
		}
	}
}

// tick analyses the window and hands a completed session to the upload
// worker, waiting for queue space. It only fails when ctx is cancelled.
func (c *Controller) tick(ctx context.Context, r *run) error {
	start := time.Now()
	result := r.machine.Step(r.buffer)

	discarded := 0
	if result.Discarded {
		discarded = result.Length
	}
	c.metrics.RecordTick(result.Window, r.buffer.Len(), discarded, time.Since(start).Seconds())

	c.logger.Debug("Tick",
		slog.String("state", result.To.String()),
		slog.Int("window", result.Window),
		slog.Int("silent", result.Silent),
		slog.Int("non_silent", result.NonSilent),
	)

	if !result.Transitioned() {
		return nil
	}

	c.metrics.RecordTransition(result.To.String(), result.To == vox.StateRecording)

	if result.To == vox.StateRecording {
		c.logger.Info("Recording started",
			slog.Int("non_silent", result.NonSilent),
			slog.Int("window", result.Window),
		)
		c.events.publish(Event{Type: EventRecordingStarted})
		return nil
	}

	cause := "silence"
	if result.Forced {
		cause = "max_size"
	}
	duration := c.config.Format.Duration(len(result.Session))

	c.sessions.Add(1)
	c.metrics.RecordSession(cause, len(result.Session), duration.Seconds())
	c.logger.Info("Recording ended",
		slog.String("cause", cause),
		slog.Int("bytes", len(result.Session)),
		slog.Duration("duration", duration),
	)
	c.events.publish(Event{Type: EventRecordingEnded, Bytes: len(result.Session), Reason: cause})

	s := session{samples: result.Session, forced: result.Forced}
	select {
	case r.queue <- s:
	default:
		c.logger.Warn("Upload queue full, waiting for the upload worker",
			slog.Int("queue_size", cap(r.queue)),
		)
		select {
		case r.queue <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.metrics.SetUploadQueue(len(r.queue))

	return nil
}

// uploadWorker uploads queued sessions one at a time. Upload failures are
// reported and never end the run.
func (c *Controller) uploadWorker(ctx context.Context, r *run) error {
	for {
		var s session
		select {
		case <-ctx.Done():
			return nil
		case s = <-r.queue:
		}

		if ctx.Err() != nil {
			return nil
		}
		c.metrics.SetUploadQueue(len(r.queue))

		result, err := c.uploader.Upload(ctx, s.samples)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			c.uploadsFailed.Add(1)
			c.setLastError(err)

			event := Event{Type: EventUploadFailed, Reason: string(upload.ReasonNetwork), Error: err.Error()}
			if transferErr, ok := upload.IsTransferError(err); ok {
				event.ArtifactID = transferErr.ArtifactID
				event.Reason = string(transferErr.Reason)
			}
			c.events.publish(event)
			continue
		}

		c.uploadsSucceeded.Add(1)
		c.events.publish(Event{
			Type:       EventUploadSucceeded,
			ArtifactID: result.Artifact.ID,
			Bytes:      result.Artifact.Samples,
		})
	}
}

// watchDevice ends the run when the capture stream stops on its own
func (c *Controller) watchDevice(ctx context.Context, r *run) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.stream.Done():
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := r.stream.Err(); err != nil {
		return err
	}
	return &capture.DeviceError{Device: c.config.Device, Op: "read", Err: capture.ErrDeviceLost}
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err.Error()
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	r := c.run
	lastErr := c.lastErr
	c.mu.Unlock()

	classifier := vox.NewClassifier(c.config.Vox.Threshold, c.config.Vox.Convention)
	status := Status{
		State:            StateStopped.String(),
		Vox:              vox.StateIdle.String(),
		Device:           c.config.Device,
		Source:           c.source.Name(),
		Threshold:        classifier.Threshold(),
		Convention:       classifier.Convention().String(),
		Sessions:         c.sessions.Load(),
		UploadsSucceeded: c.uploadsSucceeded.Load(),
		UploadsFailed:    c.uploadsFailed.Load(),
		LastError:        lastErr,
	}

	if r != nil {
		stats := r.buffer.GetStats()
		startedAt := r.startedAt
		status.State = StateRunning.String()
		status.Vox = r.machine.State().String()
		status.StartedAt = &startedAt
		status.Buffer = &stats
		status.QueuedSessions = len(r.queue)
	}

	return status
}
