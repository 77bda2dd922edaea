package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/journal"
	"github.com/skypro1111/vox-relay-service/internal/metrics"
)

// Retention decides what happens to a staged file after a successful transfer
type Retention string

const (
	RetentionKeep   Retention = "keep"
	RetentionDelete Retention = "delete"
)

// ParseRetention resolves a configured retention policy name
func ParseRetention(name string) (Retention, error) {
	switch Retention(strings.ToLower(strings.TrimSpace(name))) {
	case "", RetentionKeep:
		return RetentionKeep, nil
	case RetentionDelete:
		return RetentionDelete, nil
	default:
		return "", fmt.Errorf("unknown retention policy '%s' (want keep or delete)", name)
	}
}

// PasswordFunc supplies the endpoint password at transfer time. It is called
// once per attempt and the result is never stored.
type PasswordFunc func(ctx context.Context) (string, error)

// StaticPassword returns a PasswordFunc for a fixed password
func StaticPassword(password string) PasswordFunc {
	return func(context.Context) (string, error) {
		return password, nil
	}
}

// Journal records artifact lifecycle changes
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	Get(ctx context.Context, artifactID string) (*journal.Entry, error)
}

// Config contains upload manager configuration
type Config struct {
	StagingDir     string
	Container      audio.Container
	Format         audio.Format
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Retention      Retention
}

// Artifact is one staged recording session
type Artifact struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Path      string          `json:"path"`
	RemoteURL string          `json:"remote_url"`
	Container audio.Container `json:"container"`
	Format    audio.Format    `json:"format"`
	Samples   int             `json:"samples_bytes"`
	Bytes     int64           `json:"file_bytes"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// Result describes a delivered artifact
type Result struct {
	Artifact Artifact      `json:"artifact"`
	Attempts int           `json:"attempts"`
	Retained bool          `json:"retained"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ManagerStats represents upload statistics
type ManagerStats struct {
	TotalUploads   uint64 `json:"total_uploads"`
	Succeeded      uint64 `json:"succeeded"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
	TotalRetries   uint64 `json:"total_retries"`
	StagedBytes    uint64 `json:"staged_bytes"`
	LastArtifactID string `json:"last_artifact_id,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Option configures optional manager collaborators
type Option func(*Manager)

// WithJournal records every artifact in j
func WithJournal(j Journal) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithMetrics reports uploads to the given metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// Manager stages sessions and delivers them through a Transferer
type Manager struct {
	config     Config
	transferer Transferer
	password   PasswordFunc
	journal    Journal
	metrics    *metrics.Metrics
	logger     *slog.Logger

	stats ManagerStats
	mu    sync.RWMutex
}

// NewManager creates an upload manager and prepares the staging directory
func NewManager(config Config, transferer Transferer, password PasswordFunc, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if transferer == nil {
		return nil, fmt.Errorf("transferer cannot be nil")
	}
	if password == nil {
		password = StaticPassword("")
	}
	if config.StagingDir == "" {
		return nil, fmt.Errorf("staging directory cannot be empty")
	}
	if config.Container == "" {
		config.Container = audio.ContainerWAV
	}
	if config.Format == (audio.Format{}) {
		config.Format = audio.DetectionFormat
	}
	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid staging format: %w", err)
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = 30 * time.Second
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 60 * time.Second
	}
	if config.Retention == "" {
		config.Retention = RetentionKeep
	}

	if err := os.MkdirAll(config.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	m := &Manager{
		config:     config,
		transferer: transferer,
		password:   password,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Upload stages samples under a fresh identifier and transfers the file.
// Cancellation returns ctx's error unchanged; every other failure is a
// *TransferError.
func (m *Manager) Upload(ctx context.Context, samples []byte) (*Result, error) {
	start := time.Now()
	m.incrementTotal()

	id := uuid.New().String()
	name := id + m.config.Container.Extension()
	artifact := Artifact{
		ID:        id,
		Name:      name,
		Path:      filepath.Join(m.config.StagingDir, name),
		RemoteURL: m.transferer.Endpoint().URL(name),
		Container: m.config.Container,
		Format:    m.config.Format,
		Samples:   len(samples),
		Duration:  m.config.Format.Duration(len(samples)),
		CreatedAt: start,
	}

	logger := m.logger.With(slog.String("artifact_id", id))

	size, err := audio.WriteFile(artifact.Path, artifact.Container, artifact.Format, samples)
	if err != nil {
		return nil, m.fail(ctx, logger, &artifact, &TransferError{
			ArtifactID: id,
			Path:       artifact.Path,
			Reason:     ReasonStage,
			Err:        err,
		}, start)
	}
	artifact.Bytes = size
	m.recordStaged(size)
	m.record(ctx, logger, &artifact, journal.StatusStaged, nil, 0)

	logger.Debug("Session staged",
		slog.String("path", artifact.Path),
		slog.Int64("bytes", size),
		slog.Duration("duration", artifact.Duration),
	)

	return m.deliver(ctx, logger, &artifact, start)
}

// Resend transfers a previously staged artifact again, typically one whose
// first upload failed. It requires a journal.
func (m *Manager) Resend(ctx context.Context, artifactID string) (*Result, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("resend requires an artifact journal")
	}

	entry, err := m.journal.Get(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, ErrUnknownArtifact)
	}
	if entry.Status == journal.StatusDeleted {
		return nil, fmt.Errorf("artifact %s was deleted after upload", artifactID)
	}

	info, err := os.Stat(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("staged file unavailable: %w", err)
	}

	start := time.Now()
	m.incrementTotal()

	artifact := Artifact{
		ID:        entry.ArtifactID,
		Name:      entry.Name,
		Path:      entry.Path,
		RemoteURL: m.transferer.Endpoint().URL(entry.Name),
		Container: containerOf(entry.Name),
		Format:    m.config.Format,
		Bytes:     info.Size(),
		CreatedAt: entry.CreatedAt,
	}

	logger := m.logger.With(slog.String("artifact_id", artifact.ID))
	logger.Info("Resending artifact", slog.String("path", artifact.Path))

	return m.deliver(ctx, logger, &artifact, start)
}

// deliver transfers a staged artifact and applies the retention policy
func (m *Manager) deliver(ctx context.Context, logger *slog.Logger, artifact *Artifact, start time.Time) (*Result, error) {
	attempts, err := m.transfer(ctx, logger, artifact)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.incrementCancelled()
			logger.Info("Upload cancelled, staged file retained",
				slog.String("path", artifact.Path),
				slog.Int("attempts", attempts),
			)
			return nil, ctxErr
		}

		return nil, m.fail(ctx, logger, artifact, &TransferError{
			ArtifactID: artifact.ID,
			Path:       artifact.Path,
			Reason:     classify(err),
			Attempts:   attempts,
			Err:        err,
		}, start)
	}

	result := &Result{
		Artifact: *artifact,
		Attempts: attempts,
		Retained: true,
	}
	m.record(ctx, logger, artifact, journal.StatusUploaded, nil, attempts)

	if m.config.Retention == RetentionDelete {
		if err := os.Remove(artifact.Path); err != nil {
			logger.Warn("Failed to remove uploaded file",
				slog.String("path", artifact.Path),
				slog.String("error", err.Error()),
			)
		} else {
			result.Retained = false
			m.record(ctx, logger, artifact, journal.StatusDeleted, nil, attempts)
		}
	}

	result.Elapsed = time.Since(start)
	m.recordSuccess(artifact.ID)
	m.metrics.RecordUploadSuccess(result.Elapsed.Seconds())

	logger.Info("Upload completed",
		slog.String("remote_url", artifact.RemoteURL),
		slog.Int64("bytes", artifact.Bytes),
		slog.Int("attempts", attempts),
		slog.Bool("retained", result.Retained),
		slog.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

// transfer runs the transferer with bounded exponential backoff. It returns
// the number of attempts made.
func (m *Manager) transfer(ctx context.Context, logger *slog.Logger, artifact *Artifact) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.config.InitialBackoff
	policy.MaxInterval = m.config.MaxBackoff
	policy.MaxElapsedTime = 0

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.config.MaxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++

		password, err := m.password(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(fmt.Errorf("%w: password unavailable: %v", ErrAuth, err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
		defer cancel()

		err = m.transferer.Transfer(attemptCtx, &TransferRequest{
			LocalPath:   artifact.Path,
			RemoteName:  artifact.Name,
			Size:        artifact.Bytes,
			ContentType: artifact.Container.ContentType(),
			Username:    m.transferer.Endpoint().Username,
			Password:    password,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		m.incrementRetries()
		m.metrics.RecordUploadRetry()
		logger.Warn("Upload attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(operation, retry, notify)
	return attempts, err
}

// fail records a failed upload and returns transferErr
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, artifact *Artifact, transferErr *TransferError, start time.Time) error {
	m.recordFailure(transferErr)
	m.metrics.RecordUploadFailure(string(transferErr.Reason), time.Since(start).Seconds())
	m.record(ctx, logger, artifact, journal.StatusFailed, transferErr, transferErr.Attempts)

	logger.Error("Upload failed, staged file retained",
		slog.String("path", artifact.Path),
		slog.String("reason", string(transferErr.Reason)),
		slog.Int("attempts", transferErr.Attempts),
		slog.String("error", transferErr.Err.Error()),
	)

	return transferErr
}

// record writes a journal entry; journal failures are logged, never fatal
func (m *Manager) record(ctx context.Context, logger *slog.Logger, artifact *Artifact, status journal.Status, transferErr *TransferError, attempts int) {
	if m.journal == nil {
		return
	}

	entry := journal.Entry{
		ArtifactID: artifact.ID,
		Name:       artifact.Name,
		Path:       artifact.Path,
		RemoteURL:  artifact.RemoteURL,
		Bytes:      artifact.Bytes,
		Status:     status,
		Attempts:   attempts,
		CreatedAt:  artifact.CreatedAt,
	}
	if transferErr != nil {
		entry.Reason = string(transferErr.Reason)
		entry.Error = transferErr.Err.Error()
	}

	// The journal outlives a cancelled run
	if err := m.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to record artifact in journal",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func containerOf(name string) audio.Container {
	switch {
	case strings.HasSuffix(name, audio.ContainerWAVGzip.Extension()):
		return audio.ContainerWAVGzip
	case strings.HasSuffix(name, audio.ContainerRaw.Extension()):
		return audio.ContainerRaw
	default:
		return audio.ContainerWAV
	}
}

// Endpoint returns the remote endpoint uploads go to
func (m *Manager) Endpoint() Endpoint {
	return m.transferer.Endpoint()
}

// Statistics methods
func (m *Manager) incrementTotal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalUploads++
}

func (m *Manager) incrementCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Cancelled++
}

func (m *Manager) incrementRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalRetries++
}

func (m *Manager) recordStaged(size int64) {
	m.metrics.RecordStaged(size)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.StagedBytes += uint64(size)
}

func (m *Manager) recordSuccess(artifactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Succeeded++
	m.stats.LastArtifactID = artifactID
	m.stats.LastError = ""
}

func (m *Manager) recordFailure(err *TransferError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Failed++
	m.stats.LastArtifactID = err.ArtifactID
	m.stats.LastError = err.Error()
}

// GetStats returns current upload statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// IsTransferError reports whether err is a *TransferError and returns it
func IsTransferError(err error) (*TransferError, bool) {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr, true
	}
	return nil, false
}
