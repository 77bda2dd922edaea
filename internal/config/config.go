package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/upload"
	"github.com/skypro1111/vox-relay-service/internal/vox"
)

// defaultFramesPerBuffer mirrors capture.DefaultFramesPerBuffer; config does
// not import capture so it stays free of the cgo PortAudio binding.
const defaultFramesPerBuffer = 1024

// Config represents the complete service configuration
type Config struct {
	Capture CaptureConfig `yaml:"capture"`
	Vox     VoxConfig     `yaml:"vox"`
	Upload  UploadConfig  `yaml:"upload"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// CaptureConfig selects the audio source
type CaptureConfig struct {
	Source          string `yaml:"source" json:"source"` // portaudio or udp
	Device          int    `yaml:"device" json:"device"`
	FramesPerBuffer int    `yaml:"frames_per_buffer" json:"frames_per_buffer"`
	UDPAddress      string `yaml:"udp_address" json:"udp_address"`
	UDPFramed       bool   `yaml:"udp_framed" json:"udp_framed"`
	UDPReadBuffer   int    `yaml:"udp_read_buffer" json:"udp_read_buffer"`
}

// VoxConfig contains silence detection parameters
type VoxConfig struct {
	Threshold         float64 `yaml:"threshold" json:"threshold"` // dB
	Convention        string  `yaml:"convention" json:"convention"`
	TickMs            int     `yaml:"tick_ms" json:"tick_ms"`
	MaxSessionSeconds float64 `yaml:"max_session_seconds" json:"max_session_seconds"` // 0 = unbounded
	QueueSize         int     `yaml:"queue_size" json:"queue_size"`
}

// UploadConfig contains the remote endpoint and staging parameters
type UploadConfig struct {
	Scheme           string `yaml:"scheme"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Path             string `yaml:"path"`
	Username         string `yaml:"username"`
	PasswordEnv      string `yaml:"password_env"`
	PasswordFile     string `yaml:"password_file"`
	Region           string `yaml:"region"`
	TLS              bool   `yaml:"tls"`
	Container        string `yaml:"container"`
	StagingDir       string `yaml:"staging_dir"`
	Retention        string `yaml:"retention"`
	MaxRetries       int    `yaml:"max_retries"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int    `yaml:"max_backoff_ms"`
	Timeout          int    `yaml:"timeout"` // seconds, per attempt
	JournalPath      string `yaml:"journal_path"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used for every key the file leaves out
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Source:          "portaudio",
			Device:          0,
			FramesPerBuffer: defaultFramesPerBuffer,
			UDPAddress:      "0.0.0.0:5004",
			UDPReadBuffer:   65536,
		},
		Vox: VoxConfig{
			Threshold:         -40,
			Convention:        "signed",
			TickMs:            1000,
			MaxSessionSeconds: 300,
			QueueSize:         4,
		},
		Upload: UploadConfig{
			Scheme:           "ftp",
			Host:             "localhost",
			Port:             21,
			Path:             "/",
			Username:         "anonymous",
			Container:        "wav",
			StagingDir:       "./recordings",
			Retention:        "keep",
			MaxRetries:       3,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
			Timeout:          60,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Vox.Validate(); err != nil {
		return fmt.Errorf("vox config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Source {
	case "portaudio":
		if c.FramesPerBuffer < 1 {
			return fmt.Errorf("frames_per_buffer must be at least 1, got %d", c.FramesPerBuffer)
		}
	case "udp":
		if c.UDPAddress == "" {
			return fmt.Errorf("udp_address cannot be empty when source is udp")
		}
		if c.UDPReadBuffer < 1024 {
			return fmt.Errorf("udp_read_buffer must be at least 1024 bytes, got %d", c.UDPReadBuffer)
		}
	default:
		return fmt.Errorf("source must be 'portaudio' or 'udp', got '%s'", c.Source)
	}

	if c.Device < 0 {
		return fmt.Errorf("device must be non-negative, got %d", c.Device)
	}

	return nil
}

// Validate validates vox configuration
func (v *VoxConfig) Validate() error {
	if math.IsNaN(v.Threshold) || math.IsInf(v.Threshold, 0) {
		return fmt.Errorf("threshold must be a finite number, got %v", v.Threshold)
	}

	if _, err := vox.ParseConvention(v.Convention); err != nil {
		return err
	}

	if v.TickMs < 10 {
		return fmt.Errorf("tick_ms must be at least 10, got %d", v.TickMs)
	}

	if v.MaxSessionSeconds < 0 {
		return fmt.Errorf("max_session_seconds cannot be negative, got %f", v.MaxSessionSeconds)
	}

	if v.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", v.QueueSize)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	switch strings.ToLower(u.Scheme) {
	case "ftp", "s3", "http", "https":
	default:
		return fmt.Errorf("scheme must be one of [ftp, s3, http, https], got '%s'", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if strings.EqualFold(u.Scheme, "s3") && strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("path must name a bucket for s3")
	}

	if u.PasswordEnv != "" && u.PasswordFile != "" {
		return fmt.Errorf("password_env and password_file are mutually exclusive")
	}

	if _, err := audio.ParseContainer(u.Container); err != nil {
		return err
	}

	if u.StagingDir == "" {
		return fmt.Errorf("staging_dir cannot be empty")
	}

	if _, err := upload.ParseRetention(u.Retention); err != nil {
		return err
	}

	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	if u.InitialBackoffMs < 1 {
		return fmt.Errorf("initial_backoff_ms must be at least 1, got %d", u.InitialBackoffMs)
	}

	if u.MaxBackoffMs < u.InitialBackoffMs {
		return fmt.Errorf("max_backoff_ms (%d) must not be less than initial_backoff_ms (%d)",
			u.MaxBackoffMs, u.InitialBackoffMs)
	}

	if u.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", u.Timeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits cannot be negative")
	}

	return nil
}

// GetTickDuration returns the vox tick period as a time.Duration
func (v *VoxConfig) GetTickDuration() time.Duration {
	return time.Duration(v.TickMs) * time.Millisecond
}

// GetMaxSessionBytes converts the session length cap into stream bytes
func (v *VoxConfig) GetMaxSessionBytes() int {
	return int(v.MaxSessionSeconds * float64(audio.DetectionFormat.BytesPerSecond()))
}

// GetInitialBackoff returns the first retry delay as a time.Duration
func (u *UploadConfig) GetInitialBackoff() time.Duration {
	return time.Duration(u.InitialBackoffMs) * time.Millisecond
}

// GetMaxBackoff returns the retry delay cap as a time.Duration
func (u *UploadConfig) GetMaxBackoff() time.Duration {
	return time.Duration(u.MaxBackoffMs) * time.Millisecond
}

// GetTimeoutDuration returns the per-attempt transfer timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// PasswordSource returns a function that reads the upload password each time
// it is called. Neither the function nor the config holds the secret itself.
func (u *UploadConfig) PasswordSource() func(ctx context.Context) (string, error) {
	env, file := u.PasswordEnv, u.PasswordFile
	return func(ctx context.Context) (string, error) {
		switch {
		case env != "":
			password, ok := os.LookupEnv(env)
			if !ok {
				return "", fmt.Errorf("password variable %s is not set", env)
			}
			return password, nil
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("failed to read password file %s: %w", file, err)
			}
			return strings.TrimRight(string(data), "\r\n"), nil
		default:
			return "", nil
		}
	}
}

// Endpoint builds the remote endpoint description
func (u *UploadConfig) Endpoint() upload.Endpoint {
	return upload.Endpoint{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Host,
		Port:     u.Port,
		Path:     u.Path,
		Username: u.Username,
		Region:   u.Region,
		TLS:      u.TLS,
	}
}

// ManagerConfig builds the upload manager configuration
func (u *UploadConfig) ManagerConfig() (upload.Config, error) {
	container, err := audio.ParseContainer(u.Container)
	if err != nil {
		return upload.Config{}, err
	}
	retention, err := upload.ParseRetention(u.Retention)
	if err != nil {
		return upload.Config{}, err
	}
	return upload.Config{
		StagingDir:     u.StagingDir,
		Container:      container,
		Format:         audio.DetectionFormat,
		MaxRetries:     u.MaxRetries,
		InitialBackoff: u.GetInitialBackoff(),
		MaxBackoff:     u.GetMaxBackoff(),
		AttemptTimeout: u.GetTimeoutDuration(),
		Retention:      retention,
	}, nil
}

// MachineConfig builds the vox state machine configuration
func (v *VoxConfig) MachineConfig() (vox.Config, error) {
	convention, err := vox.ParseConvention(v.Convention)
	if err != nil {
		return vox.Config{}, err
	}
	return vox.Config{
		Threshold:       v.Threshold,
		Convention:      convention,
		MaxSessionBytes: v.GetMaxSessionBytes(),
	}, nil
}
