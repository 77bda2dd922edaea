package config

import (
	"context"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/upload"
	"github.com/skypro1111/vox-relay-service/internal/vox"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(c *Config)
		errorMsg string
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{
			name:     "unknown source",
			modify:   func(c *Config) { c.Capture.Source = "alsa" },
			errorMsg: "source must be",
		},
		{
			name:     "negative device",
			modify:   func(c *Config) { c.Capture.Device = -1 },
			errorMsg: "device must be non-negative",
		},
		{
			name: "udp source without address",
			modify: func(c *Config) {
				c.Capture.Source = "udp"
				c.Capture.UDPAddress = ""
			},
			errorMsg: "udp_address cannot be empty",
		},
		{
			name:     "unknown convention",
			modify:   func(c *Config) { c.Vox.Convention = "absolute" },
			errorMsg: "unknown threshold convention",
		},
		{
			name:     "tick too short",
			modify:   func(c *Config) { c.Vox.TickMs = 1 },
			errorMsg: "tick_ms must be at least 10",
		},
		{
			name:     "zero queue size",
			modify:   func(c *Config) { c.Vox.QueueSize = 0 },
			errorMsg: "queue_size must be at least 1",
		},
		{
			name:     "positive threshold is accepted",
			modify:   func(c *Config) { c.Vox.Threshold = 300 },
			errorMsg: "",
		},
		{
			name:     "unsupported scheme",
			modify:   func(c *Config) { c.Upload.Scheme = "sftp" },
			errorMsg: "scheme must be one of",
		},
		{
			name:     "invalid port",
			modify:   func(c *Config) { c.Upload.Port = 70000 },
			errorMsg: "port must be between 1 and 65535",
		},
		{
			name: "s3 without bucket",
			modify: func(c *Config) {
				c.Upload.Scheme = "s3"
				c.Upload.Path = "/"
			},
			errorMsg: "path must name a bucket",
		},
		{
			name: "both password sources",
			modify: func(c *Config) {
				c.Upload.PasswordEnv = "VOX_PASSWORD"
				c.Upload.PasswordFile = "/run/secrets/vox"
			},
			errorMsg: "mutually exclusive",
		},
		{
			name:     "unknown container",
			modify:   func(c *Config) { c.Upload.Container = "mp3" },
			errorMsg: "container",
		},
		{
			name:     "unknown retention",
			modify:   func(c *Config) { c.Upload.Retention = "archive" },
			errorMsg: "retention",
		},
		{
			name:     "backoff cap below initial delay",
			modify:   func(c *Config) { c.Upload.MaxBackoffMs = 10 },
			errorMsg: "max_backoff_ms",
		},
		{
			name: "http disabled skips port check",
			modify: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
		{
			name:     "invalid log level",
			modify:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name       string
		configYAML string
		errorMsg   string
		check      func(t *testing.T, c *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
capture:
  source: udp
  device: 7
  udp_address: "127.0.0.1:5004"
  udp_framed: true
vox:
  threshold: -30
  convention: reference
  tick_ms: 500
upload:
  scheme: s3
  host: minio.local
  port: 9000
  path: /recordings/site-a
  username: vox
  password_env: VOX_PASSWORD
  retention: delete
logging:
  level: debug
  format: json
`,
			check: func(t *testing.T, c *Config) {
				if c.Capture.Source != "udp" || c.Capture.Device != 7 || !c.Capture.UDPFramed {
					t.Errorf("Expected udp capture on device 7 framed, got %+v", c.Capture)
				}
				if c.Vox.Threshold != -30 || c.Vox.Convention != "reference" {
					t.Errorf("Expected threshold -30 reference, got %v %s", c.Vox.Threshold, c.Vox.Convention)
				}
				if c.Upload.Scheme != "s3" || c.Upload.Port != 9000 {
					t.Errorf("Expected s3 on port 9000, got %s %d", c.Upload.Scheme, c.Upload.Port)
				}
			},
		},
		{
			name: "missing keys keep defaults",
			configYAML: `
upload:
  host: ftp.example.com
`,
			check: func(t *testing.T, c *Config) {
				if c.Upload.Host != "ftp.example.com" {
					t.Errorf("Expected host ftp.example.com, got %s", c.Upload.Host)
				}
				if c.Upload.Port != 21 || c.Upload.Username != "anonymous" {
					t.Errorf("Expected default port 21 and anonymous user, got %d %s", c.Upload.Port, c.Upload.Username)
				}
				if c.Vox.TickMs != 1000 || c.Vox.QueueSize != 4 {
					t.Errorf("Expected default tick 1000 and queue 4, got %d %d", c.Vox.TickMs, c.Vox.QueueSize)
				}
			},
		},
		{
			name: "invalid yaml",
			configYAML: `
vox:
  threshold: [not a number
`,
			errorMsg: "failed to parse config file",
		},
		{
			name: "invalid values",
			configYAML: `
upload:
  scheme: gopher
`,
			errorMsg: "config validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to write test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if err != nil && !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	v := VoxConfig{TickMs: 250, MaxSessionSeconds: 1.5}
	if v.GetTickDuration() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", v.GetTickDuration())
	}
	if v.GetMaxSessionBytes() != 24000 {
		t.Errorf("Expected 24000 bytes, got %d", v.GetMaxSessionBytes())
	}

	u := UploadConfig{InitialBackoffMs: 500, MaxBackoffMs: 8000, Timeout: 30}
	if u.GetInitialBackoff() != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", u.GetInitialBackoff())
	}
	if u.GetMaxBackoff() != 8*time.Second {
		t.Errorf("Expected 8s, got %v", u.GetMaxBackoff())
	}
	if u.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", u.GetTimeoutDuration())
	}
}

func TestPasswordSource(t *testing.T) {
	ctx := context.Background()

	t.Run("environment is read on every call", func(t *testing.T) {
		t.Setenv("VOX_TEST_PASSWORD", "first")
		source := (&UploadConfig{PasswordEnv: "VOX_TEST_PASSWORD"}).PasswordSource()

		got, err := source(ctx)
		if err != nil || got != "first" {
			t.Fatalf("Expected 'first', got '%s' (err %v)", got, err)
		}

		t.Setenv("VOX_TEST_PASSWORD", "second")
		got, err = source(ctx)
		if err != nil || got != "second" {
			t.Errorf("Expected 'second', got '%s' (err %v)", got, err)
		}
	})

	t.Run("unset environment variable", func(t *testing.T) {
		source := (&UploadConfig{PasswordEnv: "VOX_TEST_PASSWORD_UNSET"}).PasswordSource()
		if _, err := source(ctx); err == nil {
			t.Errorf("Expected error for unset variable but got none")
		}
	})

	t.Run("file trims trailing newline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "password")
		if err := os.WriteFile(path, []byte("s3cret\n"), 0600); err != nil {
			t.Fatalf("Failed to write password file: %v", err)
		}
		source := (&UploadConfig{PasswordFile: path}).PasswordSource()
		got, err := source(ctx)
		if err != nil || got != "s3cret" {
			t.Errorf("Expected 's3cret', got '%s' (err %v)", got, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		source := (&UploadConfig{PasswordFile: "/nonexistent/password"}).PasswordSource()
		if _, err := source(ctx); err == nil {
			t.Errorf("Expected error for missing file but got none")
		}
	})

	t.Run("no source means empty password", func(t *testing.T) {
		got, err := (&UploadConfig{}).PasswordSource()(ctx)
		if err != nil || got != "" {
			t.Errorf("Expected empty password, got '%s' (err %v)", got, err)
		}
	})
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Vox.Convention = "reference"
	cfg.Vox.Threshold = 35
	cfg.Vox.MaxSessionSeconds = 2
	cfg.Upload.Scheme = "HTTPS"
	cfg.Upload.Retention = "delete"
	cfg.Upload.Container = "wav.gz"

	vc, err := cfg.Vox.MachineConfig()
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if vc.Convention != vox.ConventionReference {
		t.Errorf("Expected reference convention, got %v", vc.Convention)
	}
	if vc.MaxSessionBytes != 32000 {
		t.Errorf("Expected 32000 max session bytes, got %d", vc.MaxSessionBytes)
	}
	if vc.Threshold != 35 {
		t.Errorf("Expected threshold 35, got %v", vc.Threshold)
	}

	mc, err := cfg.Upload.ManagerConfig()
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if mc.Retention != upload.RetentionDelete || mc.Container != audio.ContainerWAVGzip {
		t.Errorf("Expected delete retention and wav.gz, got %s %s", mc.Retention, mc.Container)
	}
	if mc.MaxRetries != 3 || mc.AttemptTimeout != time.Minute {
		t.Errorf("Expected 3 retries and 1m timeout, got %d %v", mc.MaxRetries, mc.AttemptTimeout)
	}

	endpoint := cfg.Upload.Endpoint()
	if endpoint.Scheme != "https" || endpoint.Host != "localhost" || endpoint.Port != 21 {
		t.Errorf("Expected https://localhost:21, got %+v", endpoint)
	}
}

func TestDefaultSessionLengthIsBounded(t *testing.T) {
	cfg := Default()
	if cfg.Vox.MaxSessionSeconds <= 0 {
		t.Fatalf("Expected a bounded default session length, got %v", cfg.Vox.MaxSessionSeconds)
	}
	if got := cfg.Vox.GetMaxSessionBytes(); got != 300*audio.DetectionFormat.BytesPerSecond() {
		t.Errorf("Expected %d max session bytes, got %d", 300*audio.DetectionFormat.BytesPerSecond(), got)
	}
}

// config is imported by the tools and the API; it must not pull in the cgo
// capture binding.
func TestConfigImportsNoCaptureCode(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}

	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("Failed to parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			for _, banned := range []string{"/internal/capture", "/internal/recorder", "portaudio"} {
				if strings.Contains(path, banned) {
					t.Errorf("Expected %s not to import %s", name, path)
				}
			}
		}
	}
}
