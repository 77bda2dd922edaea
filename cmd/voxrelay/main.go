package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/capture"
	"github.com/skypro1111/vox-relay-service/internal/config"
	"github.com/skypro1111/vox-relay-service/internal/journal"
	"github.com/skypro1111/vox-relay-service/internal/metrics"
	"github.com/skypro1111/vox-relay-service/internal/recorder"
	"github.com/skypro1111/vox-relay-service/internal/server"
	"github.com/skypro1111/vox-relay-service/internal/upload"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "vox-relay-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listDevices := flag.Bool("list-devices", false, "List audio input devices and exit")
	autostart := flag.Bool("autostart", true, "Start capturing immediately instead of waiting for POST /start")
	flag.Parse()

	if *listDevices {
		if err := printDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("source", cfg.Capture.Source),
		slog.Int("device", cfg.Capture.Device),
		slog.Float64("threshold", cfg.Vox.Threshold),
		slog.String("convention", cfg.Vox.Convention),
		slog.Int("tick_ms", cfg.Vox.TickMs),
		slog.String("endpoint", cfg.Upload.Endpoint().URL("")),
		slog.String("staging_dir", cfg.Upload.StagingDir),
		slog.String("retention", cfg.Upload.Retention),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger, *autostart); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger, autostart bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	opts := []upload.Option{upload.WithMetrics(appMetrics)}

	var store *journal.Store
	if cfg.Upload.JournalPath != "" {
		var err error
		store, err = journal.Open(cfg.Upload.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open artifact journal: %w", err)
		}
		defer store.Close()
		opts = append(opts, upload.WithJournal(store))
		logger.Info("Artifact journal opened", slog.String("path", cfg.Upload.JournalPath))
	}

	transferer, err := upload.NewTransferer(cfg.Upload.Endpoint(), cfg.Upload.GetTimeoutDuration(), logger)
	if err != nil {
		return err
	}

	managerConfig, err := cfg.Upload.ManagerConfig()
	if err != nil {
		return err
	}
	uploads, err := upload.NewManager(managerConfig, transferer, cfg.Upload.PasswordSource(), logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create upload manager: %w", err)
	}

	recorderConfig, err := newRecorderConfig(cfg)
	if err != nil {
		return err
	}
	controller := recorder.NewController(recorderConfig, newSource(cfg.Capture, logger), uploads, logger, appMetrics)
	defer controller.Close()

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		var artifacts server.Artifacts
		if store != nil {
			artifacts = store
		}
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}, logger, cfg, controller, uploads, artifacts, registry, appMetrics)

		if err := httpServer.Start(ctx); err != nil {
			return err
		}
	}

	if autostart {
		if err := controller.Start(ctx); err != nil {
			if httpServer == nil {
				return fmt.Errorf("failed to start recorder: %w", err)
			}
			// The API stays up so the recorder can be started once the
			// device is available
			logger.Error("Failed to start recorder", slog.String("error", err.Error()))
		}
	} else if httpServer == nil {
		logger.Warn("Autostart disabled and HTTP API disabled; nothing can start the recorder")
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	controller.Stop()

	status := controller.Status()
	stats := uploads.GetStats()
	logger.Info("Final statistics",
		slog.Uint64("sessions", status.Sessions),
		slog.Uint64("uploads_succeeded", stats.Succeeded),
		slog.Uint64("uploads_failed", stats.Failed),
		slog.Uint64("retries", stats.TotalRetries),
	)

	return nil
}

func newRecorderConfig(cfg *config.Config) (recorder.Config, error) {
	machine, err := cfg.Vox.MachineConfig()
	if err != nil {
		return recorder.Config{}, err
	}
	return recorder.Config{
		Device:    cfg.Capture.Device,
		Format:    audio.DetectionFormat,
		Tick:      cfg.Vox.GetTickDuration(),
		Vox:       machine,
		QueueSize: cfg.Vox.QueueSize,
	}, nil
}

func newSource(cfg config.CaptureConfig, logger *slog.Logger) capture.Source {
	if cfg.Source == "udp" {
		return capture.NewUDP(capture.UDPConfig{
			Address:    cfg.UDPAddress,
			ReadBuffer: cfg.UDPReadBuffer,
			Framed:     cfg.UDPFramed,
		}, logger)
	}
	return capture.NewPortAudio(cfg.FramesPerBuffer, logger)
}

func printDevices(w io.Writer) error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No input devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(w, "%3d  %-40s  %-12s  %d ch  %.0f Hz\n",
			d.Index, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path, rotated by size
		output = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
