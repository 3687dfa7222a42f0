package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voice-session-service/internal/capture"
	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/permission"
	"github.com/skypro1111/voice-session-service/internal/server"
	"github.com/skypro1111/voice-session-service/internal/session"
	"github.com/skypro1111/voice-session-service/internal/streaming"
	"github.com/skypro1111/voice-session-service/internal/transcription"
	"github.com/skypro1111/voice-session-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-session-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

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

	// Configuration summary without the API key
	logger.Info("Configuration loaded",
		slog.String("capture_device", cfg.Capture.Device),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("chunk_duration_ms", cfg.Capture.ChunkDuration),
		slog.Bool("real_time", cfg.Capture.EnableRealTime),
		slog.Bool("vad_enabled", cfg.VAD.Enabled),
		slog.String("permission", cfg.Permission.Initial),
		slog.String("streaming_url", cfg.Streaming.URL),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("language", cfg.Transcription.Language),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Permission is simulated in-process; the API can change it
	initialPermission, err := permission.ParseState(cfg.Permission.Initial)
	if err != nil {
		logger.Error("Invalid permission state", slog.String("error", err.Error()))
		os.Exit(1)
	}
	permissionSwitch := permission.NewSwitch(initialPermission)
	gate := permission.NewGate(permissionSwitch, logger)

	device, err := newDevice(cfg.Capture, logger)
	if err != nil {
		logger.Error("Failed to create capture device", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var vadProcessor *vad.Processor
	if cfg.VAD.Enabled {
		vadProcessor, err = vad.NewProcessor(cfg.VAD.Threshold, cfg.VAD.WindowSize, cfg.Capture.SampleRate)
		if err != nil {
			logger.Error("Failed to create VAD processor", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Real-time channel
	var channel streaming.Channel
	var channelDone chan struct{}
	if cfg.Capture.EnableRealTime && cfg.Streaming.URL != "" {
		wsChannel, err := streaming.NewWebSocketChannel(streaming.WebSocketConfig{
			URL:              cfg.Streaming.URL,
			HandshakeTimeout: cfg.Streaming.GetHandshakeTimeout(),
			ReconnectDelay:   cfg.Streaming.GetReconnectDelay(),
		}, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create streaming channel", slog.String("error", err.Error()))
			os.Exit(1)
		}
		channel = wsChannel
		channelDone = make(chan struct{})
		go func() {
			wsChannel.Run(ctx)
			close(channelDone)
		}()
	}

	streamer := streaming.NewStreamer(channel, streaming.Config{
		Enabled:    cfg.Capture.EnableRealTime,
		OutboxSize: cfg.Streaming.OutboxSize,
	}, logger, appMetrics)
	streamer.Start()
	go logDeliveries(ctx, streamer, logger)

	client, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		Language:      cfg.Transcription.Language,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine, err := capture.NewEngine(capture.Config{
		Constraints: capture.Constraints{
			SampleRate:       cfg.Capture.SampleRate,
			Channels:         cfg.Capture.Channels,
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
			AutoGainControl:  cfg.Capture.AutoGainControl,
		},
		ChunkDuration: cfg.Capture.GetChunkDuration(),
		RealTime:      cfg.Capture.EnableRealTime,
		LevelInterval: cfg.Capture.GetLevelInterval(),
		FFTSize:       cfg.Capture.FFTSize,
		VAD:           vadProcessor,
		Metrics:       appMetrics,
	}, device, streamer, logger)
	if err != nil {
		logger.Error("Failed to create capture engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager, err := session.NewManager(session.Config{
		Language:      cfg.Transcription.Language,
		SubmitTimeout: client.Timeout(),
		OnTranscription: func(text string, isPartial bool) {
			logger.Info("Transcription",
				slog.Bool("partial", isPartial),
				slog.String("text", text))
		},
		OnError: func(message string) {
			logger.Warn("Session error", slog.String("error", message))
		},
	}, session.Dependencies{
		Permission: gate,
		Capture:    engine,
		Streamer:   streamer,
		Submitter:  client,
		Metrics:    appMetrics,
	}, logger)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Duration("submit_timeout", client.Timeout()),
		slog.Bool("real_time", streamer.Enabled()),
	)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, server.Components{
			Session:          manager,
			Permission:       gate,
			PermissionSetter: permissionSwitch,
			Transcription:    client,
			Streamer:         streamer,
			Capture:          engine,
			Gatherer:         registry,
		}, appMetrics)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting commands first
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Releases capture and waits for an in-flight submission
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Transcription.GetTimeoutDuration()+5*time.Second)
	defer closeCancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Error("Error closing session manager", slog.String("error", err.Error()))
	}

	// Flush queued events before the channel goes down
	streamer.Close()
	cancel()
	if channelDone != nil {
		<-channelDone
	}
	client.Close()

	stats := client.GetStats()
	streamStats := streamer.GetStats()
	logger.Info("Final service statistics",
		slog.Uint64("transcription_requests", stats.TotalRequests),
		slog.Uint64("transcription_successes", stats.SuccessRequests),
		slog.Uint64("transcription_failures", stats.FailedRequests),
		slog.Uint64("stream_events_sent", streamStats.Sent),
		slog.Uint64("stream_events_failed", streamStats.Failed),
	)

	logger.Info("Service stopped")
}

// newDevice selects the capture device from configuration
func newDevice(cfg config.CaptureConfig, logger *slog.Logger) (capture.Device, error) {
	switch cfg.Device {
	case "wav":
		return capture.NewWAVFileDevice(cfg.WAVPath, cfg.Loop), nil
	case "portaudio":
		return capture.NewPortAudioDevice(logger), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}

// logDeliveries reports failed streaming deliveries until ctx is done
func logDeliveries(ctx context.Context, streamer *streaming.Streamer, logger *slog.Logger) {
	if !streamer.Enabled() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-streamer.Deliveries():
			if d.Err != nil {
				logger.Debug("Streaming delivery failed",
					slog.String("event", d.Event),
					slog.String("session_id", d.SessionID),
					slog.Uint64("sequence", d.Sequence),
					slog.String("error", d.Err.Error()))
			}
		}
	}
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

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
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
