package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/catalogmatch/internal/api"
	"github.com/nugget/catalogmatch/internal/buildinfo"
	"github.com/nugget/catalogmatch/internal/config"
	"github.com/nugget/catalogmatch/internal/matcher"
	"github.com/nugget/catalogmatch/internal/mqtt"
)

// runServe handles the "catalogmatch serve" subcommand: it wires the
// matcher stack, starts the API server and, when configured, the MQTT
// publisher, then blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Databases close and telemetry flushes via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting catalogmatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"data_dir", cfg.DataDir,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		a.Close(closeCtx)
	}()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.matcher, logger)
	server.SetUsageReporter(a.usage)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		stats := &mqttStatsAdapter{model: cfg.Models.Default, stats: server.Stats()}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, a.tokens, stats, logger)
		mqttPub.SetRequestHandler(mqttRequestHandler(server, logger))
		server.SetPublisher(mqttPub)

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	return nil
}

// batchRunner is the part of the API server the MQTT intake uses.
type batchRunner interface {
	RunBatch(ctx context.Context, req matcher.BatchRequest, observer matcher.Observer) (*matcher.Outcome, error)
}

// mqttRequestHandler decodes a batch request received over MQTT and runs
// it through the server, which publishes the outcome.
func mqttRequestHandler(r batchRunner, logger *slog.Logger) mqtt.RequestHandler {
	return func(ctx context.Context, payload []byte) {
		var req matcher.BatchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Warn("invalid mqtt batch request", "error", err)
			return
		}
		if len(req.Goals) == 0 {
			logger.Warn("mqtt batch request has no goals")
			return
		}
		if _, err := r.RunBatch(ctx, req, nil); err != nil {
			logger.Error("mqtt batch failed", "error", err)
		}
	}
}
