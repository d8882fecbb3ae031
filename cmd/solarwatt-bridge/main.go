package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"solarwatt-bridge/internal/energymanager"
	"solarwatt-bridge/internal/metrics"
	"solarwatt-bridge/internal/mqtt"
	"solarwatt-bridge/internal/poller"
	"solarwatt-bridge/internal/store"
	"solarwatt-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	EnergyManager struct {
		Host                string `yaml:"host"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		TimeoutSeconds      int    `yaml:"timeout_seconds"`
		FailureThreshold    int    `yaml:"failure_threshold"`
	} `yaml:"energymanager"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.EnergyManager.Host == "" {
		return fmt.Errorf("energymanager.host is required")
	}
	if c.EnergyManager.PollIntervalSeconds <= 0 {
		return fmt.Errorf("energymanager.poll_interval_seconds must be positive, got %d", c.EnergyManager.PollIntervalSeconds)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("solarwatt-bridge starting", "version", version, "host", cfg.EnergyManager.Host)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	pollCfg := poller.Config{
		Interval:         time.Duration(cfg.EnergyManager.PollIntervalSeconds) * time.Second,
		Timeout:          time.Duration(cfg.EnergyManager.TimeoutSeconds) * time.Second,
		FailureThreshold: cfg.EnergyManager.FailureThreshold,
	}
	if pollCfg.Timeout <= 0 || pollCfg.Timeout >= pollCfg.Interval {
		// The fetch timeout must stay below the interval so polls
		// can never overlap.
		pollCfg.Timeout = pollCfg.Interval / 2
	}

	client := energymanager.NewClient(cfg.EnergyManager.Host, pollCfg.Timeout, logger)

	// Validate the host before any poll is scheduled: resolve the
	// gateway identity or fail setup.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	gateway, err := client.TestConnection(ctx)
	cancel()
	if err != nil {
		logger.Error("connection test failed", "host", cfg.EnergyManager.Host, "err", err)
		os.Exit(1)
	}
	logger.Info("gateway identified", "guid", gateway.GUID, "model", gateway.Model, "firmware", gateway.Firmware)
	if err := db.SaveGatewayInfo(gateway); err != nil {
		logger.Error("persist gateway info", "err", err)
		os.Exit(1)
	}

	registry := metrics.DefaultRegistry()
	events := poller.NewBus(logger)

	coord, err := poller.New(client, registry, events, pollCfg, logger)
	if err != nil {
		logger.Error("create coordinator", "err", err)
		os.Exit(1)
	}

	// Warm restart: seed the last-known snapshot so sinks have stale
	// data and the sequence number keeps growing monotonically.
	if snap, err := db.GetSnapshot(); err == nil {
		coord.Prime(snap)
		logger.Info("primed last snapshot from store", "sequence", snap.Sequence, "taken", snap.Taken)
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("load persisted snapshot", "err", err)
	}

	// Persist snapshots and firmware drift as they happen.
	unsubPersist := events.OnAll(func(event poller.Event) {
		switch event.Type {
		case poller.EventSnapshotCommitted:
			if data, ok := event.Data.(poller.SnapshotData); ok && data.Snapshot != nil {
				if err := db.SaveSnapshot(data.Snapshot); err != nil {
					logger.Warn("persist snapshot", "err", err)
				}
			}
		case poller.EventUnknownKeys:
			if data, ok := event.Data.(poller.UnknownKeysData); ok {
				added, err := db.RecordUnknownKeys(data.Keys, time.Now())
				if err != nil {
					logger.Warn("record unknown keys", "err", err)
				} else if len(added) > 0 {
					logger.Info("new unknown payload keys recorded", "keys", added)
				}
			}
		case poller.EventGatewayInfo:
			if data, ok := event.Data.(poller.GatewayInfoData); ok {
				if err := db.SaveGatewayInfo(&data.Gateway); err != nil {
					logger.Warn("persist gateway info", "err", err)
				}
			}
		}
	})
	defer unsubPersist()

	coord.Start()

	// Web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, registry, db, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(coord, registry, *gateway, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("create MQTT bridge", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.EnergyManager.PollIntervalSeconds == 0 {
		cfg.EnergyManager.PollIntervalSeconds = 30
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "solarwatt-bridge.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "solarwatt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
