// Command mew-gatewayd runs the MEW broadcast gateway: it accepts
// WebSocket connections for one or more configured spaces, enforces
// each participant's capability grants, and fans envelopes out to
// their recipients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mew-protocol/gateway/internal/audit"
	"github.com/mew-protocol/gateway/internal/buildinfo"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/events"
	"github.com/mew-protocol/gateway/internal/gateway"
	"github.com/mew-protocol/gateway/internal/gatewaymetrics"
	"github.com/mew-protocol/gateway/internal/metricsbridge"
	"github.com/mew-protocol/gateway/internal/onboard"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting mew-gatewayd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime,
		"config", cfgPath, "spaces", len(cfg.Spaces), "port", cfg.Listen.Port,
	)

	var auditLog *audit.Logger
	if cfg.Logging.GatewayLogging() {
		auditLog, err = audit.NewLogger(cfg.Logging.LogDir, cfg.Logging.EnvelopeHistory(), cfg.Logging.CapabilityDecisions())
		if err != nil {
			logger.Error("failed to open audit logs", "error", err)
			os.Exit(1)
		}
	}

	bus := events.New()

	var metrics *gatewaymetrics.Metrics
	var metricsReg *prometheus.Registry
	if cfg.Metrics.Enabled {
		metricsReg = prometheus.NewRegistry()
		metrics = gatewaymetrics.New(metricsReg)
	}

	gw := gateway.New(cfg, logger, bus, metrics, auditLog)
	defer gw.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /v1/ws", gw)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if cfg.Onboard.Enabled {
		mux.HandleFunc("GET /v1/onboard", onboardHandler(cfg, logger))
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port),
		Handler: withLogging(logger, mux),
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", gatewaymetrics.Handler(metricsReg))
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MQTTBridge.Enabled {
		bridge, err := metricsbridge.New(ctx, metricsbridge.Config{
			BrokerURL:      cfg.MQTTBridge.BrokerURL,
			ClientID:       cfg.MQTTBridge.ClientID,
			TopicPrefix:    cfg.MQTTBridge.TopicPrefix,
			PublishSeconds: cfg.MQTTBridge.PublishSeconds,
		}, gw, logger)
		if err != nil {
			logger.Error("failed to start mqtt bridge", "error", err)
		} else {
			go bridge.Run(ctx)
		}
	}

	heartbeat := time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond
	go runHeartbeat(ctx, gw, heartbeat)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
	}()

	logger.Info("gateway listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("mew-gatewayd stopped")
}

func runHeartbeat(ctx context.Context, gw *gateway.Gateway, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gw.Heartbeat(now)
		}
	}
}

func onboardHandler(cfg *config.Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		spaceName := q.Get("space")
		participantID := q.Get("participant_id")
		token := q.Get("token")

		sp := cfg.SpaceByName(spaceName)
		if sp == nil {
			http.Error(w, "unknown space", http.StatusNotFound)
			return
		}

		joinURL, err := onboard.JoinURL(cfg.Onboard.PublicBase, spaceName, participantID, token)
		if err != nil {
			logger.Error("onboard: build join url", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		png, err := onboard.PNG(joinURL, 256)
		if err != nil {
			logger.Error("onboard: render qr code", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

// withLogging wraps an http.Handler with access logging in the
// request-scoped style used throughout the gateway's HTTP surface.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
