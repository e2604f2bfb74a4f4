package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric/cluster"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/overlay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/turnrest"
)

func serve(c *cli.Context) error {
	cfg, err := config.Load(config.Options{
		File:  c.String("config"),
		Flags: flagOverrides(c),
	})
	if err != nil {
		return cli.Exit(err, 2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return cli.Exit(err, 2)
	}
	slog.SetDefault(logger)

	mode, err := overlay.ParseMode(cfg.Overlay.Mode)
	if err != nil {
		return cli.Exit(err, 2)
	}
	policy, _ := origin.NewPolicy(cfg.AllowedOrigins)

	var issuer *turnrest.Issuer
	if cfg.TURNREST.Enabled() {
		issuer, err = turnrest.NewIssuer(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return cli.Exit(err, 2)
		}
	}

	logger.Info("starting aero-mesh-signal",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"overlay", mode,
		"reliability_nines", cfg.Nines(),
		"max_peers", cfg.MaxPeers,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
		"cluster", cfg.Cluster.Enabled,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	fab, applyHandler, err := openFabric(cfg, logger)
	if err != nil {
		logger.Error("failed to open fabric", "err", err)
		return cli.Exit(err, 1)
	}

	hub := mesh.New(mesh.Config{
		Fabric:    fab,
		Selector:  overlay.NewSelector(mode, cfg.Nines(), nil),
		MaxPeers:  cfg.MaxPeers,
		OpTimeout: cfg.Fabric.OpTimeout,
		Metrics:   m,
		Logger:    logger,
	})
	sig := signaling.NewServer(signaling.Config{
		Hub:                  hub,
		Origin:               policy,
		MaxMessageBytes:      cfg.Signaling.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.Signaling.MaxMessagesPerSecond,
		IdleTimeout:          cfg.Signaling.WSIdleTimeout,
		PingInterval:         cfg.Signaling.WSPingInterval,
		JoinTimeout:          cfg.Signaling.JoinTimeout,
		SendQueueMessages:    cfg.Signaling.SendQueueMessages,
		Metrics:              m,
		Logger:               logger,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		hub.Close(context.Background())
		_ = fab.Close()
		return cli.Exit(err, 1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Hub:         hub,
		Fabric:      fab,
		Signaling:   sig,
		Metrics:     m,
		TURN:        issuer,
		FabricApply: applyHandler,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Signaling connections are hijacked, so srv.Shutdown does not see them.
	if err := sig.Close(shutdownCtx); err != nil {
		logger.Warn("signaling shutdown incomplete", "err", err)
	}
	if serveErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		serveErr = <-errCh
	}
	hub.Close(shutdownCtx)
	if err := fab.Close(); err != nil {
		logger.Warn("fabric close failed", "err", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("http server exited", "err", serveErr)
		return cli.Exit(serveErr, 1)
	}
	return nil
}

// openFabric returns the coordination fabric for cfg, plus the handler that
// accepts forwarded commands when clustered.
func openFabric(cfg config.Config, logger *slog.Logger) (fabric.Fabric, http.Handler, error) {
	if !cfg.Cluster.Enabled {
		return fabric.NewLocal(localNodeID(cfg)), nil, nil
	}

	f, err := cluster.New(cluster.Config{
		NodeID:            cfg.Cluster.NodeID,
		Bootstrap:         cfg.Cluster.Bootstrap,
		RaftBindAddr:      cfg.Cluster.RaftBindAddr,
		RaftAdvertiseAddr: cfg.Cluster.RaftAdvertiseAddr,
		DataDir:           cfg.Cluster.RaftDataDir,
		GossipBindAddr:    cfg.Cluster.GossipBindAddr,
		GossipBindPort:    cfg.Cluster.GossipBindPort,
		Seeds:             cfg.Cluster.Seeds,
		HTTPAdvertiseAddr: cfg.Cluster.HTTPAdvertiseAddr,
		Secret:            cfg.Cluster.Secret,
		ApplyTimeout:      cfg.Cluster.ApplyTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open cluster fabric: %w", err)
	}
	return f, f.Handler(), nil
}

func localNodeID(cfg config.Config) string {
	if cfg.Cluster.NodeID != "" {
		return cfg.Cluster.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
