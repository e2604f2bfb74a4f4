package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed_origins contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPeers <= 0 {
		logger.Warn("startup security warning: max_peers is unset/0 (unlimited) while run_mode=prod",
			"warning_code", "max_peers_unlimited_in_prod",
			"max_peers", cfg.MaxPeers,
			"mode", cfg.Mode,
		)
	}

	if cfg.Signaling.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: signaling.max_message_bytes is very large (increases per-connection memory exposure)",
			"warning_code", "signaling_max_message_large",
			"max_message_bytes", cfg.Signaling.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURNServer(cfg.ICEServers) {
		logger.Warn("turn_rest.shared_secret is set but no TURN servers are configured; credentials will not be offered",
			"warning_code", "turn_rest_without_turn_servers",
		)
	}

	if cl := cfg.Cluster; cl.Enabled {
		if cl.GossipBindAddr == "" && !cl.Bootstrap {
			logger.Warn("cluster enabled without gossip discovery or bootstrap; this node cannot form or join a cluster",
				"warning_code", "cluster_without_discovery",
				"node_id", cl.NodeID,
			)
		}
		if cl.RaftDataDir == "" && cfg.Mode == config.ModeProd {
			logger.Warn("cluster.raft_data_dir is unset; the raft log is kept in memory",
				"warning_code", "cluster_in_memory_raft",
				"node_id", cl.NodeID,
				"mode", cfg.Mode,
			)
		}
	}
}

func hasTURNServer(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			u = strings.ToLower(strings.TrimSpace(u))
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
