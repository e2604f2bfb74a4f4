// Command aero-mesh-signal runs the peer-mesh signaling relay.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "aero-mesh-signal",
		Usage: "WebRTC peer-mesh membership and signaling relay",
		Flags: serveFlags(),
		// Running without a subcommand serves.
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the signaling server",
				Flags:  serveFlags(),
				Action: serve,
			},
			fanoutCommand(),
		},
	}
}

// boundFlag ties a CLI flag to the configuration key it overrides.
type boundFlag struct {
	flag cli.Flag
	key  string
}

func boundFlags() []boundFlag {
	return []boundFlag{
		{&cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address"}, "listen_addr"},
		{&cli.StringFlag{Name: "public-base-url", Usage: "externally visible base URL"}, "public_base_url"},
		{&cli.StringSliceFlag{Name: "allowed-origins", Usage: "browser origins allowed to connect; '*' allows any"}, "allowed_origins"},
		{&cli.StringFlag{Name: "mode", Usage: "run mode: dev or prod"}, "run_mode"},
		{&cli.StringFlag{Name: "log-format", Usage: "text or json"}, "log.format"},
		{&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"}, "log.level"},
		{&cli.DurationFlag{Name: "shutdown-timeout", Usage: "graceful shutdown budget"}, "shutdown_timeout"},
		{&cli.IntFlag{Name: "max-peers", Usage: "connection limit for this process (0 = unlimited)"}, "max_peers"},
		{&cli.StringFlag{Name: "overlay", Usage: "overlay mode: full-mesh or gossip"}, "overlay.mode"},
		{&cli.IntFlag{Name: "nines", Usage: "gossip reliability target in nines"}, "overlay.reliability_nines"},
		{&cli.BoolFlag{Name: "cluster", Usage: "replicate the registry across nodes"}, "cluster.enabled"},
		{&cli.StringFlag{Name: "node-id", Usage: "cluster node id"}, "cluster.node_id"},
		{&cli.BoolFlag{Name: "bootstrap", Usage: "bootstrap a new cluster with this node"}, "cluster.bootstrap"},
		{&cli.StringFlag{Name: "raft-bind", Usage: "raft transport bind address"}, "cluster.raft_bind_addr"},
		{&cli.StringFlag{Name: "raft-dir", Usage: "durable raft storage directory"}, "cluster.raft_data_dir"},
		{&cli.StringFlag{Name: "gossip-bind", Usage: "memberlist bind address"}, "cluster.gossip_bind_addr"},
		{&cli.IntFlag{Name: "gossip-port", Usage: "memberlist bind port"}, "cluster.gossip_bind_port"},
		{&cli.StringSliceFlag{Name: "seeds", Usage: "memberlist seed addresses"}, "cluster.seeds"},
		{&cli.StringFlag{Name: "http-advertise", Usage: "address other nodes use to reach this node's HTTP listener"}, "cluster.http_advertise_addr"},
	}
}

func serveFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{config.EnvPrefix + "CONFIG"},
		},
	}
	for _, b := range boundFlags() {
		flags = append(flags, b.flag)
	}
	return flags
}

// flagOverrides returns the configuration keys set explicitly on the command
// line. Unset flags are left out so they do not mask env or file values.
func flagOverrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for _, b := range boundFlags() {
		name := b.flag.Names()[0]
		if !c.IsSet(name) {
			continue
		}
		switch b.flag.(type) {
		case *cli.StringFlag:
			out[b.key] = c.String(name)
		case *cli.StringSliceFlag:
			out[b.key] = c.StringSlice(name)
		case *cli.IntFlag:
			out[b.key] = c.Int(name)
		case *cli.BoolFlag:
			out[b.key] = c.Bool(name)
		case *cli.DurationFlag:
			out[b.key] = c.Duration(name)
		}
	}
	return out
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
