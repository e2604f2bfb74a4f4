package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
)

func captureOverrides(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var got map[string]any
	app := &cli.App{
		Flags: serveFlags(),
		Action: func(c *cli.Context) error {
			got = flagOverrides(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"aero-mesh-signal"}, args...)))
	return got
}

func TestFlagOverrides_OnlySetFlags(t *testing.T) {
	got := captureOverrides(t,
		"--overlay", "gossip",
		"--nines", "2",
		"--allowed-origins", "https://a.example.com",
		"--allowed-origins", "https://b.example.com",
		"--shutdown-timeout", "3s",
		"--cluster",
	)
	require.Equal(t, map[string]any{
		"overlay.mode":              "gossip",
		"overlay.reliability_nines": 2,
		"allowed_origins":           []string{"https://a.example.com", "https://b.example.com"},
		"shutdown_timeout":          3 * time.Second,
		"cluster.enabled":           true,
	}, got)

	require.Empty(t, captureOverrides(t))
}

func TestFlagOverrides_FeedConfig(t *testing.T) {
	t.Setenv("AERO_MESH_OVERLAY__MODE", "full-mesh")
	flags := captureOverrides(t, "--overlay", "gossip", "--nines", "1", "--shutdown-timeout", "3s")

	cfg, err := config.Load(config.Options{Flags: flags})
	require.NoError(t, err)
	require.Equal(t, "gossip", cfg.Overlay.Mode)
	require.Equal(t, 1, *cfg.Nines())
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestBoundFlagsHaveUniqueKeys(t *testing.T) {
	names := map[string]bool{}
	keys := map[string]bool{}
	for _, b := range boundFlags() {
		name := b.flag.Names()[0]
		require.False(t, names[name], name)
		require.False(t, keys[b.key], b.key)
		names[name], keys[b.key] = true, true
	}
}

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"aero-mesh-signal"}, args...)))
	return out.String()
}

func TestFanoutCommand(t *testing.T) {
	require.Equal(t, "peers=10 fanout=3\n", runApp(t, "fanout", "--peers", "10"))
	// ceil(ln(100) + 2*ln(10)) = ceil(4.605 + 4.605) = 10
	require.Equal(t, "peers=100 fanout=10\n", runApp(t, "fanout", "--peers", "100", "--nines", "2"))
}

func TestFanoutCommand_Simulate(t *testing.T) {
	out := runApp(t, "fanout", "--peers", "50", "--nines", "3", "--trials", "3", "--seed", "7")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	require.True(t, strings.HasPrefix(lines[1], "trial"))
	require.Equal(t, "complete=3/3", lines[5])
}
