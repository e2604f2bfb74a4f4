package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric/cluster"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/turnrest"
)

type testServer struct {
	baseURL string
	fab     *fabric.Local
	hub     *mesh.Hub
}

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, mutate func(*Deps)) testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	fab := fabric.NewLocal("n1")
	hub := mesh.New(mesh.Config{Fabric: fab, Metrics: m, Logger: log})
	policy, _ := origin.NewPolicy(cfg.AllowedOrigins)
	sig := signaling.NewServer(signaling.Config{Hub: hub, Origin: policy, Metrics: m, Logger: log})

	deps := Deps{Hub: hub, Fabric: fab, Signaling: sig, Metrics: m}
	if mutate != nil {
		mutate(&deps)
	}
	srv := New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"}, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sig.Close(ctx)
		_ = srv.Shutdown(ctx)
		<-errCh
		hub.Close(ctx)
		_ = fab.Close()
	})

	return testServer{baseURL: "http://" + ln.Addr().String(), fab: fab, hub: hub}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	ts := startTestServer(t, baseConfig(), nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, ts.baseURL+"/healthz", &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := getJSON(t, ts.baseURL+"/readyz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, ts.baseURL+"/version", &got)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzFailsWhenFabricClosed(t *testing.T) {
	ts := startTestServer(t, baseConfig(), nil)
	if err := ts.fab.Close(); err != nil {
		t.Fatalf("close fabric: %v", err)
	}

	var body map[string]any
	resp := getJSON(t, ts.baseURL+"/readyz", &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body["ready"] != false {
		t.Fatalf("body=%v, want ready=false", body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := startTestServer(t, baseConfig(), nil)

	req, err := http.NewRequest(http.MethodGet, ts.baseURL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("X-Request-Id=%q, want req-123", got)
	}

	resp = getJSON(t, ts.baseURL+"/healthz", nil)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	ts := startTestServer(t, cfg, nil)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp := getJSON(t, ts.baseURL+"/webrtc/ice", &payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Fatalf("Cache-Control=%q, want no-cache", cc)
	}
}

func TestICEEndpointEmptyList(t *testing.T) {
	ts := startTestServer(t, baseConfig(), nil)

	var payload map[string]json.RawMessage
	getJSON(t, ts.baseURL+"/webrtc/ice", &payload)
	if got := string(payload["iceServers"]); got != "[]" {
		t.Fatalf("iceServers=%s, want []", got)
	}
}

func TestICEEndpoint_TURNREST(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	issuer, err := turnrest.NewIssuer(turnrest.Config{
		SharedSecret:   "s3cret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_000, 0) },
		NewID:          func() string { return "abc" },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	ts := startTestServer(t, cfg, func(d *Deps) { d.TURN = issuer })

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	getJSON(t, ts.baseURL+"/webrtc/ice", &payload)

	if payload.ExpiresAt != 4_600 {
		t.Fatalf("expiresAt=%d, want 4600", payload.ExpiresAt)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if turn.Username != "4600:aero:abc" {
		t.Fatalf("username=%q", turn.Username)
	}
	if want := turnrest.Sign([]byte("s3cret"), turn.Username); turn.Credential != want {
		t.Fatalf("credential=%q, want %q", turn.Credential, want)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	ts := startTestServer(t, cfg, nil)

	req, err := http.NewRequest(http.MethodGet, ts.baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestICEEndpoint_Preflight(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts := startTestServer(t, cfg, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestPeersAndMetricsAfterJoin(t *testing.T) {
	ts := startTestServer(t, baseConfig(), nil)

	wsURL := "ws" + strings.TrimPrefix(ts.baseURL, "http") + signaling.Path
	c, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer c.Close()

	if err := c.WriteJSON(map[string]string{"type": "join", "peerId": "A"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var peers struct {
		Type  string   `json:"type"`
		Peers []string `json:"peers"`
	}
	if err := c.ReadJSON(&peers); err != nil {
		t.Fatalf("read peers: %v", err)
	}
	if peers.Type != "peers" || len(peers.Peers) != 0 {
		t.Fatalf("unexpected peers message: %+v", peers)
	}

	var st mesh.Stats
	if resp := getJSON(t, ts.baseURL+"/mesh/peers", &st); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if st != (mesh.Stats{Peers: 1, Connections: 1, LocalPeers: 1}) {
		t.Fatalf("stats=%+v", st)
	}

	mresp, err := http.Get(ts.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`aero_mesh_joins_total{mode="full-mesh"} 1`,
		"aero_mesh_connections 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestFabricApplyRoute(t *testing.T) {
	called := make(chan string, 1)
	apply := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- r.Method
		w.WriteHeader(http.StatusAccepted)
	})
	ts := startTestServer(t, baseConfig(), func(d *Deps) { d.FabricApply = apply })

	resp, err := http.Post(ts.baseURL+cluster.ApplyPath, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := <-called; got != http.MethodPost {
		t.Fatalf("method=%s", got)
	}
}
