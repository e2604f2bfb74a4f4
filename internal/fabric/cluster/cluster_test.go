package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

const testSecret = "s3cret"

func newSingleNode(t *testing.T) *Fabric {
	t.Helper()
	_, trans := raft.NewInmemTransport("")
	f, err := open(Config{
		NodeID:    "n1",
		Bootstrap: true,
		Secret:    testSecret,
		Logger:    discardLogger(),
	}, trans)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.Eventually(t, func() bool { return f.Healthy() == nil }, 10*time.Second, 20*time.Millisecond)
	return f
}

func TestOpen_RequiresIdentityAndSecret(t *testing.T) {
	_, err := open(Config{Secret: testSecret}, nil)
	require.Error(t, err)
	_, err = open(Config{NodeID: "n1"}, nil)
	require.Error(t, err)
}

func TestFabric_SingleNodeStore(t *testing.T) {
	ctx := context.Background()
	f := newSingleNode(t)
	require.Equal(t, "n1", f.Leader())

	cur, added, err := f.Add(ctx, fabric.Entry{ID: "A", ConnID: "c1"})
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, "n1", cur.Node)
	require.False(t, cur.Since.IsZero())

	cur, added, err = f.Add(ctx, fabric.Entry{ID: "A", ConnID: "c2"})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, "c1", cur.ConnID)

	got, ok, err := f.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", got.ConnID)

	_, _, err = f.Add(ctx, fabric.Entry{ID: "B", ConnID: "c3"})
	require.NoError(t, err)
	list, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "A", list[0].ID)
	require.Equal(t, "B", list[1].ID)

	removed, err := f.Remove(ctx, "A", "c2")
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = f.Remove(ctx, "A", "c1")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err = f.Get(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFabric_PublishReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	f := newSingleNode(t)

	got := make(chan fabric.Event, 4)
	cancel := f.Subscribe(func(ev fabric.Event) { got <- ev })
	defer cancel()

	ev := fabric.NewEvent(fabric.EventSignal, "n1")
	ev.Targets = []fabric.Target{{ID: "A", ConnID: "c1"}}
	ev.From, ev.To, ev.Payload = "B", "A", json.RawMessage(`{"sdp":"x"}`)
	require.NoError(t, f.Publish(ctx, ev))

	select {
	case recv := <-got:
		require.Equal(t, ev.ID, recv.ID)
		require.Equal(t, `{"sdp":"x"}`, string(recv.Payload))
		require.Equal(t, ev.Targets, recv.Targets)
	case <-time.After(5 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestFabric_PurgeAnnouncesRemovedEntries(t *testing.T) {
	ctx := context.Background()
	f := newSingleNode(t)

	got := make(chan fabric.Event, 4)
	defer f.Subscribe(func(ev fabric.Event) { got <- ev })()

	_, _, err := f.Add(ctx, fabric.Entry{ID: "A", ConnID: "c1", Node: "n2"})
	require.NoError(t, err)
	_, _, err = f.Add(ctx, fabric.Entry{ID: "B", ConnID: "c2"})
	require.NoError(t, err)

	purged, err := f.Purge(ctx, "n2", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, purged, 1)
	require.Equal(t, "A", purged[0].ID)

	select {
	case ev := <-got:
		require.Equal(t, fabric.EventPeerDisconnected, ev.Kind)
		require.Equal(t, "A", ev.Peer)
	case <-time.After(5 * time.Second):
		t.Fatal("purge not announced")
	}

	list, err := f.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "B", list[0].ID)
}

func TestFabric_ClosedFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newSingleNode(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, _, err := f.Add(ctx, fabric.Entry{ID: "A", ConnID: "c1"})
	require.ErrorIs(t, err, fabric.ErrClosed)
	require.ErrorIs(t, f.Publish(ctx, fabric.NewEvent(fabric.EventSignal, "n1")), fabric.ErrClosed)
	require.ErrorIs(t, f.Healthy(), fabric.ErrClosed)
	_, err = f.List(ctx)
	require.ErrorIs(t, err, fabric.ErrClosed)
}

func TestHandler_AppliesAuthorizedCommands(t *testing.T) {
	f := newSingleNode(t)
	srv := httptest.NewServer(f.Handler())
	defer srv.Close()

	data, err := json.Marshal(command{
		Op:    opAdd,
		Entry: fabric.Entry{ID: "A", ConnID: "c1", Node: "n2", Since: time.Now().UTC()},
		At:    time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = postApply(context.Background(), srv.Client(), srv.URL, "wrong", data)
	require.ErrorIs(t, err, fabric.ErrUnavailable)
	_, ok, _ := f.Get(context.Background(), "A")
	require.False(t, ok)

	res, err := postApply(context.Background(), srv.Client(), strings.TrimPrefix(srv.URL, "http://"), testSecret, data)
	require.NoError(t, err)
	require.True(t, res.Added)
	require.Equal(t, "n2", res.Current.Node)

	got, ok, err := f.Get(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "c1", got.ConnID)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	f := newSingleNode(t)
	srv := httptest.NewServer(f.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	for _, body := range []string{`{`, `{"op":"explode","at":"2024-01-01T00:00:00Z"}`, `{"op":"add","at":"2024-01-01T00:00:00Z"}`, `{"op":"remove","id":"A"}`} {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(TokenHeader, testSecret)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

type noticeConn struct {
	ch chan mesh.Notice
}

func (c noticeConn) Deliver(n mesh.Notice) bool {
	select {
	case c.ch <- n:
		return true
	default:
		return false
	}
}

func nextNotice(t *testing.T, c noticeConn) mesh.Notice {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notice delivered")
		return mesh.Notice{}
	}
}

func TestFabric_DrivesHub(t *testing.T) {
	ctx := context.Background()
	f := newSingleNode(t)
	h := mesh.New(mesh.Config{Fabric: f, Logger: discardLogger()})
	defer h.Close(ctx)

	a := noticeConn{ch: make(chan mesh.Notice, 8)}
	idA, err := h.Attach(a)
	require.NoError(t, err)
	peers, err := h.Join(ctx, idA, "A")
	require.NoError(t, err)
	require.Empty(t, peers)
	require.Equal(t, mesh.NoticePeers, nextNotice(t, a).Kind)

	b := noticeConn{ch: make(chan mesh.Notice, 8)}
	idB, err := h.Attach(b)
	require.NoError(t, err)
	peers, err = h.Join(ctx, idB, "B")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, peers)

	n := nextNotice(t, a)
	require.Equal(t, mesh.NoticePeerJoined, n.Kind)
	require.Equal(t, "B", n.PeerID)

	out, err := h.Signal(ctx, idB, relay.Signal{From: "B", To: "A", Payload: json.RawMessage(`{"candidate":"x"}`)})
	require.NoError(t, err)
	require.Equal(t, relay.DeliveredLocal, out)
	n = nextNotice(t, a)
	require.Equal(t, mesh.NoticeSignal, n.Kind)
	require.Equal(t, `{"candidate":"x"}`, string(n.Signal.Payload))

	h.Disconnect(ctx, idB)
	n = nextNotice(t, a)
	require.Equal(t, mesh.NoticePeerDisconnected, n.Kind)
	require.Equal(t, "B", n.PeerID)
}

type testNode struct {
	fab   *Fabric
	addr  raft.ServerAddress
	trans *raft.InmemTransport
}

func newNode(t *testing.T, id string, bootstrap bool) testNode {
	t.Helper()
	addr, trans := raft.NewInmemTransport("")
	f, err := open(Config{
		NodeID:    id,
		Bootstrap: bootstrap,
		Secret:    testSecret,
		Logger:    discardLogger(),
	}, trans)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return testNode{fab: f, addr: addr, trans: trans}
}

func TestFabric_TwoNodesDriveHubs(t *testing.T) {
	ctx := context.Background()

	n1 := newNode(t, "n1", true)
	n2 := newNode(t, "n2", false)
	n1.trans.Connect(n2.addr, n2.trans)
	n2.trans.Connect(n1.addr, n1.trans)
	require.Eventually(t, func() bool { return n1.fab.Healthy() == nil }, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, n1.fab.node.addVoter("n2", string(n2.addr), 5*time.Second))

	srv := httptest.NewServer(n1.fab.Handler())
	t.Cleanup(srv.Close)
	n2.fab.mu.Lock()
	n2.fab.peers["n1"] = nodeMeta{RaftAddr: string(n1.addr), HTTPAddr: strings.TrimPrefix(srv.URL, "http://")}
	n2.fab.mu.Unlock()
	require.Eventually(t, func() bool { return n2.fab.Leader() == "n1" && n2.fab.Healthy() == nil }, 10*time.Second, 20*time.Millisecond)

	h1 := mesh.New(mesh.Config{Fabric: n1.fab, Logger: discardLogger()})
	t.Cleanup(func() { h1.Close(context.Background()) })
	h2 := mesh.New(mesh.Config{Fabric: n2.fab, Logger: discardLogger()})
	t.Cleanup(func() { h2.Close(context.Background()) })

	a := noticeConn{ch: make(chan mesh.Notice, 16)}
	idA, err := h1.Attach(a)
	require.NoError(t, err)
	_, err = h1.Join(ctx, idA, "A")
	require.NoError(t, err)
	require.Equal(t, mesh.NoticePeers, nextNotice(t, a).Kind)

	require.Eventually(t, func() bool {
		_, ok, err := n2.fab.Get(ctx, "A")
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	// B joins through the follower; its writes are forwarded to n1.
	b := noticeConn{ch: make(chan mesh.Notice, 16)}
	idB, err := h2.Attach(b)
	require.NoError(t, err)
	peers, err := h2.Join(ctx, idB, "B")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, peers)
	n := nextNotice(t, b)
	require.Equal(t, mesh.NoticePeers, n.Kind)
	require.Equal(t, []string{"A"}, n.Peers)

	n = nextNotice(t, a)
	require.Equal(t, mesh.NoticePeerJoined, n.Kind)
	require.Equal(t, "B", n.PeerID)

	for i := 1; i <= 5; i++ {
		out, err := h2.Signal(ctx, idB, relay.Signal{From: "B", To: "A", Payload: json.RawMessage(strconv.Itoa(i))})
		require.NoError(t, err)
		require.Equal(t, relay.Forwarded, out)
	}
	for i := 1; i <= 5; i++ {
		n = nextNotice(t, a)
		require.Equal(t, mesh.NoticeSignal, n.Kind)
		require.Equal(t, "B", n.Signal.From)
		require.Equal(t, strconv.Itoa(i), string(n.Signal.Payload))
	}

	// B is held on n2, so a second claim on n1 is refused.
	dup := noticeConn{ch: make(chan mesh.Notice, 4)}
	idDup, err := h1.Attach(dup)
	require.NoError(t, err)
	_, err = h1.Join(ctx, idDup, "B")
	require.ErrorIs(t, err, registry.ErrDuplicateIdentity)
	require.Empty(t, dup.ch)

	h2.Disconnect(ctx, idB)
	n = nextNotice(t, a)
	require.Equal(t, mesh.NoticePeerDisconnected, n.Kind)
	require.Equal(t, "B", n.PeerID)

	require.Eventually(t, func() bool {
		_, ok1, err1 := n1.fab.Get(ctx, "B")
		_, ok2, err2 := n2.fab.Get(ctx, "B")
		return err1 == nil && err2 == nil && !ok1 && !ok2
	}, 5*time.Second, 10*time.Millisecond)

	// The identity is free again.
	_, err = h1.Join(ctx, idDup, "B")
	require.NoError(t, err)
}

func TestOpen_SkipsDispatchForStoredEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{NodeID: "n1", Bootstrap: true, Secret: testSecret, DataDir: dir, Logger: discardLogger()}

	_, trans := raft.NewInmemTransport("")
	f, err := open(cfg, trans)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.Healthy() == nil }, 10*time.Second, 20*time.Millisecond)
	require.Zero(t, f.fsm.replayed.Load())

	ev := fabric.NewEvent(fabric.EventSignal, "n1")
	require.NoError(t, f.Publish(context.Background(), ev))
	last := f.node.raft.LastIndex()
	require.NoError(t, f.Close())

	_, trans = raft.NewInmemTransport("")
	f, err = open(cfg, trans)
	require.NoError(t, err)
	defer f.Close()
	require.GreaterOrEqual(t, f.fsm.replayed.Load(), last)
}
