package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

type raftConfig struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	// DataDir holds the bolt log and snapshots. Empty keeps everything in
	// memory, which loses the table when every node restarts at once.
	DataDir   string
	Bootstrap bool
	Logger    *slog.Logger

	// transport overrides the TCP transport. Tests use raft's in-memory one.
	transport raft.Transport
}

type raftNode struct {
	raft      *raft.Raft
	transport raft.Transport
	logger    *slog.Logger

	logStore    raft.LogStore
	stableStore raft.StableStore

	leaderCh chan bool
}

func newRaftNode(cfg raftConfig, fsm *FSM) (*raftNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hcl := &raftHCLogger{logger: cfg.Logger.With("component", "raft")}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = hcl
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 500 * time.Millisecond
	conf.LeaderLeaseTimeout = 250 * time.Millisecond
	conf.CommitTimeout = 20 * time.Millisecond

	trans := cfg.transport
	if trans == nil {
		advertise := cfg.AdvertiseAddr
		if advertise == "" {
			advertise = cfg.BindAddr
		}
		addr, err := net.ResolveTCPAddr("tcp", advertise)
		if err != nil {
			return nil, fmt.Errorf("resolve raft advertise addr: %w", err)
		}
		tcp, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, hcl)
		if err != nil {
			return nil, fmt.Errorf("create raft transport: %w", err)
		}
		trans = tcp
	}

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
	)
	if cfg.DataDir == "" {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapStore = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			closeTransport(trans)
			return nil, fmt.Errorf("create raft data dir: %w", err)
		}
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
		if err != nil {
			closeTransport(trans)
			return nil, fmt.Errorf("open raft store: %w", err)
		}
		logStore, stableStore = bolt, bolt
		snapStore, err = raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 2, hcl)
		if err != nil {
			bolt.Close()
			closeTransport(trans)
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
	}

	// Entries already in the local log were dispatched by a previous run.
	last, err := logStore.LastIndex()
	if err != nil {
		closeStore(logStore)
		closeTransport(trans)
		return nil, fmt.Errorf("read raft log index: %w", err)
	}
	fsm.skipThrough(last)

	leaderCh := make(chan bool, 8)
	conf.NotifyCh = leaderCh

	r, err := raft.NewRaft(conf, fsm, logStore, stableStore, snapStore, trans)
	if err != nil {
		closeStore(logStore)
		closeTransport(trans)
		return nil, fmt.Errorf("create raft: %w", err)
	}

	n := &raftNode{
		raft:        r,
		transport:   trans,
		logger:      cfg.Logger,
		logStore:    logStore,
		stableStore: stableStore,
		leaderCh:    leaderCh,
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(logStore, stableStore, snapStore)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("inspect raft state: %w", err)
		}
		if !existing {
			boot := raft.Configuration{Servers: []raft.Server{{
				ID:      conf.LocalID,
				Address: trans.LocalAddr(),
			}}}
			if err := r.BootstrapCluster(boot).Error(); err != nil {
				n.close()
				return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
			}
			cfg.Logger.Info("raft cluster bootstrapped", "node_id", cfg.NodeID, "addr", trans.LocalAddr())
		}
	}

	return n, nil
}

// apply commits data and returns the FSM's response. Errors that mean "try
// again once a leader is settled" are reported as errNotLeader.
func (n *raftNode) apply(ctx context.Context, data []byte, timeout time.Duration) (any, error) {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrEnqueueTimeout) {
			return nil, fmt.Errorf("%w: %w", errNotLeader, err)
		}
		return nil, fmt.Errorf("raft apply: %w", err)
	}
	return f.Response(), nil
}

func (n *raftNode) isLeader() bool { return n.raft.State() == raft.Leader }

func (n *raftNode) leader() (raft.ServerAddress, raft.ServerID) { return n.raft.LeaderWithID() }

func (n *raftNode) servers() ([]raft.Server, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("get raft configuration: %w", err)
	}
	return f.Configuration().Servers, nil
}

func (n *raftNode) addVoter(id, addr string, timeout time.Duration) error {
	if err := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", id, err)
	}
	return nil
}

func (n *raftNode) removeServer(id string, timeout time.Duration) error {
	if err := n.raft.RemoveServer(raft.ServerID(id), 0, timeout).Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}
	return nil
}

func (n *raftNode) close() {
	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown failed", "err", err)
	}
	closeStore(n.logStore)
	closeTransport(n.transport)
}

func closeStore(s raft.LogStore) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

func closeTransport(t raft.Transport) {
	if c, ok := t.(raft.WithClose); ok {
		_ = c.Close()
	}
}

// raftHCLogger routes hashicorp logging into slog.
type raftHCLogger struct {
	logger *slog.Logger
	name   string
}

var _ hclog.Logger = (*raftHCLogger)(nil)

func (l *raftHCLogger) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.logger.Debug(msg, args...)
	case hclog.Warn:
		l.logger.Warn(msg, args...)
	case hclog.Error:
		l.logger.Error(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *raftHCLogger) Trace(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *raftHCLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *raftHCLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *raftHCLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *raftHCLogger) enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

func (l *raftHCLogger) IsTrace() bool { return false }
func (l *raftHCLogger) IsDebug() bool { return l.enabled(slog.LevelDebug) }
func (l *raftHCLogger) IsInfo() bool  { return l.enabled(slog.LevelInfo) }
func (l *raftHCLogger) IsWarn() bool  { return l.enabled(slog.LevelWarn) }
func (l *raftHCLogger) IsError() bool { return l.enabled(slog.LevelError) }

func (l *raftHCLogger) ImpliedArgs() []any { return nil }

func (l *raftHCLogger) With(args ...any) hclog.Logger {
	return &raftHCLogger{logger: l.logger.With(args...), name: l.name}
}

func (l *raftHCLogger) Name() string { return l.name }

func (l *raftHCLogger) Named(name string) hclog.Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &raftHCLogger{logger: l.logger, name: name}
}

func (l *raftHCLogger) ResetNamed(name string) hclog.Logger {
	return &raftHCLogger{logger: l.logger, name: name}
}

func (l *raftHCLogger) SetLevel(hclog.Level) {}

func (l *raftHCLogger) GetLevel() hclog.Level {
	switch {
	case l.IsDebug():
		return hclog.Debug
	case l.IsInfo():
		return hclog.Info
	case l.IsWarn():
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (l *raftHCLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}

func (l *raftHCLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &slogWriter{logger: l.logger}
}
