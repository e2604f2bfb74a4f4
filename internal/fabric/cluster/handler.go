package cluster

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
)

const maxApplyBodyBytes = 1 << 20

// Handler serves ApplyPath. Only the leader accepts commands; a follower
// answers 503 so a stale forward never loops.
func (f *Fabric) Handler() http.Handler {
	return http.HandlerFunc(f.serveApply)
}

func (f *Fabric) serveApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeApplyError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(f.secret)) != 1 {
		writeApplyError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if f.closed.Load() || !f.node.isLeader() {
		writeApplyError(w, http.StatusServiceUnavailable, "not the leader")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxApplyBodyBytes))
	if err != nil {
		writeApplyError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeApplyError(w, http.StatusBadRequest, "invalid command")
		return
	}
	if err := cmd.validate(); err != nil {
		writeApplyError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		writeApplyError(w, http.StatusBadRequest, "invalid command")
		return
	}

	res, err := f.applyLocal(r.Context(), data)
	if err != nil {
		f.logger.Warn("forwarded apply failed", "op", cmd.Op, "err", err)
		writeApplyError(w, http.StatusServiceUnavailable, "apply failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (c command) validate() error {
	switch c.Op {
	case opAdd:
		if c.Entry.ID == "" || c.Entry.ConnID == "" || c.Entry.Node == "" {
			return errors.New("add requires entry id, conn_id and node")
		}
	case opRemove:
		if c.ID == "" {
			return errors.New("remove requires id")
		}
	case opPurge:
		if c.Node == "" {
			return errors.New("purge requires node")
		}
	case opPublish:
		if c.Event == nil || c.Event.Kind == "" {
			return errors.New("publish requires an event")
		}
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	if c.At.IsZero() {
		return errors.New("missing at")
	}
	return nil
}

func writeApplyError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// postApply sends an encoded command to the leader at addr. Every failure is
// reported as fabric.ErrUnavailable.
func postApply(ctx context.Context, client *http.Client, addr, secret string, data []byte) (applyResult, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	url := strings.TrimRight(base, "/") + ApplyPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return applyResult{}, fmt.Errorf("%w: %w", fabric.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, secret)

	resp, err := client.Do(req)
	if err != nil {
		return applyResult{}, fmt.Errorf("%w: forward to leader: %w", fabric.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return applyResult{}, fmt.Errorf("%w: leader answered %s", fabric.ErrUnavailable, resp.Status)
	}
	var res applyResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxApplyBodyBytes)).Decode(&res); err != nil {
		return applyResult{}, fmt.Errorf("%w: decode leader response: %w", fabric.ErrUnavailable, err)
	}
	return res, nil
}
