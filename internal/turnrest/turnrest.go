// Package turnrest issues short-lived TURN credentials in the coturn REST
// format:
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Issuer mints credentials. It is safe for concurrent use.
type Issuer struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	newID  func() string
}

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be at least one second")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    ttl,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

// Issue returns credentials for id, or for a fresh random id when id is
// empty.
func (i *Issuer) Issue(id string) (Credentials, error) {
	if id == "" {
		id = i.newID()
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must not contain ':'")
	}
	expiry := i.now().UTC().Unix() + i.ttl
	username := strconv.FormatInt(expiry, 10) + ":" + i.prefix + ":" + id
	return Credentials{
		Username:   username,
		Credential: Sign(i.secret, username),
		ExpiresAt:  expiry,
	}, nil
}

// Sign computes the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Apply returns a copy of servers with c set on every server that has a
// turn: or turns: URL. STUN-only servers are left untouched.
func Apply(servers []webrtc.ICEServer, c Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		// keep [] rather than null in JSON
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for idx, s := range servers {
		out[idx] = s
		if hasTURNURL(s) {
			out[idx].Username = c.Username
			out[idx].Credential = c.Credential
		}
	}
	return out
}

func hasTURNURL(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
