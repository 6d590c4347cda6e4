// Package cred implements the credential subsystem: launch/sbcast/net
// token flavors sharing one Credential type, a keyed-MAC backend backed by
// an in-process signing daemon goroutine, a golang-jwt/jwt/v5 signed-claim
// backend, a test-only "none" backend, and a replay cache swept by the
// caller's expiry agent.
package cred

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/wire"
)

// Backend signs and verifies the wire representation of a Credential. It
// does not itself check expiration or replay — Manager owns that, so every
// backend is exercised identically regardless of flavor.
type Backend interface {
	Name() string
	Sign(cred *model.Credential) error
	Verify(cred *model.Credential) error
}

// frameCredential packs a Credential's signable fields into the system's
// binary frame, sorting payload keys so signing and verification agree on
// byte order regardless of map iteration order.
func frameCredential(cred *model.Credential) []byte {
	buf := wire.NewBuffer()
	buf.PackStr(string(cred.Context))
	buf.PackU32(uint32(cred.UID))
	buf.PackU32(uint32(cred.GID))
	buf.PackU64(uint64(cred.IssuedAt.Unix()))
	buf.PackU64(uint64(cred.Expiration.Unix()))
	buf.PackStr(cred.TokenID)

	keys := make([]string, 0, len(cred.Payload))
	for k := range cred.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.PackU32(uint32(len(keys)))
	for _, k := range keys {
		buf.PackStr(k)
		buf.PackStr(cred.Payload[k])
	}
	return buf.Bytes()
}

// signRequest is one job handed to the signing daemon goroutine.
type signRequest struct {
	frame []byte
	resp  chan []byte
}

// HMACBackend is the keyed-MAC backend: HMAC-SHA256 computed by a single
// trusted signing-daemon goroutine, with verification asking that same
// goroutine to recompute rather than computing inline.
type HMACBackend struct {
	key    []byte
	reqCh  chan signRequest
	stopCh chan struct{}
	once   sync.Once
}

// DeriveKey derives a signing key from the cluster name with a single
// SHA-256 hash: a cluster identity string in, a fixed-size key out, no
// separate key file to provision at install time.
func DeriveKey(clusterName string) []byte {
	sum := sha256.Sum256([]byte(clusterName))
	return sum[:]
}

func NewHMACBackend(key []byte) *HMACBackend {
	b := &HMACBackend{
		key:    key,
		reqCh:  make(chan signRequest),
		stopCh: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *HMACBackend) run() {
	for {
		select {
		case req := <-b.reqCh:
			mac := hmac.New(sha256.New, b.key)
			mac.Write(req.frame)
			req.resp <- mac.Sum(nil)
		case <-b.stopCh:
			return
		}
	}
}

// Stop shuts down the signing daemon goroutine. Safe to call more than once.
func (b *HMACBackend) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

func (b *HMACBackend) recompute(frame []byte) []byte {
	resp := make(chan []byte, 1)
	b.reqCh <- signRequest{frame: frame, resp: resp}
	return <-resp
}

func (b *HMACBackend) Name() string { return "munge" }

func (b *HMACBackend) Sign(cred *model.Credential) error {
	if cred.TokenID == "" {
		cred.TokenID = uuid.NewString()
	}
	cred.Signature = b.recompute(frameCredential(cred))
	return nil
}

func (b *HMACBackend) Verify(cred *model.Credential) error {
	want := b.recompute(frameCredential(cred))
	if !hmac.Equal(want, cred.Signature) {
		return ctlerrors.New(ctlerrors.CodeCredInvalid)
	}
	return nil
}

// jwtClaims is the signed-claim backend's claim set: context tag, uid, gid,
// and the payload-specific fields (identity descriptor, sbcast spec, ...),
// riding alongside the registered iat/exp/jti claims.
type jwtClaims struct {
	Context string            `json:"ctx"`
	UID     int               `json:"uid"`
	GID     int               `json:"gid"`
	Payload map[string]string `json:"payload,omitempty"`
	jwt.RegisteredClaims
}

// JWTBackend is the signed-claim backend.
type JWTBackend struct {
	key []byte
}

func NewJWTBackend(key []byte) *JWTBackend {
	return &JWTBackend{key: key}
}

func (b *JWTBackend) Name() string { return "jwt" }

func (b *JWTBackend) Sign(cred *model.Credential) error {
	if cred.TokenID == "" {
		cred.TokenID = uuid.NewString()
	}
	claims := jwtClaims{
		Context: string(cred.Context),
		UID:     cred.UID,
		GID:     cred.GID,
		Payload: cred.Payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.TokenID,
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.Expiration),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.key)
	if err != nil {
		return fmt.Errorf("cred: sign jwt: %w", err)
	}
	cred.Signature = []byte(signed)
	return nil
}

func (b *JWTBackend) Verify(cred *model.Credential) error {
	parsed, err := jwt.ParseWithClaims(string(cred.Signature), &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		return b.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return ctlerrors.Wrap(ctlerrors.CodeCredInvalid, err)
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || claims.Context != string(cred.Context) || claims.ID != cred.TokenID {
		return ctlerrors.New(ctlerrors.CodeCredInvalid)
	}
	return nil
}

// NoneBackend issues a sentinel signature and unconditionally verifies.
// Production deployments must construct backends through NewBackend, which
// refuses this one unless explicitly allowed.
type NoneBackend struct{}

func (NoneBackend) Name() string { return "none" }

func (NoneBackend) Sign(cred *model.Credential) error {
	if cred.TokenID == "" {
		cred.TokenID = uuid.NewString()
	}
	cred.Signature = []byte("none")
	return nil
}

func (NoneBackend) Verify(*model.Credential) error { return nil }

// NewBackend constructs a named backend, refusing "none" unless allowNone
// is set — the production-config guard the none backend's doc calls for.
func NewBackend(name string, key []byte, allowNone bool) (Backend, error) {
	switch name {
	case "munge", "":
		return NewHMACBackend(key), nil
	case "jwt":
		return NewJWTBackend(key), nil
	case "none":
		if !allowNone {
			return nil, fmt.Errorf("cred: the none backend is not permitted outside test configuration")
		}
		return NoneBackend{}, nil
	default:
		return nil, fmt.Errorf("cred: unknown backend %q", name)
	}
}

// replayKey identifies one token within its context; sbcast and launch
// tokens are single-use within their window, net tokens are not.
type replayKey struct {
	ctx model.CredentialContext
	id  string
}

// ReplayCache tracks tokens already verified, keyed by (context, token id),
// so a second presentation inside the expiration window is rejected for
// flavors where replay isn't legitimate.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[replayKey]time.Time // value: expiration, for sweep
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: map[replayKey]time.Time{}}
}

// CheckAndRecord reports whether (ctx, tokenID) was already seen, and
// records it for future calls if not.
func (c *ReplayCache) CheckAndRecord(ctx model.CredentialContext, tokenID string, expiration time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := replayKey{ctx: ctx, id: tokenID}
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = expiration
	return false
}

// Sweep drops entries whose expiration has passed, returning the count
// removed. Intended to be called periodically by the credential expiry
// sweeper agent.
func (c *ReplayCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
			n++
		}
	}
	return n
}

// Manager issues and verifies credentials against one backend, enforcing
// expiration and replay policy uniformly across flavors.
type Manager struct {
	backend Backend
	replay  *ReplayCache
}

func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, replay: NewReplayCache()}
}

// Issue builds, signs, and returns a new credential.
func (m *Manager) Issue(ctx model.CredentialContext, uid, gid int, payload map[string]string, ttl time.Duration, now time.Time) (*model.Credential, error) {
	cred := &model.Credential{
		Context:    ctx,
		UID:        uid,
		GID:        gid,
		IssuedAt:   now,
		Expiration: now.Add(ttl),
		Payload:    payload,
	}
	if err := m.backend.Sign(cred); err != nil {
		return nil, fmt.Errorf("cred: issue: %w", err)
	}
	return cred, nil
}

// allowsReplay reports whether ctx permits a token to be verified more than
// once inside its expiration window — true only for net alias tokens,
// since the same node-address table may legitimately be re-fetched.
func allowsReplay(ctx model.CredentialContext) bool {
	return ctx == model.CredNet
}

// Verify checks expiration, asks the backend to verify the signature, and
// enforces the replay policy for cred's flavor.
func (m *Manager) Verify(cred *model.Credential, now time.Time) error {
	if now.After(cred.Expiration) {
		return ctlerrors.New(ctlerrors.CodeCredExpired)
	}
	if err := m.backend.Verify(cred); err != nil {
		return err
	}
	if !allowsReplay(cred.Context) {
		if m.replay.CheckAndRecord(cred.Context, cred.TokenID, cred.Expiration) {
			return ctlerrors.New(ctlerrors.CodeCredReplayed)
		}
	}
	return nil
}

// SweepExpired drops replay-cache entries past their expiration.
func (m *Manager) SweepExpired(now time.Time) int {
	return m.replay.Sweep(now)
}
