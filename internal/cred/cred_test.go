package cred

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

// Scenario 5: issue a launch credential for step (42,0) expiring at T+60.
// At T+10 verify: ok. At T+20 verify the same token again: CRED_REPLAYED.
// At T+70 verify: CRED_EXPIRED.
func TestLaunchCredentialReplayTimeline(t *testing.T) {
	backend := NewHMACBackend([]byte("test-signing-key"))
	defer backend.Stop()
	mgr := NewManager(backend)

	t0 := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	cred, err := mgr.Issue(model.CredLaunch, 1000, 1000,
		map[string]string{"job": "42", "step": "0"}, 60*time.Second, t0)
	require.NoError(t, err)

	require.NoError(t, mgr.Verify(cred, t0.Add(10*time.Second)))

	err = mgr.Verify(cred, t0.Add(20*time.Second))
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeCredReplayed))

	err = mgr.Verify(cred, t0.Add(70*time.Second))
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeCredExpired))
}

func TestNetCredentialReplayPermitted(t *testing.T) {
	backend := NewHMACBackend([]byte("test-signing-key"))
	defer backend.Stop()
	mgr := NewManager(backend)

	t0 := time.Now()
	cred, err := mgr.Issue(model.CredNet, 1000, 1000, map[string]string{"table": "node-addrs"}, time.Minute, t0)
	require.NoError(t, err)

	require.NoError(t, mgr.Verify(cred, t0.Add(time.Second)))
	require.NoError(t, mgr.Verify(cred, t0.Add(2*time.Second)), "net tokens may be re-verified")
}

func TestHMACBackendRejectsTamperedSignature(t *testing.T) {
	backend := NewHMACBackend([]byte("key-a"))
	defer backend.Stop()
	mgr := NewManager(backend)

	t0 := time.Now()
	cred, err := mgr.Issue(model.CredSbcast, 0, 0, map[string]string{"path": "/tmp/x"}, time.Minute, t0)
	require.NoError(t, err)

	cred.Signature[0] ^= 0xFF
	err = mgr.Verify(cred, t0.Add(time.Second))
	assert.True(t, ctlerrors.Is(err, ctlerrors.CodeCredInvalid))
}

func TestJWTBackendSignAndVerify(t *testing.T) {
	backend := NewJWTBackend([]byte("jwt-signing-key"))
	mgr := NewManager(backend)

	t0 := time.Now()
	cred, err := mgr.Issue(model.CredLaunch, 42, 42, map[string]string{"identity": "alice"}, time.Minute, t0)
	require.NoError(t, err)
	require.NoError(t, mgr.Verify(cred, t0.Add(time.Second)))
}

func TestNoneBackendRejectedInProduction(t *testing.T) {
	_, err := NewBackend("none", nil, false)
	assert.Error(t, err)

	b, err := NewBackend("none", nil, true)
	require.NoError(t, err)
	cred := &model.Credential{Context: model.CredLaunch, Expiration: time.Now().Add(time.Hour)}
	require.NoError(t, b.Sign(cred))
	assert.NoError(t, b.Verify(cred))
}

func TestReplayCacheSweepDropsExpiredEntries(t *testing.T) {
	rc := NewReplayCache()
	now := time.Now()
	rc.CheckAndRecord(model.CredSbcast, "tok-1", now.Add(-time.Minute))
	rc.CheckAndRecord(model.CredSbcast, "tok-2", now.Add(time.Hour))

	n := rc.Sweep(now)
	assert.Equal(t, 1, n)
	assert.False(t, rc.CheckAndRecord(model.CredSbcast, "tok-1", now.Add(time.Hour)), "swept entry should be treated as unseen")
}
