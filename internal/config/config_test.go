package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("CALLS_IDENTITY_USER_ID", "alice")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "alice", cfg.Identity.UserID)
	require.Equal(t, "alice", cfg.Identity.PeerID, "peer id falls back to the user id")
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 3*time.Second, cfg.Call.GracePeriod)
	require.Equal(t, "reject", cfg.Call.BusyPolicy)
	require.Equal(t, 10*time.Second, cfg.Call.RenegotiateTimeout)
	require.Equal(t, 10*time.Second, cfg.Voice.Heartbeat)
	require.Equal(t, 30*time.Second, cfg.Voice.StaleWindow)
	require.Equal(t, 100*time.Millisecond, cfg.VAD.Interval)
	require.InDelta(t, 0.05, cfg.VAD.Threshold, 1e-9)
	require.Equal(t, 10, cfg.Soundboard.MaxClips)
	require.Equal(t, 300, cfg.Soundboard.MaxClipKB)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.RTC.ICEServers)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	t.Run("user id required", func(t *testing.T) {
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("busy policy", func(t *testing.T) {
		t.Setenv("CALLS_IDENTITY_USER_ID", "alice")
		t.Setenv("CALLS_CALL_BUSY_POLICY", "queue")
		_, err := Load()
		require.ErrorContains(t, err, "busy policy")
	})

	t.Run("mongo needs uri", func(t *testing.T) {
		t.Setenv("CALLS_IDENTITY_USER_ID", "alice")
		t.Setenv("CALLS_STORE_DRIVER", "mongo")
		_, err := Load()
		require.ErrorContains(t, err, "mongo_uri")
	})
}
