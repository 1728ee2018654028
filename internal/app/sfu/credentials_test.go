package sfu

import (
	"context"
	"testing"

	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/livekit/protocol/auth"
	"github.com/stretchr/testify/require"
)

func TestCredentialsNotConfigured(t *testing.T) {
	_, err := NewTokenIssuer(config.SFU{URL: "wss://sfu.test"}).Credentials(context.Background(), "lobby", "alice")
	require.ErrorIs(t, err, core.ErrSFUNotConfigured)
}

func TestCredentialsSignsRoomToken(t *testing.T) {
	issuer := NewTokenIssuer(config.SFU{URL: "wss://sfu.test", APIKey: "key", APISecret: "a-secret-that-is-long-enough-for-hs256"})

	creds, err := issuer.Credentials(context.Background(), "lobby", "alice")
	require.NoError(t, err)
	require.Equal(t, "wss://sfu.test", creds.ServerURL)

	v, err := auth.ParseAPIToken(creds.Token)
	require.NoError(t, err)
	require.Equal(t, "key", v.APIKey())
	require.Equal(t, "alice", v.Identity())

	_, err = issuer.Credentials(context.Background(), "", "alice")
	require.ErrorIs(t, err, domain.ErrRoomNameEmpty)
	_, err = issuer.Credentials(context.Background(), "lobby", "")
	require.ErrorIs(t, err, domain.ErrUserIDEmpty)
}
