package sfu

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog/log"
)

// TokenIssuer signs SFU access tokens locally from the configured API key.
type TokenIssuer struct {
	url    string
	key    string
	secret string
	ttl    time.Duration
}

func NewTokenIssuer(cfg config.SFU) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &TokenIssuer{url: cfg.URL, key: cfg.APIKey, secret: cfg.APISecret, ttl: ttl}
}

func (t *TokenIssuer) Configured() bool {
	return t.url != "" && t.key != "" && t.secret != ""
}

// Credentials grants identity the right to join room.
func (t *TokenIssuer) Credentials(_ context.Context, room domain.RoomName, identity domain.UserID) (core.Credentials, error) {
	if !t.Configured() {
		return core.Credentials{}, core.ErrSFUNotConfigured
	}
	if err := room.Validate(); err != nil {
		return core.Credentials{}, err
	}
	if identity == "" {
		return core.Credentials{}, domain.ErrUserIDEmpty
	}

	at := auth.NewAccessToken(t.key, t.secret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     string(room),
	}
	at.SetVideoGrant(grant).
		SetIdentity(string(identity)).
		SetValidFor(t.ttl)

	token, err := at.ToJWT()
	if err != nil {
		return core.Credentials{}, fmt.Errorf("sign sfu token: %w", err)
	}
	log.Debug().Str("module", "sfu").Str("room", string(room)).Str("identity", string(identity)).Msg("issued token")
	return core.Credentials{Token: token, ServerURL: t.url}, nil
}
