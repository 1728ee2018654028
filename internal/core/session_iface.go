package core

import (
	"context"
	"errors"

	"github.com/dkeye/Calls/internal/domain"
)

var ErrSFUNotConfigured = errors.New("sfu credentials not configured")

type Capability string

const (
	CapScreenShare   Capability = "screen_share"
	CapScreenShareHD Capability = "screen_share_hd"
)

// CapabilityChecker gates features by user tier.
type CapabilityChecker interface {
	Has(user domain.User, c Capability) bool
}

type Credentials struct {
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
}

// CredentialProvider issues SFU access for a room participant.
type CredentialProvider interface {
	Credentials(ctx context.Context, room domain.RoomName, identity domain.UserID) (Credentials, error)
}

// ClipPlayer plays soundboard clips on the local output.
type ClipPlayer interface {
	PlayClip(clip domain.Clip, volume float64)
}

// SpeakerGate is told when an external speaking signal takes over.
type SpeakerGate interface {
	SetExternalSource(active bool)
}
