package core

import (
	"context"
	"errors"

	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoSender       = errors.New("no sender for track kind")
	ErrChannelClosed  = errors.New("data channel not open")
	ErrConnectionDone = errors.New("connection closed")
)

// SoundboardChannel is the label of the side channel opened on every link.
const SoundboardChannel = "soundboard"

// AudioLevelURI identifies the RTP header extension carrying the sender's
// audio level in -dBov.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MediaConnection is one real-time connection to a call partner.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// CreateOffer sets and returns the local offer once candidates are gathered.
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddLocalTrack attaches a local track, creating a sender for its kind.
	AddLocalTrack(track webrtc.TrackLocal) error
	// ReplaceTrack swaps the sender track of kind in place. ErrNoSender when
	// the link never carried that kind.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	SenderTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal
	OpenDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(func(LinkState))
}

// LinkFactory creates an unstarted connection towards peer.
type LinkFactory func(peer domain.PeerID) (MediaConnection, error)

// LevelSource reports the current normalized audio energy, 0 to 1.
type LevelSource interface {
	Level() float64
}

// DataChannel is a reliable bidirectional side channel of a link.
type DataChannel interface {
	Label() string
	Send([]byte) error
	OnOpen(func())
	OnMessage(func([]byte))
	Close() error
}
