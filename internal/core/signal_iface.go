package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPeerUnavailable = errors.New("peer endpoint not registered")
	ErrNoOffer         = errors.New("offer not found")
)

type InviteEventType int

const (
	InviteChanged InviteEventType = iota
	InviteDeleted
)

func (t InviteEventType) String() string {
	if t == InviteDeleted {
		return "deleted"
	}
	return "changed"
}

// InviteEvent is one observed change of a watched invite record.
// For InviteDeleted only Invite.ID is set.
type InviteEvent struct {
	Type   InviteEventType
	Invite domain.Invite
}

// InviteStore is the signaling contract consumed from the external document store.
// Watch channels are closed when ctx ends or the underlying stream fails.
type InviteStore interface {
	CreateInvite(ctx context.Context, inv domain.Invite) (string, error)
	// WatchInvite delivers the current state of the record first, then changes.
	WatchInvite(ctx context.Context, id string) (<-chan InviteEvent, error)
	// WatchIncoming delivers newly created pending invites addressed to self.
	WatchIncoming(ctx context.Context, self domain.UserID) (<-chan domain.Invite, error)
	AcceptInvite(ctx context.Context, id string) error
	RejectInvite(ctx context.Context, id string, reason string) error
	// DeleteInvite is idempotent.
	DeleteInvite(ctx context.Context, id string) error
}

// PresenceStore keeps voice room membership records.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, e domain.PresenceEntry) error
	// TouchPresence returns domain.ErrPresenceGone when the entry does not exist.
	TouchPresence(ctx context.Context, room domain.RoomName, uid domain.UserID, at time.Time) error
	UpdatePresence(ctx context.Context, room domain.RoomName, uid domain.UserID, flags domain.PresenceFlags) error
	DeletePresence(ctx context.Context, room domain.RoomName, uid domain.UserID) error
	// WatchRoster delivers the full entry set of room on every change.
	WatchRoster(ctx context.Context, room domain.RoomName) (<-chan []domain.PresenceEntry, error)
}

// Offer is an SDP offer relayed between registered peer endpoints.
type Offer struct {
	ID       string
	From     domain.PeerID
	To       domain.PeerID
	RecordID string
	SDP      webrtc.SessionDescription
}

// Rendezvous carries offers and answers between peer endpoints.
type Rendezvous interface {
	// Register receives offers addressed to self. The channel closes when the
	// registration is lost.
	Register(ctx context.Context, self domain.PeerID) (<-chan Offer, error)
	// Offer publishes o and waits for the answer.
	Offer(ctx context.Context, o Offer) (webrtc.SessionDescription, error)
	Answer(ctx context.Context, offerID string, sdp webrtc.SessionDescription) error
}

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts a UI messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
