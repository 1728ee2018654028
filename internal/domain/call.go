package domain

import (
	"errors"
	"time"
)

type CallStatus string

const (
	CallIdle      CallStatus = "idle"
	CallOutgoing  CallStatus = "outgoing"
	CallIncoming  CallStatus = "incoming"
	CallConnected CallStatus = "connected"
)

// MediaKind is the media type of a call. The wire values match the invite record.
type MediaKind string

const (
	MediaAudio MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

func (k MediaKind) HasVideo() bool { return k == MediaVideo }

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRejected InviteStatus = "rejected"
)

// InviteKind tags an invite once, when it is built.
type InviteKind string

const (
	InviteDirect InviteKind = "direct"
	InviteRoom   InviteKind = "room"
)

const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

var (
	ErrNotIdle        = errors.New("call already in progress")
	ErrNoCall         = errors.New("no active call")
	ErrNoInvite       = errors.New("invite not found")
	ErrInvalidMedia   = errors.New("invalid media kind")
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrAlreadyAnswer  = errors.New("call already being answered")
	ErrCallEnded      = errors.New("call ended")
	ErrMediaAcquire   = errors.New("media acquisition failed")
	ErrNoScreenShare  = errors.New("screen share not active")
	ErrScreenSharing  = errors.New("screen share already active")
	ErrNotPermitted   = errors.New("capability not granted")
	ErrRenegotiate    = errors.New("renegotiation failed")
	ErrGlare          = errors.New("offer collided with a pending renegotiation")
	ErrNoLink         = errors.New("no peer link")
	ErrRendezvousDown = errors.New("rendezvous registration lost")
)

// Invite is the signaling record relayed through the document store.
// Created by the caller, mutated by the callee, deleted by whoever ends the call.
type Invite struct {
	ID             string       `json:"id" bson:"_id"`
	Kind           InviteKind   `json:"kind" bson:"kind"`
	CalleeID       UserID       `json:"calleeId" bson:"calleeId"`
	CallerID       UserID       `json:"callerId" bson:"callerId"`
	CallerName     string       `json:"callerName" bson:"callerName"`
	CallerPhotoURL string       `json:"callerPhotoUrl,omitempty" bson:"callerPhotoUrl,omitempty"`
	PeerID         PeerID       `json:"peerId" bson:"peerId"`
	Type           MediaKind    `json:"type" bson:"type"`
	Room           RoomName     `json:"room,omitempty" bson:"room,omitempty"`
	Status         InviteStatus `json:"status" bson:"status"`
	Reason         string       `json:"reason,omitempty" bson:"reason,omitempty"`
	Timestamp      time.Time    `json:"timestamp" bson:"timestamp"`
}

// NewDirectInvite builds a pending one-to-one call invite from caller to callee.
func NewDirectInvite(caller User, callee UserID, media MediaKind, now time.Time) Invite {
	return Invite{
		Kind:           InviteDirect,
		CalleeID:       callee,
		CallerID:       caller.ID,
		CallerName:     caller.DisplayName,
		CallerPhotoURL: caller.PhotoURL,
		PeerID:         caller.PeerID,
		Type:           media,
		Status:         InvitePending,
		Timestamp:      now,
	}
}

// NewRoomInvite builds a pending invite to join a group voice room.
func NewRoomInvite(caller User, callee UserID, room RoomName, now time.Time) Invite {
	inv := NewDirectInvite(caller, callee, MediaAudio, now)
	inv.Kind = InviteRoom
	inv.Room = room
	return inv
}

// Caller returns the calling party as seen by the callee.
func (i Invite) Caller() User {
	return User{ID: i.CallerID, DisplayName: i.CallerName, PhotoURL: i.CallerPhotoURL, PeerID: i.PeerID}
}

// Expired reports whether a pending invite outlived its ring window.
func (i Invite) Expired(now time.Time, lifetime time.Duration) bool {
	return lifetime > 0 && now.Sub(i.Timestamp) > lifetime
}

// CallSession is the authoritative call aggregate. Snapshots are values; the
// state machine publishes a new one on every change.
type CallSession struct {
	Status        CallStatus `json:"status"`
	Local         User       `json:"local"`
	Remote        *User      `json:"remote,omitempty"`
	RecordID      string     `json:"recordId,omitempty"`
	Media         MediaKind  `json:"media,omitempty"`
	Muted         bool       `json:"muted"`
	CameraOff     bool       `json:"cameraOff"`
	ScreenSharing bool       `json:"screenSharing"`
	StartedAt     time.Time  `json:"startedAt,omitzero"`
}

// Idle returns the resting session for the local party.
func Idle(local User) CallSession {
	return CallSession{Status: CallIdle, Local: local}
}

func (s CallSession) IsIdle() bool { return s.Status == CallIdle }
