package domain

import (
	"errors"
	"time"
)

var ErrPresenceGone = errors.New("presence entry no longer exists")

// PresenceEntry represents user's membership of a voice room.
// No transport or lifecycle logic here.
type PresenceEntry struct {
	Room            RoomName  `json:"room" bson:"room"`
	UserID          UserID    `json:"userId" bson:"userId"`
	DisplayName     string    `json:"displayName" bson:"displayName"`
	PhotoURL        string    `json:"photoUrl,omitempty" bson:"photoUrl,omitempty"`
	JoinedAt        time.Time `json:"joinedAt" bson:"joinedAt"`
	LastSeen        time.Time `json:"lastSeen" bson:"lastSeen"`
	IsMuted         bool      `json:"isMuted" bson:"isMuted"`
	IsDeafened      bool      `json:"isDeafened" bson:"isDeafened"`
	IsVideoOn       bool      `json:"isVideoOn" bson:"isVideoOn"`
	IsScreenSharing bool      `json:"isScreenSharing" bson:"isScreenSharing"`
}

// NewPresenceEntry avoids raw literals in adapters and keeps construction obvious.
func NewPresenceEntry(room RoomName, user User, now time.Time) PresenceEntry {
	return PresenceEntry{
		Room:        room,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		PhotoURL:    user.PhotoURL,
		JoinedAt:    now,
		LastSeen:    now,
	}
}

// Fresh reports whether the entry heartbeat is within window of now.
// Entries that never sent a heartbeat are not fresh.
func (e PresenceEntry) Fresh(now time.Time, window time.Duration) bool {
	if e.LastSeen.IsZero() {
		return false
	}
	return now.Sub(e.LastSeen) <= window
}

// PresenceFlags is a partial update merged into an existing entry.
// Nil fields are left untouched.
type PresenceFlags struct {
	IsMuted         *bool `json:"isMuted,omitempty"`
	IsDeafened      *bool `json:"isDeafened,omitempty"`
	IsVideoOn       *bool `json:"isVideoOn,omitempty"`
	IsScreenSharing *bool `json:"isScreenSharing,omitempty"`
}

// Apply merges the set flags into e.
func (f PresenceFlags) Apply(e *PresenceEntry) {
	if f.IsMuted != nil {
		e.IsMuted = *f.IsMuted
	}
	if f.IsDeafened != nil {
		e.IsDeafened = *f.IsDeafened
	}
	if f.IsVideoOn != nil {
		e.IsVideoOn = *f.IsVideoOn
	}
	if f.IsScreenSharing != nil {
		e.IsScreenSharing = *f.IsScreenSharing
	}
}
