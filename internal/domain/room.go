package domain

import "errors"

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrNotInRoom       = errors.New("not joined to a voice room")
)

type RoomName string

func (n RoomName) Validate() error {
	if n == "" {
		return ErrRoomNameEmpty
	}
	if len(n) > MaxRoomNameLen {
		return ErrRoomNameTooLong
	}
	return nil
}

// Room is a group voice channel routed through the SFU.
type Room struct {
	Name      RoomName `json:"name"`
	ServerURL string   `json:"serverUrl,omitempty"`
	Token     string   `json:"-"`
}
