package domain

import (
	"encoding/base64"
	"errors"
	"strings"
)

const (
	MaxClips     = 10
	MaxClipBytes = 300 * 1024
	MaxClipName  = 64

	// ReceivedClipVolume is the playback gain of clips pushed by the other party.
	ReceivedClipVolume = 0.5
	// LocalClipVolume is the gain of a clip played back to the user who sent it.
	LocalClipVolume = 0.5
)

var (
	ErrTooManyClips  = errors.New("soundboard is full")
	ErrClipTooLarge  = errors.New("sound clip too large")
	ErrClipNotFound  = errors.New("sound clip not found")
	ErrClipEmpty     = errors.New("sound clip empty")
	ErrClipBadFormat = errors.New("sound clip is not valid base64 audio")
)

// Clip is a short audio effect. Src is the encoded payload, optionally as a data URL.
type Clip struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Src  string `json:"src"`
}

// DecodedSize returns the payload size in bytes, without the data URL prefix.
func (c Clip) DecodedSize() (int, error) {
	raw := c.Src
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return 0, ErrClipBadFormat
		}
		raw = raw[i+1:]
	}
	if raw == "" {
		return 0, ErrClipEmpty
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return 0, ErrClipBadFormat
	}
	return len(b), nil
}
