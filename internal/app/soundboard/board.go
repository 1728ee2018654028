package soundboard

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const typeSoundEffect = "SOUND_EFFECT"

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type effect struct {
	Src  string `json:"src"`
	Data string `json:"data,omitempty"`
	Name string `json:"name"`
}

// Board holds the local user's clips and exchanges them over the
// soundboard channel of every link.
type Board struct {
	player   core.ClipPlayer
	maxClips int
	maxBytes int

	mu       sync.RWMutex
	clips    []domain.Clip
	channels map[domain.PeerID]core.DataChannel
}

func NewBoard(player core.ClipPlayer, maxClips, maxBytes int) *Board {
	if maxClips <= 0 {
		maxClips = domain.MaxClips
	}
	if maxBytes <= 0 {
		maxBytes = domain.MaxClipBytes
	}
	return &Board{
		player:   player,
		maxClips: maxClips,
		maxBytes: maxBytes,
		channels: make(map[domain.PeerID]core.DataChannel),
	}
}

// Add stores a clip. The set is left unchanged on error.
func (b *Board) Add(name, src string) (domain.Clip, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "clip"
	}
	if len(name) > domain.MaxClipName {
		name = name[:domain.MaxClipName]
	}
	clip := domain.Clip{ID: uuid.NewString(), Name: name, Src: src}
	size, err := clip.DecodedSize()
	if err != nil {
		return domain.Clip{}, err
	}
	if size > b.maxBytes {
		return domain.Clip{}, domain.ErrClipTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clips) >= b.maxClips {
		return domain.Clip{}, domain.ErrTooManyClips
	}
	b.clips = append(b.clips, clip)
	log.Info().Str("module", "soundboard").Str("clip", clip.ID).Str("name", name).Int("bytes", size).Msg("clip added")
	return clip, nil
}

func (b *Board) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.clips, func(c domain.Clip) bool { return c.ID == id })
	if i < 0 {
		return domain.ErrClipNotFound
	}
	b.clips = slices.Delete(b.clips, i, i+1)
	return nil
}

func (b *Board) List() []domain.Clip {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.clips)
}

// Play plays the clip locally and sends it to every attached channel.
// Returns the number of peers it reached.
func (b *Board) Play(id string) (int, error) {
	b.mu.RLock()
	i := slices.IndexFunc(b.clips, func(c domain.Clip) bool { return c.ID == id })
	if i < 0 {
		b.mu.RUnlock()
		return 0, domain.ErrClipNotFound
	}
	clip := b.clips[i]
	channels := make(map[domain.PeerID]core.DataChannel, len(b.channels))
	for p, ch := range b.channels {
		channels[p] = ch
	}
	b.mu.RUnlock()

	if b.player != nil {
		b.player.PlayClip(clip, domain.LocalClipVolume)
	}

	payload, err := json.Marshal(effect{Src: clip.Src, Name: clip.Name})
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(message{Type: typeSoundEffect, Payload: payload})
	if err != nil {
		return 0, err
	}
	sent := 0
	for peer, ch := range channels {
		if err := ch.Send(data); err != nil {
			if !errors.Is(err, core.ErrChannelClosed) {
				log.Warn().Err(err).Str("module", "soundboard").Str("peer", string(peer)).Msg("send clip")
			}
			continue
		}
		sent++
	}
	log.Debug().Str("module", "soundboard").Str("clip", id).Int("peers", sent).Msg("clip played")
	return sent, nil
}

// Attach starts exchanging clips with peer over ch, replacing any previous
// channel of that peer.
func (b *Board) Attach(peer domain.PeerID, ch core.DataChannel) {
	b.mu.Lock()
	b.channels[peer] = ch
	b.mu.Unlock()
	ch.OnMessage(func(data []byte) { b.receive(peer, data) })
}

// Detach forgets ch if it is still the channel of peer.
func (b *Board) Detach(peer domain.PeerID, ch core.DataChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.channels[peer]; ok && cur == ch {
		delete(b.channels, peer)
	}
}

// receive plays a clip pushed by peer. Received clips are never stored.
func (b *Board) receive(peer domain.PeerID, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "soundboard").Str("peer", string(peer)).Msg("bad json")
		return
	}
	if msg.Type != typeSoundEffect {
		log.Debug().Str("module", "soundboard").Str("type", msg.Type).Msg("ignored message")
		return
	}
	var e effect
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		log.Warn().Err(err).Str("module", "soundboard").Str("peer", string(peer)).Msg("bad payload")
		return
	}
	if e.Src == "" {
		e.Src = e.Data
	}
	clip := domain.Clip{Name: e.Name, Src: e.Src}
	size, err := clip.DecodedSize()
	if err != nil || size > b.maxBytes {
		log.Warn().Err(err).Str("module", "soundboard").Str("peer", string(peer)).Int("bytes", size).Msg("dropped clip")
		return
	}
	if b.player != nil {
		b.player.PlayClip(clip, domain.ReceivedClipVolume)
	}
}
