package app

import (
	"sync"

	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

type NoticeType string

const (
	NoticeState      NoticeType = "state"
	NoticeError      NoticeType = "error"
	NoticeEnded      NoticeType = "ended"
	NoticeSpeaking   NoticeType = "speaking"
	NoticeSound      NoticeType = "sound"
	NoticeRoster     NoticeType = "roster"
	NoticeRoomInvite NoticeType = "room_invite"
)

// Notice is one message for the UI event stream.
type Notice struct {
	Type     NoticeType             `json:"type"`
	Session  *domain.CallSession    `json:"session,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Speaking map[string]bool        `json:"speaking,omitempty"`
	Clip     *domain.Clip           `json:"clip,omitempty"`
	Volume   float64                `json:"volume,omitempty"`
	Room     domain.RoomName        `json:"room,omitempty"`
	Roster   []domain.PresenceEntry `json:"roster,omitempty"`
	Invite   *domain.Invite         `json:"invite,omitempty"`
}

// Hub fans notices out to subscribers. A slow subscriber misses notices
// instead of blocking the publisher, except state and ended notices: those
// evict the oldest queued notice so the last session state always arrives.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	mu sync.Mutex
	ch chan Notice
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe returns a notice channel and its cancel func.
func (h *Hub) Subscribe(buffer int) (<-chan Notice, func()) {
	sub := &subscriber{ch: make(chan Notice, max(buffer, 1))}
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Publish(n Notice) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, sub := range h.subs {
		if !sub.offer(n) {
			dropped++
		}
	}
	if dropped > 0 {
		log.Debug().Str("module", "app.hub").Str("type", string(n.Type)).Int("dropped", dropped).Msg("slow subscribers")
	}
}

// offer queues n without blocking. It reports false when a notice was lost.
func (s *subscriber) offer(n Notice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- n:
		return true
	default:
	}
	if n.Type != NoticeState && n.Type != NoticeEnded {
		return false
	}
	// Only this side sends, so one eviction always makes room.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- n
	return false
}

// PlayClip hands a clip to the UI for playback.
func (h *Hub) PlayClip(clip domain.Clip, volume float64) {
	h.Publish(Notice{Type: NoticeSound, Clip: &clip, Volume: volume})
}

func (h *Hub) Speaking(changed map[string]bool) {
	h.Publish(Notice{Type: NoticeSpeaking, Speaking: changed})
}

func (h *Hub) Roster(room domain.RoomName, entries []domain.PresenceEntry) {
	h.Publish(Notice{Type: NoticeRoster, Room: room, Roster: entries})
}
