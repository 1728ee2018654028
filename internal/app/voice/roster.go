package voice

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

// roster caches the last known entries of one room. Staleness is decided at
// read time so entries fade out without a store change.
type roster struct {
	mu      sync.RWMutex
	room    domain.RoomName
	entries map[domain.UserID]domain.PresenceEntry
}

func newRoster(room domain.RoomName) *roster {
	return &roster{
		room:    room,
		entries: make(map[domain.UserID]domain.PresenceEntry),
	}
}

func (r *roster) replace(entries []domain.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[domain.UserID]domain.PresenceEntry, len(entries))
	for _, e := range entries {
		if e.Room != r.room {
			continue
		}
		r.entries[e.UserID] = e
	}
	log.Debug().Str("module", "voice.roster").Str("room", string(r.room)).Int("entries", len(r.entries)).Msg("roster updated")
}

// fresh returns entries seen within window, oldest member first.
func (r *roster) fresh(now time.Time, window time.Duration) []domain.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PresenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Fresh(now, window) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b domain.PresenceEntry) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}
