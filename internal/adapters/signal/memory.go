package signal

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type presenceKey struct {
	room domain.RoomName
	uid  domain.UserID
}

type pendingOffer struct {
	offer  core.Offer
	answer chan webrtc.SessionDescription
}

// MemoryStore is a process-local document store. It backs tests and
// single-node setups where both parties share one process.
type MemoryStore struct {
	mu sync.Mutex

	invites        map[string]domain.Invite
	inviteWatchers map[string][]*watcher[core.InviteEvent]
	incoming       map[domain.UserID][]*watcher[domain.Invite]

	presence       map[presenceKey]domain.PresenceEntry
	rosterWatchers map[domain.RoomName][]*watcher[[]domain.PresenceEntry]

	endpoints map[domain.PeerID]*watcher[core.Offer]
	offers    map[string]*pendingOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invites:        make(map[string]domain.Invite),
		inviteWatchers: make(map[string][]*watcher[core.InviteEvent]),
		incoming:       make(map[domain.UserID][]*watcher[domain.Invite]),
		presence:       make(map[presenceKey]domain.PresenceEntry),
		rosterWatchers: make(map[domain.RoomName][]*watcher[[]domain.PresenceEntry]),
		endpoints:      make(map[domain.PeerID]*watcher[core.Offer]),
		offers:         make(map[string]*pendingOffer),
	}
}

func (s *MemoryStore) CreateInvite(_ context.Context, inv domain.Invite) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[inv.ID] = inv
	s.incoming[inv.CalleeID] = prune(s.incoming[inv.CalleeID])
	if inv.Status == domain.InvitePending {
		for _, w := range s.incoming[inv.CalleeID] {
			w.push(inv)
		}
	}
	log.Debug().Str("module", "signal.memory").Str("invite", inv.ID).Str("callee", string(inv.CalleeID)).Msg("invite created")
	return inv.ID, nil
}

func (s *MemoryStore) WatchInvite(ctx context.Context, id string) (<-chan core.InviteEvent, error) {
	w := newWatcher[core.InviteEvent](ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[id]; ok {
		w.push(core.InviteEvent{Type: core.InviteChanged, Invite: inv})
	} else {
		w.push(core.InviteEvent{Type: core.InviteDeleted, Invite: domain.Invite{ID: id}})
	}
	s.inviteWatchers[id] = append(prune(s.inviteWatchers[id]), w)
	return w.out, nil
}

func (s *MemoryStore) WatchIncoming(ctx context.Context, self domain.UserID) (<-chan domain.Invite, error) {
	w := newWatcher[domain.Invite](ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming[self] = append(prune(s.incoming[self]), w)
	return w.out, nil
}

func (s *MemoryStore) AcceptInvite(_ context.Context, id string) error {
	return s.setStatus(id, domain.InviteAccepted, "")
}

func (s *MemoryStore) RejectInvite(_ context.Context, id string, reason string) error {
	return s.setStatus(id, domain.InviteRejected, reason)
}

func (s *MemoryStore) setStatus(id string, status domain.InviteStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return domain.ErrNoInvite
	}
	inv.Status = status
	inv.Reason = reason
	s.invites[id] = inv
	s.notifyInvite(core.InviteEvent{Type: core.InviteChanged, Invite: inv})
	return nil
}

func (s *MemoryStore) DeleteInvite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[id]; !ok {
		return nil
	}
	delete(s.invites, id)
	s.notifyInvite(core.InviteEvent{Type: core.InviteDeleted, Invite: domain.Invite{ID: id}})
	log.Debug().Str("module", "signal.memory").Str("invite", id).Msg("invite deleted")
	return nil
}

func (s *MemoryStore) notifyInvite(ev core.InviteEvent) {
	ws := prune(s.inviteWatchers[ev.Invite.ID])
	for _, w := range ws {
		w.push(ev)
	}
	if len(ws) == 0 {
		delete(s.inviteWatchers, ev.Invite.ID)
	} else {
		s.inviteWatchers[ev.Invite.ID] = ws
	}
}

// Invite returns a copy of a stored record.
func (s *MemoryStore) Invite(id string) (domain.Invite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	return inv, ok
}

// InviteCount returns the number of stored records.
func (s *MemoryStore) InviteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

func (s *MemoryStore) UpsertPresence(_ context.Context, e domain.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey{room: e.Room, uid: e.UserID}
	if old, ok := s.presence[key]; ok && !old.JoinedAt.IsZero() {
		e.JoinedAt = old.JoinedAt
	}
	s.presence[key] = e
	s.notifyRoster(e.Room)
	return nil
}

func (s *MemoryStore) TouchPresence(_ context.Context, room domain.RoomName, uid domain.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey{room: room, uid: uid}
	e, ok := s.presence[key]
	if !ok {
		return domain.ErrPresenceGone
	}
	e.LastSeen = at
	s.presence[key] = e
	s.notifyRoster(room)
	return nil
}

func (s *MemoryStore) UpdatePresence(_ context.Context, room domain.RoomName, uid domain.UserID, flags domain.PresenceFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey{room: room, uid: uid}
	e, ok := s.presence[key]
	if !ok {
		return domain.ErrPresenceGone
	}
	flags.Apply(&e)
	s.presence[key] = e
	s.notifyRoster(room)
	return nil
}

func (s *MemoryStore) DeletePresence(_ context.Context, room domain.RoomName, uid domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey{room: room, uid: uid}
	if _, ok := s.presence[key]; !ok {
		return nil
	}
	delete(s.presence, key)
	s.notifyRoster(room)
	return nil
}

func (s *MemoryStore) WatchRoster(ctx context.Context, room domain.RoomName) (<-chan []domain.PresenceEntry, error) {
	w := newWatcher[[]domain.PresenceEntry](ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	w.push(s.rosterLocked(room))
	s.rosterWatchers[room] = append(prune(s.rosterWatchers[room]), w)
	return w.out, nil
}

// Presence returns the stored entries of room, stale ones included.
func (s *MemoryStore) Presence(room domain.RoomName) []domain.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked(room)
}

func (s *MemoryStore) rosterLocked(room domain.RoomName) []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0)
	for k, e := range s.presence {
		if k.room == room {
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

func (s *MemoryStore) notifyRoster(room domain.RoomName) {
	ws := prune(s.rosterWatchers[room])
	s.rosterWatchers[room] = ws
	if len(ws) == 0 {
		return
	}
	entries := s.rosterLocked(room)
	for _, w := range ws {
		w.push(slices.Clone(entries))
	}
}

func (s *MemoryStore) Register(ctx context.Context, self domain.PeerID) (<-chan core.Offer, error) {
	w := newWatcher[core.Offer](ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.endpoints[self]; ok {
		old.cancel()
	}
	s.endpoints[self] = w
	log.Debug().Str("module", "signal.memory").Str("peer", string(self)).Msg("endpoint registered")
	return w.out, nil
}

// Registered reports whether peer has a live endpoint.
func (s *MemoryStore) Registered(peer domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.endpoints[peer]
	return ok && w.alive()
}

// DropRegistration simulates the transport losing the endpoint of peer.
func (s *MemoryStore) DropRegistration(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.endpoints[peer]; ok {
		w.cancel()
		delete(s.endpoints, peer)
	}
}

func (s *MemoryStore) Offer(ctx context.Context, o core.Offer) (webrtc.SessionDescription, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	p := &pendingOffer{offer: o, answer: make(chan webrtc.SessionDescription, 1)}

	s.mu.Lock()
	w, ok := s.endpoints[o.To]
	if !ok || !w.alive() {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, core.ErrPeerUnavailable
	}
	s.offers[o.ID] = p
	w.push(o)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.offers, o.ID)
		s.mu.Unlock()
	}()

	select {
	case ans := <-p.answer:
		return ans, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

func (s *MemoryStore) Answer(_ context.Context, offerID string, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	p, ok := s.offers[offerID]
	s.mu.Unlock()
	if !ok {
		return core.ErrNoOffer
	}
	select {
	case p.answer <- sdp:
		return nil
	default:
		return core.ErrNoOffer
	}
}
