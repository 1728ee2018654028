package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Presence keeps the local user's membership of one voice room alive.
type Presence struct {
	Store       core.PresenceStore
	Creds       core.CredentialProvider
	Gate        core.SpeakerGate
	Clock       clock.Clock
	Heartbeat   time.Duration
	StaleWindow time.Duration

	self domain.User
	ops  sync.Mutex

	mu       sync.Mutex
	room     domain.RoomName
	joined   domain.Room
	cancel   context.CancelFunc
	done     sync.WaitGroup
	roster   *roster
	flags    domain.PresenceEntry
	onRoster func(domain.RoomName, []domain.PresenceEntry)
}

func NewPresence(self domain.User, store core.PresenceStore, creds core.CredentialProvider) *Presence {
	return &Presence{
		Store:       store,
		Creds:       creds,
		Clock:       clock.New(),
		Heartbeat:   10 * time.Second,
		StaleWindow: 30 * time.Second,
		self:        self,
	}
}

// OnRoster sets the consumer of roster changes of the joined room.
func (p *Presence) OnRoster(fn func(domain.RoomName, []domain.PresenceEntry)) {
	p.mu.Lock()
	p.onRoster = fn
	p.mu.Unlock()
}

// Join enters room, leaving any other room first. Joining the current room
// again returns the existing membership.
func (p *Presence) Join(ctx context.Context, room domain.RoomName) (domain.Room, error) {
	if err := room.Validate(); err != nil {
		return domain.Room{}, err
	}
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	current, joined := p.room, p.joined
	p.mu.Unlock()
	if current == room {
		return joined, nil
	}
	if current != "" {
		if err := p.leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "voice").Str("room", string(current)).Msg("leave before join failed")
		}
	}

	entry := p.entry(room, p.Clock.Now())
	var creds core.Credentials
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Store.UpsertPresence(gctx, entry); err != nil {
			return fmt.Errorf("upsert presence: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if p.Creds == nil {
			return nil
		}
		c, err := p.Creds.Credentials(gctx, room, p.self.ID)
		if errors.Is(err, core.ErrSFUNotConfigured) {
			log.Warn().Str("module", "voice").Str("room", string(room)).Msg("joining without sfu media")
			return nil
		}
		if err != nil {
			return fmt.Errorf("sfu credentials: %w", err)
		}
		creds = c
		return nil
	})
	if err := g.Wait(); err != nil {
		if derr := p.Store.DeletePresence(context.WithoutCancel(ctx), room, p.self.ID); derr != nil {
			log.Warn().Err(derr).Str("module", "voice").Msg("presence rollback failed")
		}
		return domain.Room{}, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	updates, err := p.Store.WatchRoster(sessCtx, room)
	if err != nil {
		cancel()
		if derr := p.Store.DeletePresence(context.WithoutCancel(ctx), room, p.self.ID); derr != nil {
			log.Warn().Err(derr).Str("module", "voice").Msg("presence rollback failed")
		}
		return domain.Room{}, fmt.Errorf("watch roster: %w", err)
	}
	ticker := p.Clock.Ticker(p.Heartbeat)

	r := newRoster(room)
	res := domain.Room{Name: room, ServerURL: creds.ServerURL, Token: creds.Token}

	p.mu.Lock()
	p.room = room
	p.joined = res
	p.cancel = cancel
	p.roster = r
	p.mu.Unlock()

	if p.Gate != nil && creds.Token != "" {
		p.Gate.SetExternalSource(true)
	}

	logger := log.With().Str("module", "voice").Str("room", string(room)).Logger()
	p.done.Add(2)
	go p.heartbeat(sessCtx, ticker, room, logger)
	go p.follow(updates, r, room)

	logger.Info().Str("user", string(p.self.ID)).Msg("joined voice room")
	return res, nil
}

// entry builds the self record carrying the current toggles.
func (p *Presence) entry(room domain.RoomName, now time.Time) domain.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := domain.NewPresenceEntry(room, p.self, now)
	e.IsMuted = p.flags.IsMuted
	e.IsDeafened = p.flags.IsDeafened
	e.IsVideoOn = p.flags.IsVideoOn
	e.IsScreenSharing = p.flags.IsScreenSharing
	return e
}

func (p *Presence) heartbeat(ctx context.Context, ticker *clock.Ticker, room domain.RoomName, logger zerolog.Logger) {
	defer p.done.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.Clock.Now()
			err := p.Store.TouchPresence(ctx, room, p.self.ID, now)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrPresenceGone):
				logger.Info().Msg("presence entry gone, rejoining")
				if err := p.Store.UpsertPresence(ctx, p.entry(room, now)); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("rejoin failed")
				}
			case ctx.Err() == nil:
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Presence) follow(updates <-chan []domain.PresenceEntry, r *roster, room domain.RoomName) {
	defer p.done.Done()
	for entries := range updates {
		r.replace(entries)
		p.mu.Lock()
		fn, current := p.onRoster, p.roster == r
		p.mu.Unlock()
		if fn != nil && current {
			fn(room, p.fresh(r))
		}
	}
}

func (p *Presence) fresh(r *roster) []domain.PresenceEntry {
	return r.fresh(p.Clock.Now(), p.StaleWindow)
}

// Leave stops the heartbeat and deletes the self entry. Leaving while not
// joined is a no-op.
func (p *Presence) Leave(ctx context.Context) error {
	p.ops.Lock()
	defer p.ops.Unlock()
	return p.leave(ctx)
}

func (p *Presence) leave(ctx context.Context) error {
	p.mu.Lock()
	room, cancel, external := p.room, p.cancel, p.joined.Token != ""
	p.room = ""
	p.joined = domain.Room{}
	p.cancel = nil
	p.roster = nil
	p.mu.Unlock()
	if room == "" {
		return nil
	}

	cancel()
	p.done.Wait()
	if p.Gate != nil && external {
		p.Gate.SetExternalSource(false)
	}
	if err := p.Store.DeletePresence(ctx, room, p.self.ID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	log.Info().Str("module", "voice").Str("room", string(room)).Msg("left voice room")
	return nil
}

// Room returns the joined room, or the zero Room.
func (p *Presence) Room() domain.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// Roster returns the fresh entries of the joined room sorted by join time.
func (p *Presence) Roster() ([]domain.PresenceEntry, error) {
	p.mu.Lock()
	r := p.roster
	p.mu.Unlock()
	if r == nil {
		return nil, domain.ErrNotInRoom
	}
	return p.fresh(r), nil
}

func (p *Presence) SetMuted(ctx context.Context, v bool) error {
	p.mu.Lock()
	p.flags.IsMuted = v
	p.mu.Unlock()
	return p.update(ctx, domain.PresenceFlags{IsMuted: &v})
}

func (p *Presence) SetDeafened(ctx context.Context, v bool) error {
	p.mu.Lock()
	p.flags.IsDeafened = v
	p.mu.Unlock()
	return p.update(ctx, domain.PresenceFlags{IsDeafened: &v})
}

func (p *Presence) SetVideo(ctx context.Context, v bool) error {
	p.mu.Lock()
	p.flags.IsVideoOn = v
	p.mu.Unlock()
	return p.update(ctx, domain.PresenceFlags{IsVideoOn: &v})
}

func (p *Presence) SetScreenSharing(ctx context.Context, v bool) error {
	p.mu.Lock()
	p.flags.IsScreenSharing = v
	p.mu.Unlock()
	return p.update(ctx, domain.PresenceFlags{IsScreenSharing: &v})
}

// update merges flags into the self entry. Toggles made outside a room are
// kept locally and published on the next join.
func (p *Presence) update(ctx context.Context, flags domain.PresenceFlags) error {
	p.mu.Lock()
	room := p.room
	p.mu.Unlock()
	if room == "" {
		return nil
	}
	if err := p.Store.UpdatePresence(ctx, room, p.self.ID, flags); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}
