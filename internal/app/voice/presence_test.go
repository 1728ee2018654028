package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/adapters/signal"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Credentials(_ context.Context, room domain.RoomName, id domain.UserID) (core.Credentials, error) {
	if f.err != nil {
		return core.Credentials{}, f.err
	}
	return core.Credentials{Token: "tok-" + string(room) + "-" + string(id), ServerURL: "wss://sfu.test"}, nil
}

type gate struct {
	mu     sync.Mutex
	states []bool
}

func (g *gate) SetExternalSource(active bool) {
	g.mu.Lock()
	g.states = append(g.states, active)
	g.mu.Unlock()
}

func (g *gate) history() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.states...)
}

func newPresence(t *testing.T) (*Presence, *signal.MemoryStore, *clock.Mock, *gate) {
	t.Helper()
	store := signal.NewMemoryStore()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	g := &gate{}
	p := NewPresence(domain.User{ID: "alice", DisplayName: "Alice"}, store, &fakeCreds{})
	p.Clock = clk
	p.Gate = g
	t.Cleanup(func() { _ = p.Leave(context.Background()) })
	return p, store, clk, g
}

func TestJoinPublishesEntryAndCredentials(t *testing.T) {
	p, store, _, g := newPresence(t)
	ctx := context.Background()

	room, err := p.Join(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, domain.RoomName("lobby"), room.Name)
	require.Equal(t, "tok-lobby-alice", room.Token)
	require.Equal(t, "wss://sfu.test", room.ServerURL)
	require.Equal(t, []bool{true}, g.history())

	entries := store.Presence("lobby")
	require.Len(t, entries, 1)
	require.Equal(t, "Alice", entries[0].DisplayName)

	require.Eventually(t, func() bool {
		r, err := p.Roster()
		return err == nil && len(r) == 1
	}, time.Second, 5*time.Millisecond)

	again, err := p.Join(ctx, "lobby")
	require.NoError(t, err)
	require.Equal(t, room, again)
	require.Len(t, store.Presence("lobby"), 1, "no duplicate entry")
}

func TestHeartbeatRefreshesAndRejoins(t *testing.T) {
	p, store, clk, _ := newPresence(t)
	ctx := context.Background()
	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)

	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		e := store.Presence("lobby")
		return len(e) == 1 && e[0].LastSeen.Equal(clk.Now())
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.DeletePresence(ctx, "lobby", "alice"))
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		return len(store.Presence("lobby")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRosterHidesStaleEntries(t *testing.T) {
	p, store, clk, _ := newPresence(t)
	ctx := context.Background()

	old := domain.NewPresenceEntry("lobby", domain.User{ID: "bob", DisplayName: "Bob"}, clk.Now().Add(-31*time.Second))
	require.NoError(t, store.UpsertPresence(ctx, old))
	never := domain.PresenceEntry{Room: "lobby", UserID: "carol", DisplayName: "Carol"}
	require.NoError(t, store.UpsertPresence(ctx, never))
	recent := domain.NewPresenceEntry("lobby", domain.User{ID: "dave", DisplayName: "Dave"}, clk.Now().Add(-20*time.Second))
	require.NoError(t, store.UpsertPresence(ctx, recent))

	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)

	var ids []domain.UserID
	require.Eventually(t, func() bool {
		r, _ := p.Roster()
		ids = ids[:0]
		for _, e := range r {
			ids = append(ids, e.UserID)
		}
		return len(ids) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.UserID{"dave", "alice"}, ids, "sorted by join time")
	require.Len(t, store.Presence("lobby"), 4, "stale entries are not deleted")
}

func TestLeaveIsIdempotent(t *testing.T) {
	p, store, _, g := newPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Leave(ctx))
	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)

	require.NoError(t, p.Leave(ctx))
	require.NoError(t, p.Leave(ctx))
	require.Empty(t, store.Presence("lobby"))
	require.Equal(t, []bool{true, false}, g.history())
	require.Zero(t, p.Room())

	_, err = p.Roster()
	require.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestJoinOtherRoomLeavesFirst(t *testing.T) {
	p, store, _, _ := newPresence(t)
	ctx := context.Background()

	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)
	_, err = p.Join(ctx, "games")
	require.NoError(t, err)

	require.Empty(t, store.Presence("lobby"))
	require.Len(t, store.Presence("games"), 1)
	require.Equal(t, domain.RoomName("games"), p.Room().Name)
}

func TestFlagsMergeAndCarryOver(t *testing.T) {
	p, store, _, _ := newPresence(t)
	ctx := context.Background()

	require.NoError(t, p.SetMuted(ctx, true), "toggles outside a room are kept")
	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)
	require.True(t, store.Presence("lobby")[0].IsMuted)

	require.NoError(t, p.SetDeafened(ctx, true))
	require.NoError(t, p.SetVideo(ctx, true))
	require.NoError(t, p.SetScreenSharing(ctx, true))
	e := store.Presence("lobby")[0]
	require.True(t, e.IsMuted)
	require.True(t, e.IsDeafened)
	require.True(t, e.IsVideoOn)
	require.True(t, e.IsScreenSharing)
}

func TestJoinFailureLeavesNoEntry(t *testing.T) {
	p, store, _, g := newPresence(t)
	p.Creds = &fakeCreds{err: errors.New("sfu down")}

	_, err := p.Join(context.Background(), "lobby")
	require.Error(t, err)
	require.Empty(t, store.Presence("lobby"))
	require.Empty(t, g.history())
	require.Zero(t, p.Room())
}

func TestJoinWithoutSFU(t *testing.T) {
	p, store, _, g := newPresence(t)
	p.Creds = &fakeCreds{err: core.ErrSFUNotConfigured}

	room, err := p.Join(context.Background(), "lobby")
	require.NoError(t, err)
	require.Empty(t, room.Token)
	require.Len(t, store.Presence("lobby"), 1)
	require.Empty(t, g.history(), "local detection stays active")
}

func TestRosterNotifications(t *testing.T) {
	p, store, clk, _ := newPresence(t)
	ctx := context.Background()
	got := make(chan []domain.PresenceEntry, 8)
	p.OnRoster(func(_ domain.RoomName, e []domain.PresenceEntry) { got <- e })

	_, err := p.Join(ctx, "lobby")
	require.NoError(t, err)
	require.NoError(t, store.UpsertPresence(ctx, domain.NewPresenceEntry("lobby", domain.User{ID: "bob", DisplayName: "Bob"}, clk.Now())))

	require.Eventually(t, func() bool {
		select {
		case e := <-got:
			return len(e) == 2
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
