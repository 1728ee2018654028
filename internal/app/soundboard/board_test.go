package soundboard

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/core/coretest"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/stretchr/testify/require"
)

type played struct {
	clip   domain.Clip
	volume float64
}

type player struct {
	mu    sync.Mutex
	plays []played
}

func (p *player) PlayClip(clip domain.Clip, volume float64) {
	p.mu.Lock()
	p.plays = append(p.plays, played{clip, volume})
	p.mu.Unlock()
}

func (p *player) all() []played {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]played(nil), p.plays...)
}

func audio(n int) string {
	return "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(make([]byte, n))
}

func TestAddEnforcesLimits(t *testing.T) {
	b := NewBoard(&player{}, 0, 0)
	for i := 0; i < domain.MaxClips; i++ {
		_, err := b.Add("beep", audio(10))
		require.NoError(t, err)
	}
	_, err := b.Add("one too many", audio(10))
	require.ErrorIs(t, err, domain.ErrTooManyClips)
	require.Len(t, b.List(), domain.MaxClips)

	b = NewBoard(&player{}, 0, 0)
	_, err = b.Add("huge", audio(domain.MaxClipBytes+1))
	require.ErrorIs(t, err, domain.ErrClipTooLarge)
	_, err = b.Add("max", audio(domain.MaxClipBytes))
	require.NoError(t, err)
	_, err = b.Add("bad", "not base64!")
	require.ErrorIs(t, err, domain.ErrClipBadFormat)
	require.Len(t, b.List(), 1)
}

func TestRemove(t *testing.T) {
	b := NewBoard(&player{}, 2, 0)
	clip, err := b.Add("  ", audio(4))
	require.NoError(t, err)
	require.Equal(t, "clip", clip.Name)

	require.NoError(t, b.Remove(clip.ID))
	require.ErrorIs(t, b.Remove(clip.ID), domain.ErrClipNotFound)
	require.Empty(t, b.List())
}

func TestPlaySendsToAttachedPeers(t *testing.T) {
	localPlayer, remotePlayer := &player{}, &player{}
	local := NewBoard(localPlayer, 0, 0)
	remote := NewBoard(remotePlayer, 0, 0)

	a, b := coretest.NewChannelPair(core.SoundboardChannel)
	local.Attach("bob", a)
	remote.Attach("alice", b)

	clip, err := local.Add("airhorn", audio(32))
	require.NoError(t, err)
	sent, err := local.Play(clip.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	mine := localPlayer.all()
	require.Len(t, mine, 1)
	require.Equal(t, domain.LocalClipVolume, mine[0].volume)
	got := remotePlayer.all()
	require.Len(t, got, 1)
	require.Equal(t, "airhorn", got[0].clip.Name)
	require.Equal(t, clip.Src, got[0].clip.Src)
	require.Equal(t, domain.ReceivedClipVolume, got[0].volume)
	require.Empty(t, remote.List(), "received clips are not stored")

	_, err = local.Play("missing")
	require.ErrorIs(t, err, domain.ErrClipNotFound)
}

func TestDetachKeepsReplacement(t *testing.T) {
	b := NewBoard(&player{}, 0, 0)
	old, _ := coretest.NewChannelPair(core.SoundboardChannel)
	fresh, _ := coretest.NewChannelPair(core.SoundboardChannel)

	b.Attach("bob", old)
	b.Attach("bob", fresh)
	b.Detach("bob", old)
	clip, err := b.Add("ding", audio(8))
	require.NoError(t, err)
	sent, err := b.Play(clip.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	b.Detach("bob", fresh)
	sent, err = b.Play(clip.ID)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestReceiveIgnoresUnknownAndOversized(t *testing.T) {
	p := &player{}
	b := NewBoard(p, 0, 64)

	b.receive("bob", []byte(`{"type":"CHAT","payload":{"text":"hi"}}`))
	b.receive("bob", []byte(`not json`))
	b.receive("bob", []byte(`{"type":"SOUND_EFFECT","payload":{"name":"empty"}}`))

	big, err := json.Marshal(message{Type: typeSoundEffect, Payload: json.RawMessage(`{"src":"` + audio(65) + `","name":"big"}`)})
	require.NoError(t, err)
	b.receive("bob", big)
	require.Empty(t, p.all())

	legacy := `{"type":"SOUND_EFFECT","payload":{"data":"` + audio(16) + `","name":"old"}}`
	b.receive("bob", []byte(legacy))
	got := p.all()
	require.Len(t, got, 1)
	require.Equal(t, "old", got[0].clip.Name)
	require.True(t, strings.HasPrefix(got[0].clip.Src, "data:audio/mpeg"))
}
