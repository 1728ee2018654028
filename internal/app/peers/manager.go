package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type EventType int

const (
	LinkUp EventType = iota
	LinkDown
	InboundOffer
	ShareEnded
	TransportLost
)

func (t EventType) String() string {
	switch t {
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case InboundOffer:
		return "inbound_offer"
	case ShareEnded:
		return "share_ended"
	case TransportLost:
		return "transport_lost"
	}
	return "unknown"
}

type Event struct {
	Type     EventType
	Peer     domain.PeerID
	RecordID string
	Offer    core.Offer
	Err      error
}

// LocalMedia is the view of the Device Manager the links need.
type LocalMedia interface {
	Outgoing() []webrtc.TrackLocal
	Microphone() core.LocalTrack
	StartScreen(ctx context.Context, c core.DisplayConstraints) (*core.LocalStream, error)
	SetMixed(t core.LocalTrack)
	EndScreen(ctx context.Context, withVideo bool) (camera, mic core.LocalTrack, err error)
}

// ChannelSink receives the soundboard channel of every link.
type ChannelSink interface {
	Attach(peer domain.PeerID, ch core.DataChannel)
	Detach(peer domain.PeerID, ch core.DataChannel)
}

// LevelSink receives the audio level of every remote audio track.
type LevelSink interface {
	Attach(peer domain.PeerID, src core.LevelSource)
	Detach(peer domain.PeerID, src core.LevelSource)
}

// Manager owns every Link. Callbacks arrive on pion goroutines; events are
// delivered to the sink outside of any lock.
type Manager struct {
	Self       domain.PeerID
	Factory    core.LinkFactory
	Rendezvous core.Rendezvous
	Media      LocalMedia

	Mixer    core.AudioMixer
	Caps     core.CapabilityChecker
	Channels ChannelSink
	Levels   LevelSink

	Clock         clock.Clock
	Grace         time.Duration
	ReconnectWait time.Duration

	mu      sync.Mutex
	links   map[domain.PeerID]*Link
	pending map[domain.PeerID]*replacement
	sink    func(Event)

	shareMu sync.Mutex
	share   *shareState
	sharing atomic.Bool
}

var errReplacing = errors.New("link replacement already in progress")

// replacement is a dial that will supersede the current link to a peer.
// While it runs the current link may close without being reported.
type replacement struct {
	cancel  context.CancelFunc
	yielded bool
}

func NewManager(self domain.PeerID, factory core.LinkFactory, rdv core.Rendezvous, media LocalMedia) *Manager {
	return &Manager{
		Self:          self,
		Factory:       factory,
		Rendezvous:    rdv,
		Media:         media,
		Clock:         clock.New(),
		Grace:         3 * time.Second,
		ReconnectWait: time.Second,
		links:         make(map[domain.PeerID]*Link),
		pending:       make(map[domain.PeerID]*replacement),
	}
}

// OnEvent sets the single consumer of link events.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fn := m.sink
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Dial opens a link to peer as the offering side. The soundboard channel is
// created before the offer so it is part of the first negotiation. An
// existing link to peer stays up until the new one is answered.
func (m *Manager) Dial(ctx context.Context, peer domain.PeerID, recordID string, tracks []webrtc.TrackLocal) error {
	if old := m.link(peer); old != nil {
		return m.replace(ctx, old, recordID, tracks)
	}
	link, err := m.open(ctx, ctx, peer, recordID, tracks, false)
	if err != nil {
		return err
	}
	return m.negotiate(ctx, link, len(tracks))
}

// negotiate runs the offer/answer exchange of a link opened by Dial. The
// link is dropped when it fails.
func (m *Manager) negotiate(ctx context.Context, link *Link, tracks int) error {
	ch, err := link.conn.OpenDataChannel(core.SoundboardChannel)
	if err != nil {
		m.drop(link)
		return fmt.Errorf("open data channel: %w", err)
	}
	m.bindChannel(link, ch)

	offer, err := link.conn.CreateOffer(ctx)
	if err != nil {
		m.drop(link)
		return fmt.Errorf("create offer: %w", err)
	}
	answer, err := m.Rendezvous.Offer(ctx, core.Offer{
		From:     m.Self,
		To:       link.Peer,
		RecordID: link.RecordID,
		SDP:      *offer,
	})
	if err != nil {
		m.drop(link)
		return fmt.Errorf("relay offer: %w", err)
	}
	if err := link.conn.ApplyAnswer(answer); err != nil {
		m.drop(link)
		return fmt.Errorf("apply answer: %w", err)
	}
	log.Info().Str("module", "peers").Str("peer", string(link.Peer)).Str("record", link.RecordID).Int("tracks", tracks).Msg("dialed")
	return nil
}

// replace dials a staged link next to old and swaps it in once answered.
// If the partner offers at the same time, the endpoint with the lower id
// answers and gives up its own dial.
func (m *Manager) replace(ctx context.Context, old *Link, recordID string, tracks []webrtc.TrackLocal) error {
	peer := old.Peer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &replacement{cancel: cancel}
	m.mu.Lock()
	if m.pending[peer] != nil {
		m.mu.Unlock()
		return errReplacing
	}
	m.pending[peer] = r
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.pending[peer] == r {
			delete(m.pending, peer)
		}
		m.mu.Unlock()
	}()

	link, err := m.open(old.life, ctx, peer, recordID, tracks, true)
	if err == nil {
		err = m.negotiate(ctx, link, len(tracks))
	}

	m.mu.Lock()
	yielded := r.yielded
	var cur *Link
	if err == nil && !yielded {
		cur = m.links[peer]
		m.links[peer] = link
		delete(m.pending, peer)
	}
	m.mu.Unlock()

	logger := log.With().Str("module", "peers").Str("peer", string(peer)).Str("record", recordID).Logger()
	if yielded {
		if link != nil {
			m.drop(link)
		}
		logger.Info().Msg("replacement yielded to partner offer")
		return nil
	}
	if err != nil {
		return err
	}

	if ch := link.promote(); ch != nil && m.Channels != nil {
		m.Channels.Attach(peer, ch)
	}
	if cur != nil {
		m.retire(cur)
	}
	logger.Info().Msg("link replaced")
	if s := link.State(); s == core.LinkFailed || s == core.LinkClosed {
		m.linkDown(link, fmt.Errorf("%w: %s", domain.ErrNoLink, s))
	}
	return nil
}

// Answer accepts an inbound offer. An existing link to the same peer is
// replaced without being reported down. An offer that collides with our own
// pending replacement is refused with ErrGlare by the endpoint with the
// higher id.
func (m *Manager) Answer(ctx context.Context, offer core.Offer, tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	if r := m.pending[offer.From]; r != nil {
		if m.Self > offer.From {
			m.mu.Unlock()
			log.Info().Str("module", "peers").Str("peer", string(offer.From)).Msg("offer collision, keeping own")
			return domain.ErrGlare
		}
		r.yielded = true
		r.cancel()
	}
	m.mu.Unlock()

	link, err := m.open(ctx, ctx, offer.From, offer.RecordID, tracks, false)
	if err != nil {
		return err
	}
	answer, err := link.conn.ApplyOfferAndCreateAnswer(ctx, offer.SDP)
	if err != nil {
		m.drop(link)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.Rendezvous.Answer(ctx, offer.ID, *answer); err != nil {
		m.drop(link)
		return fmt.Errorf("relay answer: %w", err)
	}
	log.Info().Str("module", "peers").Str("peer", string(offer.From)).Str("record", offer.RecordID).Msg("answered")
	return nil
}

// open creates and starts a link carrying tracks. A link that is not staged
// is installed right away so none of its events are lost.
func (m *Manager) open(life, ctx context.Context, peer domain.PeerID, recordID string, tracks []webrtc.TrackLocal, staged bool) (*Link, error) {
	conn, err := m.Factory(peer)
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	link, linkCtx := newLink(life, peer, recordID, conn, staged)

	conn.OnStateChange(func(s core.LinkState) { m.onState(link, s) })
	conn.OnDataChannel(func(ch core.DataChannel) {
		if ch.Label() == core.SoundboardChannel {
			m.bindChannel(link, ch)
		}
	})
	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.onRemoteTrack(ctx, link, track, receiver)
	})

	if !staged {
		if err := m.install(ctx, link); err != nil {
			link.cancel()
			conn.Close()
			return nil, err
		}
	}
	if err := conn.Start(linkCtx); err != nil {
		m.drop(link)
		return nil, fmt.Errorf("start connection: %w", err)
	}
	for _, t := range tracks {
		if err := conn.AddLocalTrack(t); err != nil {
			m.drop(link)
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return link, nil
}

func (m *Manager) install(ctx context.Context, link *Link) error {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.links[link.Peer]
	m.links[link.Peer] = link
	m.mu.Unlock()

	if old != nil {
		log.Info().Str("module", "peers").Str("peer", string(link.Peer)).Msg("replacing existing link")
		m.retire(old)
	}
	return nil
}

// drop removes link if it is still current and closes it, without an event.
func (m *Manager) drop(link *Link) {
	m.mu.Lock()
	if m.links[link.Peer] == link {
		delete(m.links, link.Peer)
	}
	m.mu.Unlock()
	m.retire(link)
}

// retire detaches and closes a link. Later events of it are ignored.
func (m *Manager) retire(link *Link) {
	ch, levels, ok := link.retire()
	if !ok {
		return
	}
	if ch != nil {
		if m.Channels != nil {
			m.Channels.Detach(link.Peer, ch)
		}
		_ = ch.Close()
	}
	if m.Levels != nil {
		for _, l := range levels {
			m.Levels.Detach(link.Peer, l)
		}
	}
	link.cancel()
	link.conn.Close()
}

func (m *Manager) onState(link *Link, s core.LinkState) {
	link.mu.Lock()
	if link.retired {
		link.mu.Unlock()
		return
	}
	prev := link.state
	link.state = s
	var up, down bool
	switch s {
	case core.LinkConnected:
		if link.grace != nil {
			link.grace.Stop()
			link.grace = nil
		}
		up = prev != core.LinkConnected
	case core.LinkDisconnected:
		if link.grace == nil {
			link.grace = m.Clock.AfterFunc(m.Grace, func() { m.graceExpired(link) })
		}
	case core.LinkFailed, core.LinkClosed:
		down = true
	}
	link.mu.Unlock()

	logger := log.With().Str("module", "peers").Str("peer", string(link.Peer)).Str("state", s.String()).Logger()
	switch {
	case up:
		logger.Info().Msg("link up")
		m.emit(Event{Type: LinkUp, Peer: link.Peer, RecordID: link.RecordID})
	case down:
		logger.Warn().Msg("link lost")
		m.linkDown(link, fmt.Errorf("%w: %s", domain.ErrNoLink, s))
	case s == core.LinkDisconnected:
		logger.Warn().Dur("grace", m.Grace).Msg("link degraded")
	}
}

func (m *Manager) graceExpired(link *Link) {
	link.mu.Lock()
	expired := !link.retired && link.state == core.LinkDisconnected
	link.grace = nil
	link.mu.Unlock()
	if expired {
		log.Warn().Str("module", "peers").Str("peer", string(link.Peer)).Msg("grace period expired")
		m.linkDown(link, fmt.Errorf("%w: disconnected", domain.ErrNoLink))
	}
}

// linkDown reports the current link to a peer as lost. While a replacement
// is being dialed the loss is left for the replacement to settle.
func (m *Manager) linkDown(link *Link, err error) {
	m.mu.Lock()
	current := m.links[link.Peer] == link
	if current {
		delete(m.links, link.Peer)
	}
	replacing := m.pending[link.Peer] != nil
	m.mu.Unlock()
	if !current {
		return
	}
	m.retire(link)
	if replacing {
		log.Info().Str("module", "peers").Str("peer", string(link.Peer)).Msg("superseded link closed")
		return
	}
	m.emit(Event{Type: LinkDown, Peer: link.Peer, RecordID: link.RecordID, Err: err})
}

func (m *Manager) bindChannel(link *Link, ch core.DataChannel) {
	link.mu.Lock()
	if link.retired {
		link.mu.Unlock()
		_ = ch.Close()
		return
	}
	old := link.channel
	link.channel = ch
	staged := link.staged
	link.mu.Unlock()

	if m.Channels == nil || staged {
		return
	}
	if old != nil && old != ch {
		m.Channels.Detach(link.Peer, old)
	}
	m.Channels.Attach(link.Peer, ch)
}

// Close ends the link to peer without reporting it.
func (m *Manager) Close(peer domain.PeerID) {
	m.mu.Lock()
	link := m.links[peer]
	delete(m.links, peer)
	m.mu.Unlock()
	if link != nil {
		m.retire(link)
	}
}

// CloseAll ends every link and forgets the screen share state.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.PeerID]*Link)
	m.mu.Unlock()

	m.shareMu.Lock()
	m.share = nil
	m.sharing.Store(false)
	m.shareMu.Unlock()

	var wg conc.WaitGroup
	for _, l := range links {
		wg.Go(func() { m.retire(l) })
	}
	wg.Wait()
	if len(links) > 0 {
		log.Info().Str("module", "peers").Int("links", len(links)).Msg("closed all links")
	}
}

func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	return out
}

func (m *Manager) current() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

func (m *Manager) link(peer domain.PeerID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peer]
}

// ReplaceTrack swaps the sender of kind on every link. Links that never
// carried kind are renegotiated with the full outgoing track set.
func (m *Manager) ReplaceTrack(ctx context.Context, kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	var errs []error
	for _, l := range m.current() {
		if track != nil && l.conn.SenderTrack(kind) == track {
			continue
		}
		err := l.conn.ReplaceTrack(kind, track)
		if errors.Is(err, core.ErrNoSender) {
			if track == nil {
				continue
			}
			err = m.Renegotiate(ctx, l.Peer, m.Media.Outgoing())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Peer, err))
		}
	}
	return errors.Join(errs...)
}

// Renegotiate replaces the link to peer with a new one carrying tracks. The
// old link keeps running until the new one is answered, so a failure leaves
// the call on its prior media. The peer is reported down only when no link
// is left.
func (m *Manager) Renegotiate(ctx context.Context, peer domain.PeerID, tracks []webrtc.TrackLocal) error {
	old := m.link(peer)
	if old == nil {
		return domain.ErrNoLink
	}
	log.Info().Str("module", "peers").Str("peer", string(peer)).Int("tracks", len(tracks)).Msg("renegotiating")
	if err := m.replace(ctx, old, old.RecordID, tracks); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrRenegotiate, err)
		if m.link(peer) == nil {
			m.emit(Event{Type: LinkDown, Peer: peer, RecordID: old.RecordID, Err: err})
		}
		return err
	}
	return nil
}
