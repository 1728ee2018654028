package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Calls/internal/app"
	"github.com/dkeye/Calls/internal/app/devices"
	"github.com/dkeye/Calls/internal/app/peers"
	"github.com/dkeye/Calls/internal/app/vad"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

type role int

const (
	asCaller role = iota
	asCallee
)

func (r role) String() string {
	if r == asCallee {
		return "callee"
	}
	return "caller"
}

// call is the live state behind a non-idle session. Owned by the loop.
type call struct {
	gen    uint64
	role   role
	status domain.CallStatus
	remote domain.User
	invite domain.Invite
	media  domain.MediaKind
	peer   domain.PeerID

	ctx    context.Context
	cancel context.CancelFunc
	ring   *clock.Timer

	accepted  bool
	linkUp    bool
	answering bool
	startedAt time.Time
	tapCancel context.CancelFunc
}

// Orchestrator is the call state machine. Every transition runs on the
// goroutine started by Run; other goroutines only post to it.
type Orchestrator struct {
	Self    domain.User
	Invites core.InviteStore
	Devices *devices.Manager
	Peers   *peers.Manager
	Hub     *app.Hub
	Policy  app.Policy

	VAD     *vad.Detector
	Tap     core.PCMTap
	FFTSize int

	Clock              clock.Clock
	RingTimeout        time.Duration
	CleanupTimeout     time.Duration
	RenegotiateTimeout time.Duration

	events  chan any
	done    chan struct{}
	session atomic.Pointer[domain.CallSession]
	call    *call
	gen     uint64
	cleanup sync.WaitGroup
}

func New(self domain.User, invites core.InviteStore, dev *devices.Manager, pm *peers.Manager, hub *app.Hub) *Orchestrator {
	o := &Orchestrator{
		Self:           self,
		Invites:        invites,
		Devices:        dev,
		Peers:          pm,
		Hub:            hub,
		Policy:         app.SimplePolicy{Action: app.RejectBusy},
		FFTSize:        256,
		Clock:              clock.New(),
		RingTimeout:        45 * time.Second,
		CleanupTimeout:     10 * time.Second,
		RenegotiateTimeout: 10 * time.Second,
		events:             make(chan any, 128),
		done:               make(chan struct{}),
	}
	idle := domain.Idle(self)
	o.session.Store(&idle)
	return o
}

// State returns the current session snapshot.
func (o *Orchestrator) State() domain.CallSession {
	return *o.session.Load()
}

// Subscribe streams notices to the UI.
func (o *Orchestrator) Subscribe(buffer int) (<-chan app.Notice, func()) {
	return o.Hub.Subscribe(buffer)
}

// Run consumes events until ctx ends. A live call is torn down on exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	logger := log.With().Str("module", "orch").Str("user", string(o.Self.ID)).Logger()

	incoming, err := o.Invites.WatchIncoming(ctx, o.Self.ID)
	if err != nil {
		return fmt.Errorf("watch incoming: %w", err)
	}
	o.Peers.OnEvent(func(ev peers.Event) { o.post(peerEvent{ev}) })

	go func() {
		for inv := range incoming {
			o.post(incomingInvite{inv: inv})
		}
		if ctx.Err() == nil {
			logger.Error().Msg("incoming invite watch lost")
			o.Hub.Publish(app.Notice{Type: app.NoticeError, Error: "incoming call watch lost"})
		}
	}()
	go func() {
		if err := o.Peers.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("rendezvous stopped")
		}
	}()

	logger.Info().Msg("orchestrator running")
	for {
		select {
		case <-ctx.Done():
			o.teardown(endCause{reason: "shutdown"})
			o.cleanup.Wait()
			logger.Info().Msg("orchestrator stopped")
			return ctx.Err()
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

// post queues ev for the loop. It reports false once Run has returned.
func (o *Orchestrator) post(ev any) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case o.events <- cmd:
	case <-o.done:
		return domain.ErrCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(ev any) {
	switch e := ev.(type) {
	case command:
		e.reply <- e.fn()
	case mediaAcquired:
		o.onMediaAcquired(e)
	case inviteCreated:
		o.onInviteCreated(e)
	case inviteChanged:
		o.onInviteChanged(e)
	case watchLost:
		if o.live(e.gen) {
			o.fail("signaling watch lost", domain.ErrCallEnded)
		}
	case incomingInvite:
		o.onIncoming(e.inv)
	case peerEvent:
		o.onPeerEvent(e.Event)
	case setupFailed:
		if o.live(e.gen) {
			log.Error().Err(e.err).Str("module", "orch").Str("step", e.step).Msg("call setup failed")
			o.fail(e.step+" failed", e.err)
		}
	case mediaChanged:
		o.onMediaChanged(e)
	case ringExpired:
		if o.live(e.gen) && o.call.status == domain.CallOutgoing {
			log.Info().Str("module", "orch").Str("record", o.call.invite.ID).Msg("no answer")
			o.teardown(endCause{reason: "no_answer"})
		}
	default:
		log.Warn().Str("module", "orch").Type("event", ev).Msg("unknown event")
	}
}

// live reports whether gen belongs to the current call.
func (o *Orchestrator) live(gen uint64) bool {
	return o.call != nil && o.call.gen == gen
}

// begin opens a new call generation. Caller checks the session is idle
// and publishes.
func (o *Orchestrator) begin(r role, remote domain.User, media domain.MediaKind, status domain.CallStatus) *call {
	o.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		gen:    o.gen,
		role:   r,
		status: status,
		remote: remote,
		media:  media,
		peer:   remote.PeerID,
		ctx:    ctx,
		cancel: cancel,
	}
	o.call = c
	log.Info().
		Str("module", "orch").
		Uint64("gen", c.gen).
		Str("role", r.String()).
		Str("remote", string(remote.ID)).
		Str("media", string(media)).
		Msg("call started")
	return c
}

// publish stores and broadcasts a fresh snapshot.
func (o *Orchestrator) publish() {
	s := domain.Idle(o.Self)
	if c := o.call; c != nil {
		remote := c.remote
		s.Status = c.status
		s.Remote = &remote
		s.RecordID = c.invite.ID
		s.Media = c.media
		s.StartedAt = c.startedAt
		s.Muted = o.Devices.Muted()
		s.CameraOff = o.Devices.CameraOff()
		s.ScreenSharing = o.Peers.Sharing()
	}
	o.session.Store(&s)
	o.Hub.Publish(app.Notice{Type: app.NoticeState, Session: &s})
}

type endCause struct {
	reason string
	err    error
	// recordGone skips the signaling cleanup.
	recordGone bool
	// rejectReason is written when the callee ends a pending invite.
	rejectReason string
}

func (o *Orchestrator) fail(reason string, err error) {
	o.teardown(endCause{reason: reason, err: err})
}

// teardown ends the current call. Every exit from a non-idle state goes
// through here; calling it while idle does nothing.
func (o *Orchestrator) teardown(cause endCause) {
	c := o.call
	if c == nil {
		return
	}
	o.call = nil
	c.cancel()
	if c.ring != nil {
		c.ring.Stop()
	}
	if c.tapCancel != nil {
		c.tapCancel()
	}

	o.Peers.CloseAll()
	o.Devices.Release()
	if !cause.recordGone {
		o.cleanupRecord(c, cause.rejectReason)
	}

	logger := log.With().Str("module", "orch").Uint64("gen", c.gen).Str("record", c.invite.ID).Logger()
	if cause.err != nil {
		logger.Warn().Err(cause.err).Str("reason", cause.reason).Str("from", string(c.status)).Msg("call ended")
	} else {
		logger.Info().Str("reason", cause.reason).Str("from", string(c.status)).Msg("call ended")
	}

	o.publish()
	n := app.Notice{Type: app.NoticeEnded, Reason: cause.reason}
	if cause.err != nil {
		n.Error = cause.err.Error()
	}
	o.Hub.Publish(n)
}

// cleanupRecord removes or rejects the invite of c in the background with
// at most two retries.
func (o *Orchestrator) cleanupRecord(c *call, rejectReason string) {
	id := c.invite.ID
	if id == "" {
		return
	}
	var op func(ctx context.Context) error
	switch {
	case c.role == asCallee && c.status == domain.CallIncoming:
		if rejectReason == "" {
			rejectReason = domain.ReasonDeclined
		}
		op = func(ctx context.Context) error { return o.Invites.RejectInvite(ctx, id, rejectReason) }
	default:
		op = func(ctx context.Context) error { return o.Invites.DeleteInvite(ctx, id) }
	}
	o.bestEffort("cleanup", id, op)
}

// bestEffort runs a signaling write off the loop. A missing record ends the
// attempt without error.
func (o *Orchestrator) bestEffort(step, id string, op func(ctx context.Context) error) {
	o.cleanup.Add(1)
	go func() {
		defer o.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.CleanupTimeout)
		defer cancel()
		attempt := func() error {
			err := op(ctx)
			if errors.Is(err, domain.ErrNoInvite) {
				return nil
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(attempt, policy); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("step", step).Str("record", id).Msg("signaling write gave up")
			return
		}
		log.Debug().Str("module", "orch").Str("step", step).Str("record", id).Msg("signaling write done")
	}()
}

// watch follows the invite of c and feeds its changes to the loop.
func (o *Orchestrator) watch(c *call) {
	ctx, gen, id := c.ctx, c.gen, c.invite.ID
	go func() {
		events, err := o.Invites.WatchInvite(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				o.post(setupFailed{gen: gen, step: "watch invite", err: err})
			}
			return
		}
		for ev := range events {
			o.post(inviteChanged{gen: gen, ev: ev})
		}
		if ctx.Err() == nil {
			o.post(watchLost{gen: gen})
		}
	}()
}

func (o *Orchestrator) connected(c *call) {
	c.status = domain.CallConnected
	c.startedAt = o.Clock.Now()
	if c.ring != nil {
		c.ring.Stop()
		c.ring = nil
	}
	log.Info().Str("module", "orch").Uint64("gen", c.gen).Str("peer", string(c.peer)).Msg("call connected")
	o.publish()
}
