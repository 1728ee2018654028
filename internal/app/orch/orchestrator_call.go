package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Calls/internal/app"
	"github.com/dkeye/Calls/internal/app/peers"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

// Call rings callee. It returns once the session is outgoing; setup
// failures end the session and are reported as notices.
func (o *Orchestrator) Call(ctx context.Context, callee domain.User, media domain.MediaKind) error {
	if !media.Valid() {
		return domain.ErrInvalidMedia
	}
	if callee.ID == "" {
		return domain.ErrUserIDEmpty
	}
	if callee.ID == o.Self.ID {
		return domain.ErrSelfCall
	}
	callee.PeerID = ""
	return o.do(ctx, func() error {
		if o.call != nil {
			return domain.ErrNotIdle
		}
		c := o.begin(asCaller, callee, media, domain.CallOutgoing)
		o.publish()
		o.acquire(c)
		return nil
	})
}

// InviteToRoom asks user to join a voice room. It does not touch the call.
func (o *Orchestrator) InviteToRoom(ctx context.Context, user domain.UserID, room domain.RoomName) (string, error) {
	if err := room.Validate(); err != nil {
		return "", err
	}
	if user == "" {
		return "", domain.ErrUserIDEmpty
	}
	id, err := o.Invites.CreateInvite(ctx, domain.NewRoomInvite(o.Self, user, room, o.Clock.Now()))
	if err != nil {
		return "", fmt.Errorf("create room invite: %w", err)
	}
	log.Info().Str("module", "orch").Str("to", string(user)).Str("room", string(room)).Msg("room invite sent")
	return id, nil
}

// Accept answers the incoming call: media is acquired, the caller is dialed
// and the invite is marked accepted once the link is up.
func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.do(ctx, func() error {
		c := o.call
		if c == nil || c.role != asCallee {
			return domain.ErrNoCall
		}
		if c.answering || c.status != domain.CallIncoming {
			return domain.ErrAlreadyAnswer
		}
		c.answering = true
		o.acquire(c)
		return nil
	})
}

func (o *Orchestrator) Reject(ctx context.Context) error {
	return o.do(ctx, func() error {
		c := o.call
		if c == nil || c.role != asCallee || c.status != domain.CallIncoming {
			return domain.ErrNoCall
		}
		o.teardown(endCause{reason: domain.ReasonDeclined, rejectReason: domain.ReasonDeclined})
		return nil
	})
}

// Hangup ends whatever call is active. Hanging up while idle is a no-op.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.teardown(endCause{reason: "hangup"})
		return nil
	})
}

// acquire captures the call media off the loop.
func (o *Orchestrator) acquire(c *call) {
	ctx, gen, media := c.ctx, c.gen, c.media
	go func() {
		stream, err := o.Devices.Acquire(ctx, media)
		if !o.post(mediaAcquired{gen: gen, stream: stream, err: err}) && stream != nil {
			o.Devices.Discard(stream)
		}
	}()
}

func (o *Orchestrator) onMediaAcquired(e mediaAcquired) {
	if !o.live(e.gen) {
		if e.stream != nil {
			o.Devices.Discard(e.stream)
		}
		log.Debug().Str("module", "orch").Uint64("gen", e.gen).Msg("stale media completion")
		return
	}
	c := o.call
	if e.err != nil {
		err := e.err
		if !errors.Is(err, domain.ErrMediaAcquire) {
			err = fmt.Errorf("%w: %v", domain.ErrMediaAcquire, err)
		}
		o.fail("media_unavailable", err)
		return
	}
	o.Devices.Use(e.stream)
	o.attachLocalVAD(c)
	o.publish()

	switch c.role {
	case asCaller:
		inv := domain.NewDirectInvite(o.Self, c.remote.ID, c.media, o.Clock.Now())
		ctx, gen := c.ctx, c.gen
		go func() {
			id, err := o.Invites.CreateInvite(ctx, inv)
			if !o.post(inviteCreated{gen: gen, id: id, err: err}) && err == nil {
				_ = o.Invites.DeleteInvite(context.Background(), id)
			}
		}()
		c.invite = inv
	case asCallee:
		ctx, gen, peer, record := c.ctx, c.gen, c.peer, c.invite.ID
		tracks := o.Devices.Outgoing()
		go func() {
			if err := o.Peers.Dial(ctx, peer, record, tracks); err != nil && ctx.Err() == nil {
				o.post(setupFailed{gen: gen, step: "dial", err: err})
			}
		}()
	}
}

func (o *Orchestrator) onInviteCreated(e inviteCreated) {
	if !o.live(e.gen) {
		if e.err == nil && e.id != "" {
			o.bestEffort("delete stale invite", e.id, func(ctx context.Context) error {
				return o.Invites.DeleteInvite(ctx, e.id)
			})
		}
		return
	}
	c := o.call
	if e.err != nil {
		o.fail("signaling_failed", fmt.Errorf("create invite: %w", e.err))
		return
	}
	c.invite.ID = e.id
	o.watch(c)
	gen := c.gen
	c.ring = o.Clock.AfterFunc(o.RingTimeout, func() { o.post(ringExpired{gen: gen}) })
	log.Info().Str("module", "orch").Str("record", e.id).Str("callee", string(c.remote.ID)).Msg("ringing")
	o.publish()
}

func (o *Orchestrator) onInviteChanged(e inviteChanged) {
	if !o.live(e.gen) {
		return
	}
	c := o.call
	if e.ev.Type == core.InviteDeleted {
		if c.status == domain.CallConnected {
			log.Debug().Str("module", "orch").Str("record", c.invite.ID).Msg("record removed after connect")
			return
		}
		o.teardown(endCause{reason: "cancelled", recordGone: true})
		return
	}
	if c.role == asCallee {
		return
	}
	inv := e.ev.Invite
	switch inv.Status {
	case domain.InviteAccepted:
		if c.accepted {
			return
		}
		c.accepted = true
		if c.status == domain.CallOutgoing && c.linkUp {
			o.connected(c)
		}
	case domain.InviteRejected:
		reason := inv.Reason
		if reason == "" {
			reason = "rejected"
		}
		o.teardown(endCause{reason: reason})
	}
}

func (o *Orchestrator) onIncoming(inv domain.Invite) {
	logger := log.With().Str("module", "orch").Str("record", inv.ID).Str("from", string(inv.CallerID)).Logger()
	if inv.CallerID == o.Self.ID {
		return
	}
	if inv.Kind == domain.InviteRoom {
		logger.Info().Str("room", string(inv.Room)).Msg("room invite")
		o.Hub.Publish(app.Notice{Type: app.NoticeRoomInvite, Room: inv.Room, Invite: &inv})
		o.bestEffort("consume room invite", inv.ID, func(ctx context.Context) error {
			return o.Invites.DeleteInvite(ctx, inv.ID)
		})
		return
	}
	if inv.Expired(o.Clock.Now(), o.RingTimeout) {
		logger.Info().Time("sent", inv.Timestamp).Msg("ignoring expired invite")
		return
	}
	if !inv.Type.Valid() {
		logger.Warn().Str("type", string(inv.Type)).Msg("ignoring invite with unknown media")
		return
	}

	if o.call != nil {
		action := o.Policy.OnBusy(o.State(), inv)
		logger.Info().Str("action", action.String()).Msg("busy")
		if action == app.RejectBusy {
			o.bestEffort("busy reject", inv.ID, func(ctx context.Context) error {
				return o.Invites.RejectInvite(ctx, inv.ID, domain.ReasonBusy)
			})
		}
		return
	}

	c := o.begin(asCallee, inv.Caller(), inv.Type, domain.CallIncoming)
	c.invite = inv
	o.watch(c)
	o.publish()
}

func (o *Orchestrator) onPeerEvent(ev peers.Event) {
	c := o.call
	switch ev.Type {
	case peers.InboundOffer:
		o.onOffer(ev.Offer)
	case peers.LinkUp:
		if c == nil || ev.RecordID != c.invite.ID {
			return
		}
		c.linkUp = true
		c.peer = ev.Peer
		switch {
		case c.role == asCaller && c.status == domain.CallOutgoing && c.accepted:
			o.connected(c)
		case c.role == asCallee && c.status == domain.CallIncoming && c.answering:
			o.connected(c)
			o.markAccepted(c)
		}
	case peers.LinkDown:
		if c == nil || ev.RecordID != c.invite.ID {
			return
		}
		o.fail("connection_lost", ev.Err)
	case peers.ShareEnded:
		if c == nil || !o.Peers.Sharing() {
			return
		}
		j := newJob(c, "screen share ended")
		go func() { _ = o.settle(j, o.Peers.StopScreenShare) }()
	case peers.TransportLost:
		o.notifyError(ev.Err)
		if c != nil && c.status != domain.CallConnected {
			o.fail("transport_lost", ev.Err)
		}
	}
}

// onOffer answers the partner of the current call. Offers for any other
// record are ignored. On a connected call the offer replaces the link; a
// collision with our own pending replacement is left to that replacement.
func (o *Orchestrator) onOffer(offer core.Offer) {
	c := o.call
	logger := log.With().Str("module", "orch").Str("from", string(offer.From)).Str("record", offer.RecordID).Logger()
	if c == nil || offer.RecordID == "" || offer.RecordID != c.invite.ID {
		logger.Warn().Msg("unexpected offer ignored")
		return
	}
	if c.peer != "" && offer.From != c.peer {
		logger.Warn().Str("expected", string(c.peer)).Msg("offer from wrong peer ignored")
		return
	}
	c.peer = offer.From
	ctx, gen := c.ctx, c.gen
	tracks := o.Devices.Outgoing()
	go func() {
		err := o.Peers.Answer(ctx, offer, tracks)
		switch {
		case err == nil || ctx.Err() != nil:
		case errors.Is(err, domain.ErrGlare):
			logger.Debug().Msg("offer deferred to own renegotiation")
		default:
			o.post(setupFailed{gen: gen, step: "answer", err: err})
		}
	}()
}

// markAccepted writes the accepted status. Failing to do so ends the call.
func (o *Orchestrator) markAccepted(c *call) {
	ctx, gen, id := c.ctx, c.gen, c.invite.ID
	go func() {
		op := func() error {
			err := o.Invites.AcceptInvite(ctx, id)
			if errors.Is(err, domain.ErrNoInvite) {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		if err := backoff.Retry(op, policy); err != nil && ctx.Err() == nil {
			o.post(setupFailed{gen: gen, step: "accept invite", err: err})
		}
	}()
}

func (o *Orchestrator) notifyError(err error) {
	if err == nil {
		return
	}
	o.Hub.Publish(app.Notice{Type: app.NoticeError, Error: err.Error()})
}
