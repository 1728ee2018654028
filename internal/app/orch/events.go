package orch

import (
	"github.com/dkeye/Calls/internal/app/peers"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
)

// Every value on the loop queue is one of the types below. Completions of
// async work carry the generation of the call that started them.

// command runs a local action on the loop.
type command struct {
	fn    func() error
	reply chan error
}

type mediaAcquired struct {
	gen    uint64
	stream *core.LocalStream
	err    error
}

type inviteCreated struct {
	gen uint64
	id  string
	err error
}

type inviteChanged struct {
	gen uint64
	ev  core.InviteEvent
}

// watchLost reports that the record watch ended while the call was live.
type watchLost struct {
	gen uint64
}

type incomingInvite struct {
	inv domain.Invite
}

type peerEvent struct {
	peers.Event
}

// setupFailed reports a failed dial, answer or signaling write.
type setupFailed struct {
	gen  uint64
	step string
	err  error
}

type ringExpired struct {
	gen uint64
}

// mediaChanged completes a mediaJob. done is closed once the loop applied it.
type mediaChanged struct {
	gen  uint64
	step string
	vad  bool
	err  error
	done chan struct{}
}
