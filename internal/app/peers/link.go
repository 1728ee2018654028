package peers

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
)

// Link is one connection to a call partner. A retired link no longer
// produces events. A staged link is negotiating to replace the current one
// and keeps its channel to itself until it is promoted.
type Link struct {
	Peer     domain.PeerID
	RecordID string

	conn   core.MediaConnection
	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   core.LinkState
	grace   *clock.Timer
	retired bool
	staged  bool
	channel core.DataChannel
	levels  []*remoteLevel
}

// LinkInfo is a snapshot of a Link.
type LinkInfo struct {
	Peer     domain.PeerID  `json:"peerId"`
	RecordID string         `json:"recordId"`
	State    core.LinkState `json:"state"`
}

// newLink binds the link lifetime to life. Replacements inherit the life of
// the link they replace.
func newLink(life context.Context, peer domain.PeerID, recordID string, conn core.MediaConnection, staged bool) (*Link, context.Context) {
	ctx, cancel := context.WithCancel(life)
	return &Link{
		Peer:     peer,
		RecordID: recordID,
		conn:     conn,
		life:     life,
		cancel:   cancel,
		state:    core.LinkNew,
		staged:   staged,
	}, ctx
}

func (l *Link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{Peer: l.Peer, RecordID: l.RecordID, State: l.state}
}

func (l *Link) State() core.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// retire marks the link dead and returns what must be detached. It reports
// false when the link was already retired.
func (l *Link) retire() (core.DataChannel, []*remoteLevel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return nil, nil, false
	}
	l.retired = true
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	ch, levels := l.channel, l.levels
	l.channel, l.levels = nil, nil
	return ch, levels, true
}

// promote ends staging and returns the channel to hand out.
func (l *Link) promote() core.DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged = false
	return l.channel
}
