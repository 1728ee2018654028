package peers

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

// Serve registers the local endpoint and reports inbound offers until ctx
// ends. A lost registration is retried once after ReconnectWait; if that
// fails TransportLost is reported and Serve returns.
func (m *Manager) Serve(ctx context.Context) error {
	logger := log.With().Str("module", "peers.serve").Str("self", string(m.Self)).Logger()
	for {
		offers, err := m.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("registration failed")
			err = fmt.Errorf("%w: %v", domain.ErrRendezvousDown, err)
			m.emit(Event{Type: TransportLost, Err: err})
			return err
		}
		logger.Info().Msg("endpoint registered")

		for o := range offers {
			logger.Debug().Str("from", string(o.From)).Str("record", o.RecordID).Msg("inbound offer")
			m.emit(Event{Type: InboundOffer, Peer: o.From, RecordID: o.RecordID, Offer: o})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Msg("registration lost, reconnecting")
	}
}

func (m *Manager) register(ctx context.Context) (<-chan core.Offer, error) {
	var offers <-chan core.Offer
	op := func() error {
		ch, err := m.Rendezvous.Register(ctx, m.Self)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		offers = ch
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.ReconnectWait), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return offers, nil
}
