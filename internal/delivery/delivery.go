// Package delivery tracks provider receipts and promotes intents from sent
// to delivered.
package delivery

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

const ackTimeout = 5 * time.Second

// Listener consumes delivery acks. Tracking is best-effort: every error is
// swallowed after logging, an unknown or repeated ack is a no-op.
type Listener struct {
	store  *store.Store
	bus    *events.Bus
	clock  clockwork.Clock
	logger zerolog.Logger
}

func New(st *store.Store, bus *events.Bus, clock clockwork.Clock, logger zerolog.Logger) *Listener {
	return &Listener{
		store:  st,
		bus:    bus,
		clock:  clock,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// OnConnected is registered as a connection manager hook, so the ack
// callback is re-attached to every new session.
func (l *Listener) OnConnected(client chat.Client) {
	client.OnAck(l.HandleAck)
}

// HandleAck processes one receipt.
func (l *Listener) HandleAck(ack chat.DeliveryAck) {
	if ack.Status != chat.StatusDelivered || ack.ProviderMessageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	in, err := l.store.GetIntentByProviderMessageID(ctx, ack.ProviderMessageID)
	if err != nil {
		l.logger.Debug().Err(err).Str("provider_message_id", ack.ProviderMessageID).Msg("Ack lookup failed")
		return
	}
	if in == nil {
		return
	}

	at := ack.At
	if at.IsZero() {
		at = l.clock.Now().UTC()
	}
	ok, err := l.store.MarkDelivered(ctx, in.ID, at)
	if err != nil {
		l.logger.Debug().Err(err).Str("intent_id", in.ID).Msg("Delivered mark failed")
		return
	}
	if !ok {
		return
	}

	l.logger.Debug().
		Str("intent_id", in.ID).
		Str("provider_message_id", ack.ProviderMessageID).
		Msg("Intent delivered")
	l.bus.Publish(types.Event{Type: types.EventMessageStatus, Data: types.MessageEvent{
		MessageID:         in.ID,
		Status:            types.StatusDelivered,
		ProviderMessageID: ack.ProviderMessageID,
		At:                at,
	}})
}
