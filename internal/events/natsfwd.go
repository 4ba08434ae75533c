package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/types"
)

const subjectPrefix = "quietsend.events."

// Subject maps an event type to its NATS subject. Colons in the type become
// subject tokens, so message:sent publishes on quietsend.events.message.sent.
func Subject(t types.EventType) string {
	return subjectPrefix + strings.ReplaceAll(string(t), ":", ".")
}

// Forwarder republishes bus events to NATS so external systems can follow
// the account without holding a WebSocket to us.
type Forwarder struct {
	nc     *nats.Conn
	cancel func()
	done   chan struct{}
	logger zerolog.Logger
}

// NewForwarder connects to NATS and starts draining a bus subscription. The
// connection reconnects forever on its own; events published while NATS is
// down are dropped.
func NewForwarder(url string, bus *Bus, logger zerolog.Logger) (*Forwarder, error) {
	f := &Forwarder{
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "natsfwd").Logger(),
	}

	nc, err := nats.Connect(url,
		nats.Name("quietsend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			f.logger.Error().Err(err).Msg("NATS async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	f.nc = nc
	f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS forwarder started")

	ch, cancel := bus.Subscribe(256)
	f.cancel = cancel
	go f.run(ch)
	return f, nil
}

func (f *Forwarder) run(ch <-chan types.Event) {
	defer close(f.done)
	for evt := range ch {
		data, err := json.Marshal(evt)
		if err != nil {
			f.logger.Error().Err(err).Str("event", string(evt.Type)).Msg("Marshal event failed")
			continue
		}
		if err := f.nc.Publish(Subject(evt.Type), data); err != nil {
			f.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("NATS publish failed")
		}
	}
}

// Stop unsubscribes from the bus, flushes pending publishes and closes the
// connection.
func (f *Forwarder) Stop() {
	f.cancel()
	<-f.done
	if err := f.nc.FlushTimeout(2 * time.Second); err != nil {
		f.logger.Warn().Err(err).Msg("NATS flush failed")
	}
	f.nc.Close()
	f.logger.Info().Msg("NATS forwarder stopped")
}
