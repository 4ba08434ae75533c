// Package connmgr owns the chat socket lifecycle: pairing, connecting,
// reconnect policy and credential persistence. All socket-mutating work
// happens on one control loop; collaborators reach the live session only
// through GetClient and OnConnected hooks.
package connmgr

import (
	"context"
	"encoding/base64"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/logging"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
	"github.com/quietsend/quietsend/internal/vault"
)

// disposition is what the control loop does after a session ends.
type disposition int

const (
	dispBackoff disposition = iota
	dispReconnectNow
	dispRepair
	dispTerminal
)

// policyFor maps a disconnect code to the reconnect disposition.
func policyFor(code int) disposition {
	switch code {
	case chat.CodeLoggedOut, chat.CodeForbidden:
		return dispRepair
	case chat.CodeReplaced:
		return dispTerminal
	case chat.CodeRestartRequired:
		return dispReconnectNow
	default:
		return dispBackoff
	}
}

// Backoff returns the jittered delay before reconnect attempt n (1-based):
// min(base*2^(n-1), max) scaled by U(0.8, 1.2).
func Backoff(base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rng.Float64()))
}

// Config tunes the reconnect policy.
type Config struct {
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectWindow time.Duration
}

// Manager drives the socket lifecycle.
type Manager struct {
	store  *store.Store
	vault  *vault.Vault
	bus    *events.Bus
	dial   chat.Dialer
	clock  clockwork.Clock
	logger zerolog.Logger
	cfg    Config
	rng    *rand.Rand

	mu                sync.RWMutex
	state             types.ConnState
	client            chat.Client
	account           *types.Account
	connectedAt       *time.Time
	lastDisconnect    *types.Disconnect
	reconnectAttempts int
	retryStartedAt    time.Time
	hooks             []func(chat.Client)

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st *store.Store, vlt *vault.Vault, bus *events.Bus, dial chat.Dialer, clock clockwork.Clock, logger zerolog.Logger, cfg Config) *Manager {
	return &Manager{
		store:  st,
		vault:  vlt,
		bus:    bus,
		dial:   dial,
		clock:  clock,
		logger: logger.With().Str("component", "connmgr").Logger(),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  types.ConnDisconnected,
		done:   make(chan struct{}),
	}
}

// OnConnected registers a hook invoked with the live session on every
// connect, including reconnects.
func (m *Manager) OnConnected(hook func(chat.Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// GetClient returns the live session, or nil unless connected.
func (m *Manager) GetClient() chat.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != types.ConnConnected {
		return nil
	}
	return m.client
}

// Health snapshots the connection for status events and the health endpoint.
func (m *Manager) Health() types.ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthLocked(m.clock.Now())
}

func (m *Manager) healthLocked(now time.Time) types.ConnectionHealth {
	h := types.ConnectionHealth{
		Status:            m.state,
		LastDisconnect:    m.lastDisconnect,
		ReconnectAttempts: m.reconnectAttempts,
		Account:           m.account,
	}
	if m.state == types.ConnConnected && m.connectedAt != nil {
		h.ConnectedAt = m.connectedAt
		h.UptimeSeconds = int64(now.Sub(*m.connectedAt).Seconds())
	}
	return h
}

// Start launches the control loop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		defer logging.RecoverPanic(m.logger, "connmgr")
		m.run(runCtx)
	}()
}

// Destroy stops the loop and the socket without touching credentials.
func (m *Manager) Destroy() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info().Msg("Connection manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		if ctx.Err() != nil {
			return
		}

		creds, err := m.loadCredentials(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("Credential load failed")
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.cfg.ReconnectBase):
			}
			continue
		}

		if len(creds) == 0 {
			m.setState(types.ConnPairing)
		} else {
			m.setState(types.ConnConnecting)
		}

		client, err := m.dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("Gateway dial failed")
			m.recordDisconnect(0, err.Error())
			m.setState(types.ConnDisconnected)
			if !m.waitBackoff(ctx) {
				return
			}
			continue
		}

		switch m.session(ctx, client) {
		case dispTerminal:
			return
		case dispReconnectNow:
			metrics.Reconnects.WithLabelValues("immediate").Inc()
			m.logger.Info().Msg("Provider requested restart, reconnecting now")
		case dispRepair:
			m.logger.Warn().Msg("Session invalidated, clearing credentials for fresh pairing")
			m.clearCredentials(ctx)
			m.resetRetry()
			metrics.Reconnects.WithLabelValues("repair").Inc()
		case dispBackoff:
			if !m.waitBackoff(ctx) {
				return
			}
		}
	}
}

// session consumes one client's lifecycle events until it disconnects.
func (m *Manager) session(ctx context.Context, client chat.Client) disposition {
	defer client.Stop()

	for {
		select {
		case <-ctx.Done():
			m.dropClient()
			m.setState(types.ConnDisconnected)
			return dispTerminal

		case evt, ok := <-client.Events():
			if !ok {
				m.dropClient()
				m.recordDisconnect(0, "connection lost")
				m.setState(types.ConnDisconnected)
				return dispBackoff
			}
			switch evt.Kind {
			case chat.EventPairing:
				m.publishPairingCode(evt.PairingCode)

			case chat.EventConnected:
				m.onConnected(client, evt.Account)

			case chat.EventCredsUpdate:
				m.persistCredential(ctx, evt.CredKey, evt.CredData)

			case chat.EventDisconnected:
				m.dropClient()
				m.recordDisconnect(evt.Code, evt.Reason)
				m.setState(types.ConnDisconnected)
				m.logger.Warn().
					Int("code", evt.Code).
					Str("reason", evt.Reason).
					Msg("Chat socket disconnected")
				return policyFor(evt.Code)
			}
		}
	}
}

// waitBackoff sleeps before the next attempt. Past the retry window it
// clears credentials and resets to pairing instead. Returns false only on
// shutdown.
func (m *Manager) waitBackoff(ctx context.Context) bool {
	now := m.clock.Now()

	m.mu.Lock()
	if m.retryStartedAt.IsZero() {
		m.retryStartedAt = now
	}
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	started := m.retryStartedAt
	m.mu.Unlock()

	if now.Sub(started) > m.cfg.ReconnectWindow {
		m.logger.Warn().
			Dur("window", m.cfg.ReconnectWindow).
			Int("attempts", attempt).
			Msg("Reconnect window exhausted, resetting to pairing")
		m.clearCredentials(ctx)
		m.resetRetry()
		metrics.Reconnects.WithLabelValues("repair").Inc()
		return true
	}

	delay := Backoff(m.cfg.ReconnectBase, m.cfg.ReconnectMax, attempt, m.rng)
	metrics.Reconnects.WithLabelValues("backoff").Inc()
	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Reconnecting after backoff")

	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(delay):
		return true
	}
}

func (m *Manager) onConnected(client chat.Client, account *types.Account) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	m.client = client
	m.account = account
	m.connectedAt = &now
	m.reconnectAttempts = 0
	m.retryStartedAt = time.Time{}
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	evt := m.logger.Info()
	if account != nil {
		evt = evt.Str("phone_number", account.PhoneNumber)
	}
	evt.Msg("Chat socket connected")

	for _, hook := range hooks {
		hook(client)
	}
	m.setState(types.ConnConnected)
}

func (m *Manager) dropClient() {
	m.mu.Lock()
	m.client = nil
	m.connectedAt = nil
	m.mu.Unlock()
}

func (m *Manager) recordDisconnect(code int, reason string) {
	m.mu.Lock()
	m.lastDisconnect = &types.Disconnect{Reason: reason, Code: code, At: m.clock.Now().UTC()}
	m.mu.Unlock()
}

func (m *Manager) resetRetry() {
	m.mu.Lock()
	m.reconnectAttempts = 0
	m.retryStartedAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) setState(s types.ConnState) {
	m.mu.Lock()
	m.state = s
	health := m.healthLocked(m.clock.Now())
	m.mu.Unlock()

	metrics.SetSocketState(string(s))
	m.bus.Publish(types.Event{Type: types.EventConnectionStatus, Data: health})
}

// publishPairingCode renders the code for both sinks: ASCII art in the log
// for CLI pairing and a PNG data URL on the bus for network clients.
func (m *Manager) publishPairingCode(code string) {
	if qr, err := qrcode.New(code, qrcode.Medium); err == nil {
		m.logger.Info().Msg("Scan the pairing code below:\n" + qr.ToSmallString(false))
	} else {
		m.logger.Error().Err(err).Msg("Pairing code render failed")
	}

	data := code
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		data = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	m.bus.Publish(types.Event{Type: types.EventPairingCode, Data: data})
}

func (m *Manager) loadCredentials(ctx context.Context) (chat.Credentials, error) {
	keys, err := m.store.CredentialKeys(ctx)
	if err != nil {
		return nil, err
	}
	creds := make(chat.Credentials, len(keys))
	for _, key := range keys {
		ciphertext, ok, err := m.store.GetCredential(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		plain, err := m.vault.Decrypt(ciphertext)
		if err != nil {
			// Tampered or re-keyed vault. Unrecoverable: wipe and pair fresh.
			m.logger.Error().Err(err).Str("key", key).Msg("Credential decrypt failed, wiping vault")
			if derr := m.store.DeleteAllCredentials(ctx); derr != nil {
				return nil, derr
			}
			return chat.Credentials{}, nil
		}
		creds[key] = plain
	}
	return creds, nil
}

func (m *Manager) persistCredential(ctx context.Context, key string, data []byte) {
	if key == "" {
		return
	}
	if data == nil {
		if err := m.store.DeleteCredential(ctx, key); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("Credential delete failed")
		}
		return
	}
	ciphertext, err := m.vault.Encrypt(data)
	if err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Credential encrypt failed")
		return
	}
	if err := m.store.PutCredential(ctx, key, ciphertext, m.clock.Now().UTC()); err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("Credential persist failed")
	}
}

func (m *Manager) clearCredentials(ctx context.Context) {
	if err := m.store.DeleteAllCredentials(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Credential wipe failed")
	}
}
