package types

import "time"

// EventType names the envelope types pushed to subscribed clients. The
// values double as the WebSocket wire `type` field, so they are stable.
type EventType string

const (
	EventConnectionStatus EventType = "status"
	EventPairingCode      EventType = "qr"
	EventMessageSent      EventType = "message:sent"
	EventMessageFailed    EventType = "message:failed"
	EventMessageStatus    EventType = "message:status"
	EventRateWarning      EventType = "rate-limit:warning"
	EventRateReached      EventType = "rate-limit:reached"
)

// Event is the envelope broadcast on the bus and over the event stream.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// ConnState is the connection manager's externally visible state.
type ConnState string

const (
	ConnPairing      ConnState = "pairing"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// Account identifies the paired provider account.
type Account struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name,omitempty"`
}

// Disconnect records the most recent socket loss.
type Disconnect struct {
	Reason string    `json:"reason"`
	Code   int       `json:"code"`
	At     time.Time `json:"at"`
}

// ConnectionHealth is the payload of EventConnectionStatus and of the
// health endpoint's socket section.
type ConnectionHealth struct {
	Status            ConnState   `json:"status"`
	UptimeSeconds     int64       `json:"uptime"`
	ConnectedAt       *time.Time  `json:"connectedAt,omitempty"`
	LastDisconnect    *Disconnect `json:"lastDisconnect,omitempty"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	Account           *Account    `json:"account,omitempty"`
}

// MessageEvent is the payload of the message:* events.
type MessageEvent struct {
	MessageID         string       `json:"messageId"`
	Status            IntentStatus `json:"status"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	At                time.Time    `json:"at"`
}

// RateEvent is the payload of the rate-limit:* events.
type RateEvent struct {
	SentToday int        `json:"sentToday"`
	Cap       int        `json:"cap"`
	Remaining int        `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}
