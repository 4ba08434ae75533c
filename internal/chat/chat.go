package chat

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/quietsend/quietsend/internal/types"
)

// Address suffixes of the upstream chat protocol.
const (
	contactSuffix = "@s.whatsapp.net"
	groupSuffix   = "@g.us"
)

// Disconnect close codes the gateway relays from upstream.
const (
	CodeLoggedOut       = 401
	CodeForbidden       = 403
	CodeReplaced        = 440
	CodeRestartRequired = 515
)

// StatusDelivered is the receipt status that marks a message as delivered.
const StatusDelivered = "delivered"

// NormalizePhone strips formatting from a raw phone number and returns the
// digits used in addresses. Ten-digit national numbers get the Indian
// country code prepended.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		digits = "91" + digits
	}
	if len(digits) < 10 || len(digits) > 15 {
		return "", types.Validationf("invalid phone number %q", raw)
	}
	return digits, nil
}

// ContactAddress formats a normalized phone number as a direct-chat address.
func ContactAddress(phone string) string {
	if strings.HasSuffix(phone, contactSuffix) {
		return phone
	}
	return phone + contactSuffix
}

// GroupAddress formats a group id as a group-chat address.
func GroupAddress(id string) string {
	if strings.HasSuffix(id, groupSuffix) {
		return id
	}
	return id + groupSuffix
}

// MediaRef points at media hosted somewhere the provider can fetch it.
type MediaRef struct {
	URL string `json:"url"`
}

// Payload is the message body handed to the gateway. Exactly one of Text or
// a media field is set.
type Payload struct {
	Text     string    `json:"text,omitempty"`
	Image    *MediaRef `json:"image,omitempty"`
	Video    *MediaRef `json:"video,omitempty"`
	Audio    *MediaRef `json:"audio,omitempty"`
	Document *MediaRef `json:"document,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	FileName string    `json:"fileName,omitempty"`
}

// BuildPayload shapes content and optional media into the provider payload.
// Audio carries no caption; documents get a file name derived from the URL.
func BuildPayload(content, mediaURL string, kind types.MediaKind) (Payload, error) {
	if mediaURL == "" {
		return Payload{Text: content}, nil
	}
	ref := &MediaRef{URL: mediaURL}
	switch kind {
	case types.MediaImage:
		return Payload{Image: ref, Caption: content}, nil
	case types.MediaVideo:
		return Payload{Video: ref, Caption: content}, nil
	case types.MediaAudio:
		return Payload{Audio: ref}, nil
	case types.MediaDocument:
		return Payload{Document: ref, Caption: content, FileName: fileNameFromURL(mediaURL)}, nil
	default:
		return Payload{}, types.Validationf("unknown media type %q", kind)
	}
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "document"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

// Credentials is the decrypted credential set keyed by the provider's
// storage key. An empty set requests a fresh pairing.
type Credentials map[string][]byte

// EventKind classifies a ConnectionEvent.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventPairing      EventKind = "pairing"
	EventCredsUpdate  EventKind = "creds"
)

// ConnectionEvent is one lifecycle notification from a session. Fields are
// populated per Kind.
type ConnectionEvent struct {
	Kind EventKind

	// connected
	Account *types.Account

	// disconnected
	Code   int
	Reason string

	// pairing
	PairingCode string

	// creds delta to persist. Nil Data deletes the key.
	CredKey  string
	CredData []byte
}

// DeliveryAck is an upstream receipt for a previously sent message.
type DeliveryAck struct {
	ProviderMessageID string
	Status            string
	At                time.Time
}

// Client is one live session against the chat gateway. Sessions are not
// reusable: after Stop or a disconnect event the owner dials a new one.
type Client interface {
	// Send delivers payload to address and returns the provider message id.
	Send(ctx context.Context, address string, p Payload) (string, error)
	// Events streams lifecycle notifications. The channel closes when the
	// session is over.
	Events() <-chan ConnectionEvent
	// OnAck registers the delivery receipt callback. The last registration
	// wins.
	OnAck(fn func(DeliveryAck))
	// Stop tears the session down. Safe to call more than once.
	Stop() error
}

// Dialer opens a new session with the given credentials.
type Dialer func(ctx context.Context, creds Credentials) (Client, error)
