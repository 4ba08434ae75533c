// Package socket implements the chat.Client session over the gateway
// websocket. The gateway speaks small JSON text frames: the client opens
// with an auth frame carrying its credential set, then exchanges send
// requests and lifecycle notifications until a disconnected frame or a
// transport error ends the session.
package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/types"
)

const (
	// Time allowed to write a frame to the gateway.
	writeWait = 5 * time.Second

	// Ping cadence. A dead gateway surfaces as a ping write error.
	pingPeriod = 27 * time.Second
)

// Frame types of the gateway protocol.
const (
	frameAuth         = "auth"
	frameSend         = "send"
	framePairing      = "pairing"
	frameConnected    = "connected"
	frameCreds        = "creds"
	frameSent         = "sent"
	frameError        = "error"
	frameReceipt      = "receipt"
	frameDisconnected = "disconnected"
)

// frame is the wire envelope. Fields are populated per Type.
type frame struct {
	Type string `json:"type"`

	// send / sent / error correlation
	Ref     string        `json:"ref,omitempty"`
	Address string        `json:"address,omitempty"`
	Payload *chat.Payload `json:"payload,omitempty"`

	// auth
	Creds map[string]string `json:"creds,omitempty"`

	// creds delta. Nil Data deletes the key.
	Key  string  `json:"key,omitempty"`
	Data *string `json:"data,omitempty"`

	// connected / pairing
	Account     *types.Account `json:"account,omitempty"`
	PairingCode string         `json:"pairingCode,omitempty"`

	// sent / receipt
	ID     string     `json:"id,omitempty"`
	Status string     `json:"status,omitempty"`
	At     *time.Time `json:"at,omitempty"`

	// disconnected
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// error
	Message   string `json:"message,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

type sendReply struct {
	id  string
	err error
}

// Client is one live gateway session.
type Client struct {
	conn   net.Conn
	src    io.ReadWriter
	logger zerolog.Logger

	events chan chat.ConnectionEvent

	mu      sync.Mutex
	pending map[string]chan sendReply
	ackFn   func(chat.DeliveryAck)
	closed  bool

	writeMu sync.Mutex

	// stop closes only on owner Stop; internal teardown closes done.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	shutOnce sync.Once
}

// Dialer binds a gateway URL into the chat.Dialer the connection manager
// consumes.
func Dialer(gatewayURL string, logger zerolog.Logger) chat.Dialer {
	return func(ctx context.Context, creds chat.Credentials) (chat.Client, error) {
		return Dial(ctx, gatewayURL, creds, logger)
	}
}

// Dial opens a session and authenticates with creds. An empty credential
// set asks the gateway for a fresh pairing.
func Dial(ctx context.Context, gatewayURL string, creds chat.Credentials, logger zerolog.Logger) (*Client, error) {
	conn, br, _, err := ws.Dial(ctx, gatewayURL)
	if err != nil {
		return nil, types.Transientf("dial chat gateway").Wrap(err)
	}

	var src io.ReadWriter = conn
	if br != nil {
		// Bytes the dialer over-read belong to the first frames.
		src = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	c := &Client{
		conn:    conn,
		src:     src,
		logger:  logger.With().Str("component", "socket").Logger(),
		events:  make(chan chat.ConnectionEvent, 16),
		pending: make(map[string]chan sendReply),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := c.writeFrame(frame{Type: frameAuth, Creds: encodeCreds(creds)}); err != nil {
		conn.Close()
		return nil, types.Transientf("authenticate to chat gateway").Wrap(err)
	}

	go c.readPump()
	go c.pingPump()
	c.logger.Debug().Str("url", gatewayURL).Int("cred_keys", len(creds)).Msg("Gateway session opened")
	return c, nil
}

// Send delivers payload to address and blocks until the gateway's sent or
// error reply for this frame, the context ends, or the session closes.
func (c *Client) Send(ctx context.Context, address string, p chat.Payload) (string, error) {
	ref := uuid.NewString()
	reply := make(chan sendReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", types.Transientf("chat session closed")
	}
	c.pending[ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(frame{Type: frameSend, Ref: ref, Address: address, Payload: &p}); err != nil {
		return "", types.Transientf("write to chat gateway").Wrap(err)
	}

	select {
	case rep := <-reply:
		return rep.id, rep.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.stop:
		return "", types.Transientf("chat session closed during send")
	}
}

// Events streams lifecycle notifications until the session is over.
func (c *Client) Events() <-chan chat.ConnectionEvent {
	return c.events
}

// OnAck registers the delivery receipt callback.
func (c *Client) OnAck(fn func(chat.DeliveryAck)) {
	c.mu.Lock()
	c.ackFn = fn
	c.mu.Unlock()
}

// Stop tears the session down without a disconnected event.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.shutdown()
	return nil
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// shutdown closes the transport once and fails every in-flight send.
func (c *Client) shutdown() {
	c.shutOnce.Do(func() {
		c.conn.Close()
		close(c.done)

		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = map[string]chan sendReply{}
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- sendReply{err: types.Transientf("chat session closed")}
		}
	})
}

func (c *Client) readPump() {
	var last *chat.ConnectionEvent
	defer func() {
		c.shutdown()
		if last != nil {
			// The owner drains events until the channel closes, except
			// after Stop, which the select escapes on.
			select {
			case c.events <- *last:
			case <-c.stop:
			}
		}
		close(c.events)
	}()

	for {
		data, _, err := wsutil.ReadServerData(c.src)
		if err != nil {
			if !c.stopped() {
				code, reason := closeInfo(err)
				last = &chat.ConnectionEvent{Kind: chat.EventDisconnected, Code: code, Reason: reason}
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed gateway frame")
			continue
		}
		if over := c.handleFrame(f, &last); over {
			return
		}
	}
}

// handleFrame dispatches one inbound frame. It reports true when the frame
// ends the session.
func (c *Client) handleFrame(f frame, last **chat.ConnectionEvent) bool {
	switch f.Type {
	case framePairing:
		c.emit(chat.ConnectionEvent{Kind: chat.EventPairing, PairingCode: f.PairingCode})

	case frameConnected:
		c.emit(chat.ConnectionEvent{Kind: chat.EventConnected, Account: f.Account})

	case frameCreds:
		ev := chat.ConnectionEvent{Kind: chat.EventCredsUpdate, CredKey: f.Key}
		if f.Data != nil {
			raw, err := base64.StdEncoding.DecodeString(*f.Data)
			if err != nil {
				c.logger.Warn().Err(err).Str("key", f.Key).Msg("Bad credential encoding from gateway")
				return false
			}
			ev.CredData = raw
		}
		c.emit(ev)

	case frameSent:
		c.resolve(f.Ref, sendReply{id: f.ID})

	case frameError:
		var err error
		if f.Transient {
			err = types.Transientf("%s", f.Message)
		} else {
			err = types.Fatalf("%s", f.Message)
		}
		c.resolve(f.Ref, sendReply{err: err})

	case frameReceipt:
		c.mu.Lock()
		fn := c.ackFn
		c.mu.Unlock()
		if fn != nil {
			at := time.Now().UTC()
			if f.At != nil {
				at = f.At.UTC()
			}
			fn(chat.DeliveryAck{ProviderMessageID: f.ID, Status: f.Status, At: at})
		}

	case frameDisconnected:
		*last = &chat.ConnectionEvent{Kind: chat.EventDisconnected, Code: f.Code, Reason: f.Reason}
		return true

	default:
		c.logger.Debug().Str("type", f.Type).Msg("Ignoring unknown gateway frame")
	}
	return false
}

// emit delivers a lifecycle event, bailing out if the owner stopped the
// session and no longer reads.
func (c *Client) emit(ev chat.ConnectionEvent) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// resolve completes a pending send. Unknown refs are replies that lost the
// race against a teardown or context cancel; they are dropped.
func (c *Client) resolve(ref string, rep sendReply) {
	c.mu.Lock()
	ch, ok := c.pending[ref]
	if ok {
		delete(c.pending, ref)
	}
	c.mu.Unlock()
	if ok {
		ch <- rep
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeControl(ws.OpPing); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed, closing session")
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *Client) writeControl(op ws.OpCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteClientMessage(c.conn, op, nil)
}

// closeInfo maps a read error to disconnect metadata. Websocket close
// frames carry their own code; everything else is a transport failure the
// reconnect policy treats as transient.
func closeInfo(err error) (int, string) {
	if ce, ok := err.(wsutil.ClosedError); ok {
		return int(ce.Code), ce.Reason
	}
	return 0, err.Error()
}

func encodeCreds(creds chat.Credentials) map[string]string {
	out := make(map[string]string, len(creds))
	for key, data := range creds {
		out[key] = base64.StdEncoding.EncodeToString(data)
	}
	return out
}
