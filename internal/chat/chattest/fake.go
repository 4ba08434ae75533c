// Package chattest provides a scripted chat.Client for tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/quietsend/quietsend/internal/chat"
)

// SendCall records one Send invocation.
type SendCall struct {
	Address string
	Payload chat.Payload
}

// Fake is an in-memory chat.Client. Tests drive it by emitting lifecycle
// events and acks; production code under test consumes them as if a real
// session produced them.
type Fake struct {
	// SendFunc overrides the default success behavior when set.
	SendFunc func(ctx context.Context, address string, p chat.Payload) (string, error)

	mu      sync.Mutex
	events  chan chat.ConnectionEvent
	ackFn   func(chat.DeliveryAck)
	sends   []SendCall
	stopped bool
}

func New() *Fake {
	return &Fake{events: make(chan chat.ConnectionEvent, 16)}
}

func (f *Fake) Send(ctx context.Context, address string, p chat.Payload) (string, error) {
	f.mu.Lock()
	f.sends = append(f.sends, SendCall{Address: address, Payload: p})
	n := len(f.sends)
	fn := f.SendFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, address, p)
	}
	return fmt.Sprintf("provider-%d", n), nil
}

func (f *Fake) Events() <-chan chat.ConnectionEvent { return f.events }

func (f *Fake) OnAck(fn func(chat.DeliveryAck)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackFn = fn
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.events)
	}
	return nil
}

// Emit pushes a lifecycle event to the session owner.
func (f *Fake) Emit(evt chat.ConnectionEvent) {
	f.events <- evt
}

// Ack invokes the registered receipt callback, if any.
func (f *Fake) Ack(ack chat.DeliveryAck) {
	f.mu.Lock()
	fn := f.ackFn
	f.mu.Unlock()
	if fn != nil {
		fn(ack)
	}
}

// Sends returns a copy of every recorded Send call.
func (f *Fake) Sends() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SendCall, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *Fake) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Fake) HasAckHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ackFn != nil
}

// Dialer hands out scripted sessions in order. Dialing past the script
// fails, which keeps tests deterministic about how many sessions they
// expect.
type Dialer struct {
	mu      sync.Mutex
	pending []*Fake
	calls   []chat.Credentials
}

func NewDialer(sessions ...*Fake) *Dialer {
	return &Dialer{pending: sessions}
}

// Push appends another scripted session.
func (d *Dialer) Push(f *Fake) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, f)
}

func (d *Dialer) Dial(_ context.Context, creds chat.Credentials) (chat.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	copied := make(chat.Credentials, len(creds))
	for k, v := range creds {
		copied[k] = append([]byte(nil), v...)
	}
	d.calls = append(d.calls, copied)

	if len(d.pending) == 0 {
		return nil, fmt.Errorf("no session scripted for dial %d", len(d.calls))
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	return next, nil
}

// Calls returns the credentials passed to each dial.
func (d *Dialer) Calls() []chat.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]chat.Credentials, len(d.calls))
	copy(out, d.calls)
	return out
}
