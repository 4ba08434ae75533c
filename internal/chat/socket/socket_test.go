package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/types"
)

// gateway is an in-process fake the client dials over a real websocket
// handshake.
type gateway struct {
	srv   *httptest.Server
	conns chan net.Conn
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{conns: make(chan net.Conn, 1)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		g.conns <- conn
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string {
	return "ws://" + strings.TrimPrefix(g.srv.URL, "http://")
}

// accept returns the server side of the next session with its auth frame
// already consumed.
func (g *gateway) accept(t *testing.T) (net.Conn, frame) {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { conn.Close() })
		return conn, readFrame(t, conn)
	case <-time.After(5 * time.Second):
		t.Fatal("no gateway connection")
		return nil, frame{}
	}
}

func readFrame(t *testing.T, conn net.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _, err := wsutil.ReadClientData(conn)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn net.Conn, f frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerMessage(conn, ws.OpText, data))
}

func dialTest(t *testing.T, g *gateway, creds chat.Credentials) *Client {
	t.Helper()
	client, err := Dial(context.Background(), g.url(), creds, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Stop() })
	return client
}

func waitEvent(t *testing.T, client *Client) chat.ConnectionEvent {
	t.Helper()
	select {
	case ev, ok := <-client.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return chat.ConnectionEvent{}
	}
}

func waitClosed(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-client.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func TestDialSendsAuthFrame(t *testing.T) {
	g := newGateway(t)
	dialTest(t, g, chat.Credentials{"creds": []byte("blob"), "app-state-1": []byte{0x01}})

	_, auth := g.accept(t)
	require.Equal(t, frameAuth, auth.Type)
	require.Len(t, auth.Creds, 2)
	raw, err := base64.StdEncoding.DecodeString(auth.Creds["creds"])
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), raw)
}

func TestDialEmptyCredsRequestsPairing(t *testing.T) {
	g := newGateway(t)
	dialTest(t, g, chat.Credentials{})

	_, auth := g.accept(t)
	require.Equal(t, frameAuth, auth.Type)
	require.Empty(t, auth.Creds)
}

func TestSendCorrelatesReply(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	type result struct {
		id  string
		err error
	}
	res := make(chan result, 1)
	go func() {
		id, err := client.Send(context.Background(), "919876543210@s.whatsapp.net", chat.Payload{Text: "hi"})
		res <- result{id, err}
	}()

	sendF := readFrame(t, conn)
	require.Equal(t, frameSend, sendF.Type)
	require.Equal(t, "919876543210@s.whatsapp.net", sendF.Address)
	require.NotEmpty(t, sendF.Ref)
	require.Equal(t, "hi", sendF.Payload.Text)

	writeFrame(t, conn, frame{Type: frameSent, Ref: sendF.Ref, ID: "pm-1"})

	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, "pm-1", r.id)
}

func TestSendErrorReplies(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "addr", chat.Payload{Text: "x"})
		errs <- err
	}()
	f := readFrame(t, conn)
	writeFrame(t, conn, frame{Type: frameError, Ref: f.Ref, Message: "recipient unknown"})
	err := <-errs
	require.Error(t, err)
	require.False(t, types.IsRetryable(err))
	require.Contains(t, err.Error(), "recipient unknown")

	go func() {
		_, err := client.Send(context.Background(), "addr", chat.Payload{Text: "y"})
		errs <- err
	}()
	f = readFrame(t, conn)
	writeFrame(t, conn, frame{Type: frameError, Ref: f.Ref, Message: "rate limited upstream", Transient: true})
	err = <-errs
	require.Error(t, err)
	require.True(t, types.IsRetryable(err))
}

func TestSendContextCancel(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, "addr", chat.Payload{Text: "x"})
		errs <- err
	}()
	readFrame(t, conn)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
}

func TestSendFailsWhenSessionDies(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "addr", chat.Payload{Text: "x"})
		errs <- err
	}()
	readFrame(t, conn)
	conn.Close()

	err := <-errs
	require.Error(t, err)
	require.True(t, types.IsRetryable(err))
}

func TestLifecycleEvents(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	writeFrame(t, conn, frame{Type: framePairing, PairingCode: "ABCD-1234"})
	ev := waitEvent(t, client)
	require.Equal(t, chat.EventPairing, ev.Kind)
	require.Equal(t, "ABCD-1234", ev.PairingCode)

	writeFrame(t, conn, frame{Type: frameConnected, Account: &types.Account{PhoneNumber: "919876543210", Name: "QuietSend"}})
	ev = waitEvent(t, client)
	require.Equal(t, chat.EventConnected, ev.Kind)
	require.Equal(t, "919876543210", ev.Account.PhoneNumber)

	blob := base64.StdEncoding.EncodeToString([]byte("new-creds"))
	writeFrame(t, conn, frame{Type: frameCreds, Key: "creds", Data: &blob})
	ev = waitEvent(t, client)
	require.Equal(t, chat.EventCredsUpdate, ev.Kind)
	require.Equal(t, "creds", ev.CredKey)
	require.Equal(t, []byte("new-creds"), ev.CredData)

	writeFrame(t, conn, frame{Type: frameCreds, Key: "app-state-7"})
	ev = waitEvent(t, client)
	require.Equal(t, chat.EventCredsUpdate, ev.Kind)
	require.Equal(t, "app-state-7", ev.CredKey)
	require.Nil(t, ev.CredData)

	writeFrame(t, conn, frame{Type: frameDisconnected, Code: 515, Reason: "restart required"})
	ev = waitEvent(t, client)
	require.Equal(t, chat.EventDisconnected, ev.Kind)
	require.Equal(t, 515, ev.Code)
	require.Equal(t, "restart required", ev.Reason)

	waitClosed(t, client)
}

func TestReceiptInvokesAck(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	acks := make(chan chat.DeliveryAck, 1)
	client.OnAck(func(ack chat.DeliveryAck) { acks <- ack })

	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	writeFrame(t, conn, frame{Type: frameReceipt, ID: "pm-9", Status: chat.StatusDelivered, At: &at})

	select {
	case ack := <-acks:
		require.Equal(t, "pm-9", ack.ProviderMessageID)
		require.Equal(t, chat.StatusDelivered, ack.Status)
		require.Equal(t, at, ack.At)
	case <-time.After(5 * time.Second):
		t.Fatal("no ack")
	}
}

func TestTransportLossEmitsDisconnected(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	conn.Close()

	ev := waitEvent(t, client)
	require.Equal(t, chat.EventDisconnected, ev.Kind)
	require.Zero(t, ev.Code)
	require.NotEmpty(t, ev.Reason)
	waitClosed(t, client)
}

func TestStopIsQuietAndIdempotent(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	g.accept(t)

	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
	waitClosed(t, client)

	_, err := client.Send(context.Background(), "addr", chat.Payload{Text: "x"})
	require.Error(t, err)
	require.True(t, types.IsRetryable(err))
}

func TestUnknownFramesIgnored(t *testing.T) {
	g := newGateway(t)
	client := dialTest(t, g, chat.Credentials{})
	conn, _ := g.accept(t)

	writeFrame(t, conn, frame{Type: "presence", ID: "whatever"})
	writeFrame(t, conn, frame{Type: framePairing, PairingCode: "XY"})

	ev := waitEvent(t, client)
	require.Equal(t, chat.EventPairing, ev.Kind)
}
