package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/types"
)

const (
	// Time allowed to write a frame to the client.
	writeWait = 5 * time.Second

	// Time allowed between frames from the client. Pong replies count, so a
	// connected client that never sends data stays alive.
	pongWait = 30 * time.Second

	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// streamBuffer is the per-client send queue on top of the bus buffer.
	streamBuffer = 64
)

type streamClient struct {
	id          int64
	conn        net.Conn
	send        chan []byte
	connectedAt time.Time
	closeOnce   sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// handleStream upgrades the request and streams bus events as {type, data}
// JSON frames. The first frame is always a connection-status snapshot so a
// fresh dashboard renders without waiting for a state change.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := &streamClient{
		id:          atomic.AddInt64(&s.clientSeq, 1),
		conn:        conn,
		send:        make(chan []byte, streamBuffer),
		connectedAt: time.Now(),
	}
	sub, cancel := s.bus.Subscribe(events.DefaultBuffer)

	s.clients.Store(client, struct{}{})
	metrics.StreamClients.Set(float64(atomic.AddInt64(&s.clientCount, 1)))

	if snap, err := json.Marshal(types.Event{Type: types.EventConnectionStatus, Data: s.conn.Health()}); err == nil {
		client.send <- snap
	}

	s.logger.Info().
		Int64("client_id", client.id).
		Str("remote", r.RemoteAddr).
		Msg("Event stream client connected")

	s.wg.Add(3)
	go s.streamWritePump(client)
	go s.streamReadPump(client, cancel)
	go s.streamForward(client, sub, cancel)
}

// streamForward moves bus events onto the client's send queue. A client that
// cannot drain its own buffer on top of the bus buffer is dropped rather
// than allowed to stall the pump.
func (s *Server) streamForward(c *streamClient, sub <-chan types.Event, cancel func()) {
	defer s.wg.Done()
	defer close(c.send)

	for evt := range sub {
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error().Str("event", string(evt.Type)).Err(err).Msg("Event marshal failed")
			continue
		}
		select {
		case c.send <- data:
		default:
			s.logger.Warn().
				Int64("client_id", c.id).
				Str("event", string(evt.Type)).
				Msg("Dropping slow event-stream client")
			metrics.StreamDisconnects.WithLabelValues("slow_client").Inc()
			cancel()
			c.close()
		}
	}
}

// streamReadPump consumes client frames until the conn dies. Inbound data
// frames carry nothing we act on; the pump exists to answer pings, detect
// the close handshake and re-arm the read deadline on every frame.
func (s *Server) streamReadPump(c *streamClient, cancel func()) {
	defer s.wg.Done()
	defer func() {
		cancel()
		c.close()
		s.clients.Delete(c)
		metrics.StreamClients.Set(float64(atomic.AddInt64(&s.clientCount, -1)))
		s.logger.Info().
			Int64("client_id", c.id).
			Dur("connected", time.Since(c.connectedAt)).
			Msg("Event stream client disconnected")
	}()

	ctrl := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		OnIntermediate: ctrl,
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		hdr, err := rd.NextFrame()
		if err != nil {
			metrics.StreamDisconnects.WithLabelValues("read_error").Inc()
			return
		}
		if hdr.OpCode.IsControl() {
			if err := ctrl(hdr, rd); err != nil {
				metrics.StreamDisconnects.WithLabelValues("closed").Inc()
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			metrics.StreamDisconnects.WithLabelValues("read_error").Inc()
			return
		}
	}
}

func (s *Server) streamWritePump(c *streamClient) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				// Subscription gone; say goodbye properly.
				wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Event write failed")
				metrics.StreamDisconnects.WithLabelValues("write_error").Inc()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Ping failed")
				metrics.StreamDisconnects.WithLabelValues("ping_error").Inc()
				return
			}
		}
	}
}
