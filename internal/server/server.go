// Package server exposes the daemon's HTTP and WebSocket surface: the
// message and rule API, the rate-limit and health endpoints, the Prometheus
// scrape handler and the live event stream. All request validation beyond
// what the services enforce, and the error-kind to status-code mapping,
// live here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/scheduling"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

// ConnHealth reports the chat socket lifecycle state. *connmgr.Manager
// satisfies it.
type ConnHealth interface {
	Health() types.ConnectionHealth
}

// Config carries the transport knobs. The memory thresholds feed the health
// endpoint only; the resource monitor applies the same values to its gauges.
type Config struct {
	Addr          string
	MemWarnMB     int
	MemCriticalMB int
}

type Server struct {
	cfg      Config
	logger   zerolog.Logger
	sched    *scheduling.Service
	contacts *contacts.Service
	limiter  *ratelimit.Limiter
	conn     ConnHealth
	bus      *events.Bus
	store    *store.Store

	httpSrv  *http.Server
	listener net.Listener
	proc     *process.Process
	started  time.Time

	// Event stream state. Clients are hijacked conns the http.Server no
	// longer tracks, so shutdown closes them explicitly.
	clients      sync.Map // map[*streamClient]struct{}
	clientSeq    int64
	clientCount  int64
	shuttingDown int32
	wg           sync.WaitGroup
}

func New(cfg Config, sched *scheduling.Service, cs *contacts.Service, limiter *ratelimit.Limiter, conn ConnHealth, bus *events.Bus, st *store.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		sched:    sched,
		contacts: cs,
		limiter:  limiter,
		conn:     conn,
		bus:      bus,
		store:    st,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Process handle unavailable, health omits memory")
	} else {
		s.proc = proc
	}
	return s
}

// Start binds the listener and serves until Shutdown. It returns once the
// listener is accepting, so callers can fail fast on a bad address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", s.handleSchedule)
	mux.HandleFunc("POST /api/messages/bulk", s.handleScheduleBulk)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("PATCH /api/messages/{id}", s.handleEditMessage)
	mux.HandleFunc("POST /api/messages/{id}/cancel", s.handleCancelMessage)
	mux.HandleFunc("POST /api/messages/{id}/retry", s.handleRetryMessage)
	mux.HandleFunc("POST /api/messages/recurring", s.handleCreateRule)
	mux.HandleFunc("GET /api/messages/recurring", s.handleListRules)
	mux.HandleFunc("GET /api/messages/recurring/{id}", s.handleGetRule)
	mux.HandleFunc("PATCH /api/messages/recurring/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/messages/recurring/{id}", s.handleDisableRule)
	mux.HandleFunc("GET /api/rate-limit/status", s.handleRateStatus)
	mux.HandleFunc("POST /api/contacts", s.handleCreateContact)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleStream)

	s.httpSrv = &http.Server{
		Handler:        cors(mux),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr returns the bound address, useful when Config.Addr asked for an
// ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains plain HTTP requests, then closes the hijacked event-stream
// conns and waits for their pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*streamClient); ok {
			c.close()
		}
		return true
	})
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
	return err
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Response write failed")
	}
}

// writeError maps the error kind to a status. The 429 body carries the
// capacity snapshot so a caller can display how full the window is.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}

	body := map[string]any{
		"error": map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		},
	}
	var te *types.Error
	if errors.As(err, &te) && te.Capacity != nil {
		body["rateLimit"] = te.Capacity
	}
	s.writeJSON(w, status, body)
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindDailyCapReached:
		return http.StatusTooManyRequests
	case types.KindProviderTransient, types.KindProviderFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// maxBodyBytes bounds request bodies. The largest legitimate request is a
// 500-item bulk schedule.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.Validationf("invalid request body: %v", err)
	}
	return nil
}
