// Package app assembles the daemon: every component is constructed in
// dependency order, started front to back and stopped back to front.
package app

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat/socket"
	"github.com/quietsend/quietsend/internal/config"
	"github.com/quietsend/quietsend/internal/connmgr"
	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/delivery"
	"github.com/quietsend/quietsend/internal/dispatch"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/monitor"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/retention"
	"github.com/quietsend/quietsend/internal/scheduling"
	"github.com/quietsend/quietsend/internal/server"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/vault"
)

// App owns the component graph. Everything hangs off the store, the event
// bus and the job runtime; the server is built last so handlers only ever
// see fully wired services.
type App struct {
	cfg    *config.Config
	base   zerolog.Logger
	logger zerolog.Logger

	store   *store.Store
	bus     *events.Bus
	fwd     *events.Forwarder
	runtime *jobs.Runtime
	conn    *connmgr.Manager
	sched   *scheduling.Service
	monitor *monitor.Monitor
	server  *server.Server
}

// New builds the daemon. The store is the only construction step that can
// fail; everything downstream is pure wiring.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	clock := clockwork.NewRealClock()

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vlt := vault.New(cfg.MasterKey)
	bus := events.NewBus(logger)
	limiter := ratelimit.New(st, bus, cfg.DailyCap, cfg.WarnPercent, clock, logger)

	rt := jobs.New(st, clock, logger, jobs.Options{
		Gap:          cfg.JobGap,
		Poll:         cfg.JobPoll,
		MaxAttempts:  cfg.JobAttempts,
		RetryBase:    cfg.JobRetryBase,
		CompletedTTL: cfg.CompletedTTL,
		FailedTTL:    cfg.FailedTTL,
	})

	mgr := connmgr.New(st, vlt, bus, socket.Dialer(cfg.GatewayURL, logger), clock, logger, connmgr.Config{
		ReconnectBase:   cfg.ReconnectBase,
		ReconnectMax:    cfg.ReconnectMax,
		ReconnectWindow: cfg.ReconnectWindow,
	})
	mgr.OnConnected(delivery.New(st, bus, clock, logger).OnConnected)

	dispatch.New(st, limiter, mgr, rt, bus, clock, logger, dispatch.Config{
		MinSendDelay: cfg.MinSendDelay,
		MaxSendDelay: cfg.MaxSendDelay,
	}).Register(rt)

	if err := retention.New(st, clock, logger, cfg.RetentionDays).Register(rt); err != nil {
		st.Close()
		return nil, fmt.Errorf("register retention sweep: %w", err)
	}

	cs := contacts.New(st, clock, logger)
	sched := scheduling.New(st, cs, rt, limiter, clock, logger, scheduling.Config{
		DefaultSendHour:  cfg.DefaultSendHour,
		BirthdayTemplate: cfg.BirthdayTemplate,
	})

	mon := monitor.New(clock, logger, monitor.Config{
		Interval:   cfg.MetricsInterval,
		WarnMB:     cfg.MemWarnMB,
		CriticalMB: cfg.MemCriticalMB,
	})

	srv := server.New(server.Config{
		Addr:          cfg.Addr,
		MemWarnMB:     cfg.MemWarnMB,
		MemCriticalMB: cfg.MemCriticalMB,
	}, sched, cs, limiter, mgr, bus, st, logger)

	return &App{
		cfg:     cfg,
		base:    logger,
		logger:  logger.With().Str("component", "app").Logger(),
		store:   st,
		bus:     bus,
		runtime: rt,
		conn:    mgr,
		sched:   sched,
		monitor: mon,
		server:  srv,
	}, nil
}

// Start brings the daemon up. Stored recurrence rules are re-armed before
// the socket connects, so a rule due in the next minute fires even when
// pairing takes a while. A Start error means partial startup; the caller
// should exit the process rather than call Shutdown.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NATSURL != "" {
		fwd, err := events.NewForwarder(a.cfg.NATSURL, a.bus, a.base)
		if err != nil {
			return fmt.Errorf("start nats forwarder: %w", err)
		}
		a.fwd = fwd
	}

	if err := a.runtime.Start(ctx); err != nil {
		return fmt.Errorf("start job runtime: %w", err)
	}

	restored, err := a.sched.RestoreSchedules(ctx)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	if restored > 0 {
		a.logger.Info().Int("count", restored).Msg("Recurrence schedules restored")
	}

	a.conn.Start(ctx)
	a.monitor.Start()

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	a.logger.Info().
		Str("addr", a.server.Addr()).
		Str("environment", a.cfg.Environment).
		Msg("Daemon started")
	return nil
}

// Addr returns the bound API address.
func (a *App) Addr() string {
	return a.server.Addr()
}

// Shutdown stops the daemon. The API goes first so no new work arrives,
// the runtime drains its in-flight job, then the socket and the plumbing
// come down. The context bounds the HTTP drain only; the rest always runs
// to completion.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Server shutdown error")
	}
	a.runtime.Stop()
	a.conn.Destroy()
	a.monitor.Stop()
	if a.fwd != nil {
		a.fwd.Stop()
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Store close error")
	}
	a.logger.Info().Msg("Daemon stopped")
}
