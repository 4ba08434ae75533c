// Package monitor samples process health into the Prometheus gauges and
// logs memory threshold crossings.
package monitor

import (
	"os"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/quietsend/quietsend/internal/metrics"
)

type memLevel int

const (
	memOK memLevel = iota
	memWarn
	memCritical
)

// Config tunes the sampling loop. Zero thresholds disable the corresponding
// log signal.
type Config struct {
	Interval   time.Duration
	WarnMB     int
	CriticalMB int
}

// Monitor periodically samples RSS and goroutine counts.
type Monitor struct {
	clock  clockwork.Clock
	logger zerolog.Logger
	cfg    Config
	proc   *process.Process
	level  memLevel

	stop chan struct{}
	done chan struct{}
}

func New(clock clockwork.Clock, logger zerolog.Logger, cfg Config) *Monitor {
	m := &Monitor{
		clock:  clock,
		logger: logger.With().Str("component", "monitor").Logger(),
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process handle unavailable, falling back to system memory")
	} else {
		m.proc = proc
	}
	return m
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Int("mem_warn_mb", m.cfg.WarnMB).
		Int("mem_critical_mb", m.cfg.CriticalMB).
		Msg("Resource monitor started")
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) sample() {
	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	rss := m.rssBytes()
	if rss == 0 {
		return
	}
	metrics.MemoryUsageBytes.Set(float64(rss))
	m.checkThresholds(rss / 1024 / 1024)
}

func (m *Monitor) rssBytes() uint64 {
	if m.proc != nil {
		info, err := m.proc.MemoryInfo()
		if err == nil {
			return info.RSS
		}
		return 0
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vmem.Used
}

// checkThresholds logs only when the pressure level changes, so a process
// hovering above a threshold does not flood the log.
func (m *Monitor) checkThresholds(mb uint64) {
	level := memOK
	switch {
	case m.cfg.CriticalMB > 0 && mb >= uint64(m.cfg.CriticalMB):
		level = memCritical
	case m.cfg.WarnMB > 0 && mb >= uint64(m.cfg.WarnMB):
		level = memWarn
	}
	if level == m.level {
		return
	}
	switch level {
	case memCritical:
		m.logger.Error().
			Uint64("rss_mb", mb).
			Int("critical_mb", m.cfg.CriticalMB).
			Msg("Memory usage critical")
	case memWarn:
		m.logger.Warn().
			Uint64("rss_mb", mb).
			Int("warn_mb", m.cfg.WarnMB).
			Msg("Memory usage high")
	case memOK:
		m.logger.Info().Uint64("rss_mb", mb).Msg("Memory usage back below thresholds")
	}
	m.level = level
}
