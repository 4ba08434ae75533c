package server

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/scheduling"
	"github.com/quietsend/quietsend/internal/types"
)

// Soft limits for the health report. Crossing one degrades the daemon, it
// does not stop traffic.
const (
	queueWarnDepth    = 500
	goroutineWarnSoft = 500
)

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduling.ScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.sched.Schedule(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleScheduleBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []scheduling.ScheduleRequest `json:"messages"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.sched.ScheduleBulk(r.Context(), req.Messages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := scheduling.ListQuery{
		Status:    types.IntentStatus(query.Get("status")),
		ContactID: query.Get("contactId"),
		Phone:     query.Get("phone"),
		PhoneMode: query.Get("phoneMode"),
	}

	var err error
	if q.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		s.writeError(w, err)
		return
	}
	if q.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.sched.List(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"count":    len(out),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	in, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var patch scheduling.EditRequest
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	in, err := s.sched.Edit(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

// handleCancelMessage reports whether the cancel won. A settled intent is
// not an error: the caller learns it raced a dispatch and lost.
func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	in, err := s.sched.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if in == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": false, "reason": "not pending"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "message": in})
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	in, err := s.sched.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req scheduling.RuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.sched.CreateRule(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := scheduling.RulesQuery{
		ContactID:   query.Get("contactId"),
		Kind:        types.RuleKind(query.Get("kind")),
		EnabledOnly: query.Get("enabled") == "true",
	}
	out, err := s.sched.ListRules(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules": out,
		"count": len(out),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.sched.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch scheduling.RulePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	rule, err := s.sched.UpdateRule(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.sched.DisableRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.limiter.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleCreateContact upserts the contact and then syncs its birthday rule,
// so one request is enough to arm the reminder.
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contacts.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.contacts.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sched.SyncBirthdayReminder(r.Context(), c.ID, c.Birthday, c.BirthdayReminder, c.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

// handleHealth reports healthy, degraded or unhealthy. Unhealthy means the
// store is gone or memory crossed the critical threshold; everything else
// that is off nominal only degrades, since queued work survives a flapping
// socket.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var warnings, errs []string

	storeHealthy := true
	if err := s.store.Ping(ctx); err != nil {
		storeHealthy = false
		errs = append(errs, fmt.Sprintf("store unreachable: %v", err))
	}

	health := s.conn.Health()
	socketHealthy := health.Status == types.ConnConnected
	if !socketHealthy {
		warnings = append(warnings, fmt.Sprintf("chat socket %s", health.Status))
	}

	pending := 0
	if storeHealthy {
		n, err := s.store.CountPendingJobs(ctx)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("queue depth unknown: %v", err))
		} else {
			pending = n
			if n > queueWarnDepth {
				warnings = append(warnings, fmt.Sprintf("job queue backlog (%d pending)", n))
			}
		}
	}

	goroutines := runtime.NumGoroutine()
	if goroutines > goroutineWarnSoft {
		warnings = append(warnings, fmt.Sprintf("goroutine count high (%d)", goroutines))
	}

	memMB, memKnown := s.rssMB()
	memHealthy := true
	if memKnown {
		switch {
		case s.cfg.MemCriticalMB > 0 && memMB >= float64(s.cfg.MemCriticalMB):
			memHealthy = false
			errs = append(errs, fmt.Sprintf("memory critical (%.0fMB >= %dMB)", memMB, s.cfg.MemCriticalMB))
		case s.cfg.MemWarnMB > 0 && memMB >= float64(s.cfg.MemWarnMB):
			warnings = append(warnings, fmt.Sprintf("memory high (%.0fMB >= %dMB)", memMB, s.cfg.MemWarnMB))
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case !storeHealthy || !memHealthy:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case len(warnings) > 0:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]any{
		"status":  status,
		"healthy": status != "unhealthy",
		"checks": map[string]any{
			"store": map[string]any{
				"healthy": storeHealthy,
			},
			"socket": map[string]any{
				"healthy": socketHealthy,
				"state":   health,
			},
			"queue": map[string]any{
				"pending": pending,
				"healthy": pending <= queueWarnDepth,
			},
			"goroutines": map[string]any{
				"current": goroutines,
				"healthy": goroutines <= goroutineWarnSoft,
			},
			"memory": map[string]any{
				"used_mb":     memMB,
				"warn_mb":     s.cfg.MemWarnMB,
				"critical_mb": s.cfg.MemCriticalMB,
				"healthy":     memHealthy,
			},
		},
		"warnings": emptyIfNil(warnings),
		"errors":   emptyIfNil(errs),
		"uptime":   time.Since(s.started).Seconds(),
	})
}

func (s *Server) rssMB() (float64, bool) {
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			return float64(info.RSS) / 1024 / 1024, true
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		return float64(vmem.Used) / 1024 / 1024, true
	}
	return 0, false
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.Validationf("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
