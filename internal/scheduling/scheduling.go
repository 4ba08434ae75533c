// Package scheduling is the public service surface: it turns user requests
// into persisted intents plus job-runtime registrations, and maintains
// recurrence rules and their cron entries.
package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/metrics"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

const (
	maxBulk          = 500
	maxListLimit     = 200
	defaultListLimit = 50
)

// Runtime is the slice of the job runtime the service drives.
// *jobs.Runtime satisfies it.
type Runtime interface {
	AddDelayed(ctx context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error
	Cancel(ctx context.Context, jobID string) (bool, error)
	Reschedule(ctx context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error
	UpsertSchedule(id string, spec jobs.ScheduleSpec, limits jobs.ScheduleLimits, kind string, p jobs.Payload) error
	RemoveSchedule(id string)
}

// Config carries the recurring-send defaults.
type Config struct {
	DefaultSendHour  int
	BirthdayTemplate string
}

type Service struct {
	store    *store.Store
	contacts *contacts.Service
	rt       Runtime
	limiter  *ratelimit.Limiter
	clock    clockwork.Clock
	logger   zerolog.Logger
	cfg      Config
}

func New(st *store.Store, cs *contacts.Service, rt Runtime, limiter *ratelimit.Limiter, clock clockwork.Clock, logger zerolog.Logger, cfg Config) *Service {
	return &Service{
		store:    st,
		contacts: cs,
		rt:       rt,
		limiter:  limiter,
		clock:    clock,
		logger:   logger.With().Str("component", "scheduling").Logger(),
		cfg:      cfg,
	}
}

// ScheduleRequest is one send request. Exactly one of ContactID, Phone and
// GroupID names the recipient.
type ScheduleRequest struct {
	ContactID   string          `json:"contactId,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Name        string          `json:"name,omitempty"`
	GroupID     string          `json:"groupId,omitempty"`
	Content     string          `json:"content"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	MediaURL    string          `json:"mediaUrl,omitempty"`
	MediaKind   types.MediaKind `json:"mediaType,omitempty"`
}

// ScheduleResult pairs the stored intent with the rate-limit snapshot taken
// when the request was accepted.
type ScheduleResult struct {
	Intent    *types.Intent     `json:"message"`
	RateLimit *types.RateStatus `json:"rateLimit,omitempty"`
}

// Schedule validates the request, resolves the recipient, persists the
// intent and arms its send job. Immediate sends fail fast on the daily cap;
// future ones are only checked when they fire.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	if err := validateRecipient(req); err != nil {
		return nil, err
	}
	if err := validateMedia(req.Content, req.MediaURL, req.MediaKind); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	immediate := !scheduledAt.After(now)

	var rl *types.RateStatus
	if immediate {
		allowed, st, err := s.limiter.CanSend(ctx)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, types.CapReached(*st)
		}
		rl = st
	}

	in := &types.Intent{
		ID:          uuid.NewString(),
		GroupID:     req.GroupID,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		MediaKind:   req.MediaKind,
		ScheduledAt: scheduledAt,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.GroupID == "" {
		contact, err := s.contacts.Resolve(ctx, req.ContactID, req.Phone, req.Name)
		if err != nil {
			return nil, err
		}
		in.ContactID = contact.ID
	}

	if err := s.store.CreateIntent(ctx, in); err != nil {
		return nil, err
	}

	delay := scheduledAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if err := s.rt.AddDelayed(ctx, jobs.KindSendIntent, jobs.SendIntent(in.ID), delay, jobs.SendJobID(in.ID)); err != nil {
		// The intent row exists but nothing will ever fire it; settle it so
		// the caller can retry the whole request.
		if _, mErr := s.store.MarkFailed(ctx, in.ID, "failed to register send job", now); mErr != nil {
			s.logger.Error().Err(mErr).Str("intent_id", in.ID).Msg("Failed to settle orphaned intent")
		}
		return nil, types.Internalf("register send job for intent %s", in.ID).Wrap(err)
	}

	metrics.IntentsScheduled.Inc()
	s.logger.Info().
		Str("intent_id", in.ID).
		Bool("immediate", immediate).
		Dur("delay", delay).
		Msg("Intent scheduled")

	if rl == nil {
		st, err := s.limiter.Status(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rate limit snapshot failed")
		} else {
			rl = st
		}
	}
	return &ScheduleResult{Intent: in, RateLimit: rl}, nil
}

// BulkFailure records one rejected item of a bulk request.
type BulkFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BulkResult is the per-item outcome of ScheduleBulk.
type BulkResult struct {
	Scheduled []*types.Intent   `json:"scheduled"`
	Failed    []BulkFailure     `json:"failed"`
	RateLimit *types.RateStatus `json:"rateLimit,omitempty"`
}

// ScheduleBulk schedules up to maxBulk items. The whole batch is rejected
// when the immediate items alone would blow past the remaining cap; after
// that gate, items succeed or fail individually.
func (s *Service) ScheduleBulk(ctx context.Context, items []ScheduleRequest) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, types.Validationf("bulk requires at least one message")
	}
	if len(items) > maxBulk {
		return nil, types.Validationf("bulk accepts at most %d messages, got %d", maxBulk, len(items))
	}

	now := s.clock.Now().UTC()
	immediate := 0
	for _, it := range items {
		if it.ScheduledAt == nil || !it.ScheduledAt.UTC().After(now) {
			immediate++
		}
	}

	st, err := s.limiter.Status(ctx)
	if err != nil {
		return nil, err
	}
	if immediate > st.Remaining {
		return nil, types.CapReached(*st)
	}

	out := &BulkResult{
		Scheduled: make([]*types.Intent, 0, len(items)),
		Failed:    make([]BulkFailure, 0),
	}
	for i, it := range items {
		res, err := s.Schedule(ctx, it)
		if err != nil {
			out.Failed = append(out.Failed, BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		out.Scheduled = append(out.Scheduled, res.Intent)
	}

	if rl, err := s.limiter.Status(ctx); err == nil {
		out.RateLimit = rl
	}
	s.logger.Info().
		Int("scheduled", len(out.Scheduled)).
		Int("failed", len(out.Failed)).
		Msg("Bulk schedule processed")
	return out, nil
}

// EditRequest patches a pending intent. Nil fields are left untouched.
type EditRequest struct {
	Content     *string          `json:"content,omitempty"`
	ScheduledAt *time.Time       `json:"scheduledAt,omitempty"`
	MediaURL    *string          `json:"mediaUrl,omitempty"`
	MediaKind   *types.MediaKind `json:"mediaType,omitempty"`
}

// Edit modifies a pending intent and, when the fire time moved, reschedules
// its job.
func (s *Service) Edit(ctx context.Context, id string, patch EditRequest) (*types.Intent, error) {
	in, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != types.StatusPending {
		return nil, types.Conflictf("intent %s is %s; only pending intents can be edited", id, in.Status)
	}

	if patch.Content != nil {
		in.Content = *patch.Content
	}
	if patch.MediaURL != nil {
		in.MediaURL = *patch.MediaURL
	}
	if patch.MediaKind != nil {
		in.MediaKind = *patch.MediaKind
	}
	if patch.ScheduledAt != nil {
		in.ScheduledAt = patch.ScheduledAt.UTC()
	}
	if err := validateMedia(in.Content, in.MediaURL, in.MediaKind); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	in.UpdatedAt = now
	ok, err := s.store.UpdatePendingIntent(ctx, in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Conflictf("intent %s settled concurrently", id)
	}

	if patch.ScheduledAt != nil {
		delay := in.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := s.rt.Reschedule(ctx, jobs.KindSendIntent, jobs.SendIntent(id), delay, jobs.SendJobID(id)); err != nil {
			return nil, types.Internalf("reschedule send job for intent %s", id).Wrap(err)
		}
		s.logger.Info().
			Str("intent_id", id).
			Time("scheduled_at", in.ScheduledAt).
			Msg("Intent rescheduled")
	}
	return s.store.GetIntent(ctx, id)
}

// Cancel flips a pending intent to cancelled and removes its job. A
// non-pending intent returns nil without error so repeated cancels are
// harmless.
func (s *Service) Cancel(ctx context.Context, id string) (*types.Intent, error) {
	in, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != types.StatusPending {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	ok, err := s.store.MarkCancelled(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if _, err := s.rt.Cancel(ctx, jobs.SendJobID(id)); err != nil {
		s.logger.Warn().Err(err).Str("intent_id", id).Msg("Send job removal failed")
	}
	s.logger.Info().Str("intent_id", id).Msg("Intent cancelled")
	return s.store.GetIntent(ctx, id)
}

// Retry re-arms a failed intent for immediate dispatch.
func (s *Service) Retry(ctx context.Context, id string) (*types.Intent, error) {
	in, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	ok, err := s.store.MarkRetried(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Conflictf("intent %s is %s; only failed intents can be retried", id, in.Status)
	}

	err = s.rt.AddDelayed(ctx, jobs.KindSendIntent, jobs.SendIntent(id), 0, jobs.SendJobID(id))
	if err != nil && !errors.Is(err, store.ErrDuplicateJob) {
		if _, mErr := s.store.MarkFailed(ctx, id, "failed to register retry job", now); mErr != nil {
			s.logger.Error().Err(mErr).Str("intent_id", id).Msg("Failed to settle intent after retry failure")
		}
		return nil, types.Internalf("register retry job for intent %s", id).Wrap(err)
	}

	s.logger.Info().Str("intent_id", id).Msg("Intent retried")
	return s.store.GetIntent(ctx, id)
}

// Get loads one intent.
func (s *Service) Get(ctx context.Context, id string) (*types.Intent, error) {
	return s.store.GetIntent(ctx, id)
}

// ListQuery filters List. PhoneMode decides whether the phone's contact is
// the only one included or the only one excluded.
type ListQuery struct {
	Status    types.IntentStatus
	ContactID string
	Phone     string
	PhoneMode string
	Limit     int
	Offset    int
}

// List returns intents newest-scheduled first.
func (s *Service) List(ctx context.Context, q ListQuery) ([]*types.Intent, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, types.Validationf("unknown status %q", q.Status)
	}
	if q.Phone != "" && q.ContactID != "" {
		return nil, types.Validationf("phone and contactId are mutually exclusive")
	}
	mode := q.PhoneMode
	if mode == "" {
		mode = "include"
	}
	if mode != "include" && mode != "exclude" {
		return nil, types.Validationf("phoneMode must be include or exclude, got %q", q.PhoneMode)
	}

	f := store.IntentFilter{
		Status:    q.Status,
		ContactID: q.ContactID,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	if q.Phone != "" {
		phone, err := chat.NormalizePhone(q.Phone)
		if err != nil {
			return nil, err
		}
		contact, err := s.store.GetContactByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		switch {
		case contact == nil && mode == "include":
			return []*types.Intent{}, nil
		case contact != nil && mode == "include":
			f.ContactID = contact.ID
		case contact != nil && mode == "exclude":
			f.ExcludeContactID = contact.ID
		}
	}

	out, err := s.store.ListIntents(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.Intent{}
	}
	return out, nil
}

func validateRecipient(req ScheduleRequest) error {
	recipients := 0
	if req.ContactID != "" {
		recipients++
	}
	if req.Phone != "" {
		recipients++
	}
	if req.GroupID != "" {
		recipients++
	}
	if recipients != 1 {
		return types.Validationf("exactly one of contactId, phone, groupId is required")
	}
	return nil
}

func validateMedia(content, mediaURL string, kind types.MediaKind) error {
	if mediaURL == "" {
		if kind != "" {
			return types.Validationf("mediaType requires mediaUrl")
		}
		if content == "" {
			return types.Validationf("content is required when no media is attached")
		}
		return nil
	}
	if kind == "" {
		return types.Validationf("mediaType is required when mediaUrl is set")
	}
	if !kind.Valid() {
		return types.Validationf("unknown media type %q", kind)
	}
	return nil
}
