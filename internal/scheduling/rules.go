package scheduling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

const birthdayFallbackName = "there"

// RuleRequest creates a recurrence rule. Hour defaults to the configured
// send hour, minute to zero. Which day fields are required depends on the
// kind.
type RuleRequest struct {
	ContactID      string          `json:"contactId"`
	Kind           types.RuleKind  `json:"kind"`
	Content        string          `json:"content"`
	MediaURL       string          `json:"mediaUrl,omitempty"`
	MediaKind      types.MediaKind `json:"mediaType,omitempty"`
	Hour           *int            `json:"hour,omitempty"`
	Minute         *int            `json:"minute,omitempty"`
	DayOfWeek      *int            `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int            `json:"dayOfMonth,omitempty"`
	Month          *int            `json:"month,omitempty"`
	EveryNDays     int             `json:"everyNDays,omitempty"`
	EndDate        *time.Time      `json:"endDate,omitempty"`
	MaxOccurrences *int            `json:"maxOccurrences,omitempty"`
}

// program is the compiled firing plan of a rule: a cron expression, or an
// every-N-days interval, or a daily probe that fires on the last day of the
// month.
type program struct {
	cron    string
	everyN  int
	lastDay bool
}

// CreateRule persists a recurrence rule and installs its cron entry.
// Birthday rules are excluded: they are owned by the reminder sync so at
// most one exists per contact.
func (s *Service) CreateRule(ctx context.Context, req RuleRequest) (*types.RecurrenceRule, error) {
	if req.Kind == types.RuleBirthday {
		return nil, types.Validationf("birthday rules are managed by the contact birthday sync")
	}
	if !req.Kind.Valid() {
		return nil, types.Validationf("unknown rule kind %q", req.Kind)
	}
	if req.ContactID == "" {
		return nil, types.Validationf("contactId is required for recurring sends")
	}
	if err := validateMedia(req.Content, req.MediaURL, req.MediaKind); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if req.EndDate != nil && req.EndDate.Before(now) {
		return nil, types.Validationf("endDate is in the past")
	}
	if req.MaxOccurrences != nil && *req.MaxOccurrences < 1 {
		return nil, types.Validationf("maxOccurrences must be >= 1")
	}
	if _, err := s.store.GetContact(ctx, req.ContactID); err != nil {
		return nil, err
	}

	prog, err := s.buildProgram(req)
	if err != nil {
		return nil, err
	}

	rule := &types.RecurrenceRule{
		ID:             uuid.NewString(),
		ContactID:      req.ContactID,
		Kind:           req.Kind,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		MediaKind:      req.MediaKind,
		CronExpression: prog.cron,
		EveryNDays:     prog.everyN,
		EndDate:        req.EndDate,
		MaxOccurrences: req.MaxOccurrences,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.register(rule, prog.lastDay); err != nil {
		return nil, types.Internalf("install schedule for rule %s", rule.ID).Wrap(err)
	}

	s.logger.Info().
		Str("rule_id", rule.ID).
		Str("kind", string(rule.Kind)).
		Str("cron", rule.CronExpression).
		Int("every_n_days", rule.EveryNDays).
		Msg("Recurrence rule created")
	return rule, nil
}

// RulePatch updates a rule. Nil fields are untouched; schedule fields are
// merged with the rule's current firing plan before recompiling it.
type RulePatch struct {
	Content        *string          `json:"content,omitempty"`
	MediaURL       *string          `json:"mediaUrl,omitempty"`
	MediaKind      *types.MediaKind `json:"mediaType,omitempty"`
	Hour           *int             `json:"hour,omitempty"`
	Minute         *int             `json:"minute,omitempty"`
	DayOfWeek      *int             `json:"dayOfWeek,omitempty"`
	DayOfMonth     *int             `json:"dayOfMonth,omitempty"`
	Month          *int             `json:"month,omitempty"`
	EveryNDays     *int             `json:"everyNDays,omitempty"`
	EndDate        *time.Time       `json:"endDate,omitempty"`
	MaxOccurrences *int             `json:"maxOccurrences,omitempty"`
	Enabled        *bool            `json:"enabled,omitempty"`
}

// UpdateRule applies a patch and re-registers the cron entry, or removes it
// when the patch disables the rule.
func (s *Service) UpdateRule(ctx context.Context, id string, patch RulePatch) (*types.RecurrenceRule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Kind == types.RuleBirthday {
		return nil, types.Conflictf("birthday rules are managed by the contact birthday sync")
	}

	if patch.Content != nil {
		rule.Content = *patch.Content
	}
	if patch.MediaURL != nil {
		rule.MediaURL = *patch.MediaURL
	}
	if patch.MediaKind != nil {
		rule.MediaKind = *patch.MediaKind
	}
	if err := validateMedia(rule.Content, rule.MediaURL, rule.MediaKind); err != nil {
		return nil, err
	}
	if patch.EndDate != nil {
		rule.EndDate = patch.EndDate
	}
	if patch.MaxOccurrences != nil {
		if *patch.MaxOccurrences < 1 {
			return nil, types.Validationf("maxOccurrences must be >= 1")
		}
		rule.MaxOccurrences = patch.MaxOccurrences
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}

	merged, err := mergeScheduleFields(rule, patch)
	if err != nil {
		return nil, err
	}
	prog, err := s.buildProgram(merged)
	if err != nil {
		return nil, err
	}
	rule.CronExpression = prog.cron
	rule.EveryNDays = prog.everyN

	rule.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}

	if rule.Enabled {
		if err := s.register(rule, prog.lastDay); err != nil {
			return nil, types.Internalf("install schedule for rule %s", rule.ID).Wrap(err)
		}
	} else {
		s.rt.RemoveSchedule(jobs.ScheduleID(rule.ID))
	}

	s.logger.Info().
		Str("rule_id", rule.ID).
		Bool("enabled", rule.Enabled).
		Str("cron", rule.CronExpression).
		Msg("Recurrence rule updated")
	return s.store.GetRule(ctx, id)
}

// DisableRule soft-deletes a rule and removes its cron entry. The rule and
// the intents it emitted stay in the store.
func (s *Service) DisableRule(ctx context.Context, id string) (*types.RecurrenceRule, error) {
	now := s.clock.Now().UTC()
	if err := s.store.SetRuleEnabled(ctx, id, false, now); err != nil {
		return nil, err
	}
	s.rt.RemoveSchedule(jobs.ScheduleID(id))
	s.logger.Info().Str("rule_id", id).Msg("Recurrence rule disabled")
	return s.store.GetRule(ctx, id)
}

// GetRule loads one rule.
func (s *Service) GetRule(ctx context.Context, id string) (*types.RecurrenceRule, error) {
	return s.store.GetRule(ctx, id)
}

// RulesQuery filters ListRules.
type RulesQuery struct {
	ContactID   string
	Kind        types.RuleKind
	EnabledOnly bool
}

// ListRules returns rules newest first.
func (s *Service) ListRules(ctx context.Context, q RulesQuery) ([]*types.RecurrenceRule, error) {
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, types.Validationf("unknown rule kind %q", q.Kind)
	}
	out, err := s.store.ListRules(ctx, store.RuleFilter{
		ContactID:   q.ContactID,
		Kind:        q.Kind,
		EnabledOnly: q.EnabledOnly,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.RecurrenceRule{}
	}
	return out, nil
}

// RestoreSchedules re-installs cron entries for every live rule. Called
// once at boot; rules that ended or ran out of occurrences while the
// process was down are skipped.
func (s *Service) RestoreSchedules(ctx context.Context) (int, error) {
	rules, err := s.store.ListRules(ctx, store.RuleFilter{EnabledOnly: true})
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	restored := 0
	for _, rule := range rules {
		if rule.Exhausted() {
			continue
		}
		if rule.EndDate != nil && now.After(*rule.EndDate) {
			continue
		}
		if err := s.register(rule, lastDayProbe(rule)); err != nil {
			s.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to restore schedule")
			continue
		}
		restored++
	}
	s.logger.Info().Int("restored", restored).Msg("Recurrence schedules restored")
	return restored, nil
}

// SyncBirthdayReminder reconciles the contact's birthday rule with its
// birthday fields. A set birthday with reminders on upserts the yearly
// rule; anything else retires it.
func (s *Service) SyncBirthdayReminder(ctx context.Context, contactID, birthday string, enabled bool, name string) error {
	existing, err := s.store.FindBirthdayRule(ctx, contactID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	if birthday == "" || !enabled {
		if existing == nil {
			return nil
		}
		if existing.Enabled {
			if err := s.store.SetRuleEnabled(ctx, existing.ID, false, now); err != nil {
				return err
			}
		}
		s.rt.RemoveSchedule(jobs.ScheduleID(existing.ID))
		s.logger.Info().
			Str("contact_id", contactID).
			Str("rule_id", existing.ID).
			Msg("Birthday reminder disabled")
		return nil
	}

	month, day, err := contacts.ParseBirthday(birthday)
	if err != nil {
		return err
	}
	content := s.renderBirthday(name)
	cron := fmt.Sprintf("0 0 %d %d %d *", s.cfg.DefaultSendHour, day, int(month))

	if existing == nil {
		rule := &types.RecurrenceRule{
			ID:             uuid.NewString(),
			ContactID:      contactID,
			Kind:           types.RuleBirthday,
			Content:        content,
			CronExpression: cron,
			Enabled:        true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreateRule(ctx, rule); err != nil {
			return err
		}
		if err := s.register(rule, false); err != nil {
			return types.Internalf("install birthday schedule for %s", contactID).Wrap(err)
		}
		s.logger.Info().
			Str("contact_id", contactID).
			Str("rule_id", rule.ID).
			Str("cron", cron).
			Msg("Birthday reminder created")
		return nil
	}

	existing.Content = content
	existing.CronExpression = cron
	existing.Enabled = true
	existing.UpdatedAt = now
	if err := s.store.UpdateRule(ctx, existing); err != nil {
		return err
	}
	if err := s.register(existing, false); err != nil {
		return types.Internalf("install birthday schedule for %s", contactID).Wrap(err)
	}
	s.logger.Info().
		Str("contact_id", contactID).
		Str("rule_id", existing.ID).
		Str("cron", cron).
		Msg("Birthday reminder updated")
	return nil
}

func (s *Service) renderBirthday(name string) string {
	if name == "" {
		name = birthdayFallbackName
	}
	return strings.ReplaceAll(s.cfg.BirthdayTemplate, "{{name}}", name)
}

// register installs the rule's cron entry with the remaining occurrence
// budget. Rules whose budget is spent get no entry at all.
func (s *Service) register(rule *types.RecurrenceRule, lastDay bool) error {
	limits := jobs.ScheduleLimits{EndDate: rule.EndDate}
	if rule.MaxOccurrences != nil {
		remaining := *rule.MaxOccurrences - rule.OccurrenceCount
		if remaining <= 0 {
			return nil
		}
		limits.Limit = &remaining
	}

	spec := jobs.ScheduleSpec{LastDayOfMonth: lastDay}
	if rule.Kind == types.RuleCustom {
		spec.Every = time.Duration(rule.EveryNDays) * 24 * time.Hour
	} else {
		spec.Pattern = rule.CronExpression
	}
	return s.rt.UpsertSchedule(jobs.ScheduleID(rule.ID), spec, limits,
		jobs.KindFireRecurrence, jobs.FireRecurrence(rule.ID))
}

// buildProgram compiles the request's schedule fields into a firing plan.
// Cron layout is six-field with seconds: `0 <min> <hour> <dom> <month> <dow>`.
func (s *Service) buildProgram(req RuleRequest) (program, error) {
	hour := s.cfg.DefaultSendHour
	if req.Hour != nil {
		hour = *req.Hour
	}
	if hour < 0 || hour > 23 {
		return program{}, types.Validationf("hour must be 0-23, got %d", hour)
	}
	minute := 0
	if req.Minute != nil {
		minute = *req.Minute
	}
	if minute < 0 || minute > 59 {
		return program{}, types.Validationf("minute must be 0-59, got %d", minute)
	}

	switch req.Kind {
	case types.RuleDaily:
		return program{cron: fmt.Sprintf("0 %d %d * * *", minute, hour)}, nil

	case types.RuleWeekly:
		if req.DayOfWeek == nil {
			return program{}, types.Validationf("dayOfWeek (0-6, Sunday=0) is required for weekly rules")
		}
		dow := *req.DayOfWeek
		if dow < 0 || dow > 6 {
			return program{}, types.Validationf("dayOfWeek must be 0-6, got %d", dow)
		}
		return program{cron: fmt.Sprintf("0 %d %d * * %d", minute, hour, dow)}, nil

	case types.RuleMonthly:
		if req.DayOfMonth == nil {
			return program{}, types.Validationf("dayOfMonth is required for monthly rules")
		}
		day := *req.DayOfMonth
		if day < 1 || day > 31 {
			return program{}, types.Validationf("dayOfMonth must be 1-31, got %d", day)
		}
		// Days past 28 do not exist in every month. A daily probe fires
		// the rule on whatever day closes the month.
		if day > 28 {
			return program{cron: fmt.Sprintf("0 %d %d * * *", minute, hour), lastDay: true}, nil
		}
		return program{cron: fmt.Sprintf("0 %d %d %d * *", minute, hour, day)}, nil

	case types.RuleYearly, types.RuleBirthday:
		if req.DayOfMonth == nil || req.Month == nil {
			return program{}, types.Validationf("dayOfMonth and month are required for yearly rules")
		}
		day, month := *req.DayOfMonth, *req.Month
		if month < 1 || month > 12 {
			return program{}, types.Validationf("month must be 1-12, got %d", month)
		}
		// Probe against a leap year so Feb 29 passes.
		if day < 1 || time.Date(2024, time.Month(month), day, 0, 0, 0, 0, time.UTC).Day() != day {
			return program{}, types.Validationf("day %d is out of range for month %d", day, month)
		}
		return program{cron: fmt.Sprintf("0 %d %d %d %d *", minute, hour, day, month)}, nil

	case types.RuleCustom:
		if req.EveryNDays < 1 {
			return program{}, types.Validationf("everyNDays must be >= 1 for custom rules")
		}
		return program{everyN: req.EveryNDays}, nil
	}
	return program{}, types.Validationf("unknown rule kind %q", req.Kind)
}

// mergeScheduleFields lifts the rule's current firing plan back into request
// form and overlays the patch, so a partial patch keeps the other fields.
func mergeScheduleFields(rule *types.RecurrenceRule, patch RulePatch) (RuleRequest, error) {
	req := RuleRequest{Kind: rule.Kind, EveryNDays: rule.EveryNDays}

	if rule.Kind != types.RuleCustom {
		minute, hour, dom, month, dow, err := cronFields(rule.CronExpression)
		if err != nil {
			return RuleRequest{}, err
		}
		req.Minute = &minute
		req.Hour = &hour
		switch rule.Kind {
		case types.RuleWeekly:
			req.DayOfWeek = &dow
		case types.RuleMonthly:
			if dom == 0 {
				// Last-day probe stores no explicit day; 31 keeps the
				// probe when the patch leaves the day alone.
				dom = 31
			}
			req.DayOfMonth = &dom
		case types.RuleYearly:
			req.DayOfMonth = &dom
			req.Month = &month
		}
	}

	if patch.Hour != nil {
		req.Hour = patch.Hour
	}
	if patch.Minute != nil {
		req.Minute = patch.Minute
	}
	if patch.DayOfWeek != nil {
		req.DayOfWeek = patch.DayOfWeek
	}
	if patch.DayOfMonth != nil {
		req.DayOfMonth = patch.DayOfMonth
	}
	if patch.Month != nil {
		req.Month = patch.Month
	}
	if patch.EveryNDays != nil {
		req.EveryNDays = *patch.EveryNDays
	}
	return req, nil
}

// cronFields picks the numeric fields back out of a stored six-field
// expression. Wildcards come back as zero.
func cronFields(expr string) (minute, hour, dom, month, dow int, err error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return 0, 0, 0, 0, 0, types.Internalf("malformed cron expression %q", expr)
	}
	num := func(f string) int {
		if f == "*" {
			return 0
		}
		n, _ := strconv.Atoi(f)
		return n
	}
	return num(fields[1]), num(fields[2]), num(fields[3]), num(fields[4]), num(fields[5]), nil
}

// lastDayProbe recognizes a restored monthly rule that runs as a daily
// last-day probe: monthly kind with a wildcard day field.
func lastDayProbe(rule *types.RecurrenceRule) bool {
	if rule.Kind != types.RuleMonthly {
		return false
	}
	fields := strings.Fields(rule.CronExpression)
	return len(fields) == 6 && fields[3] == "*"
}
