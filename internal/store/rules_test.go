package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietsend/quietsend/internal/types"
)

func setupRules(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	require.NoError(t, s.CreateContact(context.Background(), testContact("c1", "919876543210")))
	return s
}

func seedRule(t *testing.T, s *Store, id string, kind types.RuleKind) *types.RecurrenceRule {
	t.Helper()
	r := &types.RecurrenceRule{
		ID:             id,
		ContactID:      "c1",
		Kind:           kind,
		Content:        "good morning",
		CronExpression: "0 0 9 * * *",
		Enabled:        true,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	require.NoError(t, s.CreateRule(context.Background(), r))
	return r
}

func TestRuleRoundTrip(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()

	end := base.AddDate(0, 1, 0)
	maxOcc := 10
	r := &types.RecurrenceRule{
		ID:             "r1",
		ContactID:      "c1",
		Kind:           types.RuleWeekly,
		Content:        "weekly check-in",
		CronExpression: "0 30 10 * * 1",
		EndDate:        &end,
		MaxOccurrences: &maxOcc,
		Enabled:        true,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	require.NoError(t, s.CreateRule(ctx, r))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, types.RuleWeekly, got.Kind)
	require.Equal(t, "0 30 10 * * 1", got.CronExpression)
	require.Equal(t, end, *got.EndDate)
	require.Equal(t, 10, *got.MaxOccurrences)
	require.Nil(t, got.LastFiredAt)
	require.Zero(t, got.OccurrenceCount)
}

func TestListRulesFilters(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()

	seedRule(t, s, "r1", types.RuleDaily)
	seedRule(t, s, "r2", types.RuleBirthday)
	require.NoError(t, s.SetRuleEnabled(ctx, "r2", false, base))

	all, err := s.ListRules(ctx, RuleFilter{ContactID: "c1"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	enabled, err := s.ListRules(ctx, RuleFilter{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "r1", enabled[0].ID)

	birthdays, err := s.ListRules(ctx, RuleFilter{Kind: types.RuleBirthday})
	require.NoError(t, err)
	require.Len(t, birthdays, 1)
	require.Equal(t, "r2", birthdays[0].ID)
}

func TestFindBirthdayRule(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()

	none, err := s.FindBirthdayRule(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, none)

	seedRule(t, s, "r1", types.RuleBirthday)
	got, err := s.FindBirthdayRule(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.ID)
}

func TestCreateIntentForRuleRecordsFiring(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()

	maxOcc := 2
	r := seedRule(t, s, "r1", types.RuleDaily)
	r.MaxOccurrences = &maxOcc
	require.NoError(t, s.UpdateRule(ctx, r))

	fire := func(id string, at time.Time) {
		in := &types.Intent{
			ID: id, ContactID: "c1", Content: r.Content,
			ScheduledAt: at, Status: types.StatusPending,
			RecurrenceRuleID: "r1", CreatedAt: at, UpdatedAt: at,
		}
		require.NoError(t, s.CreateIntentForRule(ctx, in, "r1", at))
	}

	fire("i1", base)
	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, got.OccurrenceCount)
	require.Equal(t, base, *got.LastFiredAt)
	require.True(t, got.Enabled)

	// Second firing exhausts the budget and auto-disables.
	fire("i2", base.Add(24*time.Hour))
	got, err = s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, got.OccurrenceCount)
	require.False(t, got.Enabled)
	require.True(t, got.Exhausted())

	// Both produced intents reference the rule.
	in, err := s.GetIntent(ctx, "i2")
	require.NoError(t, err)
	require.Equal(t, "r1", in.RecurrenceRuleID)
}

func TestCreateIntentForRuleIsAtomic(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()
	seedRule(t, s, "r1", types.RuleDaily)

	in := &types.Intent{
		ID: "i1", ContactID: "c1", Content: "x",
		ScheduledAt: base, Status: types.StatusPending,
		RecurrenceRuleID: "r1", CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.CreateIntentForRule(ctx, in, "r1", base))

	// A duplicate intent id fails the insert; the firing record must roll
	// back with it.
	err := s.CreateIntentForRule(ctx, in, "r1", base.Add(time.Hour))
	require.Error(t, err)

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, got.OccurrenceCount)
	require.Equal(t, base, *got.LastFiredAt)
}

func TestUpdateMissingRule(t *testing.T) {
	s := setupRules(t)
	ctx := context.Background()

	err := s.SetRuleEnabled(ctx, "ghost", false, base)
	require.True(t, types.IsKind(err, types.KindNotFound))

	ghost := &types.RecurrenceRule{ID: "ghost", ContactID: "c1", Kind: types.RuleDaily, UpdatedAt: base}
	err = s.UpdateRule(ctx, ghost)
	require.True(t, types.IsKind(err, types.KindNotFound))
}
