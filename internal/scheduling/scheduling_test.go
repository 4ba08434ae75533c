package scheduling

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quietsend/quietsend/internal/contacts"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

var base = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type rtCall struct {
	kind    string
	payload jobs.Payload
	delay   time.Duration
	jobID   string
}

type upsertCall struct {
	id      string
	spec    jobs.ScheduleSpec
	limits  jobs.ScheduleLimits
	kind    string
	payload jobs.Payload
}

type fakeRuntime struct {
	added       []rtCall
	rescheduled []rtCall
	cancelled   []string
	upserts     []upsertCall
	removed     []string
	addErr      error
}

func (f *fakeRuntime) AddDelayed(_ context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, rtCall{kind: kind, payload: p, delay: delay, jobID: jobID})
	return nil
}

func (f *fakeRuntime) Cancel(_ context.Context, jobID string) (bool, error) {
	f.cancelled = append(f.cancelled, jobID)
	return true, nil
}

func (f *fakeRuntime) Reschedule(_ context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error {
	f.rescheduled = append(f.rescheduled, rtCall{kind: kind, payload: p, delay: delay, jobID: jobID})
	return nil
}

func (f *fakeRuntime) UpsertSchedule(id string, spec jobs.ScheduleSpec, limits jobs.ScheduleLimits, kind string, p jobs.Payload) error {
	f.upserts = append(f.upserts, upsertCall{id: id, spec: spec, limits: limits, kind: kind, payload: p})
	return nil
}

func (f *fakeRuntime) RemoveSchedule(id string) {
	f.removed = append(f.removed, id)
}

func (f *fakeRuntime) lastUpsert(t *testing.T) upsertCall {
	t.Helper()
	require.NotEmpty(t, f.upserts)
	return f.upserts[len(f.upserts)-1]
}

type fixture struct {
	svc   *Service
	store *store.Store
	rt    *fakeRuntime
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, dailyCap int) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "scheduling.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	clock := clockwork.NewFakeClockAt(base)
	limiter := ratelimit.New(st, bus, dailyCap, 80, clock, logger)
	cs := contacts.New(st, clock, logger)
	rt := &fakeRuntime{}
	svc := New(st, cs, rt, limiter, clock, logger, Config{
		DefaultSendHour:  9,
		BirthdayTemplate: "Happy Birthday {{name}}! Wishing you a wonderful year ahead.",
	})
	return &fixture{svc: svc, store: st, rt: rt, clock: clock}
}

func (f *fixture) seedContact(t *testing.T, id, phone, name string) {
	t.Helper()
	require.NoError(t, f.store.CreateContact(context.Background(), &types.Contact{
		ID:        id,
		Phone:     phone,
		Name:      name,
		CreatedAt: base,
		UpdatedAt: base,
	}))
}

func (f *fixture) seedSentIntent(t *testing.T, id, contactID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateIntent(ctx, &types.Intent{
		ID:          id,
		ContactID:   contactID,
		Content:     "earlier",
		ScheduledAt: base,
		Status:      types.StatusPending,
		CreatedAt:   base,
		UpdatedAt:   base,
	}))
	ok, err := f.store.MarkSent(ctx, id, "pm-"+id, base)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) seedFailedIntent(t *testing.T, id, contactID, reason string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateIntent(ctx, &types.Intent{
		ID:          id,
		ContactID:   contactID,
		Content:     "doomed",
		ScheduledAt: base,
		Status:      types.StatusPending,
		CreatedAt:   base,
		UpdatedAt:   base,
	}))
	ok, err := f.store.MarkFailed(ctx, id, reason, base)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScheduleImmediateByPhone(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Content: "Hi"})
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, res.Intent.Status)
	require.NotEmpty(t, res.Intent.ContactID)
	require.NotNil(t, res.RateLimit)
	require.Equal(t, 0, res.RateLimit.SentToday)
	require.Equal(t, 30, res.RateLimit.DailyCap)

	contact, err := f.store.GetContact(ctx, res.Intent.ContactID)
	require.NoError(t, err)
	require.Equal(t, "919876543210", contact.Phone)

	require.Len(t, f.rt.added, 1)
	call := f.rt.added[0]
	require.Equal(t, jobs.KindSendIntent, call.kind)
	require.Equal(t, time.Duration(0), call.delay)
	require.Equal(t, jobs.SendJobID(res.Intent.ID), call.jobID)
	require.Equal(t, res.Intent.ID, call.payload.IntentID)

	stored, err := f.store.GetIntent(ctx, res.Intent.ID)
	require.NoError(t, err)
	require.Equal(t, base, stored.ScheduledAt.UTC())
}

func TestScheduleFutureSkipsCapCheck(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedSentIntent(t, "prior", "c1")

	at := base.Add(time.Hour)
	res, err := f.svc.Schedule(ctx, ScheduleRequest{ContactID: "c1", Content: "later", ScheduledAt: &at})
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, res.Intent.Status)
	require.Len(t, f.rt.added, 1)
	require.Equal(t, time.Hour, f.rt.added[0].delay)
	require.NotNil(t, res.RateLimit)
	require.Equal(t, 1, res.RateLimit.SentToday)
	require.Equal(t, 0, res.RateLimit.Remaining)
}

func TestScheduleImmediateCapDenied(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedSentIntent(t, "prior", "c1")

	_, err := f.svc.Schedule(ctx, ScheduleRequest{ContactID: "c1", Content: "Hi"})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindDailyCapReached))

	var te *types.Error
	require.True(t, errors.As(err, &te))
	require.NotNil(t, te.Capacity)
	require.Equal(t, 1, te.Capacity.SentToday)
	require.Equal(t, 1, te.Capacity.DailyCap)

	require.Empty(t, f.rt.added)
	out, err := f.svc.List(ctx, ListQuery{Status: types.StatusPending})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestScheduleGroup(t *testing.T) {
	f := newFixture(t, 30)

	res, err := f.svc.Schedule(context.Background(), ScheduleRequest{GroupID: "120363042", Content: "team"})
	require.NoError(t, err)
	require.Equal(t, "120363042", res.Intent.GroupID)
	require.Empty(t, res.Intent.ContactID)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	cases := []ScheduleRequest{
		{Content: "no recipient"},
		{Phone: "9876543210", GroupID: "g1", Content: "two recipients"},
		{Phone: "9876543210", Content: "kind, no url", MediaKind: types.MediaImage},
		{Phone: "9876543210", Content: "url, no kind", MediaURL: "https://cdn.example.com/a.jpg"},
		{Phone: "9876543210"},
		{Phone: "9876543210", MediaURL: "https://cdn.example.com/a.bin", MediaKind: "sticker", Content: "x"},
	}
	for _, req := range cases {
		_, err := f.svc.Schedule(ctx, req)
		require.Error(t, err)
		require.True(t, types.IsKind(err, types.KindValidation), "req %+v", req)
	}
	require.Empty(t, f.rt.added)
}

func TestScheduleContactNotFound(t *testing.T) {
	f := newFixture(t, 30)
	_, err := f.svc.Schedule(context.Background(), ScheduleRequest{ContactID: "ghost", Content: "Hi"})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindNotFound))
}

func TestScheduleFillsMissingContactName(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "")

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Name: "Asha", Content: "Hi"})
	require.NoError(t, err)
	require.Equal(t, "c1", res.Intent.ContactID)

	contact, err := f.store.GetContact(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Asha", contact.Name)
}

func TestScheduleBulk(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	at := base.Add(time.Hour)

	res, err := f.svc.ScheduleBulk(ctx, []ScheduleRequest{
		{Phone: "9876543210", Content: "one"},
		{Content: "no recipient"},
		{Phone: "9876543211", Content: "three", ScheduledAt: &at},
	})
	require.NoError(t, err)
	require.Len(t, res.Scheduled, 2)
	require.Len(t, res.Failed, 1)
	require.Equal(t, 1, res.Failed[0].Index)
	require.Contains(t, res.Failed[0].Error, "exactly one of")
	require.NotNil(t, res.RateLimit)
	require.Len(t, f.rt.added, 2)
}

func TestScheduleBulkCapInsufficient(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedSentIntent(t, "prior", "c1")

	// Remaining is 1; two immediate items must be rejected as a whole.
	_, err := f.svc.ScheduleBulk(ctx, []ScheduleRequest{
		{ContactID: "c1", Content: "one"},
		{ContactID: "c1", Content: "two"},
	})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindDailyCapReached))
	require.Empty(t, f.rt.added)
}

func TestScheduleBulkSizeLimits(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	_, err := f.svc.ScheduleBulk(ctx, nil)
	require.True(t, types.IsKind(err, types.KindValidation))

	big := make([]ScheduleRequest, maxBulk+1)
	for i := range big {
		big[i] = ScheduleRequest{Phone: "9876543210", Content: "x"}
	}
	_, err = f.svc.ScheduleBulk(ctx, big)
	require.True(t, types.IsKind(err, types.KindValidation))
}

func TestEditPendingReschedules(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	at := base.Add(time.Hour)

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Content: "before", ScheduledAt: &at})
	require.NoError(t, err)

	newAt := base.Add(2 * time.Hour)
	content := "after"
	updated, err := f.svc.Edit(ctx, res.Intent.ID, EditRequest{Content: &content, ScheduledAt: &newAt})
	require.NoError(t, err)
	require.Equal(t, "after", updated.Content)
	require.Equal(t, newAt, updated.ScheduledAt.UTC())

	require.Len(t, f.rt.rescheduled, 1)
	require.Equal(t, 2*time.Hour, f.rt.rescheduled[0].delay)
	require.Equal(t, jobs.SendJobID(res.Intent.ID), f.rt.rescheduled[0].jobID)
}

func TestEditContentOnlyKeepsJob(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	at := base.Add(time.Hour)

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Content: "before", ScheduledAt: &at})
	require.NoError(t, err)

	content := "after"
	updated, err := f.svc.Edit(ctx, res.Intent.ID, EditRequest{Content: &content})
	require.NoError(t, err)
	require.Equal(t, "after", updated.Content)
	require.Equal(t, at, updated.ScheduledAt.UTC())
	require.Empty(t, f.rt.rescheduled)
}

func TestEditNonPendingConflicts(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedSentIntent(t, "i1", "c1")

	content := "too late"
	_, err := f.svc.Edit(ctx, "i1", EditRequest{Content: &content})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindConflict))
}

func TestEditInvalidMedia(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	at := base.Add(time.Hour)

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Content: "ok", ScheduledAt: &at})
	require.NoError(t, err)

	url := "https://cdn.example.com/a.jpg"
	_, err = f.svc.Edit(ctx, res.Intent.ID, EditRequest{MediaURL: &url})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindValidation))
}

func TestCancelPendingThenIdempotent(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	at := base.Add(time.Hour)

	res, err := f.svc.Schedule(ctx, ScheduleRequest{Phone: "9876543210", Content: "never", ScheduledAt: &at})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, res.Intent.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	require.Equal(t, types.StatusCancelled, cancelled.Status)
	require.Equal(t, []string{jobs.SendJobID(res.Intent.ID)}, f.rt.cancelled)

	again, err := f.svc.Cancel(ctx, res.Intent.ID)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestCancelUnknownIntent(t *testing.T) {
	f := newFixture(t, 30)
	_, err := f.svc.Cancel(context.Background(), "ghost")
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindNotFound))
}

func TestRetryFailedIntent(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedFailedIntent(t, "i1", "c1", "gateway unreachable")

	in, err := f.svc.Retry(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, in.Status)
	require.Zero(t, in.Attempts)
	require.Empty(t, in.FailureReason)
	require.Nil(t, in.FailedAt)
	require.Equal(t, base, in.ScheduledAt.UTC())

	require.Len(t, f.rt.added, 1)
	require.Equal(t, time.Duration(0), f.rt.added[0].delay)
	require.Equal(t, jobs.SendJobID("i1"), f.rt.added[0].jobID)
}

func TestRetryNonFailedConflicts(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedSentIntent(t, "i1", "c1")

	_, err := f.svc.Retry(ctx, "i1")
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindConflict))
}

func TestRetryToleratesQueuedJob(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedFailedIntent(t, "i1", "c1", "gateway unreachable")
	f.rt.addErr = store.ErrDuplicateJob

	in, err := f.svc.Retry(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, in.Status)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210", "Asha")
	f.seedContact(t, "c2", "919876543211", "Ravi")
	f.seedSentIntent(t, "i1", "c1")
	f.seedSentIntent(t, "i2", "c2")
	f.seedFailedIntent(t, "i3", "c1", "boom")

	failed, err := f.svc.List(ctx, ListQuery{Status: types.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "i3", failed[0].ID)

	include, err := f.svc.List(ctx, ListQuery{Phone: "9876543210"})
	require.NoError(t, err)
	require.Len(t, include, 2)

	exclude, err := f.svc.List(ctx, ListQuery{Phone: "9876543210", PhoneMode: "exclude"})
	require.NoError(t, err)
	require.Len(t, exclude, 1)
	require.Equal(t, "i2", exclude[0].ID)

	unknownInclude, err := f.svc.List(ctx, ListQuery{Phone: "9876500000"})
	require.NoError(t, err)
	require.Empty(t, unknownInclude)

	unknownExclude, err := f.svc.List(ctx, ListQuery{Phone: "9876500000", PhoneMode: "exclude"})
	require.NoError(t, err)
	require.Len(t, unknownExclude, 3)
}

func TestListValidation(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	_, err := f.svc.List(ctx, ListQuery{Status: "bogus"})
	require.True(t, types.IsKind(err, types.KindValidation))

	_, err = f.svc.List(ctx, ListQuery{Phone: "9876543210", ContactID: "c1"})
	require.True(t, types.IsKind(err, types.KindValidation))

	_, err = f.svc.List(ctx, ListQuery{Phone: "9876543210", PhoneMode: "sideways"})
	require.True(t, types.IsKind(err, types.KindValidation))
}
