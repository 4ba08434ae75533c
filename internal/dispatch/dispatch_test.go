package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/chat/chattest"
	"github.com/quietsend/quietsend/internal/events"
	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/ratelimit"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

var base = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type stubSocket struct {
	client chat.Client
}

func (s *stubSocket) GetClient() chat.Client { return s.client }

type enqCall struct {
	kind    string
	payload jobs.Payload
	delay   time.Duration
	jobID   string
}

type captureEnq struct {
	calls []enqCall
	err   error
}

func (e *captureEnq) AddDelayed(_ context.Context, kind string, p jobs.Payload, delay time.Duration, jobID string) error {
	e.calls = append(e.calls, enqCall{kind: kind, payload: p, delay: delay, jobID: jobID})
	return e.err
}

type fixture struct {
	d      *Dispatcher
	store  *store.Store
	fake   *chattest.Fake
	socket *stubSocket
	enq    *captureEnq
	events <-chan types.Event
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T, dailyCap int) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe(16)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClockAt(base)
	limiter := ratelimit.New(st, bus, dailyCap, 80, clock, logger)
	fake := chattest.New()
	socket := &stubSocket{client: fake}
	enq := &captureEnq{}
	d := New(st, limiter, socket, enq, bus, clock, logger, Config{})
	return &fixture{d: d, store: st, fake: fake, socket: socket, enq: enq, events: ch, clock: clock}
}

func (f *fixture) seedContact(t *testing.T, id, phone string) {
	t.Helper()
	require.NoError(t, f.store.CreateContact(context.Background(), &types.Contact{
		ID:        id,
		Phone:     phone,
		Name:      "Test",
		CreatedAt: base,
		UpdatedAt: base,
	}))
}

func (f *fixture) seedIntent(t *testing.T, in *types.Intent) {
	t.Helper()
	if in.Status == "" {
		in.Status = types.StatusPending
	}
	if in.ScheduledAt.IsZero() {
		in.ScheduledAt = base
	}
	in.CreatedAt = base
	in.UpdatedAt = base
	require.NoError(t, f.store.CreateIntent(context.Background(), in))
}

func sendJob(intentID string) *jobs.Job {
	return &jobs.Job{
		ID:      jobs.SendJobID(intentID),
		Kind:    jobs.KindSendIntent,
		Payload: jobs.SendIntent(intentID),
		Attempt: 1,
	}
}

func fireJob(ruleID string) *jobs.Job {
	return &jobs.Job{
		ID:      jobs.ScheduleID(ruleID),
		Kind:    jobs.KindFireRecurrence,
		Payload: jobs.FireRecurrence(ruleID),
		Attempt: 1,
	}
}

func TestHandleSendIntentSuccess(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	sends := f.fake.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, "919876543210@s.whatsapp.net", sends[0].Address)
	require.Equal(t, "hello", sends[0].Payload.Text)

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusSent, in.Status)
	require.Equal(t, "provider-1", in.ProviderMessageID)
	require.NotNil(t, in.SentAt)

	evt := <-f.events
	require.Equal(t, types.EventMessageSent, evt.Type)
	me := evt.Data.(types.MessageEvent)
	require.Equal(t, "i1", me.MessageID)
	require.Equal(t, types.StatusSent, me.Status)
	require.Equal(t, "provider-1", me.ProviderMessageID)
}

func TestHandleSendIntentGroupAddress(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedIntent(t, &types.Intent{ID: "i1", GroupID: "120363042", Content: "team update"})

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	sends := f.fake.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, "120363042@g.us", sends[0].Address)
}

func TestHandleSendIntentCapDenied(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")

	f.seedIntent(t, &types.Intent{ID: "prior", ContactID: "c1", Content: "first"})
	ok, err := f.store.MarkSent(ctx, "prior", "pm-prior", base)
	require.NoError(t, err)
	require.True(t, ok)

	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "second"})
	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	require.Empty(t, f.fake.Sends())
	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, in.Status)
	require.Equal(t, "Daily message cap reached (1/1)", in.FailureReason)

	evt := <-f.events
	require.Equal(t, types.EventMessageFailed, evt.Type)
	evt = <-f.events
	require.Equal(t, types.EventRateReached, evt.Type)
}

func TestHandleSendIntentCancelledIsDropped(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "never"})
	ok, err := f.store.MarkCancelled(ctx, "i1", base)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))
	require.Empty(t, f.fake.Sends())
	require.Empty(t, f.events)
}

func TestHandleSendIntentMissingIntent(t *testing.T) {
	f := newFixture(t, 50)
	require.NoError(t, f.d.HandleSendIntent(context.Background(), sendJob("ghost")))
	require.Empty(t, f.fake.Sends())
}

func TestHandleSendIntentSocketDown(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})
	f.socket.client = nil

	err := f.d.HandleSendIntent(ctx, sendJob("i1"))
	require.Error(t, err)
	require.True(t, types.IsRetryable(err))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, in.Status)
}

func TestHandleSendIntentTransientSendPropagates(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})
	f.fake.SendFunc = func(context.Context, string, chat.Payload) (string, error) {
		return "", types.Transientf("gateway timeout")
	}

	err := f.d.HandleSendIntent(ctx, sendJob("i1"))
	require.Error(t, err)
	require.True(t, types.IsRetryable(err))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, in.Status)
	require.Empty(t, f.events)
}

func TestHandleSendIntentFatalSendFails(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})
	f.fake.SendFunc = func(context.Context, string, chat.Payload) (string, error) {
		return "", types.Fatalf("address rejected by provider")
	}

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, in.Status)
	require.Contains(t, in.FailureReason, "address rejected")

	evt := <-f.events
	require.Equal(t, types.EventMessageFailed, evt.Type)
}

func TestHandleSendIntentMissingRecipientFails(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedIntent(t, &types.Intent{ID: "i1", Content: "hello"})

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, in.Status)
	require.Contains(t, in.FailureReason, "not found")
	require.Empty(t, f.fake.Sends())
}

func TestHandleSendIntentBadPayloadFails(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{
		ID:        "i1",
		ContactID: "c1",
		Content:   "see attached",
		MediaURL:  "https://cdn.example.com/a.bin",
		MediaKind: types.MediaKind("sticker"),
	})

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, in.Status)
	require.Empty(t, f.fake.Sends())
}

func TestHandleSendIntentCancelRace(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})

	f.fake.SendFunc = func(context.Context, string, chat.Payload) (string, error) {
		ok, err := f.store.MarkCancelled(ctx, "i1", base)
		require.NoError(t, err)
		require.True(t, ok)
		return "pm-raced", nil
	}

	require.NoError(t, f.d.HandleSendIntent(ctx, sendJob("i1")))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, in.Status)
	require.Empty(t, f.events)
}

func TestOnSendExhausted(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	f.seedIntent(t, &types.Intent{ID: "i1", ContactID: "c1", Content: "hello"})

	f.d.OnSendExhausted(ctx, sendJob("i1"), types.Transientf("gateway unreachable"))

	in, err := f.store.GetIntent(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, in.Status)
	require.Contains(t, in.FailureReason, "gateway unreachable")

	evt := <-f.events
	require.Equal(t, types.EventMessageFailed, evt.Type)
}

func TestHandleFireRecurrenceCreatesIntent(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	require.NoError(t, f.store.CreateRule(ctx, &types.RecurrenceRule{
		ID:             "r1",
		ContactID:      "c1",
		Kind:           types.RuleDaily,
		Content:        "good morning",
		MediaURL:       "https://cdn.example.com/sun.jpg",
		MediaKind:      types.MediaImage,
		CronExpression: "0 0 9 * * *",
		Enabled:        true,
		CreatedAt:      base,
		UpdatedAt:      base,
	}))

	require.NoError(t, f.d.HandleFireRecurrence(ctx, fireJob("r1")))

	require.Len(t, f.enq.calls, 1)
	call := f.enq.calls[0]
	require.Equal(t, jobs.KindSendIntent, call.kind)
	require.Equal(t, time.Duration(0), call.delay)
	require.Equal(t, jobs.SendJobID(call.payload.IntentID), call.jobID)

	in, err := f.store.GetIntent(ctx, call.payload.IntentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, in.Status)
	require.Equal(t, "c1", in.ContactID)
	require.Equal(t, "good morning", in.Content)
	require.Equal(t, "https://cdn.example.com/sun.jpg", in.MediaURL)
	require.Equal(t, types.MediaImage, in.MediaKind)
	require.Equal(t, "r1", in.RecurrenceRuleID)
	require.Equal(t, base, in.ScheduledAt.UTC())

	rule, err := f.store.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, rule.OccurrenceCount)
	require.NotNil(t, rule.LastFiredAt)
}

func TestHandleFireRecurrenceSkipsDisabled(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	require.NoError(t, f.store.CreateRule(ctx, &types.RecurrenceRule{
		ID:             "r1",
		ContactID:      "c1",
		Kind:           types.RuleDaily,
		Content:        "good morning",
		CronExpression: "0 0 9 * * *",
		Enabled:        false,
		CreatedAt:      base,
		UpdatedAt:      base,
	}))

	require.NoError(t, f.d.HandleFireRecurrence(ctx, fireJob("r1")))
	require.Empty(t, f.enq.calls)
}

func TestHandleFireRecurrenceSkipsExhausted(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	max := 2
	require.NoError(t, f.store.CreateRule(ctx, &types.RecurrenceRule{
		ID:              "r1",
		ContactID:       "c1",
		Kind:            types.RuleWeekly,
		Content:         "weekly digest",
		CronExpression:  "0 0 9 * * 1",
		MaxOccurrences:  &max,
		OccurrenceCount: 2,
		Enabled:         true,
		CreatedAt:       base,
		UpdatedAt:       base,
	}))

	require.NoError(t, f.d.HandleFireRecurrence(ctx, fireJob("r1")))
	require.Empty(t, f.enq.calls)
}

func TestHandleFireRecurrenceSkipsEnded(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	f.seedContact(t, "c1", "919876543210")
	end := base.Add(-24 * time.Hour)
	require.NoError(t, f.store.CreateRule(ctx, &types.RecurrenceRule{
		ID:             "r1",
		ContactID:      "c1",
		Kind:           types.RuleDaily,
		Content:        "expired",
		CronExpression: "0 0 9 * * *",
		EndDate:        &end,
		Enabled:        true,
		CreatedAt:      base,
		UpdatedAt:      base,
	}))

	require.NoError(t, f.d.HandleFireRecurrence(ctx, fireJob("r1")))
	require.Empty(t, f.enq.calls)
}

func TestHandleFireRecurrenceMissingRule(t *testing.T) {
	f := newFixture(t, 50)
	require.NoError(t, f.d.HandleFireRecurrence(context.Background(), fireJob("ghost")))
	require.Empty(t, f.enq.calls)
}

func TestPaceSleepsWithinBounds(t *testing.T) {
	f := newFixture(t, 50)
	d := New(f.store, nil, f.socket, f.enq, nil, clockwork.NewRealClock(), zerolog.Nop(), Config{
		MinSendDelay: 5 * time.Millisecond,
		MaxSendDelay: 10 * time.Millisecond,
	})

	start := time.Now()
	d.pace(context.Background())
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	require.Less(t, elapsed, 500*time.Millisecond)
}
