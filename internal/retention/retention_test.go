package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quietsend/quietsend/internal/jobs"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

var base = time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)

type fakeRuntime struct {
	handlers  map[string]jobs.HandlerFunc
	schedules map[string]jobs.ScheduleSpec
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		handlers:  make(map[string]jobs.HandlerFunc),
		schedules: make(map[string]jobs.ScheduleSpec),
	}
}

func (f *fakeRuntime) Register(kind string, h jobs.HandlerFunc) {
	f.handlers[kind] = h
}

func (f *fakeRuntime) UpsertSchedule(id string, spec jobs.ScheduleSpec, _ jobs.ScheduleLimits, _ string, _ jobs.Payload) error {
	f.schedules[id] = spec
	return nil
}

func newSweeper(t *testing.T, days int) (*Sweeper, *store.Store) {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.Open(filepath.Join(t.TempDir(), "retention.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, clockwork.NewFakeClockAt(base), logger, days), st
}

func seedIntent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateIntent(context.Background(), &types.Intent{
		ID:          id,
		Content:     "hello",
		ScheduledAt: base,
		Status:      types.StatusPending,
		CreatedAt:   base,
		UpdatedAt:   base,
	}))
}

func TestRegisterInstallsDailySchedule(t *testing.T) {
	s, _ := newSweeper(t, 30)
	rt := newFakeRuntime()

	require.NoError(t, s.Register(rt))
	require.Contains(t, rt.handlers, jobs.KindRetentionSweep)
	require.Equal(t, "0 0 3 * * *", rt.schedules["retention-sweep"].Pattern)
}

func TestRegisterDisabledSkipsSchedule(t *testing.T) {
	s, _ := newSweeper(t, 0)
	rt := newFakeRuntime()

	require.NoError(t, s.Register(rt))
	require.Contains(t, rt.handlers, jobs.KindRetentionSweep)
	require.Empty(t, rt.schedules)
}

func TestHandleSweepDeletesOldTerminal(t *testing.T) {
	s, st := newSweeper(t, 30)
	ctx := context.Background()
	old := base.Add(-45 * 24 * time.Hour)
	fresh := base.Add(-5 * 24 * time.Hour)

	seedIntent(t, st, "old-sent")
	_, err := st.MarkSent(ctx, "old-sent", "pm1", old)
	require.NoError(t, err)

	seedIntent(t, st, "old-delivered")
	_, err = st.MarkSent(ctx, "old-delivered", "pm2", old)
	require.NoError(t, err)
	_, err = st.MarkDelivered(ctx, "old-delivered", old)
	require.NoError(t, err)

	seedIntent(t, st, "old-failed")
	_, err = st.MarkFailed(ctx, "old-failed", "boom", old)
	require.NoError(t, err)

	seedIntent(t, st, "fresh-sent")
	_, err = st.MarkSent(ctx, "fresh-sent", "pm3", fresh)
	require.NoError(t, err)

	seedIntent(t, st, "old-cancelled")
	_, err = st.MarkCancelled(ctx, "old-cancelled", old)
	require.NoError(t, err)

	seedIntent(t, st, "still-pending")

	require.NoError(t, s.HandleSweep(ctx, &jobs.Job{Kind: jobs.KindRetentionSweep}))

	for _, id := range []string{"old-sent", "old-delivered", "old-failed"} {
		_, err := st.GetIntent(ctx, id)
		require.True(t, types.IsKind(err, types.KindNotFound), "intent %s should be swept", id)
	}
	for _, id := range []string{"fresh-sent", "old-cancelled", "still-pending"} {
		_, err := st.GetIntent(ctx, id)
		require.NoError(t, err, "intent %s should survive", id)
	}
}

func TestHandleSweepEmptyStore(t *testing.T) {
	s, _ := newSweeper(t, 30)
	require.NoError(t, s.HandleSweep(context.Background(), &jobs.Job{Kind: jobs.KindRetentionSweep}))
}
