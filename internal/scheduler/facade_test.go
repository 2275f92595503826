package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streak-league/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	daily, monthly int
	err            error
}

func (f *fakeExecutor) RunDailyUpdate(context.Context) error {
	f.daily++
	return f.err
}

func (f *fakeExecutor) RunMonthlyPromotion(context.Context) error {
	f.monthly++
	return f.err
}

type memoryState struct {
	state   domain.SchedulerState
	loadErr error
}

func (m *memoryState) LoadSchedulerState(context.Context) (domain.SchedulerState, error) {
	return m.state, m.loadErr
}

func (m *memoryState) MarkDaily(_ context.Context, day string) error {
	m.state.LastDaily = day
	return nil
}

func (m *memoryState) MarkMonthly(_ context.Context, month string) error {
	m.state.LastMonthly = month
	return nil
}

func newFacade(remote, local Executor, state StateStore, now time.Time) *Facade {
	f := NewFacade(remote, local, state, time.UTC, testLogger())
	f.SetClock(func() time.Time { return now })
	return f
}

var midMonth = time.Date(2025, time.April, 15, 10, 0, 0, 0, time.UTC)
var lastDay = time.Date(2025, time.April, 30, 22, 0, 0, 0, time.UTC)

func TestCheckAndRunDailyUpdate_OncePerDay(t *testing.T) {
	remote := &fakeExecutor{}
	local := &fakeExecutor{}
	state := &memoryState{}
	f := newFacade(remote, local, state, midMonth)
	ctx := context.Background()

	out, err := f.CheckAndRunDailyUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, out.Ran)
	assert.Equal(t, "remote", out.Executor)
	assert.Equal(t, "2025-04-15", state.state.LastDaily)

	out, err = f.CheckAndRunDailyUpdate(ctx)
	require.NoError(t, err)
	assert.False(t, out.Ran)
	assert.Equal(t, 1, remote.daily)
	assert.Zero(t, local.daily)

	f.SetClock(func() time.Time { return midMonth.Add(24 * time.Hour) })
	out, err = f.CheckAndRunDailyUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, out.Ran)
	assert.Equal(t, 2, remote.daily)
	assert.Equal(t, "2025-04-16", state.state.LastDaily)
}

func TestCheckAndRunDailyUpdate_FallsBackWhenUnavailable(t *testing.T) {
	for _, remoteErr := range []error{domain.ErrExecutorNotFound, domain.ErrExecutorUnauthenticated} {
		t.Run(remoteErr.Error(), func(t *testing.T) {
			remote := &fakeExecutor{err: remoteErr}
			local := &fakeExecutor{}
			state := &memoryState{}
			f := newFacade(remote, local, state, midMonth)

			out, err := f.CheckAndRunDailyUpdate(context.Background())
			require.NoError(t, err)
			assert.True(t, out.Ran)
			assert.Equal(t, "local", out.Executor)
			assert.Equal(t, 1, local.daily)
			assert.Equal(t, "2025-04-15", state.state.LastDaily)
		})
	}
}

func TestCheckAndRunDailyUpdate_OtherRemoteErrorPropagates(t *testing.T) {
	boom := errors.New("remote exploded")
	remote := &fakeExecutor{err: boom}
	local := &fakeExecutor{}
	state := &memoryState{}
	f := newFacade(remote, local, state, midMonth)

	out, err := f.CheckAndRunDailyUpdate(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, out.Ran)
	assert.Zero(t, local.daily)
	assert.Empty(t, state.state.LastDaily)
}

func TestCheckAndRunDailyUpdate_LocalOnly(t *testing.T) {
	local := &fakeExecutor{}
	f := newFacade(nil, local, &memoryState{}, midMonth)

	out, err := f.CheckAndRunDailyUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", out.Executor)
	assert.Equal(t, 1, local.daily)
}

func TestCheckAndRunDailyUpdate_StateError(t *testing.T) {
	local := &fakeExecutor{}
	f := newFacade(nil, local, &memoryState{loadErr: errors.New("redis down")}, midMonth)

	_, err := f.CheckAndRunDailyUpdate(context.Background())
	assert.Error(t, err)
	assert.Zero(t, local.daily)
}

func TestCheckAndRunMonthlyPromotion_OnlyOnLastDay(t *testing.T) {
	local := &fakeExecutor{}
	state := &memoryState{}
	f := newFacade(nil, local, state, midMonth)
	ctx := context.Background()

	out, err := f.CheckAndRunMonthlyPromotion(ctx)
	require.NoError(t, err)
	assert.False(t, out.Ran)
	assert.Zero(t, local.monthly)

	f.SetClock(func() time.Time { return lastDay })
	out, err = f.CheckAndRunMonthlyPromotion(ctx)
	require.NoError(t, err)
	assert.True(t, out.Ran)
	assert.Equal(t, "April2025", out.Period)
	assert.Equal(t, "April2025", state.state.LastMonthly)

	out, err = f.CheckAndRunMonthlyPromotion(ctx)
	require.NoError(t, err)
	assert.False(t, out.Ran)
	assert.Equal(t, 1, local.monthly)
}

func TestForceOperations_BypassGate(t *testing.T) {
	local := &fakeExecutor{}
	state := &memoryState{state: domain.SchedulerState{LastDaily: "2025-04-15", LastMonthly: "April2025"}}
	f := newFacade(&fakeExecutor{err: domain.ErrExecutorNotFound}, local, state, midMonth)
	ctx := context.Background()

	out, err := f.ForceUpdateRanks(ctx)
	require.NoError(t, err)
	assert.True(t, out.Ran)
	assert.Equal(t, "local", out.Executor)

	out, err = f.ForcePromotion(ctx)
	require.NoError(t, err)
	assert.True(t, out.Ran)

	assert.Equal(t, 1, local.daily)
	assert.Equal(t, 1, local.monthly)
	assert.Equal(t, domain.SchedulerState{LastDaily: "2025-04-15", LastMonthly: "April2025"}, state.state)
}

type fakeOps struct {
	calls    []string
	scoreErr error
}

func (f *fakeOps) RecomputeAllScores(context.Context) (*domain.PassSummary, error) {
	f.calls = append(f.calls, "scores")
	return &domain.PassSummary{RunID: "s"}, f.scoreErr
}

func (f *fakeOps) RecalculateAllRanks(context.Context) (*domain.PassSummary, error) {
	f.calls = append(f.calls, "ranks")
	return &domain.PassSummary{RunID: "r"}, nil
}

func (f *fakeOps) PromoteTopUsers(context.Context) (*domain.PromotionSummary, error) {
	f.calls = append(f.calls, "promote")
	return &domain.PromotionSummary{Month: "April2025"}, nil
}

func TestLocalExecutor(t *testing.T) {
	ops := &fakeOps{}
	e := NewLocalExecutor(ops, testLogger())
	ctx := context.Background()

	require.NoError(t, e.RunDailyUpdate(ctx))
	require.NoError(t, e.RunMonthlyPromotion(ctx))
	assert.Equal(t, []string{"scores", "ranks", "promote"}, ops.calls)
}

func TestLocalExecutor_DailyStopsOnScoreFailure(t *testing.T) {
	ops := &fakeOps{scoreErr: errors.New("scan failed")}
	e := NewLocalExecutor(ops, testLogger())

	assert.Error(t, e.RunDailyUpdate(context.Background()))
	assert.Equal(t, []string{"scores"}, ops.calls)
}
