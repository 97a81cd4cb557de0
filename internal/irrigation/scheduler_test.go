package irrigation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

type startCall struct {
	fieldID  int
	flowRate float64
	duration time.Duration
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeExecutor) StartIrrigation(_ context.Context, fieldID int, flowRate float64, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{fieldID, flowRate, d})
	return f.err
}

func (f *fakeExecutor) Calls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func newTestScheduler(t *testing.T, exec Executor, opts ...Option) (*Scheduler, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "irrigation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(exec, db, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, db
}

func waitStatus(t *testing.T, db *storage.DB, id int64, want storage.IrrigationStatus) *storage.IrrigationRequest {
	t.Helper()
	var got *storage.IrrigationRequest
	require.Eventually(t, func() bool {
		r, err := db.GetIrrigationRequest(context.Background(), id)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return got
}

func TestResolve(t *testing.T) {
	cases := []struct {
		name                 string
		flow, volume         float64
		minutes              int
		wantFlow, wantVolume float64
		wantMinutes          int
		wantErr              bool
	}{
		{name: "volume and flow", flow: 50, volume: 100, wantFlow: 50, wantVolume: 100, wantMinutes: 120},
		{name: "rounds minutes", flow: 7, volume: 10, wantFlow: 7, wantVolume: 10, wantMinutes: 86},
		{name: "flow and duration", flow: 30, minutes: 20, wantFlow: 30, wantVolume: 10, wantMinutes: 20},
		{name: "volume and duration", volume: 40, minutes: 30, wantFlow: 80, wantVolume: 40, wantMinutes: 30},
		{name: "only one", flow: 30, wantErr: true},
		{name: "all three", flow: 30, volume: 10, minutes: 20, wantErr: true},
		{name: "negative", flow: -30, minutes: 20, wantErr: true},
		{name: "under a minute", flow: 600, volume: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow, volume, minutes, err := Resolve(tc.flow, tc.volume, tc.minutes)
			if tc.wantErr {
				assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.wantFlow, flow, 1e-9)
			assert.InDelta(t, tc.wantVolume, volume, 1e-9)
			assert.Equal(t, tc.wantMinutes, minutes)
		})
	}
}

func TestScheduleOverdueRunsImmediately(t *testing.T) {
	exec := &fakeExecutor{}
	rec := events.NewRecorder(nil)
	s, db := newTestScheduler(t, exec, WithPublisher(rec))

	req, err := s.Schedule(context.Background(), Request{
		FieldID: 2, FlowRate: 50, TotalWaterAmount: 100, StartTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 120, req.DurationMinutes)
	assert.Equal(t, req.StartTime.Add(2*time.Hour), req.EndTime)

	waitStatus(t, db, req.ID, storage.IrrigationCompleted)
	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, startCall{fieldID: 2, flowRate: 50, duration: 2 * time.Hour}, calls[0])
	assert.False(t, s.Scheduled(req.ID), "task handle dropped after execution")

	var statuses []storage.IrrigationStatus
	for _, e := range rec.Events(events.TypeIrrigationStatus) {
		statuses = append(statuses, e.Payload.(storage.IrrigationRequest).Status)
	}
	assert.Equal(t, []storage.IrrigationStatus{
		storage.IrrigationPending, storage.IrrigationInProgress, storage.IrrigationCompleted,
	}, statuses)
}

func TestDelayedRequestRunsAtStart(t *testing.T) {
	exec := &fakeExecutor{}
	s, db := newTestScheduler(t, exec)

	req, err := s.Schedule(context.Background(), Request{
		FieldID: 2, FlowRate: 30, DurationMinutes: 10, StartTime: time.Now().Add(300 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.True(t, s.Scheduled(req.ID))
	assert.Empty(t, exec.Calls())

	waitStatus(t, db, req.ID, storage.IrrigationCompleted)
	assert.Len(t, exec.Calls(), 1)
}

func TestExecuteFailureKeepsMessage(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("no actuator of field 2 opened")}
	s, db := newTestScheduler(t, exec)

	req, err := s.Schedule(context.Background(), Request{
		FieldID: 2, FlowRate: 30, DurationMinutes: 10, StartTime: time.Now(),
	})
	require.NoError(t, err)

	failed := waitStatus(t, db, req.ID, storage.IrrigationFailed)
	assert.Equal(t, "no actuator of field 2 opened", failed.FailureMessage)
	assert.False(t, s.Scheduled(req.ID))
}

func TestCancelPendingRequest(t *testing.T) {
	exec := &fakeExecutor{}
	s, db := newTestScheduler(t, exec)
	ctx := context.Background()

	req, err := s.Schedule(ctx, Request{FieldID: 2, FlowRate: 30, DurationMinutes: 10, StartTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, req.ID))

	stored, err := db.GetIrrigationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.IrrigationCancelled, stored.Status)
	assert.False(t, s.Scheduled(req.ID))
	assert.Empty(t, exec.Calls())

	err = s.Cancel(ctx, req.ID)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)
	err = s.Cancel(ctx, 999)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)
}

func TestOverlappingRequestRejected(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeExecutor{})
	ctx := context.Background()
	start := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, Request{FieldID: 2, FlowRate: 30, DurationMinutes: 60, StartTime: start})
	require.NoError(t, err)

	_, err = s.Schedule(ctx, Request{FieldID: 2, FlowRate: 30, DurationMinutes: 60, StartTime: start.Add(30 * time.Minute)})
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)

	_, err = s.Schedule(ctx, Request{FieldID: 2, FlowRate: 30, DurationMinutes: 60, StartTime: start.Add(time.Hour)})
	assert.NoError(t, err, "back-to-back requests do not overlap")

	_, err = s.Schedule(ctx, Request{FieldID: 3, FlowRate: 30, DurationMinutes: 60, StartTime: start})
	assert.NoError(t, err, "other fields are independent")
}

func TestEditRecomputesDuration(t *testing.T) {
	s, db := newTestScheduler(t, &fakeExecutor{})
	ctx := context.Background()

	req, err := s.Schedule(ctx, Request{FieldID: 2, FlowRate: 50, TotalWaterAmount: 100, StartTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 120, req.DurationMinutes)

	flow := 100.0
	edited, err := s.Edit(ctx, req.ID, Changes{FlowRate: &flow})
	require.NoError(t, err)
	assert.Equal(t, 60, edited.DurationMinutes)
	assert.InDelta(t, 100, edited.TotalWaterAmount, 1e-9)
	assert.Equal(t, edited.StartTime.Add(time.Hour), edited.EndTime)
	assert.True(t, s.Scheduled(req.ID))
	assert.Equal(t, 1, s.Pending())

	stored, err := db.GetIrrigationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, stored.DurationMinutes)

	minutes := 15
	edited, err = s.Edit(ctx, req.ID, Changes{DurationMinutes: &minutes})
	require.NoError(t, err)
	assert.InDelta(t, 25, edited.TotalWaterAmount, 1e-9)

	require.NoError(t, s.Cancel(ctx, req.ID))
	_, err = s.Edit(ctx, req.ID, Changes{DurationMinutes: &minutes})
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)
}

func TestReplacedJobDoesNotRun(t *testing.T) {
	exec := &fakeExecutor{}
	s, db := newTestScheduler(t, exec)
	ctx := context.Background()

	req, err := s.Schedule(ctx, Request{FieldID: 2, FlowRate: 60, DurationMinutes: 30, StartTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	s.mu.Lock()
	fired := s.tasks[req.ID].gen
	s.mu.Unlock()

	start := time.Now().Add(3 * time.Hour)
	_, err = s.Edit(ctx, req.ID, Changes{StartTime: &start})
	require.NoError(t, err)

	// The job registered before the edit fires late.
	s.run(req.ID, fired)

	assert.Empty(t, exec.Calls())
	assert.True(t, s.Scheduled(req.ID))
	assert.Eventually(t, func() bool { return len(s.cron.Jobs()) == 1 }, time.Second, 10*time.Millisecond)
	stored, err := db.GetIrrigationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.IrrigationPending, stored.Status)

	s.mu.Lock()
	current := s.tasks[req.ID].gen
	s.mu.Unlock()
	require.NoError(t, s.Cancel(ctx, req.ID))
	s.run(req.ID, current)
	assert.Empty(t, exec.Calls())
	stored, err = db.GetIrrigationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.IrrigationCancelled, stored.Status)
}

func TestInterruptShortensRunningRequest(t *testing.T) {
	now := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)
	s, db := newTestScheduler(t, &fakeExecutor{}, WithClock(clockwork.NewFakeClockAt(now)))
	ctx := context.Background()

	running := &storage.IrrigationRequest{FieldID: 2, FlowRate: 60, TotalWaterAmount: 60, DurationMinutes: 60,
		StartTime: now.Add(-30 * time.Minute), EndTime: now.Add(30 * time.Minute), Status: storage.IrrigationCompleted}
	require.NoError(t, db.InsertIrrigationRequest(ctx, running))
	finished := &storage.IrrigationRequest{FieldID: 2, FlowRate: 60, TotalWaterAmount: 60, DurationMinutes: 60,
		StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-2 * time.Hour), Status: storage.IrrigationCompleted}
	require.NoError(t, db.InsertIrrigationRequest(ctx, finished))
	later, err := s.Schedule(ctx, Request{FieldID: 2, FlowRate: 60, DurationMinutes: 60, StartTime: now.Add(2 * time.Hour)})
	require.NoError(t, err)

	stopped, err := s.Interrupt(ctx, 2)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, running.ID, stopped[0].ID)

	got, err := db.GetIrrigationRequest(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.IrrigationCompleted, got.Status)
	assert.True(t, now.Equal(got.EndTime))
	assert.Equal(t, 30, got.DurationMinutes)
	assert.InDelta(t, 30, got.TotalWaterAmount, 1e-9)
	assert.Equal(t, StoppedMessage, got.FailureMessage)

	got, err = db.GetIrrigationRequest(ctx, finished.ID)
	require.NoError(t, err)
	assert.InDelta(t, 60, got.TotalWaterAmount, 1e-9)
	assert.True(t, s.Scheduled(later.ID))
}

func TestRestore(t *testing.T) {
	exec := &fakeExecutor{}
	db, err := storage.Open(filepath.Join(t.TempDir(), "restore.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	missed := &storage.IrrigationRequest{FieldID: 1, FlowRate: 30, TotalWaterAmount: 15, DurationMinutes: 30,
		StartTime: now.Add(-2 * time.Hour), EndTime: now.Add(-90 * time.Minute), Status: storage.IrrigationPending}
	overdue := &storage.IrrigationRequest{FieldID: 2, FlowRate: 30, TotalWaterAmount: 30, DurationMinutes: 60,
		StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(50 * time.Minute), Status: storage.IrrigationPending}
	future := &storage.IrrigationRequest{FieldID: 3, FlowRate: 30, TotalWaterAmount: 30, DurationMinutes: 60,
		StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour), Status: storage.IrrigationPending}
	running := &storage.IrrigationRequest{FieldID: 4, FlowRate: 30, TotalWaterAmount: 30, DurationMinutes: 60,
		StartTime: now.Add(-time.Minute), EndTime: now.Add(59 * time.Minute), Status: storage.IrrigationInProgress}
	for _, r := range []*storage.IrrigationRequest{missed, overdue, future, running} {
		require.NoError(t, db.InsertIrrigationRequest(ctx, r))
	}

	s, err := New(exec, db)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(runCtx)
	defer s.Stop()

	require.NoError(t, s.Restore(ctx))

	got := waitStatus(t, db, missed.ID, storage.IrrigationFailed)
	assert.Equal(t, MissedMessage, got.FailureMessage)
	got = waitStatus(t, db, running.ID, storage.IrrigationFailed)
	assert.Equal(t, InterruptedMessage, got.FailureMessage)
	waitStatus(t, db, overdue.ID, storage.IrrigationCompleted)
	assert.True(t, s.Scheduled(future.ID))

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].fieldID)
}
