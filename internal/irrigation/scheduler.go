// Package irrigation runs irrigation requests at their start time through
// the command channel and tracks their lifecycle.
package irrigation

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// MissedMessage is recorded on pending requests whose window passed while the
// controller was down.
const MissedMessage = "missed while controller was offline"

// InterruptedMessage is recorded on requests that were running when the
// controller stopped.
const InterruptedMessage = "interrupted by controller restart"

// StoppedMessage is recorded on requests whose watering was cut short.
const StoppedMessage = "stopped before end time"

// Executor opens a field's valves.
type Executor interface {
	StartIrrigation(ctx context.Context, fieldID int, flowRate float64, duration time.Duration) error
}

// Store persists irrigation requests.
type Store interface {
	InsertIrrigationRequest(ctx context.Context, r *storage.IrrigationRequest) error
	UpdateIrrigationRequest(ctx context.Context, r *storage.IrrigationRequest) error
	GetIrrigationRequest(ctx context.Context, id int64) (*storage.IrrigationRequest, error)
	ListIrrigationRequests(ctx context.Context, fieldID int, statuses ...storage.IrrigationStatus) ([]*storage.IrrigationRequest, error)
}

// Scheduler owns the delayed irrigation jobs.
type Scheduler struct {
	cron      gocron.Scheduler
	executor  Executor
	store     Store
	clock     clockwork.Clock
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger

	// mu serializes status transitions and guards tasks.
	mu    sync.Mutex
	tasks map[int64]task
	gen   uint64
	ctx   context.Context
}

// task is the registered job of a request. gen changes every time the
// request is registered, so a job that fired before an edit can tell it has
// been replaced.
type task struct {
	job uuid.UUID
	gen uint64
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// New creates an irrigation scheduler. Jobs run once Start is called.
func New(executor Executor, store Store, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		executor: executor,
		store:    store,
		tasks:    make(map[int64]task),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	s.metrics = metrics.OrNoop(s.metrics)
	s.publisher = events.OrNoop(s.publisher)

	cron, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLogger(s.logger.With(slog.String("component", "irrigation"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s.cron = cron
	return s, nil
}

// Start begins executing jobs. Executions use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop shuts the scheduler down and waits for running executions.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// Schedule validates and persists r as a pending request and registers its
// execution. Requests starting now or earlier run immediately.
func (s *Scheduler) Schedule(ctx context.Context, r Request) (*storage.IrrigationRequest, error) {
	req, err := build(r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOverlap(ctx, req); err != nil {
		return nil, err
	}
	if err := s.store.InsertIrrigationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist irrigation request: %w", err)
	}
	if err := s.register(req); err != nil {
		req.Status = storage.IrrigationFailed
		req.FailureMessage = err.Error()
		if uerr := s.store.UpdateIrrigationRequest(ctx, req); uerr != nil {
			s.logger.Error("failed to persist irrigation request", logfields.RequestID(req.ID), logfields.Error(uerr))
		}
		return nil, err
	}
	s.metrics.IncIrrigationTransition(string(storage.IrrigationPending))
	s.publish(ctx, req)
	s.logger.Info("irrigation scheduled", logfields.RequestID(req.ID), logfields.FieldID(req.FieldID),
		slog.Time("start", req.StartTime), slog.Int("duration_minutes", req.DurationMinutes))
	return req, nil
}

// Execute runs a pending request now: pending → in_progress → completed or
// failed. The failure message is kept on the request.
func (s *Scheduler) Execute(ctx context.Context, id int64) error {
	return s.execute(ctx, id, 0)
}

// execute runs the request. A non-zero gen must match the registered task;
// otherwise the job was replaced or removed and nothing happens.
func (s *Scheduler) execute(ctx context.Context, id int64, gen uint64) error {
	s.mu.Lock()
	if gen != 0 {
		if t, ok := s.tasks[id]; !ok || t.gen != gen {
			s.mu.Unlock()
			s.logger.Debug("stale irrigation job skipped", logfields.RequestID(id))
			return nil
		}
	}
	s.forget(id)
	req, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.transition(ctx, req, storage.IrrigationInProgress, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	runErr := s.executor.StartIrrigation(ctx, req.FieldID, req.FlowRate, time.Duration(req.DurationMinutes)*time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if runErr != nil {
		s.logger.Error("irrigation failed", logfields.RequestID(id), logfields.FieldID(req.FieldID), logfields.Error(runErr))
		if err := s.transition(ctx, req, storage.IrrigationFailed, runErr.Error()); err != nil {
			return err
		}
		return runErr
	}
	return s.transition(ctx, req, storage.IrrigationCompleted, "")
}

// Cancel drops a pending request's job and marks it cancelled. A running
// execution is not interrupted and cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != storage.IrrigationPending {
		return aerrors.Validation("request %d is %s, only pending requests can be cancelled", id, req.Status)
	}
	s.unregister(id)
	return s.transition(ctx, req, storage.IrrigationCancelled, "")
}

// Edit changes a pending request, recomputing the derived quantity and
// replacing its job.
func (s *Scheduler) Edit(ctx context.Context, id int64, c Changes) (*storage.IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != storage.IrrigationPending {
		return nil, aerrors.Validation("request %d is %s, only pending requests can be edited", id, cur.Status)
	}
	next, err := apply(cur, c)
	if err != nil {
		return nil, err
	}
	if err := s.checkOverlap(ctx, next); err != nil {
		return nil, err
	}

	s.unregister(id)
	if err := s.store.UpdateIrrigationRequest(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist irrigation request: %w", err)
	}
	if err := s.register(next); err != nil {
		return nil, err
	}
	s.publish(ctx, next)
	s.logger.Info("irrigation edited", logfields.RequestID(id), slog.Time("start", next.StartTime),
		slog.Int("duration_minutes", next.DurationMinutes))
	return next, nil
}

// Interrupt records that the field's valves were closed early. Completed
// requests still inside their window are shortened to end now, with the
// delivered water recomputed from the flow rate. Pending requests keep their
// jobs.
func (s *Scheduler) Interrupt(ctx context.Context, fieldID int) ([]*storage.IrrigationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := s.store.ListIrrigationRequests(ctx, fieldID, storage.IrrigationCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed irrigation requests: %w", err)
	}

	now := s.clock.Now()
	var stopped []*storage.IrrigationRequest
	for _, req := range reqs {
		if req.StartTime.After(now) || !req.EndTime.After(now) {
			continue
		}
		elapsed := now.Sub(req.StartTime)
		req.EndTime = now
		req.DurationMinutes = int(elapsed / time.Minute)
		req.TotalWaterAmount = req.FlowRate * elapsed.Hours()
		req.FailureMessage = StoppedMessage
		if err := s.store.UpdateIrrigationRequest(ctx, req); err != nil {
			return stopped, fmt.Errorf("failed to persist irrigation request %d: %w", req.ID, err)
		}
		s.publish(ctx, req)
		s.logger.Info("irrigation stopped early", logfields.RequestID(req.ID), logfields.FieldID(fieldID),
			slog.Float64("delivered_l", req.TotalWaterAmount))
		stopped = append(stopped, req)
	}
	return stopped, nil
}

// Restore re-registers the pending requests found at startup. Requests whose
// window already ended fail; overdue ones run immediately. Requests left in
// progress by a previous run fail as interrupted.
func (s *Scheduler) Restore(ctx context.Context) error {
	reqs, err := s.store.ListIrrigationRequests(ctx, 0, storage.IrrigationPending, storage.IrrigationInProgress)
	if err != nil {
		return fmt.Errorf("failed to list open irrigation requests: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	restored := 0
	for _, req := range reqs {
		var err error
		switch {
		case req.Status == storage.IrrigationInProgress:
			err = s.transition(ctx, req, storage.IrrigationFailed, InterruptedMessage)
		case !req.EndTime.After(now):
			err = s.transition(ctx, req, storage.IrrigationFailed, MissedMessage)
		default:
			if err = s.register(req); err == nil {
				restored++
			}
		}
		if err != nil {
			s.logger.Error("failed to restore irrigation request", logfields.RequestID(req.ID), logfields.Error(err))
		}
	}
	s.logger.Info("irrigation requests restored", slog.Int("registered", restored), slog.Int("open", len(reqs)))
	return nil
}

// Scheduled reports whether the request has a registered job.
func (s *Scheduler) Scheduled(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Pending returns the number of registered jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// checkOverlap rejects req when its window intersects an open request of the
// same field. Callers hold mu.
func (s *Scheduler) checkOverlap(ctx context.Context, req *storage.IrrigationRequest) error {
	open, err := s.store.ListIrrigationRequests(ctx, req.FieldID, storage.IrrigationPending, storage.IrrigationInProgress)
	if err != nil {
		return fmt.Errorf("failed to list open irrigation requests: %w", err)
	}
	for _, other := range open {
		if other.ID == req.ID {
			continue
		}
		if overlaps(req, other) {
			return aerrors.Validation("field %d already has request %d from %s to %s", req.FieldID, other.ID,
				other.StartTime.Format(time.RFC3339), other.EndTime.Format(time.RFC3339))
		}
	}
	return nil
}

// register adds the request's one-time job. Callers hold mu.
func (s *Scheduler) register(req *storage.IrrigationRequest) error {
	start := gocron.OneTimeJobStartImmediately()
	if req.StartTime.After(s.clock.Now()) {
		start = gocron.OneTimeJobStartDateTime(req.StartTime)
	}
	s.gen++
	gen := s.gen
	job, err := s.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.run, req.ID, gen),
		gocron.WithName(fmt.Sprintf("irrigation-%d", req.ID)),
		gocron.WithTags("irrigation", fmt.Sprintf("field-%d", req.FieldID)),
		gocron.WithLimitedRuns(1),
	)
	if err != nil {
		return fmt.Errorf("failed to register irrigation request %d: %w", req.ID, err)
	}
	s.tasks[req.ID] = task{job: job.ID(), gen: gen}
	s.metrics.SetScheduledTasks("irrigation", len(s.tasks))
	return nil
}

// unregister removes the request's job, if any. Callers hold mu.
func (s *Scheduler) unregister(id int64) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	s.forget(id)
	if err := s.cron.RemoveJob(t.job); err != nil && !stderrors.Is(err, gocron.ErrJobNotFound) {
		s.logger.Warn("failed to remove irrigation job", logfields.RequestID(id), logfields.Error(err))
	}
}

// forget drops the task handle without touching the job. Callers hold mu.
func (s *Scheduler) forget(id int64) {
	delete(s.tasks, id)
	s.metrics.SetScheduledTasks("irrigation", len(s.tasks))
}

func (s *Scheduler) run(id int64, gen uint64) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.execute(ctx, id, gen); err != nil {
		s.logger.Debug("irrigation job finished with error", logfields.RequestID(id), logfields.Error(err))
	}
}

func (s *Scheduler) load(ctx context.Context, id int64) (*storage.IrrigationRequest, error) {
	req, err := s.store.GetIrrigationRequest(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, aerrors.Validation("irrigation request %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load irrigation request %d: %w", id, err)
	}
	return req, nil
}

// transition moves req to next and persists it. Callers hold mu.
func (s *Scheduler) transition(ctx context.Context, req *storage.IrrigationRequest, next storage.IrrigationStatus, msg string) error {
	if !req.Status.CanTransition(next) {
		return aerrors.Validation("request %d cannot move from %s to %s", req.ID, req.Status, next)
	}
	prev := req.Status
	req.Status = next
	req.FailureMessage = msg
	if err := s.store.UpdateIrrigationRequest(ctx, req); err != nil {
		req.Status = prev
		return fmt.Errorf("failed to persist irrigation request %d: %w", req.ID, err)
	}
	s.metrics.IncIrrigationTransition(string(next))
	s.publish(ctx, req)
	s.logger.Info("irrigation status changed", logfields.RequestID(req.ID), logfields.FieldID(req.FieldID),
		slog.String("from", string(prev)), logfields.Status(string(next)))
	return nil
}

func (s *Scheduler) publish(ctx context.Context, req *storage.IrrigationRequest) {
	snapshot := *req
	if err := s.publisher.Publish(ctx, events.New(events.TypeIrrigationStatus, snapshot)); err != nil {
		s.logger.Warn("failed to publish irrigation status", logfields.RequestID(req.ID), logfields.Error(err))
	}
}
