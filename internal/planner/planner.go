// Package planner evaluates each field's water balance on a fixed cycle and
// requests irrigation for fields that have run dry.
package planner

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
	"github.com/mertkan-iscan/agriAssist-sub000/internal/forecast"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/irrigation"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/soilwater"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// ETo modes.
const (
	ModeHourly = "hourly"
	ModeDaily  = "daily"
)

// Config holds planner configuration
type Config struct {
	Interval      time.Duration
	ReadingWindow time.Duration
	Mode          string
	Grid          soilwater.Grid
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		ReadingWindow: 2 * time.Hour,
		Mode:          ModeHourly,
		Grid:          soilwater.DefaultGrid,
	}
}

// Store is the persistence used by the planner.
type Store interface {
	ListFields(ctx context.Context) ([]*storage.Field, error)
	GetField(ctx context.Context, id int) (*storage.Field, error)
	ListFieldDevices(ctx context.Context, fieldID int, kind storage.DeviceKind) ([]*storage.Device, error)
	FieldReadingsSince(ctx context.Context, fieldID int, group string, since time.Time) ([]storage.SensorReading, error)
	LatestWaterState(ctx context.Context, fieldID int) (*storage.FieldWaterState, error)
	InsertWaterState(ctx context.Context, s *storage.FieldWaterState) error
	CompletedIrrigationSince(ctx context.Context, fieldID int, since time.Time) (float64, error)
	ListIrrigationRequests(ctx context.Context, fieldID int, statuses ...storage.IrrigationStatus) ([]*storage.IrrigationRequest, error)
}

// Forecaster provides weather for a location.
type Forecaster interface {
	Forecast(ctx context.Context, lat, lon float64, at time.Time) (*forecast.Forecast, error)
}

// Irrigator schedules irrigation requests.
type Irrigator interface {
	Schedule(ctx context.Context, r irrigation.Request) (*storage.IrrigationRequest, error)
}

// StateSink receives every evaluated state.
type StateSink interface {
	WriteWaterState(ctx context.Context, s *storage.FieldWaterState) error
}

// Planner owns one evaluation job per field.
type Planner struct {
	config     Config
	cron       gocron.Scheduler
	store      Store
	forecaster Forecaster
	irrigator  Irrigator
	sink       StateSink
	publisher  events.Publisher
	metrics    metrics.Recorder
	logger     *slog.Logger
	clock      clockwork.Clock

	mu   sync.Mutex
	jobs map[int]uuid.UUID
	ctx  context.Context
}

type Option func(*Planner)

func WithClock(c clockwork.Clock) Option {
	return func(p *Planner) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Planner) { p.metrics = r }
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Planner) { p.publisher = pub }
}

func WithSink(s StateSink) Option {
	return func(p *Planner) { p.sink = s }
}

// New creates a planner.
func New(config Config, store Store, forecaster Forecaster, irrigator Irrigator, opts ...Option) (*Planner, error) {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ReadingWindow <= 0 {
		config.ReadingWindow = def.ReadingWindow
	}
	if config.Grid.Nodes == 0 {
		config.Grid = def.Grid
	}
	if config.Mode == "" {
		config.Mode = def.Mode
	}
	if config.Mode != ModeHourly && config.Mode != ModeDaily {
		return nil, fmt.Errorf("unknown planner mode %q", config.Mode)
	}

	p := &Planner{
		config:     config,
		store:      store,
		forecaster: forecaster,
		irrigator:  irrigator,
		jobs:       make(map[int]uuid.UUID),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	p.metrics = metrics.OrNoop(p.metrics)
	p.publisher = events.OrNoop(p.publisher)

	cron, err := gocron.NewScheduler(
		gocron.WithClock(p.clock),
		gocron.WithLogger(p.logger.With(slog.String("component", "planner"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	p.cron = cron
	return p, nil
}

// Start begins executing jobs.
func (p *Planner) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.cron.Start()
}

// Stop shuts the planner down.
func (p *Planner) Stop() error {
	return p.cron.Shutdown()
}

// ScheduleFields installs a job for every field.
func (p *Planner) ScheduleFields(ctx context.Context) error {
	fields, err := p.store.ListFields(ctx)
	if err != nil {
		return fmt.Errorf("failed to list fields: %w", err)
	}
	for _, f := range fields {
		if err := p.AddField(f.ID); err != nil {
			p.logger.Error("failed to schedule planner job", logfields.FieldID(f.ID), logfields.Error(err))
		}
	}
	return nil
}

// AddField installs or replaces the field's job.
func (p *Planner) AddField(fieldID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, err := p.cron.NewJob(
		gocron.DurationJob(p.config.Interval),
		gocron.NewTask(p.cycle, fieldID),
		gocron.WithName(fmt.Sprintf("planner-field-%d", fieldID)),
		gocron.WithTags("planner"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create planner job for field %d: %w", fieldID, err)
	}
	if prev, ok := p.jobs[fieldID]; ok {
		if err := p.cron.RemoveJob(prev); err != nil {
			p.logger.Warn("failed to remove replaced planner job", logfields.FieldID(fieldID), logfields.Error(err))
		}
	}
	p.jobs[fieldID] = job.ID()
	p.metrics.SetScheduledTasks("planner", len(p.jobs))
	return nil
}

// RemoveField drops the field's job.
func (p *Planner) RemoveField(fieldID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.jobs[fieldID]
	if !ok {
		return
	}
	delete(p.jobs, fieldID)
	if err := p.cron.RemoveJob(id); err != nil {
		p.logger.Warn("failed to remove planner job", logfields.FieldID(fieldID), logfields.Error(err))
	}
	p.metrics.SetScheduledTasks("planner", len(p.jobs))
}

func (p *Planner) cycle(fieldID int) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := p.Evaluate(ctx, fieldID); err != nil {
		p.metrics.IncPlannerCycle(metrics.ResultFailure)
		if stderrors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("field is gone, dropping its planner job", logfields.FieldID(fieldID))
			p.RemoveField(fieldID)
			return
		}
		p.logger.Error("water balance evaluation failed", logfields.FieldID(fieldID), logfields.Error(err))
		return
	}
	p.metrics.IncPlannerCycle(metrics.ResultSuccess)
}

// Evaluate computes, stores and publishes the field's water balance, then
// requests irrigation when the field is set to irrigate automatically and
// its depletion reached RAW.
func (p *Planner) Evaluate(ctx context.Context, fieldID int) (*storage.FieldWaterState, error) {
	field, err := p.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to load field %d: %w", fieldID, err)
	}
	now := p.clock.Now()

	samples, err := p.samples(ctx, field, now)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, aerrors.Validation("field %d has no soil moisture readings in the last %s", fieldID, p.config.ReadingWindow)
	}

	var prevDepletion float64
	since := now.Add(-p.config.Interval)
	prev, err := p.store.LatestWaterState(ctx, fieldID)
	switch {
	case err == nil:
		prevDepletion = prev.Depletion
		since = prev.Timestamp
	case !stderrors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load previous water state: %w", err)
	}

	weather, err := p.weather(ctx, field, now)
	if err != nil {
		return nil, err
	}

	irrigated, err := p.store.CompletedIrrigationSince(ctx, fieldID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum irrigation: %w", err)
	}

	state, err := p.config.balance(field, samples, prevDepletion, weather, irrigated)
	if err != nil {
		return nil, err
	}
	state.Timestamp = now

	if err := p.store.InsertWaterState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist water state: %w", err)
	}
	if p.sink != nil {
		if err := p.sink.WriteWaterState(ctx, state); err != nil {
			p.logger.Warn("failed to write water state to sink", logfields.FieldID(fieldID), logfields.Error(err))
		}
	}
	if err := p.publisher.Publish(ctx, events.New(events.TypeWaterState, *state)); err != nil {
		p.logger.Warn("failed to publish water state", logfields.FieldID(fieldID), logfields.Error(err))
	}
	p.logger.Info("water balance evaluated", logfields.FieldID(fieldID),
		slog.Float64("depletion", state.Depletion), slog.Float64("tew", state.TEW),
		slog.Float64("raw", state.RAW), slog.Float64("eto", state.ETo),
		slog.Float64("etc", soilwater.ETcDual(field.BasalKc, state.Ke, state.ETo)))

	if field.AutoIrrigate {
		p.autoIrrigate(ctx, field, state, now)
	}
	return state, nil
}

func (p *Planner) autoIrrigate(ctx context.Context, field *storage.Field, state *storage.FieldWaterState, now time.Time) {
	if state.RAW <= 0 || state.Depletion < state.RAW {
		return
	}
	if field.DefaultFlowRate <= 0 || field.TotalArea <= 0 {
		p.logger.Warn("field needs water but has no default flow rate or area", logfields.FieldID(field.ID))
		return
	}
	open, err := p.store.ListIrrigationRequests(ctx, field.ID, storage.IrrigationPending, storage.IrrigationInProgress)
	if err != nil {
		p.logger.Error("failed to list open irrigation requests", logfields.FieldID(field.ID), logfields.Error(err))
		return
	}
	if len(open) > 0 {
		return
	}

	req, err := p.irrigator.Schedule(ctx, irrigation.Request{
		FieldID:          field.ID,
		FlowRate:         field.DefaultFlowRate,
		TotalWaterAmount: state.Depletion * field.TotalArea,
		StartTime:        now,
	})
	if err != nil {
		p.logger.Error("failed to request irrigation", logfields.FieldID(field.ID), logfields.Error(err))
		return
	}
	p.logger.Info("irrigation requested", logfields.FieldID(field.ID), logfields.RequestID(req.ID),
		slog.Float64("litres", req.TotalWaterAmount))
}
