// Package poll keeps one recurring fetch job per registered sensor.
package poll

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

// Fetcher pulls readings from a sensor.
type Fetcher interface {
	FetchSensorData(ctx context.Context, deviceID int) ([]storage.SensorReading, error)
}

// Registry is the device and reading storage used by the scheduler.
type Registry interface {
	ListDevices(ctx context.Context, kind storage.DeviceKind) ([]*storage.Device, error)
	GetDevice(ctx context.Context, id int) (*storage.Device, error)
	UpdateDeviceStatus(ctx context.Context, id int, status storage.DeviceStatus) error
	UpdatePollInterval(ctx context.Context, id int, interval storage.FetchInterval) error
	InsertReadings(ctx context.Context, readings []storage.SensorReading) error
}

// ReadingSink receives every persisted batch, e.g. a time-series database.
type ReadingSink interface {
	WriteReadings(ctx context.Context, readings []storage.SensorReading) error
}

// Scheduler owns the per-device poll jobs.
type Scheduler struct {
	cron      gocron.Scheduler
	fetcher   Fetcher
	registry  Registry
	sink      ReadingSink
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger
	clock     clockwork.Clock

	mu   sync.Mutex
	jobs map[int]uuid.UUID
	ctx  context.Context
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

func WithSink(sink ReadingSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// New creates a scheduler. Jobs run once Start is called.
func New(fetcher Fetcher, registry Registry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		fetcher:  fetcher,
		registry: registry,
		jobs:     make(map[int]uuid.UUID),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.metrics = metrics.OrNoop(s.metrics)
	s.publisher = events.OrNoop(s.publisher)
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLogger(s.logger.With(slog.String("component", "poll"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s.cron = cron
	return s, nil
}

// Start begins executing jobs. Ticks run with ctx so that a shutdown aborts
// in-flight fetches.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop shuts the scheduler down and waits for running ticks.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// InitializeDeviceTasks installs a job for every registered sensor. Each job
// ticks immediately and then every poll interval.
func (s *Scheduler) InitializeDeviceTasks(ctx context.Context) error {
	sensors, err := s.registry.ListDevices(ctx, storage.KindSensor)
	if err != nil {
		return fmt.Errorf("failed to list sensors: %w", err)
	}
	for _, d := range sensors {
		if err := s.install(d.ID, d.PollInterval.OrDefault(), true); err != nil {
			s.logger.Error("failed to schedule poll job", logfields.DeviceID(d.ID), logfields.Error(err))
		}
	}
	s.logger.Info("poll jobs initialized", slog.Int("sensors", len(sensors)))
	return nil
}

// ScheduleDeviceTask installs the job of a newly approved device. Actuators
// are not polled.
func (s *Scheduler) ScheduleDeviceTask(_ context.Context, d *storage.Device) error {
	if !d.IsSensor() {
		return nil
	}
	return s.install(d.ID, d.PollInterval.OrDefault(), true)
}

// RescheduleDeviceTask persists the new interval and replaces the device's
// job. A tick already running finishes; the first new tick happens one full
// interval from now.
func (s *Scheduler) RescheduleDeviceTask(ctx context.Context, deviceID int, interval storage.FetchInterval) error {
	if !interval.Valid() {
		return aerrors.Validation("unsupported poll interval %d", int(interval)).WithOp("reschedule").WithDevice(deviceID)
	}
	d, err := s.registry.GetDevice(ctx, deviceID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return aerrors.DeviceState("device is not registered").WithOp("reschedule").WithDevice(deviceID)
		}
		return fmt.Errorf("failed to load device %d: %w", deviceID, err)
	}
	if !d.IsSensor() {
		return aerrors.DeviceState("only sensors are polled").WithOp("reschedule").WithDevice(deviceID)
	}
	if err := s.registry.UpdatePollInterval(ctx, deviceID, interval); err != nil {
		return fmt.Errorf("failed to persist poll interval: %w", err)
	}
	if err := s.install(deviceID, interval, false); err != nil {
		return err
	}
	s.logger.Info("poll job rescheduled", logfields.DeviceID(deviceID), logfields.Interval(interval.Duration()))
	return nil
}

// RemoveDeviceTask drops the device's job, if any.
func (s *Scheduler) RemoveDeviceTask(deviceID int) {
	s.mu.Lock()
	id, ok := s.jobs[deviceID]
	delete(s.jobs, deviceID)
	n := len(s.jobs)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(id); err != nil {
		s.logger.Warn("failed to remove poll job", logfields.DeviceID(deviceID), logfields.Error(err))
	}
	s.metrics.SetScheduledTasks("poll", n)
}

// NextRun returns when the device's next tick is due.
func (s *Scheduler) NextRun(deviceID int) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[deviceID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	for _, j := range s.cron.Jobs() {
		if j.ID() != id {
			continue
		}
		next, err := j.NextRun()
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// Scheduled returns the ids of devices that currently have a job.
func (s *Scheduler) Scheduled() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// install adds the device's job and then removes the one it replaces, holding
// mu so that concurrent installs for the same device cannot interleave.
func (s *Scheduler) install(deviceID int, interval storage.FetchInterval, immediate bool) error {
	opts := []gocron.JobOption{
		gocron.WithName(fmt.Sprintf("poll-device-%d", deviceID)),
		gocron.WithTags("poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.cron.NewJob(
		gocron.DurationJob(interval.Duration()),
		gocron.NewTask(s.tick, deviceID),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create poll job for device %d: %w", deviceID, err)
	}
	if prev, ok := s.jobs[deviceID]; ok {
		if err := s.cron.RemoveJob(prev); err != nil {
			s.logger.Warn("failed to remove replaced poll job", logfields.DeviceID(deviceID), logfields.Error(err))
		}
	}
	s.jobs[deviceID] = job.ID()
	s.metrics.SetScheduledTasks("poll", len(s.jobs))
	s.logger.Debug("poll job installed", logfields.DeviceID(deviceID),
		logfields.Interval(interval.Duration()), logfields.JobID(job.ID().String()))
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// tick fetches and stores one batch of readings. A failed tick marks the
// device inactive; the job keeps running.
func (s *Scheduler) tick(deviceID int) {
	ctx := s.runContext()
	if ctx.Err() != nil {
		return
	}

	readings, err := s.fetcher.FetchSensorData(ctx, deviceID)
	if err != nil {
		s.metrics.IncPollTick(tickResult(err))
		if stderrors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("polled device is no longer registered", logfields.DeviceID(deviceID))
			s.RemoveDeviceTask(deviceID)
			return
		}
		s.logger.Warn("poll failed", logfields.DeviceID(deviceID), logfields.Error(err))
		s.setStatus(ctx, deviceID, storage.StatusInactive)
		return
	}
	s.metrics.IncPollTick(metrics.ResultSuccess)

	if len(readings) > 0 {
		if err := s.registry.InsertReadings(ctx, readings); err != nil {
			s.logger.Error("failed to persist readings", logfields.DeviceID(deviceID), logfields.Error(err))
			return
		}
		for group, n := range countGroups(readings) {
			s.metrics.IncReadings(group, n)
		}
		if s.sink != nil {
			if err := s.sink.WriteReadings(ctx, readings); err != nil {
				s.logger.Warn("failed to write readings to sink", logfields.DeviceID(deviceID), logfields.Error(err))
			}
		}
		if err := s.publisher.Publish(ctx, events.New(events.TypeReadings, readings)); err != nil {
			s.logger.Warn("failed to publish readings", logfields.DeviceID(deviceID), logfields.Error(err))
		}
	}

	d, err := s.registry.GetDevice(ctx, deviceID)
	if err == nil && d.Status != storage.StatusActive {
		s.setStatus(ctx, deviceID, storage.StatusActive)
	}
}

func (s *Scheduler) setStatus(ctx context.Context, deviceID int, status storage.DeviceStatus) {
	if err := s.registry.UpdateDeviceStatus(ctx, deviceID, status); err != nil {
		s.logger.Error("failed to update device status", logfields.DeviceID(deviceID),
			logfields.Status(string(status)), logfields.Error(err))
		return
	}
	payload := map[string]any{"device_id": deviceID, "status": status}
	if err := s.publisher.Publish(ctx, events.New(events.TypeDeviceStatus, payload)); err != nil {
		s.logger.Warn("failed to publish device status", logfields.DeviceID(deviceID), logfields.Error(err))
	}
}

func tickResult(err error) string {
	if aerrors.IsCategory(err, aerrors.CategoryTimeout) {
		return metrics.ResultTimeout
	}
	return metrics.ResultFailure
}

func countGroups(readings []storage.SensorReading) map[string]int {
	out := make(map[string]int)
	for _, r := range readings {
		out[r.Group]++
	}
	return out
}
