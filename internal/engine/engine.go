// Package engine wires the controller together: device registry, command
// channel, poll and irrigation schedulers, the water balance planner, the
// join listener and the operator link.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/admin"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/command"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/config"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/devicecfg"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/forecast"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/irrigation"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/join"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/operator"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/planner"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/poll"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/timeseries"
)

// Engine is the running controller.
type Engine struct {
	config     *config.Config
	logger     *slog.Logger
	clock      clockwork.Clock
	forecaster planner.Forecaster
	extra      []events.Publisher

	db         *storage.DB
	table      *devicecfg.Store
	watcher    *devicecfg.Watcher
	registry   *prom.Registry
	metrics    *metrics.PrometheusRecorder
	publisher  events.Publisher
	influx     *timeseries.Writer
	channel    *command.Channel
	poll       *poll.Scheduler
	irrigation *irrigation.Scheduler
	planner    *planner.Planner
	join       *join.Listener
	link       *operator.Link
	admin      *admin.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	joinDone chan struct{}
	joinAddr net.Addr
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock of the schedulers and valve timers.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithForecaster replaces the HTTP forecast client.
func WithForecaster(f planner.Forecaster) Option {
	return func(e *Engine) { e.forecaster = f }
}

// WithPublisher adds a publisher that receives every event.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.extra = append(e.extra, p) }
}

// New opens the registry, loads the command table and builds every
// component. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{config: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e.db = db

	if err := e.build(); err != nil {
		e.closeSinks()
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build() error {
	cfg := e.config

	table, err := devicecfg.Load(cfg.DeviceCommands.Path)
	if err != nil {
		return fmt.Errorf("failed to load device command table: %w", err)
	}
	e.table = devicecfg.NewStore(table)
	if cfg.DeviceCommands.Watch {
		e.watcher, err = devicecfg.NewWatcher(cfg.DeviceCommands.Path, e.table, e.logger)
		if err != nil {
			return err
		}
	}

	e.registry = prom.NewRegistry()
	e.metrics = metrics.NewPrometheusRecorder(e.registry)
	e.admin = admin.New(cfg.AdminConfig(), e.registry, e.logger)

	if ic := cfg.InfluxConfig(); ic.Enabled() {
		e.influx, err = timeseries.NewWriter(ic)
		if err != nil {
			return fmt.Errorf("failed to create influxdb writer: %w", err)
		}
	}

	publishers := append(e.buses(), e.extra...)
	if cfg.Operator.URL != "" {
		e.link = operator.New(cfg.OperatorConfig(), e, e.logger)
		publishers = append(publishers, e.link)
	}
	e.publisher = events.Multi(publishers)

	e.channel = command.New(cfg.CommandConfig(), e.db, e.table,
		command.WithClock(e.clock),
		command.WithLogger(e.logger.With(slog.String("component", "command"))),
		command.WithMetrics(e.metrics),
	)

	pollOpts := []poll.Option{
		poll.WithClock(e.clock),
		poll.WithLogger(e.logger),
		poll.WithMetrics(e.metrics),
		poll.WithPublisher(e.publisher),
	}
	if e.influx != nil {
		pollOpts = append(pollOpts, poll.WithSink(e.influx))
	}
	e.poll, err = poll.New(e.channel, e.db, pollOpts...)
	if err != nil {
		return err
	}

	e.irrigation, err = irrigation.New(e.channel, e.db,
		irrigation.WithClock(e.clock),
		irrigation.WithLogger(e.logger),
		irrigation.WithMetrics(e.metrics),
		irrigation.WithPublisher(e.publisher),
	)
	if err != nil {
		return err
	}

	if cfg.Planner.Enabled {
		if e.forecaster == nil {
			e.forecaster = forecast.New(cfg.ForecastConfig(), e.logger)
		}
		plannerOpts := []planner.Option{
			planner.WithClock(e.clock),
			planner.WithLogger(e.logger),
			planner.WithMetrics(e.metrics),
			planner.WithPublisher(e.publisher),
		}
		if e.influx != nil {
			plannerOpts = append(plannerOpts, planner.WithSink(e.influx))
		}
		e.planner, err = planner.New(cfg.PlannerConfig(), e.db, e.forecaster, e.irrigation, plannerOpts...)
		if err != nil {
			return err
		}
	}

	e.join = join.New(cfg.JoinConfig(), e.db, e.logger.With(slog.String("component", "join")), e.metrics)
	e.join.SetPendingHandler(e.onPending)
	e.join.SetAcceptedHandler(e.onAccepted)
	return nil
}

// buses connects the configured message buses. A bus that cannot be reached
// is logged and left out; the controller keeps running without it.
func (e *Engine) buses() []events.Publisher {
	cfg := e.config
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out []events.Publisher
	if cfg.Events.ZMQEndpoint != "" {
		p, err := events.NewZMQPublisher(context.Background(), cfg.Events.ZMQEndpoint)
		if err != nil {
			e.logger.Warn("zmq publisher disabled", slog.String("endpoint", cfg.Events.ZMQEndpoint), logfields.Error(err))
		} else {
			out = append(out, p)
		}
	}
	if cfg.Events.MQTT.Broker != "" {
		p, err := events.NewMQTTPublisher(ctx, cfg.MQTTConfig(), e.logger)
		if err != nil {
			e.logger.Warn("mqtt publisher disabled", logfields.Error(err))
		} else {
			out = append(out, p)
		}
	}
	if cfg.Events.NATS.URL != "" {
		p, err := events.NewNATSPublisher(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
		if err != nil {
			e.logger.Warn("nats publisher disabled", logfields.Error(err))
		} else {
			out = append(out, p)
		}
	}
	return out
}

// Start runs the components in dependency order: command table watcher,
// poll tasks, irrigation restore, planner, join listener, operator link.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.admin.Start(); err != nil {
		return err
	}
	if e.watcher != nil {
		if err := e.watcher.Start(ctx); err != nil {
			return err
		}
	}

	e.poll.Start(ctx)
	if err := e.poll.InitializeDeviceTasks(ctx); err != nil {
		return fmt.Errorf("failed to initialize poll tasks: %w", err)
	}

	e.irrigation.Start(ctx)
	if err := e.irrigation.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore irrigation requests: %w", err)
	}

	if e.planner != nil {
		e.planner.Start(ctx)
		if err := e.planner.ScheduleFields(ctx); err != nil {
			return err
		}
	}

	addr, err := e.join.Listen()
	if err != nil {
		return err
	}
	done := make(chan struct{})
	e.mu.Lock()
	e.joinAddr = addr
	e.joinDone = done
	e.mu.Unlock()
	go func() {
		defer close(done)
		if err := e.join.Serve(ctx); err != nil {
			e.logger.Error("join listener failed", logfields.Error(err))
		}
	}()

	if e.link != nil {
		e.link.Start(ctx)
	}

	e.admin.SetServing(true)
	e.logger.Info("engine started", slog.String("controller", e.config.Controller.ID))
	return nil
}

// Stop shuts the components down in reverse order and closes the registry.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, joinDone := e.cancel, e.joinDone
	e.mu.Unlock()

	e.admin.SetServing(false)
	if cancel != nil {
		cancel()
	}
	if joinDone != nil {
		<-joinDone
	}
	if e.planner != nil {
		if err := e.planner.Stop(); err != nil {
			e.logger.Warn("error stopping planner", logfields.Error(err))
		}
	}
	if err := e.irrigation.Stop(); err != nil {
		e.logger.Warn("error stopping irrigation scheduler", logfields.Error(err))
	}
	if err := e.poll.Stop(); err != nil {
		e.logger.Warn("error stopping poll scheduler", logfields.Error(err))
	}
	if e.watcher != nil {
		e.watcher.Stop()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := e.admin.Shutdown(ctx); err != nil {
		e.logger.Warn("error stopping admin server", logfields.Error(err))
	}

	e.closeSinks()
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) closeSinks() {
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			e.logger.Warn("error closing event publishers", logfields.Error(err))
		}
	}
	if e.influx != nil {
		e.influx.Close()
	}
}

// DB returns the device registry.
func (e *Engine) DB() *storage.DB { return e.db }

// JoinAddr returns the bound join listener address once started.
func (e *Engine) JoinAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joinAddr
}

// Pending returns joins awaiting an operator decision.
func (e *Engine) Pending() []join.Pending { return e.join.Pending() }

// PollScheduled returns the ids of sensors with a poll task.
func (e *Engine) PollScheduled() []int { return e.poll.Scheduled() }

func (e *Engine) onPending(p join.Pending) {
	if err := e.publisher.Publish(context.Background(), events.New(events.TypeJoinPending, p)); err != nil {
		e.logger.Warn("failed to publish pending join", logfields.DeviceID(p.DeviceID), logfields.Error(err))
	}
}

// onAccepted starts polling newly approved sensors.
func (e *Engine) onAccepted(ctx context.Context, d *storage.Device) {
	if d.IsSensor() {
		if err := e.poll.ScheduleDeviceTask(ctx, d); err != nil {
			e.logger.Error("failed to schedule poll task", logfields.DeviceID(d.ID), logfields.Error(err))
		}
	}
	if err := e.publisher.Publish(ctx, events.New(events.TypeDeviceJoined, d)); err != nil {
		e.logger.Warn("failed to publish device joined", logfields.DeviceID(d.ID), logfields.Error(err))
	}
}
