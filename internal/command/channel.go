// Package command implements the request/response channel to field devices.
// Every round trip opens a fresh TCP connection, writes one JSON line, reads
// one JSON line and closes the connection. Round trips to the same device are
// serialized through a devicelock.Map.
package command

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/devicecfg"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/devicelock"
	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/protocol"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Config holds command channel configuration
type Config struct {
	ActuatorTimeout time.Duration
	SensorTimeout   time.Duration
	LockWait        time.Duration
}

// DefaultConfig returns default command channel configuration
func DefaultConfig() Config {
	return Config{
		ActuatorTimeout: 10 * time.Second,
		SensorTimeout:   20 * time.Second,
		LockWait:        devicelock.DefaultWait,
	}
}

// Registry is the subset of the device registry the channel needs.
type Registry interface {
	GetDevice(ctx context.Context, id int) (*storage.Device, error)
	ListFieldDevices(ctx context.Context, fieldID int, kind storage.DeviceKind) ([]*storage.Device, error)
	UpdateDeviceStatus(ctx context.Context, id int, status storage.DeviceStatus) error
}

// Channel sends commands to devices.
type Channel struct {
	config   Config
	registry Registry
	table    devicecfg.Lookup
	locks    *devicelock.Map
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  metrics.Recorder
	dialer   net.Dialer

	mu      sync.Mutex
	closers map[int]map[int]*pendingClose // field id -> actuator id
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock sets the clock used for valve close timers and reading timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(ch *Channel) { ch.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(ch *Channel) { ch.metrics = metrics.OrNoop(r) }
}

// WithLocks shares an existing lock map.
func WithLocks(m *devicelock.Map) Option {
	return func(ch *Channel) { ch.locks = m }
}

// New creates a command channel.
func New(config Config, registry Registry, table devicecfg.Lookup, opts ...Option) *Channel {
	def := DefaultConfig()
	if config.ActuatorTimeout <= 0 {
		config.ActuatorTimeout = def.ActuatorTimeout
	}
	if config.SensorTimeout <= 0 {
		config.SensorTimeout = def.SensorTimeout
	}
	if config.LockWait <= 0 {
		config.LockWait = def.LockWait
	}
	ch := &Channel{
		config:   config,
		registry: registry,
		table:    table,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		metrics:  metrics.NoopRecorder{},
		closers:  make(map[int]map[int]*pendingClose),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.locks == nil {
		ch.locks = devicelock.New(config.LockWait)
	}
	return ch
}

// SendActuatorCommand sets an actuator's valve to degree.
func (c *Channel) SendActuatorCommand(ctx context.Context, deviceID, degree int) error {
	d, err := c.device(ctx, deviceID, storage.KindActuator)
	if err != nil {
		return err
	}
	return c.setValve(ctx, d, degree)
}

func (c *Channel) setValve(ctx context.Context, d *storage.Device, degree int) error {
	unlock, err := c.locks.Lock(ctx, d.ID)
	if err != nil {
		return err
	}
	defer unlock()

	resp, err := c.roundTrip(ctx, d, protocol.SetValve(degree), c.config.ActuatorTimeout)
	if err != nil {
		return err
	}
	if !resp.Succeeded() {
		return aerrors.Protocol("valve reported %q for degree %d", resp.MessageType(), degree).
			WithOp(protocol.MsgSetValve).WithDevice(d.ID)
	}
	c.logger.Debug("valve set", logfields.DeviceID(d.ID), logfields.Degree(degree))
	return nil
}

// FetchSensorData pulls every command configured for the sensor's model and
// returns the converted readings. Any failure discards the whole batch.
func (c *Channel) FetchSensorData(ctx context.Context, deviceID int) ([]storage.SensorReading, error) {
	d, err := c.device(ctx, deviceID, storage.KindSensor)
	if err != nil {
		return nil, err
	}
	cmds, ok := c.table.Commands(d.Model)
	if !ok {
		return nil, aerrors.Configuration("no commands configured for model %q", d.Model).
			WithOp("fetch").WithDevice(d.ID)
	}

	unlock, err := c.locks.Lock(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var readings []storage.SensorReading
	for _, cmd := range cmds {
		resp, err := c.roundTrip(ctx, d, protocol.NewMessage(cmd.Name), c.config.SensorTimeout)
		if err != nil {
			return nil, err
		}
		batch, err := Convert(d, cmd, resp, c.clock.Now())
		if err != nil {
			return nil, err
		}
		for _, skipped := range missingFields(cmd, resp) {
			c.logger.Warn("expected field missing or not numeric",
				logfields.DeviceID(d.ID), logfields.Command(cmd.Name), slog.String("field", skipped))
		}
		readings = append(readings, batch...)
	}
	return readings, nil
}

func (c *Channel) device(ctx context.Context, id int, kind storage.DeviceKind) (*storage.Device, error) {
	d, err := c.registry.GetDevice(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, aerrors.Wrap(err, aerrors.CategoryDeviceState, "device is not registered").WithDevice(id)
		}
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}
	if d.Kind != kind {
		return nil, aerrors.DeviceState("device is a %s, not a %s", d.Kind, kind).WithDevice(id)
	}
	return d, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
// The caller must hold the device's lock.
func (c *Channel) roundTrip(ctx context.Context, d *storage.Device, msg protocol.Message, timeout time.Duration) (resp protocol.Response, err error) {
	start := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if aerrors.IsCategory(err, aerrors.CategoryTimeout) {
			result = metrics.ResultTimeout
		} else if err != nil {
			result = metrics.ResultFailure
		}
		c.metrics.ObserveCommand(string(d.Kind), msg.Type, result, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, c.classify(err, d, msg.Type, "connect")
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	// Unblock the read if the caller's context ends first.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteFrame(conn, msg); err != nil {
		return nil, c.classify(err, d, msg.Type, "write")
	}
	line, err := protocol.ReadFrame(protocol.NewReader(conn))
	if err != nil {
		return nil, c.classify(err, d, msg.Type, "read")
	}
	resp, err = protocol.DecodeResponse(line)
	if err != nil {
		return nil, aerrors.Wrap(err, aerrors.CategoryProtocol, "bad response").WithOp(msg.Type).WithDevice(d.ID)
	}
	return resp, nil
}

func (c *Channel) classify(err error, d *storage.Device, op, stage string) error {
	var ce *aerrors.Error
	if stderrors.As(err, &ce) {
		return ce.WithOp(op).WithDevice(d.ID)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return aerrors.Wrap(err, aerrors.CategoryTimeout, "%s %s", stage, d.Addr()).WithOp(op).WithDevice(d.ID)
	}
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return aerrors.Wrap(err, aerrors.CategoryTimeout, "%s %s", stage, d.Addr()).WithOp(op).WithDevice(d.ID)
	}
	return aerrors.Wrap(err, aerrors.CategoryProtocol, "%s %s", stage, d.Addr()).WithOp(op).WithDevice(d.ID)
}

func (c *Channel) setStatus(d *storage.Device, status storage.DeviceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.registry.UpdateDeviceStatus(ctx, d.ID, status); err != nil {
		c.logger.Error("failed to update device status",
			logfields.DeviceID(d.ID), logfields.Status(string(status)), logfields.Error(err))
	}
}
