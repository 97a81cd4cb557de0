// Package join runs the device registration handshake. Devices connect, send
// one JSON join frame and wait for join_accepted or join_refused. Unknown
// devices are held open until an operator approves or refuses them.
package join

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/metrics"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/protocol"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Config holds join listener configuration
type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PendingTTL       time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns default join listener configuration
func DefaultConfig() Config {
	return Config{
		Addr:             ":12345",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PendingTTL:       10 * time.Minute,
		SweepInterval:    30 * time.Second,
	}
}

// Registry is the subset of the device registry the listener needs.
type Registry interface {
	GetDevice(ctx context.Context, id int) (*storage.Device, error)
	UpsertDevice(ctx context.Context, d *storage.Device) error
	UpdateDeviceAddress(ctx context.Context, id int, ip string, port int) error
	GetField(ctx context.Context, id int) (*storage.Field, error)
}

// Pending describes a join waiting for an operator decision.
type Pending struct {
	DeviceID   int                `json:"deviceId"`
	Kind       storage.DeviceKind `json:"deviceType"`
	Model      string             `json:"deviceModel"`
	IP         string             `json:"ip"`
	Port       int                `json:"devicePort"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

type pendingConn struct {
	info Pending
	conn net.Conn
	done chan struct{}
}

// Listener accepts device connections and runs the handshake.
type Listener struct {
	config   Config
	registry Registry
	logger   *slog.Logger
	metrics  metrics.Recorder

	onPending  func(Pending)
	onAccepted func(ctx context.Context, d *storage.Device)

	mu      sync.Mutex
	pending map[int]*pendingConn
	ln      net.Listener
	wg      sync.WaitGroup
}

// New creates a join listener.
func New(config Config, registry Registry, logger *slog.Logger, rec metrics.Recorder) *Listener {
	def := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = def.PendingTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config:   config,
		registry: registry,
		logger:   logger,
		metrics:  metrics.OrNoop(rec),
		pending:  make(map[int]*pendingConn),
	}
}

// SetPendingHandler sets the callback invoked when a join awaits approval.
func (l *Listener) SetPendingHandler(fn func(Pending)) {
	l.onPending = fn
}

// SetAcceptedHandler sets the callback invoked after an approval has been
// persisted. The poll scheduler hooks in here to start polling new sensors.
func (l *Listener) SetAcceptedHandler(fn func(ctx context.Context, d *storage.Device)) {
	l.onAccepted = fn
}

// Listen binds the listener's address. It is separate from Serve so callers
// can learn the bound address before serving.
func (l *Listener) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", l.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", l.config.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is done. Each connection is handled on
// its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		if _, err := l.Listen(); err != nil {
			return err
		}
		l.mu.Lock()
		ln = l.ln
		l.mu.Unlock()
	}
	l.logger.Info("join listener started", slog.String("addr", ln.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.wg.Add(1)
	go l.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				cancel()
				l.closeAllPending()
				l.wg.Wait()
				l.logger.Info("join listener stopped")
				return nil
			}
			l.logger.Error("accept failed", logfields.Error(err))
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	conn.SetReadDeadline(time.Now().Add(l.config.HandshakeTimeout))

	reader := protocol.NewReader(conn)
	line, err := protocol.ReadFrame(reader)
	if err != nil {
		l.logger.Warn("join handshake not received", logfields.Remote(remote), logfields.Error(err))
		conn.Close()
		return
	}
	req, err := protocol.DecodeJoinRequest(line)
	if err != nil {
		l.logger.Warn("malformed join frame", logfields.Remote(remote), logfields.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	ip, _, _ := net.SplitHostPort(remote)
	kind, _ := storage.ParseDeviceKind(req.DeviceType)
	log := l.logger.With(logfields.DeviceID(req.DeviceID), logfields.Remote(remote))

	known, err := l.registry.GetDevice(ctx, req.DeviceID)
	switch {
	case err == nil:
		l.acceptKnown(ctx, conn, known, ip, req.DevicePort, log)
		return
	case !stderrors.Is(err, storage.ErrNotFound):
		log.Error("failed to look up joining device", logfields.Error(err))
		conn.Close()
		return
	}

	p := &pendingConn{
		info: Pending{
			DeviceID:   req.DeviceID,
			Kind:       kind,
			Model:      req.DeviceModel,
			IP:         ip,
			Port:       req.DevicePort,
			ReceivedAt: time.Now(),
		},
		conn: conn,
		done: make(chan struct{}),
	}
	l.mu.Lock()
	if prev, ok := l.pending[req.DeviceID]; ok {
		// A reconnect replaces the stale handshake.
		prev.conn.Close()
		close(prev.done)
	}
	l.pending[req.DeviceID] = p
	n := len(l.pending)
	l.mu.Unlock()
	l.metrics.SetPendingJoins(n)

	log.Info("join awaiting approval", logfields.DeviceKind(string(kind)), logfields.Model(req.DeviceModel))
	if l.onPending != nil {
		l.onPending(p.info)
	}

	l.watchPending(p, reader)
}

// watchPending blocks until the pending join is answered or its socket dies.
func (l *Listener) watchPending(p *pendingConn, reader interface{ ReadByte() (byte, error) }) {
	dead := make(chan struct{})
	go func() {
		// Devices send nothing after the handshake; a read returning means
		// the peer went away or the connection was closed by a response.
		for {
			if _, err := reader.ReadByte(); err != nil {
				close(dead)
				return
			}
		}
	}()

	select {
	case <-p.done:
	case <-dead:
		if l.removePending(p.info.DeviceID, p) {
			p.conn.Close()
			l.logger.Info("pending join disconnected", logfields.DeviceID(p.info.DeviceID))
		}
	}
}

func (l *Listener) acceptKnown(ctx context.Context, conn net.Conn, d *storage.Device, ip string, port int, log *slog.Logger) {
	defer conn.Close()
	if d.IP != ip || d.Port != port {
		if err := l.registry.UpdateDeviceAddress(ctx, d.ID, ip, port); err != nil {
			log.Error("failed to update device address", logfields.Error(err))
		} else {
			log.Info("device address changed", slog.String("old", d.Addr()), slog.String("ip", ip), slog.Int("port", port))
		}
	}
	if err := l.respond(conn, protocol.MsgJoinAccepted); err != nil {
		log.Warn("failed to send join acceptance", logfields.Error(err))
		return
	}
	log.Info("known device rejoined")
}

// Approve registers a pending device on fieldID, answers join_accepted and
// closes the connection. The field must exist.
func (l *Listener) Approve(ctx context.Context, deviceID, fieldID int) (*storage.Device, error) {
	l.mu.Lock()
	p, ok := l.pending[deviceID]
	l.mu.Unlock()
	if !ok {
		return nil, aerrors.DeviceState("no pending join").WithOp("approve").WithDevice(deviceID)
	}

	if _, err := l.registry.GetField(ctx, fieldID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, aerrors.Configuration("field %d does not exist", fieldID).WithOp("approve").WithDevice(deviceID)
		}
		return nil, fmt.Errorf("failed to look up field %d: %w", fieldID, err)
	}

	if !l.removePending(deviceID, p) {
		return nil, aerrors.DeviceState("pending join went away").WithOp("approve").WithDevice(deviceID)
	}

	d := &storage.Device{
		ID:           deviceID,
		FieldID:      fieldID,
		IP:           p.info.IP,
		Port:         p.info.Port,
		Kind:         p.info.Kind,
		Model:        p.info.Model,
		Status:       storage.StatusActive,
		PollInterval: storage.DefaultFetchInterval,
	}
	if d.IsSensor() {
		d.SoilPolynomial = storage.DefaultSoilPolynomial
	}
	if err := l.registry.UpsertDevice(ctx, d); err != nil {
		l.restorePending(p)
		return nil, fmt.Errorf("failed to register device %d: %w", deviceID, err)
	}

	err := l.respond(p.conn, protocol.MsgJoinAccepted)
	p.conn.Close()
	close(p.done)
	if err != nil {
		l.logger.Warn("failed to send join acceptance", logfields.DeviceID(deviceID), logfields.Error(err))
	}

	l.logger.Info("device approved", logfields.DeviceID(deviceID), logfields.FieldID(fieldID))
	if l.onAccepted != nil {
		l.onAccepted(ctx, d)
	}
	return d, nil
}

// Refuse answers join_refused to a pending device and closes the connection.
func (l *Listener) Refuse(deviceID int) error {
	l.mu.Lock()
	p, ok := l.pending[deviceID]
	l.mu.Unlock()
	if !ok || !l.removePending(deviceID, p) {
		return aerrors.DeviceState("no pending join").WithOp("refuse").WithDevice(deviceID)
	}
	l.refuse(p)
	l.logger.Info("device refused", logfields.DeviceID(deviceID))
	return nil
}

func (l *Listener) refuse(p *pendingConn) {
	if err := l.respond(p.conn, protocol.MsgJoinRefused); err != nil {
		l.logger.Warn("failed to send join refusal", logfields.DeviceID(p.info.DeviceID), logfields.Error(err))
	}
	p.conn.Close()
	close(p.done)
}

// Pending returns the joins awaiting approval, oldest first.
func (l *Listener) Pending() []Pending {
	l.mu.Lock()
	out := make([]Pending, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p.info)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (l *Listener) respond(conn net.Conn, msgType string) error {
	conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
	return protocol.WriteFrame(conn, protocol.NewMessage(msgType))
}

// removePending drops p if it is still the current entry for id.
func (l *Listener) removePending(id int, p *pendingConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.pending[id]; !ok || cur != p {
		return false
	}
	delete(l.pending, id)
	l.metrics.SetPendingJoins(len(l.pending))
	return true
}

// restorePending puts p back unless a newer handshake took its place.
func (l *Listener) restorePending(p *pendingConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[p.info.DeviceID]; !ok {
		l.pending[p.info.DeviceID] = p
		l.metrics.SetPendingJoins(len(l.pending))
	}
}

func (l *Listener) sweepLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep refuses joins that waited longer than the pending TTL.
func (l *Listener) sweep(now time.Time) {
	var expired []*pendingConn
	l.mu.Lock()
	for id, p := range l.pending {
		if now.Sub(p.info.ReceivedAt) > l.config.PendingTTL {
			expired = append(expired, p)
			delete(l.pending, id)
		}
	}
	n := len(l.pending)
	l.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	l.metrics.SetPendingJoins(n)
	for _, p := range expired {
		l.logger.Info("pending join expired", logfields.DeviceID(p.info.DeviceID))
		l.refuse(p)
	}
}

func (l *Listener) closeAllPending() {
	l.mu.Lock()
	all := l.pending
	l.pending = make(map[int]*pendingConn)
	l.mu.Unlock()
	for _, p := range all {
		p.conn.Close()
		close(p.done)
	}
	l.metrics.SetPendingJoins(0)
}
