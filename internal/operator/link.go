// Package operator links the controller to the operator approval surface over
// a WebSocket. Operators approve joins and manage irrigation and poll
// schedules through it; the controller forwards its events.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound
	MsgTypePendingJoin MessageType = "pending_join"
	MsgTypeAck         MessageType = "ack"
	MsgTypePong        MessageType = "pong"
	MsgTypeEvent       MessageType = "event"

	// Inbound
	MsgTypeApproveJoin        MessageType = "approve_join"
	MsgTypeRefuseJoin         MessageType = "refuse_join"
	MsgTypeScheduleIrrigation MessageType = "schedule_irrigation"
	MsgTypeCancelIrrigation   MessageType = "cancel_irrigation"
	MsgTypeEditIrrigation     MessageType = "edit_irrigation"
	MsgTypeStopIrrigation     MessageType = "stop_irrigation"
	MsgTypeReschedulePoll     MessageType = "reschedule_poll"
	MsgTypePing               MessageType = "ping"
)

// Message represents a WebSocket message to/from the operator surface
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AckPayload answers an inbound command.
type AckPayload struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Config holds operator link configuration
type Config struct {
	URL          string // ws://host:port/ws/controller
	ControllerID string
	APIKey       string

	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	CommandTimeout time.Duration
	SendQueue      int

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// DefaultConfig returns default operator link configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		CommandTimeout:    30 * time.Second,
		SendQueue:         100,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
	}
}

// Link maintains the operator WebSocket, reconnecting with exponential
// backoff until stopped.
type Link struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	sendChan chan *Message
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New creates an operator link.
func New(config Config, handler Handler, logger *slog.Logger) *Link {
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = def.CommandTimeout
	}
	if config.SendQueue <= 0 {
		config.SendQueue = def.SendQueue
	}
	if config.InitialRetryDelay <= 0 {
		config.InitialRetryDelay = def.InitialRetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		config:   config,
		handler:  handler,
		logger:   logger.With(slog.String("component", "operator")),
		sendChan: make(chan *Message, config.SendQueue),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the operator surface in the background.
func (l *Link) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.connectionLoop(ctx)
}

// Stop disconnects and waits for the loops to exit.
func (l *Link) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

// IsConnected returns whether the WebSocket is connected
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Publish forwards an event to the operator. Pending joins are sent as their
// own message type. The event is queued; a full queue drops it.
func (l *Link) Publish(_ context.Context, e events.Event) error {
	typ := MsgTypeEvent
	var payload any = e
	if e.Type == events.TypeJoinPending {
		typ = MsgTypePendingJoin
		payload = e.Payload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", e.Type, err)
	}
	if !l.enqueue(newMessage(typ, data)) {
		return fmt.Errorf("operator send queue full, dropped %s", e.Type)
	}
	return nil
}

// Close stops the link.
func (l *Link) Close() error {
	l.Stop()
	return nil
}

func newMessage(typ MessageType, payload json.RawMessage) *Message {
	return &Message{
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}

func (l *Link) enqueue(msg *Message) bool {
	select {
	case l.sendChan <- msg:
		return true
	default:
		l.logger.Warn("send queue full, dropping message", slog.String("type", string(msg.Type)))
		return false
	}
}

func (l *Link) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.config.InitialRetryDelay
	bo.MaxInterval = l.config.MaxRetryDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (l *Link) connectionLoop(ctx context.Context) {
	defer l.wg.Done()
	bo := l.newBackOff()

	for {
		select {
		case <-l.stopChan:
			l.disconnect()
			return
		case <-ctx.Done():
			l.disconnect()
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			l.logger.Warn("failed to connect to operator", logfields.Error(err))
		} else {
			bo.Reset()
			l.runMessageLoops(ctx)
			l.disconnect()
			l.logger.Info("disconnected from operator, reconnecting")
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-l.stopChan:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// connect establishes the WebSocket connection
func (l *Link) connect(ctx context.Context) error {
	u, err := url.Parse(l.config.URL)
	if err != nil {
		return fmt.Errorf("invalid operator url: %w", err)
	}
	q := u.Query()
	if l.config.ControllerID != "" {
		q.Set("controller_id", l.config.ControllerID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if l.config.APIKey != "" {
		header.Set("X-API-Key", l.config.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	l.logger.Info("connected to operator", slog.String("url", l.config.URL))
	return nil
}

// disconnect closes the WebSocket connection
func (l *Link) disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connected = false
}

func (l *Link) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// runMessageLoops runs the read and write loops until either exits
func (l *Link) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})
	conn := l.current()

	wg.Add(2)
	go func() {
		defer wg.Done()
		l.readLoop(ctx, conn, done)
	}()
	go func() {
		defer wg.Done()
		l.writeLoop(ctx, conn, done)
		// Unblock the reader.
		conn.Close()
	}()
	wg.Wait()
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn("websocket read error", logfields.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("failed to parse message", logfields.Error(err))
			continue
		}
		l.handleMessage(ctx, &msg)
	}
}

func (l *Link) writeLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-l.stopChan:
			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "controller stopping"))
			return

		case msg := <-l.sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				l.logger.Error("failed to marshal message", logfields.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Warn("websocket write error", logfields.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.logger.Warn("ping failed", logfields.Error(err))
				return
			}
		}
	}
}

func (l *Link) handleMessage(ctx context.Context, msg *Message) {
	if msg.Type == MsgTypePing {
		payload, _ := json.Marshal(map[string]string{"ping_id": msg.ID})
		l.enqueue(newMessage(MsgTypePong, payload))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.CommandTimeout)
	defer cancel()

	result, err := l.dispatch(ctx, msg)
	ack := AckPayload{MessageID: msg.ID, Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
		l.logger.Warn("operator command failed",
			slog.String("type", string(msg.Type)), slog.String("message_id", msg.ID), logfields.Error(err))
	} else {
		ack.Result = result
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		l.logger.Error("failed to marshal ack", logfields.Error(err))
		return
	}
	l.enqueue(newMessage(MsgTypeAck, payload))
}
