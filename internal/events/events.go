// Package events publishes controller events (readings, device status,
// irrigation transitions, pending joins) to the configured message buses.
package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeReadings         = "readings"
	TypeDeviceStatus     = "device.status"
	TypeJoinPending      = "join.pending"
	TypeDeviceJoined     = "device.joined"
	TypeIrrigationStatus = "irrigation.status"
	TypeWaterState       = "water.state"
)

// Event is one published notification.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// New creates an event with a fresh id.
func New(typ string, payload any) Event {
	return Event{ID: uuid.New().String(), Type: typ, Time: time.Now().UTC(), Payload: payload}
}

// Encode returns the event's JSON form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}

// Multi fans an event out to several publishers. A failing publisher does not
// stop delivery to the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Recorder keeps published events in memory. It backs the operator link's
// event forwarding and is handy in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify func(Event)
}

// NewRecorder creates a recorder that also calls notify, if set, for every
// event.
func NewRecorder(notify func(Event)) *Recorder {
	return &Recorder{notify: notify}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > 1000 {
		r.events = r.events[len(r.events)-1000:]
	}
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(e)
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events of the given type, or all of
// them when typ is empty.
func (r *Recorder) Events(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
