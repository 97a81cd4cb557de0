// Package devicelock serializes interactions with a single field device.
package devicelock

import (
	"context"
	"sync"
	"time"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
)

// DefaultWait bounds how long Lock waits for a busy device.
const DefaultWait = 30 * time.Second

// Map holds one exclusion handle per device id. Handles are created on first
// use and never removed.
type Map struct {
	handles sync.Map // int -> chan struct{}
	wait    time.Duration
}

// New creates a lock map. wait <= 0 selects DefaultWait.
func New(wait time.Duration) *Map {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Map{wait: wait}
}

func (m *Map) handle(id int) chan struct{} {
	if h, ok := m.handles.Load(id); ok {
		return h.(chan struct{})
	}
	h, _ := m.handles.LoadOrStore(id, make(chan struct{}, 1))
	return h.(chan struct{})
}

// Lock acquires the device's handle and returns the function that releases
// it. The release function is idempotent. Lock fails with a timeout error
// when the device stays busy past the configured wait, or with ctx's error.
func (m *Map) Lock(ctx context.Context, id int) (func(), error) {
	h := m.handle(id)

	select {
	case h <- struct{}{}:
	default:
		timer := time.NewTimer(m.wait)
		defer timer.Stop()
		select {
		case h <- struct{}{}:
		case <-timer.C:
			return nil, aerrors.Timeout("device busy for %s", m.wait).WithOp("lock").WithDevice(id)
		case <-ctx.Done():
			return nil, aerrors.Wrap(ctx.Err(), aerrors.CategoryTimeout, "waiting for device lock").WithOp("lock").WithDevice(id)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-h })
	}, nil
}
