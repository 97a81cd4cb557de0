package command

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// StartIrrigation opens every actuator of the field at the degree calibrated
// for flowRate and closes each one duration later. Actuators are handled
// independently: one that cannot be opened is logged, marked as errored and
// skipped. An error is returned only when no actuator was opened.
func (c *Channel) StartIrrigation(ctx context.Context, fieldID int, flowRate float64, duration time.Duration) error {
	actuators, err := c.registry.ListFieldDevices(ctx, fieldID, storage.KindActuator)
	if err != nil {
		return fmt.Errorf("failed to list actuators of field %d: %w", fieldID, err)
	}
	if len(actuators) == 0 {
		return aerrors.Configuration("field %d has no actuators", fieldID).WithOp("start_irrigation")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		opened int
	)
	for _, d := range actuators {
		wg.Add(1)
		go func(d *storage.Device) {
			defer wg.Done()
			if err := c.openValve(ctx, fieldID, d, flowRate, duration); err != nil {
				c.logger.Error("failed to open valve",
					logfields.FieldID(fieldID), logfields.DeviceID(d.ID), logfields.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			opened++
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	if opened == 0 {
		return fmt.Errorf("no actuator of field %d opened: %w", fieldID, stderrors.Join(errs...))
	}
	c.logger.Info("irrigation started", logfields.FieldID(fieldID),
		"flow_rate", flowRate, "duration", duration, "actuators", opened, "failed", len(errs))
	return nil
}

func (c *Channel) openValve(ctx context.Context, fieldID int, d *storage.Device, flowRate float64, duration time.Duration) error {
	degree, ok := d.Calibration.Degree(flowRate)
	if !ok {
		return aerrors.Configuration("no degree calibrated for flow rate %.1f", flowRate).
			WithOp("start_irrigation").WithDevice(d.ID)
	}
	if err := c.setValve(ctx, d, degree); err != nil {
		c.setStatus(d, storage.StatusError)
		return err
	}
	c.setStatus(d, storage.StatusRunning)
	c.scheduleClose(fieldID, d, duration)
	return nil
}

// pendingClose is a scheduled valve close.
type pendingClose struct {
	timer clockwork.Timer
}

func (c *Channel) scheduleClose(fieldID int, d *storage.Device, after time.Duration) {
	entry := &pendingClose{}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.timer = c.clock.AfterFunc(after, func() {
		if !c.forgetClose(fieldID, d.ID, entry) {
			return
		}
		c.closeValve(d)
	})
	if c.closers[fieldID] == nil {
		c.closers[fieldID] = make(map[int]*pendingClose)
	}
	if prev, ok := c.closers[fieldID][d.ID]; ok {
		// A newer run supersedes the previous close.
		prev.timer.Stop()
	}
	c.closers[fieldID][d.ID] = entry
}

// forgetClose removes entry from the table and reports whether it was still
// the actuator's current close.
func (c *Channel) forgetClose(fieldID, deviceID int, entry *pendingClose) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.closers[fieldID][deviceID]
	if !ok || current != entry {
		return false
	}
	delete(c.closers[fieldID], deviceID)
	if len(c.closers[fieldID]) == 0 {
		delete(c.closers, fieldID)
	}
	return true
}

func (c *Channel) closeValve(d *storage.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.LockWait+c.config.ActuatorTimeout)
	defer cancel()

	if err := c.setValve(ctx, d, 0); err != nil {
		c.logger.Error("failed to close valve", logfields.DeviceID(d.ID), logfields.Error(err))
		c.setStatus(d, storage.StatusError)
		return
	}
	c.setStatus(d, storage.StatusStopped)
	c.logger.Info("valve closed", logfields.DeviceID(d.ID))
}

// StopIrrigation cancels the field's pending closes and closes every actuator
// of the field now.
func (c *Channel) StopIrrigation(ctx context.Context, fieldID int) error {
	c.mu.Lock()
	for _, p := range c.closers[fieldID] {
		p.timer.Stop()
	}
	delete(c.closers, fieldID)
	c.mu.Unlock()

	actuators, err := c.registry.ListFieldDevices(ctx, fieldID, storage.KindActuator)
	if err != nil {
		return fmt.Errorf("failed to list actuators of field %d: %w", fieldID, err)
	}

	var errs []error
	for _, d := range actuators {
		if err := c.setValve(ctx, d, 0); err != nil {
			c.logger.Error("failed to close valve", logfields.DeviceID(d.ID), logfields.Error(err))
			c.setStatus(d, storage.StatusError)
			errs = append(errs, err)
			continue
		}
		c.setStatus(d, storage.StatusStopped)
	}
	return stderrors.Join(errs...)
}
