package engine

import (
	"context"
	stderrors "errors"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/irrigation"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// The engine answers operator commands.

func (e *Engine) ApproveJoin(ctx context.Context, deviceID, fieldID int) (*storage.Device, error) {
	return e.join.Approve(ctx, deviceID, fieldID)
}

func (e *Engine) RefuseJoin(deviceID int) error {
	return e.join.Refuse(deviceID)
}

func (e *Engine) ScheduleIrrigation(ctx context.Context, r irrigation.Request) (*storage.IrrigationRequest, error) {
	return e.irrigation.Schedule(ctx, r)
}

func (e *Engine) CancelIrrigation(ctx context.Context, id int64) error {
	return e.irrigation.Cancel(ctx, id)
}

func (e *Engine) EditIrrigation(ctx context.Context, id int64, c irrigation.Changes) (*storage.IrrigationRequest, error) {
	return e.irrigation.Edit(ctx, id, c)
}

func (e *Engine) ReschedulePoll(ctx context.Context, deviceID int, interval storage.FetchInterval) error {
	return e.poll.RescheduleDeviceTask(ctx, deviceID, interval)
}

// StopIrrigation closes every valve of a field now and shortens the request
// that was watering it. Valves that fail to close are reported alongside the
// shortened requests.
func (e *Engine) StopIrrigation(ctx context.Context, fieldID int) ([]*storage.IrrigationRequest, error) {
	closeErr := e.channel.StopIrrigation(ctx, fieldID)
	stopped, err := e.irrigation.Interrupt(ctx, fieldID)
	return stopped, stderrors.Join(closeErr, err)
}
