package operator

import (
	"context"
	"encoding/json"
	"fmt"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/irrigation"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Handler executes operator commands.
type Handler interface {
	ApproveJoin(ctx context.Context, deviceID, fieldID int) (*storage.Device, error)
	RefuseJoin(deviceID int) error
	ScheduleIrrigation(ctx context.Context, r irrigation.Request) (*storage.IrrigationRequest, error)
	CancelIrrigation(ctx context.Context, id int64) error
	EditIrrigation(ctx context.Context, id int64, c irrigation.Changes) (*storage.IrrigationRequest, error)
	ReschedulePoll(ctx context.Context, deviceID int, interval storage.FetchInterval) error
	StopIrrigation(ctx context.Context, fieldID int) ([]*storage.IrrigationRequest, error)
}

// ApproveJoinPayload approves a pending join into a field.
type ApproveJoinPayload struct {
	DeviceID int `json:"device_id"`
	FieldID  int `json:"field_id"`
}

// RefuseJoinPayload refuses a pending join.
type RefuseJoinPayload struct {
	DeviceID int `json:"device_id"`
}

// CancelIrrigationPayload cancels a pending request.
type CancelIrrigationPayload struct {
	RequestID int64 `json:"request_id"`
}

// EditIrrigationPayload replaces the given fields of a pending request.
type EditIrrigationPayload struct {
	RequestID int64 `json:"request_id"`
	irrigation.Changes
}

// StopIrrigationPayload closes every valve of a field now.
type StopIrrigationPayload struct {
	FieldID int `json:"field_id"`
}

// ReschedulePollPayload changes a sensor's poll interval. Interval is a name
// such as FIVE_MINUTES.
type ReschedulePollPayload struct {
	DeviceID int    `json:"device_id"`
	Interval string `json:"interval"`
}

func decode(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return aerrors.Validation("%s: missing payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return aerrors.Wrap(err, aerrors.CategoryValidation, "%s: malformed payload", msg.Type)
	}
	return nil
}

// dispatch runs the command carried by msg and returns its result.
func (l *Link) dispatch(ctx context.Context, msg *Message) (any, error) {
	if l.handler == nil {
		return nil, fmt.Errorf("no handler for %s", msg.Type)
	}

	switch msg.Type {
	case MsgTypeApproveJoin:
		var p ApproveJoinPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return l.handler.ApproveJoin(ctx, p.DeviceID, p.FieldID)

	case MsgTypeRefuseJoin:
		var p RefuseJoinPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return nil, l.handler.RefuseJoin(p.DeviceID)

	case MsgTypeScheduleIrrigation:
		var r irrigation.Request
		if err := decode(msg, &r); err != nil {
			return nil, err
		}
		return l.handler.ScheduleIrrigation(ctx, r)

	case MsgTypeCancelIrrigation:
		var p CancelIrrigationPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return nil, l.handler.CancelIrrigation(ctx, p.RequestID)

	case MsgTypeEditIrrigation:
		var p EditIrrigationPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		return l.handler.EditIrrigation(ctx, p.RequestID, p.Changes)

	case MsgTypeStopIrrigation:
		var p StopIrrigationPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.FieldID <= 0 {
			return nil, aerrors.Validation("%s: field_id is required", msg.Type)
		}
		return l.handler.StopIrrigation(ctx, p.FieldID)

	case MsgTypeReschedulePoll:
		var p ReschedulePollPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		interval, err := storage.ParseFetchInterval(p.Interval)
		if err != nil {
			return nil, err
		}
		return nil, l.handler.ReschedulePoll(ctx, p.DeviceID, interval)
	}
	return nil, aerrors.Validation("unknown message type %q", msg.Type)
}
