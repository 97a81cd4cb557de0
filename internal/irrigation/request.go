package irrigation

import (
	"math"
	"time"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Request describes an irrigation to schedule. Exactly two of FlowRate,
// TotalWaterAmount and DurationMinutes must be set; the third is derived.
type Request struct {
	FieldID          int       `json:"field_id"`
	FlowRate         float64   `json:"flow_rate,omitempty"`          // L/h
	TotalWaterAmount float64   `json:"total_water_amount,omitempty"` // L
	DurationMinutes  int       `json:"duration_minutes,omitempty"`
	StartTime        time.Time `json:"start_time"`
}

// Changes lists the fields an edit replaces. Nil fields are kept.
type Changes struct {
	FlowRate         *float64   `json:"flow_rate,omitempty"`
	TotalWaterAmount *float64   `json:"total_water_amount,omitempty"`
	DurationMinutes  *int       `json:"duration_minutes,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
}

// Resolve completes a (flow rate, volume, duration) triple of which exactly
// two values are given. Duration is in whole minutes, volume in litres and
// flow rate in litres per hour.
func Resolve(flowRate, volume float64, durationMinutes int) (float64, float64, int, error) {
	given := 0
	for _, set := range []bool{flowRate != 0, volume != 0, durationMinutes != 0} {
		if set {
			given++
		}
	}
	if given != 2 {
		return 0, 0, 0, aerrors.Validation("exactly two of flow rate, total water amount and duration are required, got %d", given)
	}
	if flowRate < 0 || volume < 0 || durationMinutes < 0 {
		return 0, 0, 0, aerrors.Validation("flow rate, water amount and duration must be positive")
	}

	switch {
	case durationMinutes == 0:
		durationMinutes = int(math.Round(volume / flowRate * 60))
		if durationMinutes == 0 {
			return 0, 0, 0, aerrors.Validation("%.2f L at %.2f L/h is shorter than a minute", volume, flowRate)
		}
	case volume == 0:
		volume = flowRate * float64(durationMinutes) / 60
	case flowRate == 0:
		flowRate = volume / float64(durationMinutes) * 60
	}
	return flowRate, volume, durationMinutes, nil
}

// build validates r and turns it into a pending stored request.
func build(r Request) (*storage.IrrigationRequest, error) {
	if r.FieldID <= 0 {
		return nil, aerrors.Validation("field id is required")
	}
	if r.StartTime.IsZero() {
		return nil, aerrors.Validation("start time is required")
	}
	flow, volume, minutes, err := Resolve(r.FlowRate, r.TotalWaterAmount, r.DurationMinutes)
	if err != nil {
		return nil, err
	}
	start := r.StartTime.UTC()
	return &storage.IrrigationRequest{
		FieldID:          r.FieldID,
		FlowRate:         flow,
		TotalWaterAmount: volume,
		DurationMinutes:  minutes,
		StartTime:        start,
		EndTime:          start.Add(time.Duration(minutes) * time.Minute),
		Status:           storage.IrrigationPending,
	}, nil
}

// apply merges c into a copy of cur. The quantity the edit does not set is
// recomputed from the ones it does, so an edit of the flow rate alone keeps
// the volume and stretches the duration.
func apply(cur *storage.IrrigationRequest, c Changes) (*storage.IrrigationRequest, error) {
	r := Request{FieldID: cur.FieldID, StartTime: cur.StartTime}
	if c.StartTime != nil {
		r.StartTime = *c.StartTime
	}

	switch {
	case c.FlowRate != nil && c.TotalWaterAmount != nil && c.DurationMinutes != nil:
		r.FlowRate, r.TotalWaterAmount, r.DurationMinutes = *c.FlowRate, *c.TotalWaterAmount, *c.DurationMinutes
	case c.FlowRate != nil && c.TotalWaterAmount != nil:
		r.FlowRate, r.TotalWaterAmount = *c.FlowRate, *c.TotalWaterAmount
	case c.FlowRate != nil && c.DurationMinutes != nil:
		r.FlowRate, r.DurationMinutes = *c.FlowRate, *c.DurationMinutes
	case c.TotalWaterAmount != nil && c.DurationMinutes != nil:
		r.TotalWaterAmount, r.DurationMinutes = *c.TotalWaterAmount, *c.DurationMinutes
	case c.FlowRate != nil:
		r.FlowRate, r.TotalWaterAmount = *c.FlowRate, cur.TotalWaterAmount
	case c.TotalWaterAmount != nil:
		r.FlowRate, r.TotalWaterAmount = cur.FlowRate, *c.TotalWaterAmount
	case c.DurationMinutes != nil:
		r.FlowRate, r.DurationMinutes = cur.FlowRate, *c.DurationMinutes
	default:
		r.FlowRate, r.DurationMinutes = cur.FlowRate, cur.DurationMinutes
	}

	next, err := build(r)
	if err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	return next, nil
}

func overlaps(a, b *storage.IrrigationRequest) bool {
	return a.StartTime.Before(b.EndTime) && b.StartTime.Before(a.EndTime)
}
