package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }
func (f failing) Close() error                         { return f.err }

func TestMultiDeliversToAll(t *testing.T) {
	first, second := NewRecorder(nil), NewRecorder(nil)
	boom := errors.New("boom")
	m := Multi{first, failing{boom}, second}

	err := m.Publish(context.Background(), New(TypeDeviceStatus, map[string]any{"device_id": 7}))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Events(""), 1)
	assert.Len(t, second.Events(TypeDeviceStatus), 1)
	assert.ErrorIs(t, m.Close(), boom)
}

func TestRecorderFiltersAndNotifies(t *testing.T) {
	var notified []string
	r := NewRecorder(func(e Event) { notified = append(notified, e.Type) })
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, New(TypeReadings, nil)))
	require.NoError(t, r.Publish(ctx, New(TypeWaterState, nil)))
	require.NoError(t, r.Publish(ctx, New(TypeReadings, nil)))

	assert.Len(t, r.Events(TypeReadings), 2)
	assert.Len(t, r.Events(""), 3)
	assert.Empty(t, r.Events(TypeJoinPending))
	assert.Equal(t, []string{TypeReadings, TypeWaterState, TypeReadings}, notified)
}

func TestRecorderKeepsLatest(t *testing.T) {
	r := NewRecorder(nil)
	for i := 0; i < 1010; i++ {
		require.NoError(t, r.Publish(context.Background(), New(TypeReadings, i)))
	}
	all := r.Events("")
	require.Len(t, all, 1000)
	assert.Equal(t, 10, all[0].Payload)
	assert.Equal(t, 1009, all[len(all)-1].Payload)
}

func TestEventEncode(t *testing.T) {
	e := New(TypeIrrigationStatus, map[string]string{"status": "pending"})
	data, err := e.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeIrrigationStatus, decoded["type"])
	assert.Equal(t, e.ID, decoded["id"])
	assert.Equal(t, map[string]any{"status": "pending"}, decoded["payload"])
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop{}, OrNoop(nil))
	r := NewRecorder(nil)
	assert.Same(t, r, OrNoop(r))
}

func TestTopicsAndSubjects(t *testing.T) {
	m := &MQTTPublisher{prefix: "agriassist"}
	assert.Equal(t, "agriassist/irrigation/status", m.Topic(TypeIrrigationStatus))
	assert.Equal(t, "readings", (&MQTTPublisher{}).Topic(TypeReadings))

	n := &NATSPublisher{prefix: "agriassist"}
	assert.Equal(t, "agriassist.device.status", n.Subject(TypeDeviceStatus))
	assert.Equal(t, "water.state", (&NATSPublisher{}).Subject(TypeWaterState))
}

func TestMQTTConnectGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMQTTPublisher(ctx, MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "test", MaxRetries: 1}, nil)
	assert.Error(t, err)
}
