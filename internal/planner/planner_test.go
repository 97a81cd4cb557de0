package planner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/forecast"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/irrigation"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/soilwater"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeForecaster struct {
	err error
}

func (f *fakeForecaster) Forecast(_ context.Context, lat, lon float64, at time.Time) (*forecast.Forecast, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &forecast.Forecast{
		Latitude:  lat,
		Longitude: lon,
		Hour: forecast.Hour{
			Temp: 25, Humidity: 50, Pressure: 1013, WindSpeed: 2, Clouds: 20,
			ClearSkyGHI: 800, CloudySkyGHI: 300,
		},
		FetchedAt: at,
	}, nil
}

type fakeIrrigator struct {
	mu       sync.Mutex
	requests []irrigation.Request
}

func (f *fakeIrrigator) Schedule(_ context.Context, r irrigation.Request) (*storage.IrrigationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	return &storage.IrrigationRequest{
		ID: int64(len(f.requests)), FieldID: r.FieldID, FlowRate: r.FlowRate,
		TotalWaterAmount: r.TotalWaterAmount, StartTime: r.StartTime, Status: storage.IrrigationPending,
	}, nil
}

func (f *fakeIrrigator) Requests() []irrigation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]irrigation.Request(nil), f.requests...)
}

type harness struct {
	db        *storage.DB
	planner   *Planner
	irrigator *fakeIrrigator
	weather   *fakeForecaster
	recorder  *events.Recorder
}

func testField() *storage.Field {
	return &storage.Field{
		ID: 3, Name: "north", Type: storage.FieldOutdoor, TotalArea: 100,
		Latitude: 38.4, Longitude: 27.1, Elevation: 50,
		FieldCapacity: 35, WiltingPoint: 10, EvaporationCoeff: 0.4,
		MaxEvaporationDepth: 0.1, RootZoneDepth: 0.2, AllowableDepletion: 0.25,
		BasalKc: 1, WettedArea: 50, DefaultFlowRate: 40, AutoIrrigate: true,
	}
}

func newHarness(t *testing.T, field *storage.Field) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "planner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertField(ctx, field))
	require.NoError(t, db.UpsertDevice(ctx, &storage.Device{
		ID: 7, FieldID: field.ID, IP: "10.0.0.7", Port: 5000, Kind: storage.KindSensor,
		Model: "AGRI-SOIL-4", Status: storage.StatusActive, OffsetM: 0.05,
	}))

	h := &harness{
		db:        db,
		irrigator: &fakeIrrigator{},
		weather:   &fakeForecaster{},
		recorder:  events.NewRecorder(nil),
	}
	config := DefaultConfig()
	config.Grid = soilwater.Grid{Nodes: 12, AngularSteps: 36, Power: 2.5, Epsilon: 1e-4}
	h.planner, err = New(config, db, h.weather, h.irrigator,
		WithClock(clockwork.NewFakeClockAt(testNow)),
		WithPublisher(h.recorder),
	)
	require.NoError(t, err)
	h.planner.Start(ctx)
	t.Cleanup(func() { h.planner.Stop() })
	return h
}

func (h *harness) seedMoisture(t *testing.T, value float64) {
	t.Helper()
	at := testNow.Add(-30 * time.Minute)
	var readings []storage.SensorReading
	for _, dataType := range []string{"soil_moisture_10cm", "soil_moisture_20cm", "soil_moisture_30cm"} {
		readings = append(readings, storage.SensorReading{
			DeviceID: 7, FieldID: 3, Group: storage.GroupSoilMoisture,
			DataType: dataType, Value: value, Timestamp: at,
		})
	}
	require.NoError(t, h.db.InsertReadings(context.Background(), readings))
}

func (h *harness) seedDepletion(t *testing.T, d float64) {
	t.Helper()
	require.NoError(t, h.db.InsertWaterState(context.Background(), &storage.FieldWaterState{
		FieldID: 3, Depletion: d, Timestamp: testNow.Add(-time.Hour),
	}))
}

func TestEvaluateRequestsIrrigationWhenDry(t *testing.T) {
	h := newHarness(t, testField())
	h.seedMoisture(t, 20)
	h.seedDepletion(t, 10)

	state, err := h.planner.Evaluate(context.Background(), 3)
	require.NoError(t, err)

	assert.InDelta(t, 10, state.TEW, 1e-6)
	assert.InDelta(t, 4, state.REW, 1e-6)
	assert.InDelta(t, 20, state.TAW, 1e-6)
	assert.InDelta(t, 5, state.RAW, 1e-6)
	assert.InDelta(t, 0.5, state.WettedFraction, 1e-9)
	assert.InDelta(t, 10, state.Depletion, 1e-6)
	assert.Greater(t, state.ETo, 0.0)
	assert.Equal(t, testNow, state.Timestamp.UTC())

	stored, err := h.db.LatestWaterState(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, state.ID, stored.ID)
	assert.Len(t, h.recorder.Events(events.TypeWaterState), 1)

	requests := h.irrigator.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, 3, requests[0].FieldID)
	assert.Equal(t, 40.0, requests[0].FlowRate)
	assert.InDelta(t, 1000, requests[0].TotalWaterAmount, 0.01)
	assert.Equal(t, testNow, requests[0].StartTime)
}

func TestEvaluateSkipsFieldWithOpenRequest(t *testing.T) {
	h := newHarness(t, testField())
	h.seedMoisture(t, 20)
	h.seedDepletion(t, 10)
	require.NoError(t, h.db.InsertIrrigationRequest(context.Background(), &storage.IrrigationRequest{
		FieldID: 3, FlowRate: 40, TotalWaterAmount: 100, DurationMinutes: 150,
		StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(210 * time.Minute),
		Status: storage.IrrigationPending,
	}))

	_, err := h.planner.Evaluate(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, h.irrigator.Requests())
}

func TestEvaluateWetFieldStartsFromZero(t *testing.T) {
	h := newHarness(t, testField())
	h.seedMoisture(t, 30)

	state, err := h.planner.Evaluate(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0, state.Kr, "a fresh balance starts fully wet")
	assert.Greater(t, state.Evaporation, 0.0)
	assert.InDelta(t, state.Evaporation, state.Depletion, 1e-9)
	assert.Less(t, state.Depletion, state.RAW)
	assert.Empty(t, h.irrigator.Requests())
}

func TestEvaluateManualFieldNeverIrrigates(t *testing.T) {
	field := testField()
	field.AutoIrrigate = false
	h := newHarness(t, field)
	h.seedMoisture(t, 20)
	h.seedDepletion(t, 10)

	_, err := h.planner.Evaluate(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, h.irrigator.Requests())
}

func TestEvaluateFailures(t *testing.T) {
	h := newHarness(t, testField())

	_, err := h.planner.Evaluate(context.Background(), 3)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "no readings: %v", err)

	h.seedMoisture(t, 20)
	h.weather.err = errors.New("api down")
	_, err = h.planner.Evaluate(context.Background(), 3)
	assert.ErrorContains(t, err, "api down")

	_, err = h.db.LatestWaterState(context.Background(), 3)
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed cycles store nothing")
}

func TestGreenhouseIgnoresWindAndRain(t *testing.T) {
	field := testField()
	field.Type = storage.FieldGreenhouse
	h := newHarness(t, field)
	require.NoError(t, h.db.InsertReadings(context.Background(), []storage.SensorReading{
		{DeviceID: 7, FieldID: 3, Group: storage.GroupWeather, DataType: "humidity", Value: 80, Timestamp: testNow.Add(-10 * time.Minute)},
	}))

	w, err := h.planner.weather(context.Background(), field, testNow)
	require.NoError(t, err)
	assert.Equal(t, 0.0, w.WindSpeed)
	assert.Equal(t, 0.0, w.Rain)
	assert.Equal(t, 80.0, w.Humidity)
}

func TestGreenhouseDryStillAirEvaluates(t *testing.T) {
	field := testField()
	field.Type = storage.FieldGreenhouse
	h := newHarness(t, field)
	h.seedMoisture(t, 20)
	h.seedDepletion(t, 10)
	require.NoError(t, h.db.InsertReadings(context.Background(), []storage.SensorReading{
		{DeviceID: 7, FieldID: 3, Group: storage.GroupWeather, DataType: "humidity", Value: 39, Timestamp: testNow.Add(-10 * time.Minute)},
	}))

	state, err := h.planner.Evaluate(context.Background(), 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.Ke, 0.0)
	assert.GreaterOrEqual(t, state.Evaporation, 0.0)
	assert.Len(t, h.recorder.Events(events.TypeWaterState), 1)
}

func TestFieldJobs(t *testing.T) {
	h := newHarness(t, testField())
	require.NoError(t, h.db.UpsertField(context.Background(), &storage.Field{ID: 4, Name: "south", TotalArea: 10}))

	require.NoError(t, h.planner.ScheduleFields(context.Background()))
	assert.ElementsMatch(t, []int{3, 4}, plannedFields(h.planner))

	h.planner.RemoveField(4)
	assert.Equal(t, []int{3}, plannedFields(h.planner))
}

func TestCycleDropsMissingField(t *testing.T) {
	h := newHarness(t, testField())
	require.NoError(t, h.planner.AddField(99))
	require.Contains(t, plannedFields(h.planner), 99)

	h.planner.cycle(99)
	assert.NotContains(t, plannedFields(h.planner), 99)
}

func plannedFields(p *Planner) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.jobs))
	for id := range p.jobs {
		ids = append(ids, id)
	}
	return ids
}

func TestLatestSamples(t *testing.T) {
	devices := map[int]*storage.Device{
		1: {ID: 1, OffsetM: 0.1, DepthM: 0.15},
	}
	readings := []storage.SensorReading{
		{DeviceID: 1, DataType: "soil_moisture_10cm", Value: 20, Timestamp: testNow.Add(-time.Hour)},
		{DeviceID: 1, DataType: "soil_moisture_10cm", Value: 22, Timestamp: testNow},
		{DeviceID: 1, DataType: "soil_moisture", Value: 30, Timestamp: testNow},
		{DeviceID: 2, DataType: "soil_moisture", Value: 99, Timestamp: testNow},
	}

	samples := latestSamples(readings, devices)
	require.Len(t, samples, 2)
	assert.Equal(t, soilwater.Sample{Offset: 0.1, Depth: 0.1, Value: 22}, samples[0])
	assert.Equal(t, soilwater.Sample{Offset: 0.1, Depth: 0.15, Value: 30}, samples[1])
}

func TestSolarTime(t *testing.T) {
	day, hour := solarTime(time.Date(2026, 6, 1, 22, 30, 0, 0, time.UTC), 45)
	assert.Equal(t, 153, day)
	assert.Equal(t, 1, hour)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "weekly"}, nil, nil, nil)
	assert.Error(t, err)
}
