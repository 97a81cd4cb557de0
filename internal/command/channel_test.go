package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/devicecfg"
	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// fakeDevice is a TCP device answering one JSON line per connection.
type fakeDevice struct {
	ln      net.Listener
	delay   time.Duration
	respond func(req map[string]any) string

	mu          sync.Mutex
	requests    []map[string]any
	active      int32
	maxInFlight int32
}

func newFakeDevice(t *testing.T, respond func(req map[string]any) string) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDevice{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	n := atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)
	for {
		max := atomic.LoadInt32(&d.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&d.maxInFlight, max, n) {
			break
		}
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return
	}
	var req map[string]any
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	time.Sleep(d.delay)
	resp := d.respond(req)
	if resp == "" {
		return
	}
	conn.Write([]byte(resp + "\n"))
}

func (d *fakeDevice) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) degrees() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int
	for _, r := range d.requests {
		if deg, ok := r["degree"].(float64); ok {
			out = append(out, int(deg))
		}
	}
	return out
}

func alwaysSuccess(map[string]any) string { return `{"messageType":"success"}` }

const testTable = `
models:
  WX-1:
    commands:
      - name: send_weatherdata
        group: weather
        fields: [temperature, humidity]
  SM-1:
    commands:
      - name: send_soil_moisture_data
        group: soil_moisture
        fields: [moisture]
      - name: send_weatherdata
        group: weather
        fields: [temperature]
`

type harness struct {
	db      *storage.DB
	channel *Channel
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "command.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	table, err := devicecfg.Parse([]byte(testTable))
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	return &harness{
		db:      db,
		channel: New(cfg, db, table, WithClock(clock)),
		clock:   clock,
	}
}

func (h *harness) addDevice(t *testing.T, d *storage.Device) {
	t.Helper()
	if d.IP == "" {
		d.IP = "127.0.0.1"
	}
	if d.Status == "" {
		d.Status = storage.StatusActive
	}
	require.NoError(t, h.db.UpsertDevice(context.Background(), d))
}

func TestSingleCommandInFlightPerDevice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	dev := newFakeDevice(t, alwaysSuccess)
	dev.delay = 20 * time.Millisecond
	h.addDevice(t, &storage.Device{ID: 1, Port: dev.port(), Kind: storage.KindActuator, Model: "V"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(deg int) {
			defer wg.Done()
			assert.NoError(t, h.channel.SendActuatorCommand(context.Background(), 1, deg))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&dev.maxInFlight))
	assert.Len(t, dev.degrees(), 8)
	assertUnlocked(t, h.channel, 1)
}

func TestDifferentDevicesRunConcurrently(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	slow := 300 * time.Millisecond
	a := newFakeDevice(t, alwaysSuccess)
	a.delay = slow
	b := newFakeDevice(t, alwaysSuccess)
	b.delay = slow
	h.addDevice(t, &storage.Device{ID: 1, Port: a.port(), Kind: storage.KindActuator, Model: "V"})
	h.addDevice(t, &storage.Device{ID: 2, Port: b.port(), Kind: storage.KindActuator, Model: "V"})

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []int{1, 2} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, h.channel.SendActuatorCommand(context.Background(), id, 10))
		}(id)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 2*slow-50*time.Millisecond, "devices were serialized")
}

func TestActuatorTimeoutReleasesLock(t *testing.T) {
	h := newHarness(t, Config{ActuatorTimeout: 100 * time.Millisecond})
	dev := newFakeDevice(t, func(map[string]any) string { return "" })
	dev.delay = 300 * time.Millisecond
	h.addDevice(t, &storage.Device{ID: 4, Port: dev.port(), Kind: storage.KindActuator, Model: "V"})

	err := h.channel.SendActuatorCommand(context.Background(), 4, 30)
	require.Error(t, err)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryTimeout), "got %v", err)
	assertUnlocked(t, h.channel, 4)
	assert.Len(t, dev.degrees(), 1, "no retry after a timeout")
}

func TestActuatorFailureResponse(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	dev := newFakeDevice(t, func(map[string]any) string { return `{"messageType":"failure"}` })
	h.addDevice(t, &storage.Device{ID: 5, Port: dev.port(), Kind: storage.KindActuator, Model: "V"})

	err := h.channel.SendActuatorCommand(context.Background(), 5, 30)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryProtocol), "got %v", err)
}

func TestCommandToWrongKind(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addDevice(t, &storage.Device{ID: 6, Port: 1, Kind: storage.KindSensor, Model: "WX-1"})

	err := h.channel.SendActuatorCommand(context.Background(), 6, 30)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryDeviceState), "got %v", err)

	_, err = h.channel.FetchSensorData(context.Background(), 99)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryDeviceState), "got %v", err)
}

func TestStartIrrigationOpensAndClosesValve(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	valve := newFakeDevice(t, alwaysSuccess)
	other := newFakeDevice(t, alwaysSuccess)
	other.delay = 100 * time.Millisecond
	h.addDevice(t, &storage.Device{ID: 10, FieldID: 3, Port: valve.port(), Kind: storage.KindActuator,
		Model: "V", Calibration: storage.ValveCalibration{5.0: 30}})
	h.addDevice(t, &storage.Device{ID: 11, FieldID: 8, Port: other.port(), Kind: storage.KindActuator, Model: "V"})

	// Traffic to a different device does not hold up the field's valve.
	go h.channel.SendActuatorCommand(ctx, 11, 90)

	require.NoError(t, h.channel.StartIrrigation(ctx, 3, 5.0, 60*time.Second))
	assert.Equal(t, []int{30}, valve.degrees())
	assert.Equal(t, 1, h.channel.pendingCloses(3))

	d, err := h.db.GetDevice(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, d.Status)

	h.clock.Advance(59 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{30}, valve.degrees(), "valve closed early")

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(valve.degrees()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{30, 0}, valve.degrees())

	require.Eventually(t, func() bool {
		d, err := h.db.GetDevice(ctx, 10)
		return err == nil && d.Status == storage.StatusStopped
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.channel.pendingCloses(3))
}

func TestStartIrrigationIsolatesActuators(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	good := newFakeDevice(t, alwaysSuccess)
	uncalibrated := newFakeDevice(t, alwaysSuccess)
	h.addDevice(t, &storage.Device{ID: 20, FieldID: 4, Port: good.port(), Kind: storage.KindActuator,
		Model: "V", Calibration: storage.ValveCalibration{5.0: 30}})
	h.addDevice(t, &storage.Device{ID: 21, FieldID: 4, Port: uncalibrated.port(), Kind: storage.KindActuator,
		Model: "V", Calibration: storage.ValveCalibration{7.0: 40}})

	require.NoError(t, h.channel.StartIrrigation(ctx, 4, 5.0, time.Minute))
	assert.Equal(t, []int{30}, good.degrees())
	assert.Empty(t, uncalibrated.degrees(), "no interpolation between calibrated flow rates")

	err := h.channel.StartIrrigation(ctx, 4, 6.0, time.Minute)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryConfiguration), "got %v", err)

	err = h.channel.StartIrrigation(ctx, 77, 5.0, time.Minute)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryConfiguration), "got %v", err)
}

func TestStopIrrigationCancelsPendingClose(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	valve := newFakeDevice(t, alwaysSuccess)
	h.addDevice(t, &storage.Device{ID: 30, FieldID: 5, Port: valve.port(), Kind: storage.KindActuator,
		Model: "V", Calibration: storage.ValveCalibration{5.0: 25}})

	require.NoError(t, h.channel.StartIrrigation(ctx, 5, 5.0, time.Hour))
	require.NoError(t, h.channel.StopIrrigation(ctx, 5))
	assert.Equal(t, 0, h.channel.pendingCloses(5))

	h.clock.Advance(2 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{25, 0}, valve.degrees())
}

func TestFetchSensorDataConvertsReadings(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	dev := newFakeDevice(t, func(req map[string]any) string {
		switch req["messageType"] {
		case "send_soil_moisture_data":
			return `{"moisture":1000,"battery":3.7}`
		case "send_weatherdata":
			return `{"temperature":"warm"}`
		}
		return `{}`
	})
	h.addDevice(t, &storage.Device{ID: 40, FieldID: 3, Port: dev.port(), Kind: storage.KindSensor, Model: "sm-1"})

	readings, err := h.channel.FetchSensorData(context.Background(), 40)
	require.NoError(t, err)
	require.Len(t, readings, 1, "non-numeric and unlisted fields are skipped")

	r := readings[0]
	assert.Equal(t, storage.GroupSoilMoisture, r.Group)
	assert.Equal(t, "moisture", r.DataType)
	assert.Equal(t, 3, r.FieldID)
	assert.InDelta(t, 2.6691733715467696+0.024114825980221664*3095, r.Value, 1e-9)
	assert.True(t, h.clock.Now().Equal(r.Timestamp), "reading stamped %v, clock at %v", r.Timestamp, h.clock.Now())
}

func TestFetchSensorDataRejectsWeatherErrorValue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	dev := newFakeDevice(t, func(map[string]any) string {
		return `{"temperature":21.5,"humidity":-1}`
	})
	h.addDevice(t, &storage.Device{ID: 41, FieldID: 3, Port: dev.port(), Kind: storage.KindSensor, Model: "WX-1"})

	readings, err := h.channel.FetchSensorData(context.Background(), 41)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation), "got %v", err)
	assert.Empty(t, readings)
}

func TestFetchSensorDataUnknownModel(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addDevice(t, &storage.Device{ID: 42, Port: 1, Kind: storage.KindSensor, Model: "NOPE"})

	_, err := h.channel.FetchSensorData(context.Background(), 42)
	assert.True(t, aerrors.IsCategory(err, aerrors.CategoryConfiguration), "got %v", err)
}

func TestConvertSoilMoisture(t *testing.T) {
	tests := []struct {
		raw     float64
		want    float64
		wantErr bool
	}{
		{raw: 4095, want: 2.6691733715467696},
		{raw: 0, want: 100}, // clamped
		{raw: -3, wantErr: true},
		{raw: 5000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(strconv.FormatFloat(tt.raw, 'f', -1, 64), func(t *testing.T) {
			got, err := ConvertSoilMoisture(tt.raw, nil)
			if tt.wantErr {
				assert.True(t, aerrors.IsCategory(err, aerrors.CategoryValidation))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	got, err := ConvertSoilMoisture(4000, storage.Polynomial{-50})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got, "negative values clamp to 0")
}

func assertUnlocked(t *testing.T, c *Channel, deviceID int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release, err := c.locks.Lock(ctx, deviceID)
	require.NoError(t, err, "device %d lock still held", deviceID)
	release()
}

func (c *Channel) pendingCloses(fieldID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closers[fieldID])
}
