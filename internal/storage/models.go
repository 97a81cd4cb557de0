// Package storage provides SQLite persistence for the field controller:
// devices, fields, sensor readings, irrigation requests, water-balance
// states and calibration samples.
package storage

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DeviceKind tags a device as a sensor or an actuator.
type DeviceKind string

const (
	KindSensor   DeviceKind = "sensor"
	KindActuator DeviceKind = "actuator"
)

// ParseDeviceKind parses a kind case-insensitively.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindSensor):
		return KindSensor, nil
	case string(KindActuator):
		return KindActuator, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// DeviceStatus is the operational status of a device.
type DeviceStatus string

const (
	StatusWaiting  DeviceStatus = "waiting"
	StatusActive   DeviceStatus = "active"
	StatusInactive DeviceStatus = "inactive"
	StatusRunning  DeviceStatus = "running"
	StatusStopped  DeviceStatus = "stopped"
	StatusError    DeviceStatus = "error"
)

// FetchInterval is a sensor poll period in seconds.
type FetchInterval int

const (
	OneMinute      FetchInterval = 60
	FiveMinutes    FetchInterval = 300
	TenMinutes     FetchInterval = 600
	FifteenMinutes FetchInterval = 900
	ThirtyMinutes  FetchInterval = 1800
	OneHour        FetchInterval = 3600

	DefaultFetchInterval = OneMinute
)

var fetchIntervalNames = map[FetchInterval]string{
	OneMinute:      "ONE_MINUTE",
	FiveMinutes:    "FIVE_MINUTES",
	TenMinutes:     "TEN_MINUTES",
	FifteenMinutes: "FIFTEEN_MINUTES",
	ThirtyMinutes:  "THIRTY_MINUTES",
	OneHour:        "ONE_HOUR",
}

// ParseFetchInterval accepts an interval name (ONE_MINUTE, five_minutes, ...)
// or a number of seconds matching one of the defined intervals.
func ParseFetchInterval(s string) (FetchInterval, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for iv, n := range fetchIntervalNames {
		if n == name {
			return iv, nil
		}
	}
	if secs, err := strconv.Atoi(name); err == nil {
		if _, ok := fetchIntervalNames[FetchInterval(secs)]; ok {
			return FetchInterval(secs), nil
		}
	}
	return 0, fmt.Errorf("unknown fetch interval %q", s)
}

// Valid reports whether the interval is one of the defined periods.
func (f FetchInterval) Valid() bool {
	_, ok := fetchIntervalNames[f]
	return ok
}

// OrDefault returns f, or DefaultFetchInterval when f is unset or unknown.
func (f FetchInterval) OrDefault() FetchInterval {
	if !f.Valid() {
		return DefaultFetchInterval
	}
	return f
}

func (f FetchInterval) Duration() time.Duration {
	return time.Duration(f) * time.Second
}

func (f FetchInterval) String() string {
	if n, ok := fetchIntervalNames[f]; ok {
		return n
	}
	return strconv.Itoa(int(f)) + "s"
}

// ValveCalibration maps a flow rate (L/h) to the valve opening degree that
// produces it. Lookups are exact.
type ValveCalibration map[float64]int

// Degree returns the degree calibrated for flowRate.
func (c ValveCalibration) Degree(flowRate float64) (int, bool) {
	d, ok := c[flowRate]
	return d, ok
}

type calibrationPoint struct {
	FlowRate float64 `json:"flowRate"`
	Degree   int     `json:"degree"`
}

// MarshalJSON encodes the map as a list sorted by flow rate.
func (c ValveCalibration) MarshalJSON() ([]byte, error) {
	points := make([]calibrationPoint, 0, len(c))
	for flow, deg := range c {
		points = append(points, calibrationPoint{FlowRate: flow, Degree: deg})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].FlowRate < points[j].FlowRate })
	return json.Marshal(points)
}

func (c *ValveCalibration) UnmarshalJSON(data []byte) error {
	var points []calibrationPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return err
	}
	m := make(ValveCalibration, len(points))
	for _, p := range points {
		m[p.FlowRate] = p.Degree
	}
	*c = m
	return nil
}

// SoilSensorCeiling is the full-scale value of the soil probes' ADC. Raw
// readings grow as the soil dries, so they are mirrored before conversion.
const SoilSensorCeiling = 4095

// Polynomial holds coefficients in ascending power order.
type Polynomial []float64

// DefaultSoilPolynomial is assigned to sensors approved without a calibration.
var DefaultSoilPolynomial = Polynomial{2.6691733715467696, 0.024114825980221664}

// Eval evaluates the polynomial at x using Horner's scheme.
func (p Polynomial) Eval(x float64) float64 {
	var y float64
	for i := len(p) - 1; i >= 0; i-- {
		y = y*x + p[i]
	}
	return y
}

// Device is a registered field device.
type Device struct {
	ID             int              `json:"id"`
	FieldID        int              `json:"field_id,omitempty"` // 0 until approved
	IP             string           `json:"ip"`
	Port           int              `json:"port"`
	Kind           DeviceKind       `json:"kind"`
	Model          string           `json:"model"`
	Status         DeviceStatus     `json:"status"`
	PollInterval   FetchInterval    `json:"poll_interval"`
	Calibration    ValveCalibration `json:"calibration,omitempty"`
	SoilPolynomial Polynomial       `json:"soil_polynomial,omitempty"`
	OffsetM        float64          `json:"offset_m"` // horizontal distance from the emitter
	DepthM         float64          `json:"depth_m"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Addr returns the host:port the device listens on for commands.
func (d *Device) Addr() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

func (d *Device) IsSensor() bool   { return d.Kind == KindSensor }
func (d *Device) IsActuator() bool { return d.Kind == KindActuator }

// FieldType distinguishes open fields from greenhouses.
type FieldType string

const (
	FieldOutdoor    FieldType = "outdoor"
	FieldGreenhouse FieldType = "greenhouse"
)

// Field is an irrigated area with its soil and crop constants.
type Field struct {
	ID                  int       `json:"id"`
	Name                string    `json:"name"`
	Type                FieldType `json:"type"`
	TotalArea           float64   `json:"total_area"` // m²
	Latitude            float64   `json:"latitude"`
	Longitude           float64   `json:"longitude"`
	Elevation           float64   `json:"elevation"`      // m
	FieldCapacity       float64   `json:"field_capacity"` // volumetric %
	WiltingPoint        float64   `json:"wilting_point"`  // volumetric %
	EvaporationCoeff    float64   `json:"evaporation_coeff"`
	MaxEvaporationDepth float64   `json:"max_evaporation_depth"` // m
	RootZoneDepth       float64   `json:"root_zone_depth"`       // m
	AllowableDepletion  float64   `json:"allowable_depletion"`
	BasalKc             float64   `json:"basal_kc"`
	WettedArea          float64   `json:"wetted_area"`       // m²
	DefaultFlowRate     float64   `json:"default_flow_rate"` // L/h
	AutoIrrigate        bool      `json:"auto_irrigate"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Reading groups.
const (
	GroupSoilMoisture = "soil_moisture"
	GroupWeather      = "weather"
)

// SensorReading is one numeric value extracted from a sensor response.
type SensorReading struct {
	ID        int64     `json:"id"`
	DeviceID  int       `json:"device_id"`
	FieldID   int       `json:"field_id"`
	Group     string    `json:"group"`
	DataType  string    `json:"data_type"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// IrrigationStatus is the lifecycle state of an irrigation request.
type IrrigationStatus string

const (
	IrrigationPending    IrrigationStatus = "pending"
	IrrigationInProgress IrrigationStatus = "in_progress"
	IrrigationCompleted  IrrigationStatus = "completed"
	IrrigationCancelled  IrrigationStatus = "cancelled"
	IrrigationFailed     IrrigationStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s IrrigationStatus) IsTerminal() bool {
	return s == IrrigationCompleted || s == IrrigationCancelled || s == IrrigationFailed
}

// CanTransition reports whether s may move to next.
func (s IrrigationStatus) CanTransition(next IrrigationStatus) bool {
	switch s {
	case IrrigationPending:
		return next == IrrigationInProgress || next == IrrigationCancelled || next == IrrigationFailed
	case IrrigationInProgress:
		return next == IrrigationCompleted || next == IrrigationFailed
	}
	return false
}

// IrrigationRequest is a scheduled irrigation of one field.
type IrrigationRequest struct {
	ID               int64            `json:"id"`
	FieldID          int              `json:"field_id"`
	FlowRate         float64          `json:"flow_rate"`          // L/h
	TotalWaterAmount float64          `json:"total_water_amount"` // L
	DurationMinutes  int              `json:"duration_minutes"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	Status           IrrigationStatus `json:"status"`
	FailureMessage   string           `json:"failure_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// FieldWaterState is one evaluation of a field's water balance.
type FieldWaterState struct {
	ID             int64     `json:"id"`
	FieldID        int       `json:"field_id"`
	Depletion      float64   `json:"depletion"`
	TEW            float64   `json:"tew"`
	REW            float64   `json:"rew"`
	TAW            float64   `json:"taw"`
	RAW            float64   `json:"raw"`
	Kr             float64   `json:"kr"`
	Ke             float64   `json:"ke"`
	WettedFraction float64   `json:"wetted_fraction"`
	ETo            float64   `json:"eto"`
	Evaporation    float64   `json:"evaporation"`
	Rainfall       float64   `json:"rainfall"`
	Irrigation     float64   `json:"irrigation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Calibration sample kinds.
const (
	SampleSoilMoisture = "soil_moisture"
	SampleFlowRate     = "flow_rate"
)

// CalibrationSample is one (raw, physical) pair of a captured set.
type CalibrationSample struct {
	ID         int64     `json:"id"`
	SetID      string    `json:"set_id"`
	DeviceID   int       `json:"device_id"`
	Kind       string    `json:"kind"`
	Raw        float64   `json:"raw"`
	Physical   float64   `json:"physical"`
	CapturedAt time.Time `json:"captured_at"`
}
