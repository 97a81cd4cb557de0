package planner

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/soilwater"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Weather is the atmospheric demand of one evaluation step.
type Weather struct {
	ETo       float64 // mm over the step
	Rain      float64 // mm over the step
	Humidity  float64 // %
	WindSpeed float64 // m/s
}

// Weather sensor fields used for greenhouses.
const (
	fieldTemperature = "temperature"
	fieldHumidity    = "humidity"
)

var depthSuffix = regexp.MustCompile(`_(\d+)cm$`)

// sampleDepth returns the probe depth in metres encoded in a data type such
// as soil_moisture_20cm, falling back to the device's mounting depth.
func sampleDepth(dataType string, d *storage.Device) float64 {
	if m := depthSuffix.FindStringSubmatch(dataType); m != nil {
		if cm, err := strconv.Atoi(m[1]); err == nil {
			return float64(cm) / 100
		}
	}
	return d.DepthM
}

// samples places the latest soil moisture value of every probe of the field.
func (p *Planner) samples(ctx context.Context, field *storage.Field, now time.Time) ([]soilwater.Sample, error) {
	sensors, err := p.store.ListFieldDevices(ctx, field.ID, storage.KindSensor)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors of field %d: %w", field.ID, err)
	}
	devices := make(map[int]*storage.Device, len(sensors))
	for _, d := range sensors {
		devices[d.ID] = d
	}

	readings, err := p.store.FieldReadingsSince(ctx, field.ID, storage.GroupSoilMoisture, now.Add(-p.config.ReadingWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load soil moisture readings: %w", err)
	}
	return latestSamples(readings, devices), nil
}

func latestSamples(readings []storage.SensorReading, devices map[int]*storage.Device) []soilwater.Sample {
	type probe struct {
		device   int
		dataType string
	}
	latest := make(map[probe]storage.SensorReading)
	var order []probe
	for _, r := range readings {
		if _, ok := devices[r.DeviceID]; !ok {
			continue
		}
		key := probe{r.DeviceID, r.DataType}
		prev, seen := latest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || !r.Timestamp.Before(prev.Timestamp) {
			latest[key] = r
		}
	}

	samples := make([]soilwater.Sample, 0, len(order))
	for _, key := range order {
		r := latest[key]
		d := devices[key.device]
		samples = append(samples, soilwater.Sample{
			Offset: d.OffsetM,
			Depth:  sampleDepth(r.DataType, d),
			Value:  r.Value,
		})
	}
	return samples
}

// weather computes the demand of one step from the forecast. Greenhouses use
// their own weather sensors when they have reported recently, see no wind and
// receive no rain.
func (p *Planner) weather(ctx context.Context, field *storage.Field, now time.Time) (Weather, error) {
	fc, err := p.forecaster.Forecast(ctx, field.Latitude, field.Longitude, now)
	if err != nil {
		return Weather{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}

	greenhouse := field.Type == storage.FieldGreenhouse
	day, hour := solarTime(now, field.Longitude)
	step := p.config.Interval.Hours()

	if p.config.Mode == ModeDaily {
		d := fc.Day
		ghi, err := soilwater.GHI(d.ClearSkyGHI, d.CloudySkyGHI, d.Clouds)
		if err != nil {
			return Weather{}, err
		}
		in := soilwater.DailyInput{
			TMax: d.TMax, TMin: d.TMin, GHI: ghi, WindSpeed: d.WindSpeed, Humidity: d.Humidity,
			Latitude: field.Latitude, Elevation: field.Elevation, Pressure: d.Pressure, DayOfYear: day,
		}
		rain := d.Rain
		if greenhouse {
			in.WindSpeed, rain = 0, 0
		}
		return Weather{
			ETo:       soilwater.DailyETo(in) * step / 24,
			Rain:      rain * step / 24,
			Humidity:  in.Humidity,
			WindSpeed: in.WindSpeed,
		}, nil
	}

	h := fc.Hour
	ghi, err := soilwater.GHI(h.ClearSkyGHI, h.CloudySkyGHI, h.Clouds)
	if err != nil {
		return Weather{}, err
	}
	in := soilwater.HourlyInput{
		Temp: h.Temp, Humidity: h.Humidity, GHI: ghi, WindSpeed: h.WindSpeed,
		Latitude: field.Latitude, Elevation: field.Elevation, Pressure: h.Pressure,
		DayOfYear: day, Hour: hour,
	}
	rain := h.Rain
	if greenhouse {
		in.WindSpeed, rain = 0, 0
		if t, ok := p.latestWeather(ctx, field.ID, fieldTemperature, now); ok {
			in.Temp = t
		}
		if rh, ok := p.latestWeather(ctx, field.ID, fieldHumidity, now); ok {
			in.Humidity = rh
		}
	}
	return Weather{
		ETo:       soilwater.HourlyETo(in) * step,
		Rain:      rain * step,
		Humidity:  in.Humidity,
		WindSpeed: in.WindSpeed,
	}, nil
}

func (p *Planner) latestWeather(ctx context.Context, fieldID int, dataType string, now time.Time) (float64, bool) {
	readings, err := p.store.FieldReadingsSince(ctx, fieldID, storage.GroupWeather, now.Add(-p.config.ReadingWindow))
	if err != nil {
		return 0, false
	}
	for i := len(readings) - 1; i >= 0; i-- {
		if readings[i].DataType == dataType {
			return readings[i].Value, true
		}
	}
	return 0, false
}

// solarTime approximates the local solar day of year and hour from the
// longitude.
func solarTime(t time.Time, longitude float64) (day, hour int) {
	local := t.UTC().Add(time.Duration(longitude / 15 * float64(time.Hour)))
	return local.YearDay(), local.Hour()
}

// balance runs one step of the evaporation layer balance.
func (c Config) balance(field *storage.Field, samples []soilwater.Sample, prev float64, w Weather, irrigatedLitres float64) (*storage.FieldWaterState, error) {
	if field.MaxEvaporationDepth <= 0 || field.RootZoneDepth <= 0 {
		return nil, aerrors.Configuration("field %d has no evaporation or root zone depth", field.ID)
	}
	fw, err := soilwater.WettedFraction(field.WettedArea, field.TotalArea)
	if err != nil {
		return nil, err
	}

	thetaE := c.Grid.SphericalMoisture(field.MaxEvaporationDepth/2, samples)
	thetaR := c.Grid.SphericalMoisture(field.RootZoneDepth/2, samples)

	tew := soilwater.TEW(thetaE, field.WiltingPoint, field.MaxEvaporationDepth)
	rew := soilwater.REW(tew, field.EvaporationCoeff)
	taw := soilwater.TAW(thetaR, field.WiltingPoint, field.RootZoneDepth)
	raw := soilwater.RAW(taw, field.AllowableDepletion)

	kr := soilwater.Kr(prev, tew, rew)
	ke := math.Max(0, soilwater.Ke(kr, soilwater.KcMax(field.BasalKc, w.Humidity, w.WindSpeed), field.BasalKc, fw))
	evaporation, err := soilwater.ActualEvaporation(ke, math.Max(0, w.ETo))
	if err != nil {
		return nil, err
	}
	irrigation := irrigatedLitres / field.TotalArea

	return &storage.FieldWaterState{
		FieldID:        field.ID,
		Depletion:      soilwater.Depletion(prev, evaporation, w.Rain, irrigation, tew),
		TEW:            tew,
		REW:            rew,
		TAW:            taw,
		RAW:            raw,
		Kr:             kr,
		Ke:             ke,
		WettedFraction: fw,
		ETo:            w.ETo,
		Evaporation:    evaporation,
		Rainfall:       w.Rain,
		Irrigation:     irrigation,
	}, nil
}
