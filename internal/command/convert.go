package command

import (
	"strings"
	"time"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/devicecfg"
	aerrors "github.com/mertkan-iscan/agriAssist-sub000/internal/errors"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/protocol"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// SoilSensorCeiling is the full-scale value of the soil probes' ADC.
const SoilSensorCeiling = storage.SoilSensorCeiling

// WeatherErrorValue is what weather sensors report for a failed measurement.
const WeatherErrorValue = -1

// ConvertSoilMoisture turns a raw probe reading into volumetric moisture (%)
// using the device polynomial. A nil polynomial selects the default one.
func ConvertSoilMoisture(raw float64, p storage.Polynomial) (float64, error) {
	if raw < 0 || raw > SoilSensorCeiling {
		return 0, aerrors.Validation("soil reading %v outside [0, %d]", raw, SoilSensorCeiling)
	}
	if len(p) == 0 {
		p = storage.DefaultSoilPolynomial
	}
	v := p.Eval(SoilSensorCeiling - raw)
	switch {
	case v < 0:
		return 0, nil
	case v > 100:
		return 100, nil
	}
	return v, nil
}

// Convert extracts the expected fields of cmd from resp. Fields that are
// missing or not numeric are skipped; a weather error value or an out of
// range soil reading fails the whole response.
func Convert(d *storage.Device, cmd devicecfg.Command, resp protocol.Response, at time.Time) ([]storage.SensorReading, error) {
	group := strings.ToLower(cmd.Group)
	readings := make([]storage.SensorReading, 0, len(cmd.Fields))

	for _, field := range cmd.Fields {
		v, ok := resp.Number(field)
		if !ok {
			continue
		}
		switch group {
		case storage.GroupWeather:
			if v == WeatherErrorValue {
				return nil, aerrors.Validation("sensor reported error value for %s", field).
					WithOp(cmd.Name).WithDevice(d.ID)
			}
		case storage.GroupSoilMoisture:
			converted, err := ConvertSoilMoisture(v, d.SoilPolynomial)
			if err != nil {
				return nil, aerrors.Wrap(err, aerrors.CategoryValidation, "field %s", field).
					WithOp(cmd.Name).WithDevice(d.ID)
			}
			v = converted
		}
		readings = append(readings, storage.SensorReading{
			DeviceID:  d.ID,
			FieldID:   d.FieldID,
			Group:     group,
			DataType:  field,
			Value:     v,
			Timestamp: at,
		})
	}
	return readings, nil
}

func missingFields(cmd devicecfg.Command, resp protocol.Response) []string {
	var missing []string
	for _, field := range cmd.Fields {
		if _, ok := resp.Number(field); !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
