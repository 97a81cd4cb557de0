// Package timeseries mirrors sensor readings and water-balance states into
// InfluxDB.
package timeseries

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

// Config holds InfluxDB connection settings
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether a server is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Writer writes points with the blocking write API.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewWriter creates a writer. All settings are required.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// WriteReadings writes one point per reading into the measurement named
// after the reading group.
func (w *Writer) WriteReadings(ctx context.Context, readings []storage.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := w.writeAPI.WritePoint(ctx, ReadingPoints(readings)...); err != nil {
		return fmt.Errorf("failed to write readings: %w", err)
	}
	return nil
}

// WriteWaterState writes a water-balance evaluation.
func (w *Writer) WriteWaterState(ctx context.Context, s *storage.FieldWaterState) error {
	p := influxdb2.NewPoint("water_balance",
		map[string]string{"field_id": strconv.Itoa(s.FieldID)},
		map[string]interface{}{
			"depletion":       s.Depletion,
			"tew":             s.TEW,
			"rew":             s.REW,
			"taw":             s.TAW,
			"raw":             s.RAW,
			"kr":              s.Kr,
			"ke":              s.Ke,
			"wetted_fraction": s.WettedFraction,
			"eto":             s.ETo,
			"evaporation":     s.Evaporation,
			"rainfall":        s.Rainfall,
			"irrigation":      s.Irrigation,
		},
		s.Timestamp)
	if err := w.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write water state: %w", err)
	}
	return nil
}

// Close releases the client.
func (w *Writer) Close() {
	w.client.Close()
}

// ReadingPoints converts readings to points.
func ReadingPoints(readings []storage.SensorReading) []*write.Point {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		tags := map[string]string{
			"device_id": strconv.Itoa(r.DeviceID),
			"field_id":  strconv.Itoa(r.FieldID),
			"data_type": r.DataType,
		}
		fields := map[string]interface{}{"value": r.Value}
		points = append(points, influxdb2.NewPoint(sanitizeMeasurement(r.Group), tags, fields, r.Timestamp))
	}
	return points
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "reading"
	}
	return b.String()
}
