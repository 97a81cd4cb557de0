package timeseries

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/storage"
)

func TestWriteReadings(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Token: "t", Org: "farm", Bucket: "readings"})
	require.NoError(t, err)
	defer w.Close()

	at := time.Unix(1700000000, 0)
	err = w.WriteReadings(context.Background(), []storage.SensorReading{
		{DeviceID: 7, FieldID: 3, Group: storage.GroupSoilMoisture, DataType: "moisture_10cm", Value: 23.5, Timestamp: at},
		{DeviceID: 7, FieldID: 3, Group: storage.GroupWeather, DataType: "temperature", Value: 19, Timestamp: at},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "soil_moisture,data_type=moisture_10cm,device_id=7,field_id=3 value=23.5 1700000000000000000")
	assert.Contains(t, bodies[0], "weather,data_type=temperature,device_id=7,field_id=3 value=19 ")
	assert.Contains(t, query, "bucket=readings")
	assert.Contains(t, query, "org=farm")

	require.NoError(t, w.WriteReadings(context.Background(), nil))
	assert.Len(t, bodies, 1, "empty batches are not sent")
}

func TestNewWriterRequiresConfig(t *testing.T) {
	_, err := NewWriter(Config{URL: "http://localhost:8086"})
	assert.Error(t, err)
	assert.False(t, Config{}.Enabled())
}

func TestSanitizeMeasurement(t *testing.T) {
	assert.Equal(t, "soil_moisture", sanitizeMeasurement("soil_moisture"))
	assert.Equal(t, "a_b", sanitizeMeasurement("a b"))
	assert.Equal(t, "reading", sanitizeMeasurement(""))
}
