package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/planner"
)

const sample = `
controller:
  id: greenhouse-1
database:
  path: /tmp/agriassist.db
device_commands:
  path: /tmp/device-commands.yaml
join:
  addr: ":15000"
  pending_ttl: 120
command:
  actuator_timeout: 4
planner:
  interval: 1800
  mode: daily
  grid_nodes: 20
forecast:
  api_key: from-file
  breaker_failures: 5
operator:
  url: ws://operator.local/ws
events:
  mqtt:
    broker: tcp://broker:1883
    topic_prefix: farm
logging:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "greenhouse-1", cfg.Controller.ID)
	assert.True(t, cfg.DeviceCommands.Watch, "defaults survive partial files")

	j := cfg.JoinConfig()
	assert.Equal(t, ":15000", j.Addr)
	assert.Equal(t, 2*time.Minute, j.PendingTTL)
	assert.Equal(t, 10*time.Second, j.HandshakeTimeout)

	c := cfg.CommandConfig()
	assert.Equal(t, 4*time.Second, c.ActuatorTimeout)
	assert.Equal(t, 20*time.Second, c.SensorTimeout)

	p := cfg.PlannerConfig()
	assert.Equal(t, 30*time.Minute, p.Interval)
	assert.Equal(t, planner.ModeDaily, p.Mode)
	assert.Equal(t, 20, p.Grid.Nodes)
	assert.Equal(t, 360, p.Grid.AngularSteps)

	f := cfg.ForecastConfig()
	assert.Equal(t, "from-file", f.APIKey)
	assert.Equal(t, uint32(5), f.BreakerFailures)
	assert.NotEmpty(t, f.WeatherURL)

	o := cfg.OperatorConfig()
	assert.Equal(t, "ws://operator.local/ws", o.URL)
	assert.Equal(t, "greenhouse-1", o.ControllerID)

	m := cfg.MQTTConfig()
	assert.Equal(t, "agriassist-greenhouse-1", m.ClientID)
	assert.Equal(t, "farm", m.TopicPrefix)

	assert.False(t, cfg.InfluxConfig().Enabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGRIASSIST_FORECAST_API_KEY", "from-env")
	t.Setenv("AGRIASSIST_DB_PATH", "/data/other.db")
	t.Setenv("AGRIASSIST_PLANNER_ENABLED", "false")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Forecast.APIKey)
	assert.Equal(t, "/data/other.db", cfg.Database.Path)
	assert.False(t, cfg.Planner.Enabled)

	t.Setenv("AGRIASSIST_PLANNER_ENABLED", "sometimes")
	_, err = Parse([]byte(sample))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "agriassist.env")
	require.NoError(t, os.WriteFile(envFile, []byte("AGRIASSIST_INFLUXDB_TOKEN=secret-token\n"), 0o600))
	t.Setenv("AGRIASSIST_INFLUXDB_TOKEN", "")
	os.Unsetenv("AGRIASSIST_INFLUXDB_TOKEN")

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.InfluxDB.Token)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agriassist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agriassist.db", cfg.Database.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad mode":   "planner:\n  mode: weekly\n",
		"bad level":  "logging:\n  level: loud\n",
		"no db path": "database:\n  path: \"\"\n",
		"not yaml":   "controller: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Debug("level check", "device_id", 7)
	assert.Contains(t, buf.String(), `"msg":"level check"`)
	assert.Contains(t, buf.String(), `"device_id":7`)
}
