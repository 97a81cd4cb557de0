// Package config loads the controller configuration file.
package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/admin"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/command"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/events"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/forecast"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/join"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/operator"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/planner"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/soilwater"
	"github.com/mertkan-iscan/agriAssist-sub000/internal/timeseries"
)

// EnvPrefix prefixes the environment variables that override file values.
const EnvPrefix = "AGRIASSIST_"

// Config represents the configuration file structure. Durations are in
// seconds.
type Config struct {
	Controller struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"controller"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	DeviceCommands struct {
		Path  string `yaml:"path"`
		Watch bool   `yaml:"watch"`
	} `yaml:"device_commands"`

	Join struct {
		Addr             string `yaml:"addr"`
		HandshakeTimeout int    `yaml:"handshake_timeout"`
		PendingTTL       int    `yaml:"pending_ttl"`
	} `yaml:"join"`

	Command struct {
		ActuatorTimeout int `yaml:"actuator_timeout"`
		SensorTimeout   int `yaml:"sensor_timeout"`
		LockWait        int `yaml:"lock_wait"`
	} `yaml:"command"`

	Planner struct {
		Enabled       bool   `yaml:"enabled"`
		Interval      int    `yaml:"interval"`
		ReadingWindow int    `yaml:"reading_window"`
		Mode          string `yaml:"mode"`
		GridNodes     int    `yaml:"grid_nodes"`
		AngularSteps  int    `yaml:"angular_steps"`
	} `yaml:"planner"`

	Forecast struct {
		WeatherURL      string `yaml:"weather_url"`
		SolarURL        string `yaml:"solar_url"`
		APIKey          string `yaml:"api_key"`
		Timeout         int    `yaml:"timeout"`
		BreakerFailures uint32 `yaml:"breaker_failures"`
		BreakerOpen     int    `yaml:"breaker_open"`
	} `yaml:"forecast"`

	Operator struct {
		URL          string `yaml:"url"`
		APIKey       string `yaml:"api_key"`
		PingInterval int    `yaml:"ping_interval"`
	} `yaml:"operator"`

	Events struct {
		ZMQEndpoint string `yaml:"zmq_endpoint"`
		MQTT        struct {
			Broker      string `yaml:"broker"`
			ClientID    string `yaml:"client_id"`
			Username    string `yaml:"username"`
			Password    string `yaml:"password"`
			TopicPrefix string `yaml:"topic_prefix"`
			QoS         byte   `yaml:"qos"`
		} `yaml:"mqtt"`
		NATS struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subject_prefix"`
		} `yaml:"nats"`
	} `yaml:"events"`

	InfluxDB struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influxdb"`

	Admin struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"admin"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the configuration used for unset values.
func Default() *Config {
	c := &Config{}
	c.Controller.ID = "agriassist"
	c.Database.Path = "/var/lib/agriassist/agriassist.db"
	c.DeviceCommands.Path = "/etc/agriassist/device-commands.yaml"
	c.DeviceCommands.Watch = true
	c.Join.Addr = join.DefaultConfig().Addr
	c.Planner.Enabled = true
	c.Planner.Mode = planner.ModeHourly
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return c
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; with no arguments ./.env is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration file at path, applies AGRIASSIST_*
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CONTROLLER_ID":    &c.Controller.ID,
		"DB_PATH":          &c.Database.Path,
		"DEVICE_COMMANDS":  &c.DeviceCommands.Path,
		"JOIN_ADDR":        &c.Join.Addr,
		"FORECAST_API_KEY": &c.Forecast.APIKey,
		"OPERATOR_URL":     &c.Operator.URL,
		"OPERATOR_API_KEY": &c.Operator.APIKey,
		"MQTT_BROKER":      &c.Events.MQTT.Broker,
		"MQTT_PASSWORD":    &c.Events.MQTT.Password,
		"NATS_URL":         &c.Events.NATS.URL,
		"INFLUXDB_URL":     &c.InfluxDB.URL,
		"INFLUXDB_TOKEN":   &c.InfluxDB.Token,
		"ADMIN_HTTP_ADDR":  &c.Admin.HTTPAddr,
		"ADMIN_GRPC_ADDR":  &c.Admin.GRPCAddr,
		"LOG_LEVEL":        &c.Logging.Level,
		"LOG_FORMAT":       &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "PLANNER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sPLANNER_ENABLED: %w", EnvPrefix, err)
		}
		c.Planner.Enabled = enabled
	}
	return nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DeviceCommands.Path == "" {
		return fmt.Errorf("device_commands.path is required")
	}
	switch c.Planner.Mode {
	case planner.ModeHourly, planner.ModeDaily:
	default:
		return fmt.Errorf("planner.mode must be %q or %q, got %q", planner.ModeHourly, planner.ModeDaily, c.Planner.Mode)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// JoinConfig returns the join listener configuration.
func (c *Config) JoinConfig() join.Config {
	def := join.DefaultConfig()
	out := def
	if c.Join.Addr != "" {
		out.Addr = c.Join.Addr
	}
	out.HandshakeTimeout = seconds(c.Join.HandshakeTimeout, def.HandshakeTimeout)
	out.PendingTTL = seconds(c.Join.PendingTTL, def.PendingTTL)
	return out
}

// CommandConfig returns the command channel configuration.
func (c *Config) CommandConfig() command.Config {
	def := command.DefaultConfig()
	return command.Config{
		ActuatorTimeout: seconds(c.Command.ActuatorTimeout, def.ActuatorTimeout),
		SensorTimeout:   seconds(c.Command.SensorTimeout, def.SensorTimeout),
		LockWait:        seconds(c.Command.LockWait, def.LockWait),
	}
}

// PlannerConfig returns the water balance planner configuration.
func (c *Config) PlannerConfig() planner.Config {
	def := planner.DefaultConfig()
	out := planner.Config{
		Interval:      seconds(c.Planner.Interval, def.Interval),
		ReadingWindow: seconds(c.Planner.ReadingWindow, def.ReadingWindow),
		Mode:          c.Planner.Mode,
		Grid:          soilwater.DefaultGrid,
	}
	if c.Planner.GridNodes > 1 {
		out.Grid.Nodes = c.Planner.GridNodes
	}
	if c.Planner.AngularSteps > 0 {
		out.Grid.AngularSteps = c.Planner.AngularSteps
	}
	return out
}

// ForecastConfig returns the forecast client configuration.
func (c *Config) ForecastConfig() forecast.Config {
	out := forecast.DefaultConfig()
	if c.Forecast.WeatherURL != "" {
		out.WeatherURL = c.Forecast.WeatherURL
	}
	if c.Forecast.SolarURL != "" {
		out.SolarURL = c.Forecast.SolarURL
	}
	out.APIKey = c.Forecast.APIKey
	out.Timeout = seconds(c.Forecast.Timeout, out.Timeout)
	if c.Forecast.BreakerFailures > 0 {
		out.BreakerFailures = c.Forecast.BreakerFailures
	}
	out.BreakerOpen = seconds(c.Forecast.BreakerOpen, out.BreakerOpen)
	return out
}

// OperatorConfig returns the operator link configuration.
func (c *Config) OperatorConfig() operator.Config {
	out := operator.DefaultConfig()
	out.URL = c.Operator.URL
	out.APIKey = c.Operator.APIKey
	out.ControllerID = c.Controller.ID
	out.PingInterval = seconds(c.Operator.PingInterval, out.PingInterval)
	return out
}

// MQTTConfig returns the MQTT publisher configuration.
func (c *Config) MQTTConfig() events.MQTTConfig {
	m := c.Events.MQTT
	clientID := m.ClientID
	if clientID == "" {
		clientID = "agriassist-" + c.Controller.ID
	}
	return events.MQTTConfig{
		Broker:      m.Broker,
		ClientID:    clientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
	}
}

// InfluxConfig returns the time-series writer configuration.
func (c *Config) InfluxConfig() timeseries.Config {
	return timeseries.Config{
		URL:    c.InfluxDB.URL,
		Token:  c.InfluxDB.Token,
		Org:    c.InfluxDB.Org,
		Bucket: c.InfluxDB.Bucket,
	}
}

// AdminConfig returns the admin listener configuration.
func (c *Config) AdminConfig() admin.Config {
	return admin.Config{HTTPAddr: c.Admin.HTTPAddr, GRPCAddr: c.Admin.GRPCAddr}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
