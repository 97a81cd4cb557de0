// Package forecast fetches weather and solar irradiance forecasts and
// flattens them to the values the soil-water model consumes.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds forecast client configuration
type Config struct {
	WeatherURL string        `yaml:"weather_url"`
	SolarURL   string        `yaml:"solar_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"-"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerOpen     time.Duration `yaml:"-"`
	BreakerInterval time.Duration `yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		WeatherURL:      "https://api.openweathermap.org/data/3.0/onecall",
		SolarURL:        "https://api.openweathermap.org/energy/1.0/solar/data",
		Timeout:         10 * time.Second,
		BreakerFailures: 3,
		BreakerOpen:     time.Minute,
		BreakerInterval: 5 * time.Minute,
	}
}

// Hour is the forecast for the current hour.
type Hour struct {
	Temp         float64 `json:"temp"`     // °C
	Humidity     float64 `json:"humidity"` // %
	Pressure     float64 `json:"pressure"` // hPa
	WindSpeed    float64 `json:"wind_speed"`
	Clouds       float64 `json:"clouds"` // %
	Rain         float64 `json:"rain"`   // mm
	ClearSkyGHI  float64 `json:"clear_sky_ghi"`
	CloudySkyGHI float64 `json:"cloudy_sky_ghi"`
}

// Day is the forecast for the current day.
type Day struct {
	TMax         float64 `json:"tmax"`
	TMin         float64 `json:"tmin"`
	Humidity     float64 `json:"humidity"`
	Pressure     float64 `json:"pressure"`
	WindSpeed    float64 `json:"wind_speed"`
	Clouds       float64 `json:"clouds"`
	Rain         float64 `json:"rain"`
	ClearSkyGHI  float64 `json:"clear_sky_ghi"`
	CloudySkyGHI float64 `json:"cloudy_sky_ghi"`
}

// Forecast is the flattened forecast of one location.
type Forecast struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Hour      Hour      `json:"hour"`
	Day       Day       `json:"day"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client talks to the weather and solar APIs. Each API sits behind its own
// circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	weather *gobreaker.CircuitBreaker
	solar   *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a forecast client.
func New(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
	c.weather = c.breaker("forecast-weather")
	c.solar = c.breaker("forecast-solar")
	return c
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	fails := c.config.BreakerFailures
	if fails == 0 {
		fails = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: c.config.BreakerInterval,
		Timeout:  c.config.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("forecast circuit breaker state changed",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
}

// Forecast returns the forecast of (lat, lon) for the hour and day of at.
func (c *Client) Forecast(ctx context.Context, lat, lon float64, at time.Time) (*Forecast, error) {
	var w weatherResponse
	q := url.Values{}
	q.Set("lat", formatCoord(lat))
	q.Set("lon", formatCoord(lon))
	q.Set("units", "metric")
	q.Set("appid", c.config.APIKey)
	if err := c.getJSON(ctx, c.weather, c.config.WeatherURL+"?"+q.Encode(), &w); err != nil {
		return nil, fmt.Errorf("failed to fetch weather: %w", err)
	}

	var s solarResponse
	q = url.Values{}
	q.Set("lat", formatCoord(lat))
	q.Set("lon", formatCoord(lon))
	q.Set("date", at.Format("2006-01-02"))
	q.Set("appid", c.config.APIKey)
	if err := c.getJSON(ctx, c.solar, c.config.SolarURL+"?"+q.Encode(), &s); err != nil {
		return nil, fmt.Errorf("failed to fetch solar irradiance: %w", err)
	}

	return flatten(lat, lon, at, &w, &s), nil
}

func (c *Client) getJSON(ctx context.Context, cb *gobreaker.CircuitBreaker, target string, out any) error {
	_, err := cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		res, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, fmt.Errorf("GET %s -> %s", req.URL.Path, res.Status)
		}
		return nil, json.NewDecoder(res.Body).Decode(out)
	})
	return err
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
