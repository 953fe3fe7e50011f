// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/util"
	"golang.org/x/time/rate"
)

const (
	// MeasurementWeather is the series written by the weather source
	MeasurementWeather = "weather"

	defaultWeatherURL     = "https://api.openweathermap.org/data/2.5/weather"
	defaultCallsPerDay    = 50
	weatherRequestTimeout = 10 * time.Second
	maxWeatherBody        = 1 << 20
)

// WeatherOptions configures a WeatherSource
type WeatherOptions struct {
	APIKeyFile  string
	Location    string
	Latitude    float64
	Longitude   float64
	CallsPerDay int
	BaseURL     string
	HTTPClient  *http.Client
}

// WeatherSource fetches current conditions from OpenWeather, spreading the
// daily call quota evenly over the day. The first due tick always fetches.
type WeatherSource struct {
	apiKey   string
	location string
	lat, lon float64
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	now      func() time.Time

	mu       sync.Mutex
	pressure float64
}

type openWeatherResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
}

// NewWeatherSource reads the API key file and creates the source. A missing
// or empty key file is an error.
func NewWeatherSource(opts WeatherOptions) (*WeatherSource, error) {
	key, err := util.ReadSecretFile(opts.APIKeyFile)
	if err != nil {
		return nil, apperrors.NewConfigError("sensors.weather.api_key_file", opts.APIKeyFile, err)
	}
	if opts.Location == "" && opts.Latitude == 0 && opts.Longitude == 0 {
		return nil, apperrors.NewConfigError("sensors.weather.location", "", fmt.Errorf("location or coordinates required"))
	}

	calls := opts.CallsPerDay
	if calls <= 0 {
		calls = defaultCallsPerDay
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultWeatherURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: weatherRequestTimeout}
	}

	return &WeatherSource{
		apiKey:   key,
		location: opts.Location,
		lat:      opts.Latitude,
		lon:      opts.Longitude,
		baseURL:  baseURL,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(calls)), 1),
		now:      time.Now,
	}, nil
}

// Name returns the source name
func (s *WeatherSource) Name() string {
	return "openweather"
}

// References publishes the last observed sea-level pressure
func (s *WeatherSource) References() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pressure <= 0 {
		return nil
	}
	return map[string]float64{interfaces.RefSeaLevelPressure: s.pressure}
}

// Read fetches current conditions when the quota window allows a call
func (s *WeatherSource) Read(ctx context.Context, tick uint64) (*interfaces.Reading, error) {
	if !s.limiter.AllowN(s.now(), 1) {
		return nil, nil
	}

	logger.Info().Uint64("tick", tick).Msg("Fetching current weather conditions")

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, apperrors.NewSensorError(s.Name(), "fetch", err)
	}
	if data.Main.Temp == nil || data.Main.Humidity == nil || data.Main.Pressure == nil {
		return nil, apperrors.NewSensorError(s.Name(), "decode", fmt.Errorf("response missing main conditions"))
	}

	tempC := *data.Main.Temp
	tempF := tempC*9/5 + 32
	pressure := *data.Main.Pressure

	s.mu.Lock()
	s.pressure = pressure
	s.mu.Unlock()

	location := data.Name
	if location == "" {
		location = s.location
	}

	logger.Info().
		Float64("temperature_c", tempC).
		Float64("temperature_f", tempF).
		Float64("humidity", *data.Main.Humidity).
		Float64("pressure_hpa", pressure).
		Str("location", location).
		Msg("Weather conditions")

	return &interfaces.Reading{
		Measurement: MeasurementWeather,
		Fields: map[string]float64{
			"temperature": tempF,
			"humidity":    *data.Main.Humidity,
			"pressure":    pressure,
		},
		Tags: map[string]string{
			"source":   "openweather",
			"location": location,
		},
	}, nil
}

func (s *WeatherSource) fetch(ctx context.Context) (*openWeatherResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, weatherRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.requestURL(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// The request URL carries the API key
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, urlErr.Err
		}
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var out openWeatherResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWeatherBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (s *WeatherSource) requestURL() string {
	q := url.Values{}
	if s.lat != 0 || s.lon != 0 {
		q.Set("lat", strconv.FormatFloat(s.lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(s.lon, 'f', -1, 64))
	} else {
		q.Set("q", s.location)
	}
	q.Set("appid", s.apiKey)
	q.Set("units", "metric")
	return s.baseURL + "?" + q.Encode()
}
