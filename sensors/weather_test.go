// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherBody = `{"name":"Boston","main":{"temp":20,"humidity":55,"pressure":1012}}`

func writeKey(t *testing.T, key string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openweather.key")
	require.NoError(t, os.WriteFile(path, []byte(key), 0600))
	return path
}

func newTestWeather(t *testing.T, handler http.HandlerFunc, opts WeatherOptions) *WeatherSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts.APIKeyFile = writeKey(t, "secret-key\n")
	opts.BaseURL = server.URL
	s, err := NewWeatherSource(opts)
	require.NoError(t, err)
	return s
}

func TestWeatherSource_Read(t *testing.T) {
	var query string
	s := newTestWeather(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(weatherBody))
	}, WeatherOptions{Location: "Boston,US"})

	r, err := s.Read(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, MeasurementWeather, r.Measurement)
	assert.InDelta(t, 68, r.Fields["temperature"], 1e-9)
	assert.InDelta(t, 55, r.Fields["humidity"], 1e-9)
	assert.InDelta(t, 1012, r.Fields["pressure"], 1e-9)
	assert.Equal(t, map[string]string{"source": "openweather", "location": "Boston"}, r.Tags)

	assert.Contains(t, query, "appid=secret-key")
	assert.Contains(t, query, "units=metric")
	assert.Contains(t, query, "q=Boston%2CUS")

	assert.Equal(t, map[string]float64{interfaces.RefSeaLevelPressure: 1012}, s.References())
}

func TestWeatherSource_Coordinates(t *testing.T) {
	var query string
	s := newTestWeather(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(weatherBody))
	}, WeatherOptions{Latitude: 42.36, Longitude: -71.06})

	_, err := s.Read(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, query, "lat=42.36")
	assert.Contains(t, query, "lon=-71.06")
	assert.NotContains(t, query, "q=")
}

func TestWeatherSource_QuotaWindow(t *testing.T) {
	calls := 0
	s := newTestWeather(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(weatherBody))
	}, WeatherOptions{Location: "x", CallsPerDay: 24})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	r, err := s.Read(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, r, "first tick should fetch")

	now = now.Add(30 * time.Minute)
	r, err = s.Read(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, r, "call inside the quota window should be skipped")

	now = now.Add(31 * time.Minute)
	r, err = s.Read(ctx, 3)
	require.NoError(t, err)
	assert.NotNil(t, r, "call after the window should fetch")
	assert.Equal(t, 2, calls)
}

func TestWeatherSource_HTTPError(t *testing.T) {
	s := newTestWeather(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"cod":401,"message":"Invalid API key"}`, http.StatusUnauthorized)
	}, WeatherOptions{Location: "x"})

	r, err := s.Read(context.Background(), 1)
	assert.Nil(t, r)
	require.Error(t, err)
	assert.True(t, apperrors.IsSensorError(err))
	assert.Nil(t, s.References(), "failed fetch must not publish a reference")
}

func TestWeatherSource_IncompleteResponse(t *testing.T) {
	s := newTestWeather(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"x","main":{"temp":1}}`))
	}, WeatherOptions{Location: "x"})

	_, err := s.Read(context.Background(), 1)
	assert.Error(t, err)
}

func TestWeatherSource_ErrorHidesKey(t *testing.T) {
	opts := WeatherOptions{
		APIKeyFile: writeKey(t, "secret-key"),
		Location:   "x",
		BaseURL:    "http://127.0.0.1:1/weather",
	}
	s, err := NewWeatherSource(opts)
	require.NoError(t, err)

	_, err = s.Read(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "secret-key"), "error leaks API key: %v", err)
}

func TestNewWeatherSource_Validation(t *testing.T) {
	_, err := NewWeatherSource(WeatherOptions{APIKeyFile: filepath.Join(t.TempDir(), "missing"), Location: "x"})
	assert.True(t, apperrors.IsConfigError(err), "missing key file: %v", err)

	_, err = NewWeatherSource(WeatherOptions{APIKeyFile: writeKey(t, "  \n"), Location: "x"})
	assert.True(t, apperrors.IsConfigError(err), "empty key file: %v", err)

	_, err = NewWeatherSource(WeatherOptions{APIKeyFile: writeKey(t, "k")})
	assert.True(t, apperrors.IsConfigError(err), "no location: %v", err)
}
