// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the environment data logger.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/util"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Network       NetworkConfig       `yaml:"network"`
	Sensors       SensorsConfig       `yaml:"sensors"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	URL            string               `yaml:"url" validate:"omitempty,url"`
	Token          string               `yaml:"token" validate:"required,min=8"`
	Organization   string               `yaml:"organization" validate:"required"`
	Bucket         string               `yaml:"bucket" validate:"required"`
	WriteTimeout   time.Duration        `yaml:"write_timeout" validate:"min=100ms,max=5m"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DiscoveryConfig controls mDNS lookup of the InfluxDB server
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ServiceType string        `yaml:"service_type" validate:"required"`
	Domain      string        `yaml:"domain" validate:"required"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=100ms,max=1m"`
}

// CircuitBreakerConfig controls the breaker in front of the sink
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"min=1,max=1000"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"min=1s,max=1h"`
}

// MonitorConfig holds poll loop settings
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=100ms,max=1h"`
	RunDuration  time.Duration `yaml:"run_duration" validate:"min=0"`
	FlushLimit   int           `yaml:"flush_limit" validate:"min=0"`
}

// BufferConfig holds the durable buffer settings
type BufferConfig struct {
	Path          string `yaml:"path" validate:"required"`
	WarnThreshold int    `yaml:"warn_threshold" validate:"min=0"`
}

// NetworkConfig holds connectivity probe settings
type NetworkConfig struct {
	ProbeAddress      string        `yaml:"probe_address" validate:"required,hostname_port"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" validate:"min=100ms,max=1m"`
	Interface         string        `yaml:"interface"`
	MinSignalDBm      float64       `yaml:"min_signal_dbm" validate:"min=-120,max=0"`
	MinQualityPercent float64       `yaml:"min_quality_percent" validate:"min=0,max=100"`
}

// SensorsConfig groups the sensor sources
type SensorsConfig struct {
	SDS011      SDS011Config      `yaml:"sds011"`
	Environment EnvironmentConfig `yaml:"environment"`
	PIR         PIRConfig         `yaml:"pir"`
	Weather     WeatherConfig     `yaml:"weather"`
}

// SDS011Config configures the particulate sensor
type SDS011Config struct {
	Enabled     bool   `yaml:"enabled"`
	Device      string `yaml:"device" validate:"required_if=Enabled true"`
	PeriodTicks int    `yaml:"period_ticks" validate:"min=0"`
}

// EnvironmentConfig configures the temperature/humidity/pressure sensor
type EnvironmentConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	DevicePath              string  `yaml:"device_path" validate:"required_if=Enabled true"`
	PeriodTicks             int     `yaml:"period_ticks" validate:"min=0"`
	TemperatureOffset       float64 `yaml:"temperature_offset" validate:"min=-50,max=50"`
	DefaultSeaLevelPressure float64 `yaml:"default_sea_level_pressure" validate:"min=800,max=1100"`
}

// PIRConfig configures the motion sensor
type PIRConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ValuePath   string `yaml:"value_path" validate:"required_if=Enabled true"`
	PeriodTicks int    `yaml:"period_ticks" validate:"min=0"`
}

// WeatherConfig configures the OpenWeather source
type WeatherConfig struct {
	Enabled     bool    `yaml:"enabled"`
	APIKeyFile  string  `yaml:"api_key_file" validate:"required_if=Enabled true"`
	Location    string  `yaml:"location"`
	Latitude    float64 `yaml:"latitude" validate:"min=-90,max=90"`
	Longitude   float64 `yaml:"longitude" validate:"min=-180,max=180"`
	CallsPerDay int     `yaml:"calls_per_day" validate:"min=1,max=100000"`
	BaseURL     string  `yaml:"base_url" validate:"required,url"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error fatal critical panic"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML, then applies environment
// overrides, defaults and validation in that order.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	overrideString("INFLUXDB_URL", &c.InfluxDB.URL)
	overrideString("INFLUXDB_TOKEN", &c.InfluxDB.Token)
	overrideString("INFLUXDB_ORG", &c.InfluxDB.Organization)
	overrideString("INFLUXDB_BUCKET", &c.InfluxDB.Bucket)
	overrideString("LOG_LEVEL", &c.Logging.Level)
	overrideString("BUFFER_PATH", &c.Buffer.Path)
	overrideString("SLACK_WEBHOOK_URL", &c.Notifications.SlackWebhookURL)
	overrideString("OPENWEATHER_API_KEY_FILE", &c.Sensors.Weather.APIKeyFile)
	overrideDuration("MONITOR_POLL_INTERVAL", &c.Monitor.PollInterval)
	overrideDuration("MONITOR_RUN_DURATION", &c.Monitor.RunDuration)

	if v := os.Getenv("BUFFER_FLUSH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.Monitor.FlushLimit = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse BUFFER_FLUSH_LIMIT '%s': %v\n", v, err)
		}
	}
}

func overrideString(env string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideDuration(env string, dst *time.Duration) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Logging is not initialised yet
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse %s '%s': %v\n", env, v, err)
		return
	}
	*dst = d
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	setDefault(&c.InfluxDB.WriteTimeout, 5*time.Second)
	setDefault(&c.InfluxDB.Discovery.ServiceType, "_influxdb._tcp")
	setDefault(&c.InfluxDB.Discovery.Domain, "local.")
	setDefault(&c.InfluxDB.Discovery.Timeout, 5*time.Second)
	setDefault(&c.InfluxDB.CircuitBreaker.FailureThreshold, 3)
	setDefault(&c.InfluxDB.CircuitBreaker.ResetTimeout, 30*time.Second)

	setDefault(&c.Monitor.PollInterval, 5*time.Second)
	setDefault(&c.Monitor.FlushLimit, 100)

	setDefault(&c.Buffer.Path, "/var/lib/env-data-logger/buffer.json")
	setDefault(&c.Buffer.WarnThreshold, 1000)

	setDefault(&c.Network.ProbeAddress, "8.8.8.8:53")
	setDefault(&c.Network.ProbeTimeout, 2*time.Second)

	setDefault(&c.Sensors.SDS011.Device, "/dev/ttyUSB0")
	setDefault(&c.Sensors.SDS011.PeriodTicks, 12)
	setDefault(&c.Sensors.Environment.DevicePath, "/sys/bus/iio/devices/iio:device0")
	setDefault(&c.Sensors.Environment.PeriodTicks, 12)
	setDefault(&c.Sensors.Environment.DefaultSeaLevelPressure, 1015)
	setDefault(&c.Sensors.PIR.ValuePath, "/sys/class/gpio/gpio4/value")
	setDefault(&c.Sensors.PIR.PeriodTicks, 1)
	setDefault(&c.Sensors.Weather.CallsPerDay, 50)
	setDefault(&c.Sensors.Weather.BaseURL, "https://api.openweathermap.org/data/2.5/weather")

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	setDefault(&c.Logging.Level, "info")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatStructErrors(err)
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateSensors(); validateErr != nil {
		return validateErr
	}

	return nil
}

// formatStructErrors turns validator errors into a ConfigError naming the
// first offending field by its YAML path.
func formatStructErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewConfigError("", "", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", yamlPath(fe.Namespace()), fieldRule(fe)))
	}
	first := verrs[0]
	value := fmt.Sprint(first.Value())
	if first.Field() == "Token" || first.Field() == "SlackWebhookURL" {
		value = ""
	}
	return apperrors.NewConfigError(yamlPath(first.Namespace()), value,
		fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(msgs, "; ")))
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// yamlPath converts "Config.InfluxDB.WriteTimeout" to "influxdb.write_timeout"
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 && parts[0] == "Config" {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, ".")
}

var fieldNames = map[string]string{
	"InfluxDB":        "influxdb",
	"SDS011":          "sds011",
	"PIR":             "pir",
	"URL":             "url",
	"BaseURL":         "base_url",
	"APIKeyFile":      "api_key_file",
	"SlackWebhookURL": "slack_webhook_url",
	"MinSignalDBm":    "min_signal_dbm",
}

func snakeCase(s string) string {
	if name, ok := fieldNames[s]; ok {
		return name
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if c.InfluxDB.URL == "" {
		if c.InfluxDB.Discovery.Enabled {
			return nil
		}
		return apperrors.NewConfigError("influxdb.url", "", fmt.Errorf("%w: required unless influxdb.discovery.enabled is set", apperrors.ErrInvalidConfig))
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return apperrors.NewConfigError("influxdb.url", c.InfluxDB.URL, parseErr)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return apperrors.NewConfigError("influxdb.url", c.InfluxDB.URL, fmt.Errorf("%w: scheme must be http or https", apperrors.ErrInvalidConfig))
	}

	return validateURLSecurity(parsedURL)
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	if !isLocalHost(parsedURL.Hostname()) {
		return apperrors.NewConfigError("influxdb.url", parsedURL.Redacted(),
			fmt.Errorf("%w: must use HTTPS for non-local connections; HTTP transmits the token in plaintext", apperrors.ErrInvalidConfig))
	}

	return nil
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// validateSensors checks cross-field sensor rules
func (c *Config) validateSensors() error {
	s := c.Sensors
	if !s.SDS011.Enabled && !s.Environment.Enabled && !s.PIR.Enabled && !s.Weather.Enabled {
		return apperrors.NewConfigError("sensors", "", fmt.Errorf("%w: at least one sensor must be enabled", apperrors.ErrInvalidConfig))
	}
	if s.Weather.Enabled && s.Weather.Location == "" && s.Weather.Latitude == 0 && s.Weather.Longitude == 0 {
		return apperrors.NewConfigError("sensors.weather.location", "", fmt.Errorf("%w: location or latitude/longitude required", apperrors.ErrInvalidConfig))
	}
	return nil
}
