package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ilievs/motorsim/core"
)

const (
	DefaultMqttAddress  = ":1883"
	DefaultHttpAddress  = ":8080"
	DefaultMqttUsername = "operator"
	DefaultMqttPassword = "operator"
	DefaultLogLevel     = "info"

	EnvPrefix = "MOTORSIM_"
)

type Config struct {
	TickIntervalMs  int               `yaml:"tick_interval_ms"`
	MaxSpeed        float64           `yaml:"max_speed"`
	MaxAcceleration float64           `yaml:"max_acceleration"`
	MinDelta        float64           `yaml:"min_delta"`
	Devices         []core.DeviceInfo `yaml:"devices"`
	Mqtt            MqttConfig        `yaml:"mqtt"`
	Http            HttpConfig        `yaml:"http"`
	LogLevel        string            `yaml:"log_level"`
	LogFormat       string            `yaml:"log_format"`
}

type MqttConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HttpConfig struct {
	Address string `yaml:"address"`
}

func DefaultConfig() *Config {
	defaults := core.DefaultConfig()
	return &Config{
		TickIntervalMs:  int(defaults.TickInterval / time.Millisecond),
		MaxSpeed:        defaults.MaxSpeed,
		MaxAcceleration: defaults.MaxAcceleration,
		MinDelta:        defaults.MinDelta,
		Devices:         defaults.Devices,
		Mqtt: MqttConfig{
			Address:  DefaultMqttAddress,
			Username: DefaultMqttUsername,
			Password: DefaultMqttPassword,
		},
		Http:      HttpConfig{Address: DefaultHttpAddress},
		LogLevel:  DefaultLogLevel,
		LogFormat: "text",
	}
}

// Load layers the defaults, the YAML file at path (skipped when empty), the
// .env files and finally the process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles never overrides variables already set in the environment.
// Missing files are ignored.
func loadEnvFiles(files []string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("TICK_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTICK_MS: %w", EnvPrefix, err)
		}
		c.TickIntervalMs = ms
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"MAX_SPEED", &c.MaxSpeed},
		{"MAX_ACCELERATION", &c.MaxAcceleration},
		{"MIN_DELTA", &c.MinDelta},
	}
	for _, f := range floats {
		if v, ok := get(f.key); ok {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, f.key, err)
			}
			*f.dst = parsed
		}
	}
	if v, ok := get("DEVICES"); ok {
		devices, err := ParseRoster(v)
		if err != nil {
			return err
		}
		c.Devices = devices
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"MQTT_ADDR", &c.Mqtt.Address},
		{"MQTT_USER", &c.Mqtt.Username},
		{"MQTT_PASSWORD", &c.Mqtt.Password},
		{"HTTP_ADDR", &c.Http.Address},
		{"LOG_LEVEL", &c.LogLevel},
		{"LOG_FORMAT", &c.LogFormat},
	}
	for _, s := range strs {
		if v, ok := get(s.key); ok {
			*s.dst = v
		}
	}
	return nil
}

// ParseRoster reads "id:Name,id2:Name2". A missing name defaults to the id.
func ParseRoster(s string) ([]core.DeviceInfo, error) {
	devices := make([]core.DeviceInfo, 0)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, _ := strings.Cut(entry, ":")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("%w: roster entry %q has no id", core.ErrInvalidArgument, entry)
		}
		if name == "" {
			name = id
		}
		devices = append(devices, core.DeviceInfo{Id: id, Name: name})
	}
	return devices, nil
}

func (c *Config) Validate() error {
	if err := c.Core(nil).Validate(); err != nil {
		return err
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: device roster is empty", core.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Id == "" {
			return fmt.Errorf("%w: device without id", core.ErrInvalidArgument)
		}
		if seen[d.Id] {
			return fmt.Errorf("%w: duplicate device id %q", core.ErrInvalidArgument, d.Id)
		}
		seen[d.Id] = true
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// Core returns the simulation settings for core.New.
func (c *Config) Core(logger *slog.Logger) core.Config {
	return core.Config{
		TickInterval:    c.TickInterval(),
		MaxSpeed:        c.MaxSpeed,
		MaxAcceleration: c.MaxAcceleration,
		MinDelta:        c.MinDelta,
		Devices:         c.Devices,
		Logger:          logger,
	}
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("%w: log level %q", core.ErrInvalidArgument, s)
	}
	return level, nil
}
