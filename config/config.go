package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ModeSim  = "sim"
	ModeEcho = "echo"

	AggregateGlobal = "global"
	AggregateGroup  = "group"

	BrokerLocal = "local"
	BrokerRedis = "redis"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

// set accepts a bare number as milliseconds or a Go duration string.
func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(int64(val)) * time.Millisecond
		return nil
	case int:
		d.Duration = time.Duration(val) * time.Millisecond
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(val)
		return err
	default:
		return nil
	}
}

type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Mode string `json:"mode" yaml:"mode"`

	GroupSize        int      `json:"group_size" yaml:"group_size"`
	ClientNumber     int      `json:"client_number" yaml:"client_number"`
	SimulationCycles int      `json:"simulation_cycles" yaml:"simulation_cycles"`
	ConnTimeout      Duration `json:"conn_timeout" yaml:"conn_timeout"`
	WriteTimeout     Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"`
	RetryBackoff     Duration `json:"retry_backoff" yaml:"retry_backoff"`
	NoDelay          bool     `json:"no_delay" yaml:"no_delay"`
	ControlFrames    bool     `json:"control_frames" yaml:"control_frames"`
	Aggregation      string   `json:"aggregation" yaml:"aggregation"`

	HTTPEnabled    bool `json:"http_enabled" yaml:"http_enabled"`
	HTTPPort       int  `json:"http_port" yaml:"http_port"`
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`

	BrokerType    string `json:"broker_type" yaml:"broker_type"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	AcceptRatePerSec int `json:"accept_rate_per_sec" yaml:"accept_rate_per_sec"`
	AcceptBurst      int `json:"accept_burst" yaml:"accept_burst"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8080,
		Mode:             ModeSim,
		GroupSize:        3,
		ClientNumber:     3,
		SimulationCycles: 100,
		ConnTimeout:      Duration{5 * time.Second},
		WriteTimeout:     Duration{5 * time.Second},
		MaxRetries:       3,
		RetryBackoff:     Duration{50 * time.Millisecond},
		NoDelay:          true,
		ControlFrames:    true,
		Aggregation:      AggregateGlobal,
		HTTPEnabled:      false,
		HTTPPort:         9090,
		MetricsEnabled:   true,
		BrokerType:       BrokerLocal,
		RedisAddr:        "localhost:6379",
		RedisPassword:    "",
		RedisDB:          0,
		AcceptRatePerSec: 0,
		AcceptBurst:      0,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// LoadFromFile overlays a JSON or YAML file on the defaults. The format is
// picked from the extension.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	return cfg, err
}

func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from SWARM_* and REDIS_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SWARM_HOST"); v != "" {
		c.Host = v
	}
	envInt("SWARM_PORT", &c.Port)
	if v := os.Getenv("SWARM_MODE"); v != "" {
		c.Mode = v
	}
	envInt("SWARM_GROUP_SIZE", &c.GroupSize)
	envInt("SWARM_CLIENT_NUMBER", &c.ClientNumber)
	envInt("SWARM_SIMULATION_CYCLES", &c.SimulationCycles)
	if v := os.Getenv("SWARM_CONN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConnTimeout.Duration = d
		}
	}
	envInt("SWARM_MAX_RETRIES", &c.MaxRetries)
	envBool("SWARM_NO_DELAY", &c.NoDelay)
	envBool("SWARM_CONTROL_FRAMES", &c.ControlFrames)
	if v := os.Getenv("SWARM_AGGREGATION"); v != "" {
		c.Aggregation = v
	}
	envBool("SWARM_HTTP", &c.HTTPEnabled)
	envInt("SWARM_HTTP_PORT", &c.HTTPPort)
	if v := os.Getenv("SWARM_BROKER"); v != "" {
		c.BrokerType = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SWARM_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Placeable is the number of clients that fit in full groups.
func (c *Config) Placeable() int {
	if c.GroupSize <= 0 {
		return 0
	}
	return c.ClientNumber / c.GroupSize * c.GroupSize
}

func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeSim && c.Mode != ModeEcho {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeSim, ModeEcho, c.Mode))
	}
	if c.Mode == ModeSim {
		if c.GroupSize <= 0 {
			errs = append(errs, fmt.Errorf("group_size must be positive, got %d", c.GroupSize))
		}
		if c.ClientNumber <= 0 {
			errs = append(errs, fmt.Errorf("client_number must be positive, got %d", c.ClientNumber))
		}
		if c.SimulationCycles <= 0 {
			errs = append(errs, fmt.Errorf("simulation_cycles must be positive, got %d", c.SimulationCycles))
		}
		if c.Aggregation != AggregateGlobal && c.Aggregation != AggregateGroup {
			errs = append(errs, fmt.Errorf("aggregation must be %q or %q, got %q", AggregateGlobal, AggregateGroup, c.Aggregation))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BrokerType != BrokerLocal && c.BrokerType != BrokerRedis {
		errs = append(errs, fmt.Errorf("broker_type must be %q or %q, got %q", BrokerLocal, BrokerRedis, c.BrokerType))
	}
	return errors.Join(errs...)
}
