package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/wricardo/livetest/live/engine"
)

// EnvPrefix is prepended to every variable name below.
const EnvPrefix = "LIVETEST_"

// Results sink names accepted in LIVETEST_RESULTS_SINKS.
const (
	SinkFile   = "file"
	SinkSQLite = "sqlite"
	SinkRedis  = "redis"
	SinkKafka  = "kafka"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the server configuration.
type Config struct {
	Host       string `env:"HOST" envDefault:"localhost"`
	Port       int    `env:"PORT" envDefault:"8080"`
	ContentDir string `env:"CONTENT_DIR" envDefault:"content"`
	Debug      bool   `env:"DEBUG"`

	// Registry
	CodeLength      int           `env:"CODE_LENGTH" envDefault:"6"`
	Retention       time.Duration `env:"RETENTION" envDefault:"30s"`
	ReapInterval    time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`
	MaxParticipants int           `env:"MAX_PARTICIPANTS" envDefault:"0"`

	// Session timing
	AbsenceGrace time.Duration `env:"ABSENCE_GRACE" envDefault:"60s"`
	PauseTimeout time.Duration `env:"PAUSE_TIMEOUT" envDefault:"10m"`
	StallAfter   time.Duration `env:"STALL_AFTER" envDefault:"10s"`
	SinkTimeout  time.Duration `env:"SINK_TIMEOUT" envDefault:"10s"`

	// Connections
	QueueSize int `env:"QUEUE_SIZE" envDefault:"256"`

	// Results
	ResultsSinks []string `env:"RESULTS_SINKS" envDefault:"file" envSeparator:","`
	ResultsDir   string   `env:"RESULTS_DIR" envDefault:"results"`
	SQLitePath   string   `env:"SQLITE_PATH" envDefault:"livetest.db"`

	Redis RedisConfig `envPrefix:"REDIS_"`
	Kafka KafkaConfig `envPrefix:"KAFKA_"`
	Ngrok NgrokConfig `envPrefix:"NGROK_"`
}

// RedisConfig configures the Redis results sink.
type RedisConfig struct {
	Addr      string        `env:"ADDR" envDefault:"localhost:6379"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB" envDefault:"0"`
	KeyPrefix string        `env:"KEY_PREFIX" envDefault:"livetest:results:"`
	TTL       time.Duration `env:"TTL" envDefault:"720h"`
}

// KafkaConfig configures the Kafka results sink.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"livetest.results"`
}

// NgrokConfig configures the optional public tunnel.
type NgrokConfig struct {
	Enabled   bool   `env:"ENABLED"`
	AuthToken string `env:"AUTHTOKEN"`
	Domain    string `env:"DOMAIN"`
}

// Load reads the configuration from the process environment. Call
// godotenv.Load first to pick up a .env file.
func Load() (*Config, error) {
	return parse(nil)
}

// parse reads from environ, or from the process environment when nil.
func parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.ResultsSinks = normalizeSinks(cfg.ResultsSinks)
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.CodeLength < 4 || c.CodeLength > 12 {
		errs = append(errs, fmt.Errorf("code length %d must be between 4 and 12", c.CodeLength))
	}
	if c.MaxParticipants < 0 {
		errs = append(errs, fmt.Errorf("max participants must not be negative"))
	}
	if c.AbsenceGrace <= 0 || c.PauseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("absence grace and pause timeout must be positive"))
	}
	if c.StallAfter < 0 {
		errs = append(errs, fmt.Errorf("stall after must not be negative"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive"))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("reap interval must be positive"))
	}

	for _, sink := range c.ResultsSinks {
		switch sink {
		case SinkFile:
			if c.ResultsDir == "" {
				errs = append(errs, fmt.Errorf("file sink requires a results dir"))
			}
		case SinkSQLite:
			if c.SQLitePath == "" {
				errs = append(errs, fmt.Errorf("sqlite sink requires a database path"))
			}
		case SinkRedis:
			if c.Redis.Addr == "" {
				errs = append(errs, fmt.Errorf("redis sink requires an address"))
			}
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 {
				errs = append(errs, fmt.Errorf("kafka sink requires brokers"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown results sink %q", sink))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SessionSettings converts the timing options into session policies.
func (c *Config) SessionSettings() engine.Settings {
	s := engine.DefaultSettings()
	s.AbsenceGrace = c.AbsenceGrace
	s.PauseTimeout = c.PauseTimeout
	s.StallAfter = c.StallAfter
	s.SinkTimeout = c.SinkTimeout
	s.MaxParticipants = c.MaxParticipants
	return s
}

// HasSink reports whether name is among the configured results sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.ResultsSinks {
		if s == name {
			return true
		}
	}
	return false
}

// SetSinks replaces the configured sinks from a comma separated list.
func (c *Config) SetSinks(list string) {
	c.ResultsSinks = normalizeSinks(strings.Split(list, ","))
}

func normalizeSinks(sinks []string) []string {
	out := make([]string, 0, len(sinks))
	seen := make(map[string]bool)
	for _, s := range sinks {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || s == "none" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
