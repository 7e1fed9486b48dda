package config

import (
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"os"
	"time"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Queue     QueueConfig     `yaml:"queue"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// QueueConfig tunes the dispatcher and the claim lease.
type QueueConfig struct {
	PollInterval       time.Duration
	LeaseTimeout       time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	DefaultMaxAttempts int
	Workers            int
}

// UnmarshalYAML parses duration fields from strings like "500ms" or "1h",
// which yaml.v3 cannot decode into time.Duration on its own.
func (q *QueueConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PollInterval       string `yaml:"poll_interval"`
		LeaseTimeout       string `yaml:"lease_timeout"`
		BackoffBase        string `yaml:"backoff_base"`
		BackoffMax         string `yaml:"backoff_max"`
		DefaultMaxAttempts int    `yaml:"default_max_attempts"`
		Workers            int    `yaml:"workers"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if q.PollInterval, err = parseDuration(raw.PollInterval); err != nil {
		return err
	}
	if q.LeaseTimeout, err = parseDuration(raw.LeaseTimeout); err != nil {
		return err
	}
	if q.BackoffBase, err = parseDuration(raw.BackoffBase); err != nil {
		return err
	}
	if q.BackoffMax, err = parseDuration(raw.BackoffMax); err != nil {
		return err
	}
	q.DefaultMaxAttempts = raw.DefaultMaxAttempts
	q.Workers = raw.Workers
	return nil
}

// RetentionConfig bounds how long log and queue rows are kept.
type RetentionConfig struct {
	OperationAge time.Duration
	// SafetyFloor keeps unprocessed operations past OperationAge so the
	// sweep never drops unreplayed intent.
	SafetyFloor time.Duration
	JobAge      time.Duration
}

func (r *RetentionConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		OperationAge string `yaml:"operation_age"`
		SafetyFloor  string `yaml:"safety_floor"`
		JobAge       string `yaml:"job_age"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if r.OperationAge, err = parseDuration(raw.OperationAge); err != nil {
		return err
	}
	if r.SafetyFloor, err = parseDuration(raw.SafetyFloor); err != nil {
		return err
	}
	r.JobAge, err = parseDuration(raw.JobAge)
	return err
}

// parseDuration treats an absent value as zero so defaults can apply.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 500 * time.Millisecond
	}
	if c.Queue.LeaseTimeout <= 0 {
		c.Queue.LeaseTimeout = 30 * time.Second
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = 5 * time.Second
	}
	if c.Queue.BackoffMax <= 0 {
		c.Queue.BackoffMax = time.Hour
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		c.Queue.DefaultMaxAttempts = 5
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Retention.OperationAge <= 0 {
		c.Retention.OperationAge = 30 * 24 * time.Hour
	}
	if c.Retention.SafetyFloor <= 0 {
		c.Retention.SafetyFloor = 90 * 24 * time.Hour
	}
	if c.Retention.JobAge <= 0 {
		c.Retention.JobAge = 7 * 24 * time.Hour
	}
}
