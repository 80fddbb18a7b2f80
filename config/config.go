package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Environment  string `mapstructure:"environment"`
	QueryTimeout string `mapstructure:"query_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type BreakerConfig struct {
	FailureThreshold      int    `mapstructure:"failure_threshold"`
	ResetTimeout          string `mapstructure:"reset_timeout"`
	ExemptGatewayTimeouts bool   `mapstructure:"exempt_gateway_timeouts"`
}

type RetryConfig struct {
	MaxRetries        int      `mapstructure:"max_retries"`
	InitialDelay      string   `mapstructure:"initial_delay"`
	BackoffMultiplier float64  `mapstructure:"backoff_multiplier"`
	MaxDelay          string   `mapstructure:"max_delay"`
	JitterFactor      float64  `mapstructure:"jitter_factor"`
	ColdStartDelay    string   `mapstructure:"cold_start_delay"`
	RetryablePatterns []string `mapstructure:"retryable_patterns"`
	ColdStartPatterns []string `mapstructure:"cold_start_patterns"`
}

type RoutingConfig struct {
	AsyncThreshold     int      `mapstructure:"async_threshold"`
	ForceAsyncKeywords []string `mapstructure:"force_async_keywords"`
}

type StreamingConfig struct {
	URL          string   `mapstructure:"url"`
	Timeout      string   `mapstructure:"timeout"`
	ErrorMarkers []string `mapstructure:"error_markers"`
}

type JobsConfig struct {
	URL             string `mapstructure:"url"`
	Timeout         string `mapstructure:"timeout"`
	PollInterval    string `mapstructure:"poll_interval"`
	MaxPollFailures int    `mapstructure:"max_poll_failures"`
}

type StateStoreConfig struct {
	Type      string `mapstructure:"type"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       string `mapstructure:"ttl"`
}

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
}

type EventsConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	StateStore  StateStoreConfig  `mapstructure:"state_store"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Events      EventsConfig      `mapstructure:"events"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.query_timeout", "2m")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")
	v.SetDefault("breaker.exempt_gateway_timeouts", false)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.jitter_factor", 0.3)
	v.SetDefault("retry.cold_start_delay", "3s")
	v.SetDefault("routing.async_threshold", 70)
	v.SetDefault("streaming.url", "http://localhost:8081")
	v.SetDefault("streaming.timeout", "0s")
	v.SetDefault("jobs.url", "http://localhost:8081")
	v.SetDefault("jobs.timeout", "15s")
	v.SetDefault("jobs.poll_interval", "1s")
	v.SetDefault("jobs.max_poll_failures", 5)
	v.SetDefault("state_store.type", StoreMemory)
	v.SetDefault("state_store.key_prefix", "circuit:")
	v.SetDefault("state_store.ttl", "24h")
	v.SetDefault("health_check.interval", "5s")
	v.SetDefault("events.capacity", 100)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.QueryTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Breaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&bc.ResetTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Retry,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RetryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RetryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.MaxRetries, validation.Min(0)),
					validation.Field(&rc.InitialDelay, validation.Required, validation.By(validateDuration)),
					validation.Field(&rc.BackoffMultiplier, validation.Min(1.0)),
					validation.Field(&rc.MaxDelay, validation.Required, validation.By(validateDuration)),
					validation.Field(&rc.JitterFactor, validation.Min(0.0), validation.Max(1.0)),
					validation.Field(&rc.ColdStartDelay, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Routing,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RoutingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RoutingConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.AsyncThreshold, validation.Required, validation.Min(1), validation.Max(100)),
				)
			}),
		),
		validation.Field(&c.Streaming,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StreamingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StreamingConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.URL, validation.Required, validation.By(validateServerURL)),
					validation.Field(&sc.Timeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Jobs,
			validation.Required,
			validation.By(func(value interface{}) error {
				jc, ok := value.(JobsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a JobsConfig")
				}
				return validation.ValidateStruct(&jc,
					validation.Field(&jc.URL, validation.Required, validation.By(validateServerURL)),
					validation.Field(&jc.Timeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&jc.PollInterval, validation.Required, validation.By(validateDuration)),
					validation.Field(&jc.MaxPollFailures, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.StateStore,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StateStoreConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StateStoreConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type, validation.Required, validation.In(StoreMemory, StoreRedis)),
					validation.Field(&sc.RedisURL,
						validation.When(sc.Type == StoreRedis, validation.Required, validation.By(validateRedisURL)),
					),
					validation.Field(&sc.TTL, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Events,
			validation.Required,
			validation.By(func(value interface{}) error {
				ec, ok := value.(EventsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an EventsConfig")
				}
				return validation.ValidateStruct(&ec,
					validation.Field(&ec.Capacity, validation.Required, validation.Min(1)),
				)
			}),
		),
	)
}

// Durations have been validated by the time these are called.

func (s ServerConfig) QueryTimeoutDuration() time.Duration {
	return mustDuration(s.QueryTimeout)
}

func (b BreakerConfig) ResetTimeoutDuration() time.Duration {
	return mustDuration(b.ResetTimeout)
}

func (r RetryConfig) InitialDelayDuration() time.Duration {
	return mustDuration(r.InitialDelay)
}

func (r RetryConfig) MaxDelayDuration() time.Duration {
	return mustDuration(r.MaxDelay)
}

func (r RetryConfig) ColdStartDelayDuration() time.Duration {
	return mustDuration(r.ColdStartDelay)
}

func (s StreamingConfig) TimeoutDuration() time.Duration {
	return mustDuration(s.Timeout)
}

func (j JobsConfig) TimeoutDuration() time.Duration {
	return mustDuration(j.Timeout)
}

func (j JobsConfig) PollIntervalDuration() time.Duration {
	return mustDuration(j.PollInterval)
}

func (s StateStoreConfig) TTLDuration() time.Duration {
	return mustDuration(s.TTL)
}

func (h HealthCheckConfig) IntervalDuration() time.Duration {
	return mustDuration(h.Interval)
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateRedisURL(value interface{}) error {
	redisURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(redisURL)
	if err != nil || (parsedURL.Scheme != "redis" && parsedURL.Scheme != "rediss") {
		return validation.NewError("validation_invalid_redis_url", "must be a redis:// or rediss:// URL")
	}

	return nil
}
