package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/postal-weather-service/internal/validation"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort      string        `validate:"required,numeric"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	WeatherAPIKey     string        `validate:"required,min=10"`
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`

	BreakerFailureThreshold int           `validate:"gt=0"`
	BreakerSuccessThreshold int           `validate:"gt=0"`
	BreakerTimeout          time.Duration `validate:"gt=0"`

	CacheBackend          string        `validate:"oneof=in_memory memcached redis"`
	CacheTTL              time.Duration `validate:"gt=0"`
	SweepInterval         time.Duration `validate:"gt=0"`
	MemcachedAddrs        string        `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration `validate:"gt=0"`
	MemcachedMaxIdleConns int           `validate:"gt=0"`
	RedisAddr             string        `validate:"required_if=CacheBackend redis"`
	RedisTimeout          time.Duration `validate:"gt=0"`
	RedisPassword         string
	RedisDB               int `validate:"gte=0"`

	DailyRateLimit    int `validate:"gt=0"`
	TrustForwardedFor bool
	ThrottleRPS       int `validate:"gt=0"`
	ThrottleBurst     int `validate:"gt=0"`

	AlertWebhookURL string        `validate:"omitempty,url"`
	AlertTimeout    time.Duration `validate:"gt=0"`

	AdminEnabled bool

	TracingEndpoint    string
	TracingSampleRatio float64 `validate:"gte=0,lte=1"`

	WarmPostalCodes []string      `validate:"dive,postal_code"`
	WarmInterval    time.Duration `validate:"gt=0"`

	HealthWindow time.Duration `validate:"gt=0"`
}

type fileConfig struct {
	Server struct {
		Port            string `yaml:"port"`
		RequestTimeout  string `yaml:"request_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		Breaker struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"weather_api"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	RateLimit struct {
		DailyLimit        *int `yaml:"daily_limit"`
		TrustForwardedFor bool `yaml:"trust_forwarded_for"`
		Throttle          struct {
			RPS   int `yaml:"rps"`
			Burst int `yaml:"burst"`
		} `yaml:"throttle"`
	} `yaml:"rate_limit"`

	Alert struct {
		WebhookURL string `yaml:"webhook_url"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"alert"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"admin"`

	Tracing struct {
		Endpoint    string   `yaml:"endpoint"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Warming struct {
		PostalCodes []string `yaml:"postal_codes"`
		Interval    string   `yaml:"interval"`
	} `yaml:"warming"`

	Health struct {
		Window string `yaml:"window"`
	} `yaml:"health"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), an optional
// .env file and config/secrets.yaml. Environment variables win over .env values.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 5*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, 30*time.Second)

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.weatherapi.com/v1/forecast.json")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.BreakerFailureThreshold = positiveOr(fc.WeatherAPI.Breaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = positiveOr(fc.WeatherAPI.Breaker.SuccessThreshold, 2)
	cfg.BreakerTimeout = parseDuration(fc.WeatherAPI.Breaker.Timeout, 30*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("CACHE_BACKEND")),
		strings.TrimSpace(fc.Cache.Backend),
		"in_memory",
	))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 30*time.Minute)
	cfg.SweepInterval = parseDuration(fc.Cache.SweepInterval, time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(
		strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")),
		strings.TrimSpace(fc.Cache.Memcached.Addrs),
		"localhost:11211",
	)
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.RedisAddr = firstNonEmpty(
		strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		strings.TrimSpace(fc.Cache.Redis.Addr),
		"localhost:6379",
	)
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.DailyRateLimit = 100
	if fc.RateLimit.DailyLimit != nil {
		cfg.DailyRateLimit = *fc.RateLimit.DailyLimit
	}
	if v := os.Getenv("DAILY_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DAILY_RATE_LIMIT: %w", err)
		}
		cfg.DailyRateLimit = n
	}
	cfg.TrustForwardedFor = fc.RateLimit.TrustForwardedFor
	cfg.ThrottleRPS = positiveOr(fc.RateLimit.Throttle.RPS, 100)
	cfg.ThrottleBurst = positiveOr(fc.RateLimit.Throttle.Burst, 250)

	cfg.AlertWebhookURL = firstNonEmpty(os.Getenv("ALERT_WEBHOOK_URL"), fc.Alert.WebhookURL)
	cfg.AlertTimeout = parseDuration(fc.Alert.Timeout, 5*time.Second)

	cfg.AdminEnabled = fc.Admin.Enabled

	cfg.TracingEndpoint = firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), fc.Tracing.Endpoint)
	cfg.TracingSampleRatio = 1
	if fc.Tracing.SampleRatio != nil {
		cfg.TracingSampleRatio = *fc.Tracing.SampleRatio
	}

	cfg.WarmPostalCodes = fc.Warming.PostalCodes
	cfg.WarmInterval = parseDuration(fc.Warming.Interval, 15*time.Minute)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validation can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func positiveOr(n, defaultVal int) int {
	if n <= 0 {
		return defaultVal
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate runs the struct tag checks and keeps RequestTimeout above
// WeatherAPITimeout.
func validate(cfg *Config) error {
	if err := validation.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	return nil
}
