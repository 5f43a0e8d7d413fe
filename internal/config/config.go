// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is read from an optional YAML file named by CONFIG_PATH, then
// from the environment (.env included).
type Config struct {
	Env      string `yaml:"env" env:"ENV" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	HTTPServer `yaml:"http_server"`
	Database   `yaml:"database"`
	Redis      `yaml:"redis"`
	Rabbit     `yaml:"rabbitmq"`
	Dispatch   `yaml:"dispatch"`
	WhatsApp   `yaml:"whatsapp"`
}

type HTTPServer struct {
	Address      string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
}

type Database struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"whatsapp_dispatch"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSLMODE" env-default:"disable"`
	MaxOpen  int    `yaml:"max_open" env:"DB_MAX_OPEN" env-default:"20"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"dispatch"`
}

type Rabbit struct {
	URL          string `yaml:"url" env:"RABBITMQ_URL"`
	StatusQueue  string `yaml:"status_queue" env:"RABBITMQ_STATUS_QUEUE" env-default:"delivery_status"`
	Prefetch     int    `yaml:"prefetch" env:"RABBITMQ_PREFETCH" env-default:"20"`
	ConsumerName string `yaml:"consumer_name" env:"RABBITMQ_CONSUMER" env-default:"dispatch-worker"`
}

// Dispatch tunes the queues and the verifier.
type Dispatch struct {
	VerifyCron      string        `yaml:"verify_cron" env:"VERIFY_CRON" env-default:"@every 5s"`
	Concurrency     int           `yaml:"concurrency" env:"QUEUE_CONCURRENCY" env-default:"5"`
	RateMax         int           `yaml:"rate_max" env:"QUEUE_RATE_MAX" env-default:"0"`
	RatePer         time.Duration `yaml:"rate_per" env:"QUEUE_RATE_PER" env-default:"1s"`
	Attempts        int           `yaml:"attempts" env:"QUEUE_ATTEMPTS" env-default:"5"`
	BackoffBase     time.Duration `yaml:"backoff_base" env:"QUEUE_BACKOFF_BASE" env-default:"2s"`
	BackoffMax      time.Duration `yaml:"backoff_max" env:"QUEUE_BACKOFF_MAX" env-default:"5m"`
	JobTimeout      time.Duration `yaml:"job_timeout" env:"QUEUE_JOB_TIMEOUT" env-default:"1m"`
	CampaignDelay   time.Duration `yaml:"campaign_delay" env:"CAMPAIGN_DELAY" env-default:"5s"`
	CampaignLonger  time.Duration `yaml:"campaign_longer_delay" env:"CAMPAIGN_LONGER_DELAY" env-default:"30s"`
	CampaignLongerN int           `yaml:"campaign_longer_after" env:"CAMPAIGN_LONGER_AFTER" env-default:"20"`
}

type WhatsApp struct {
	CountryCode  string        `yaml:"country_code" env:"DEFAULT_COUNTRY_CODE" env-default:"55"`
	SendTimeout  time.Duration `yaml:"send_timeout" env:"WHATSAPP_SEND_TIMEOUT" env-default:"30s"`
	GraphURL     string        `yaml:"graph_url" env:"WHATSAPP_GRAPH_URL" env-default:"https://graph.facebook.com"`
	GraphVersion string        `yaml:"graph_version" env:"WHATSAPP_GRAPH_VERSION" env-default:"v21.0"`
	VerifyToken  string        `yaml:"verify_token" env:"WHATSAPP_VERIFY_TOKEN"`
	AppSecret    string        `yaml:"app_secret" env:"WHATSAPP_APP_SECRET"`
	SessionRate  float64       `yaml:"session_rate" env:"SESSION_SEND_RATE" env-default:"1"`
	SessionBurst int           `yaml:"session_burst" env:"SESSION_SEND_BURST" env-default:"3"`
	// SessionsStart lets a worker connect session devices. Each device is
	// leased to one worker at a time for SessionLeaseTTL.
	SessionsStart   bool          `yaml:"sessions_start" env:"SESSIONS_START" env-default:"false"`
	SessionLeaseTTL time.Duration `yaml:"session_lease_ttl" env:"SESSION_LEASE_TTL" env-default:"3m"`
}

// DSN prefers DATABASE_URL over the separate fields.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}
	return cfg
}
