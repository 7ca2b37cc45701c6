package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zllovesuki/metering/auth"
	"github.com/zllovesuki/metering/spec"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

var validate *validator.Validate = validator.New()

// Config holds every setting read from the environment. Both binaries share it,
// fields that only one of them needs are validated by that binary
type Config struct {
	Environment auth.Environment

	PostgresURI string `validate:"required_without=SQLitePath"`
	SQLitePath  string
	RedisURI    string
	RedisPW     string
	AMQPURI     string `validate:"required"`

	StripeKey           string
	StripeWebhookSecret string
	ServiceRoleSecret   string `validate:"omitempty,min=16"`

	ListenAddr     string        `validate:"required"`
	StoreTimeout   time.Duration `validate:"gt=0"`
	MeterRateLimit int64         `validate:"gte=0"`
	PlanCatalog    string        `validate:"omitempty,file"`
	CORSOrigins    []string

	EventRetention    time.Duration `validate:"gte=24h"`
	RetentionSchedule string        `validate:"required"`

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string `validate:"omitempty,email"`
	SupportEmail string `validate:"omitempty,email"`
	SiteName     string
	SiteURL      string `validate:"omitempty,url"`
}

// DotFile returns the environment selected by ENV and the dotenv file that goes with it
func DotFile() (auth.Environment, string) {
	if os.Getenv("ENV") == "production" {
		return auth.EnvProduction, ".env.production"
	}
	return auth.EnvDevelopment, ".env.development"
}

// Load reads the dotenv file if it exists, then builds the Config from the process environment.
// Variables already set in the environment take precedence over the file
func Load(dotFile string) (*Config, error) {
	if dotFile != "" {
		if _, err := os.Stat(dotFile); err == nil {
			if err := godotenv.Load(dotFile); err != nil {
				return nil, extErrors.Wrap(err, "Cannot load configurations from "+dotFile)
			}
		}
	}
	env, _ := DotFile()
	return FromEnv(env, os.Getenv)
}

// FromEnv builds the Config using lookup for every key
func FromEnv(env auth.Environment, lookup func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			return v
		}
		return fallback
	}

	c := &Config{
		Environment:         env,
		PostgresURI:         get("POSTGRES_URI", ""),
		SQLitePath:          get("SQLITE_PATH", ""),
		RedisURI:            get("REDIS_URI", ""),
		RedisPW:             get("REDIS_PW", ""),
		AMQPURI:             get("AMQP_URI", ""),
		StripeKey:           get("STRIPE_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		ServiceRoleSecret:   get("SERVICE_ROLE_SECRET", ""),
		ListenAddr:          get("LISTEN_ADDR", ":42069"),
		PlanCatalog:         get("PLAN_CATALOG", ""),
		RetentionSchedule:   get("RETENTION_SCHEDULE", "@daily"),
		SMTPHost:            get("SMTP_HOST", ""),
		SMTPPort:            get("SMTP_PORT", "587"),
		SMTPUsername:        get("SMTP_USERNAME", ""),
		SMTPPassword:        get("SMTP_PASSWORD", ""),
		SMTPFrom:            get("SMTP_FROM", ""),
		SupportEmail:        get("SUPPORT_EMAIL", ""),
		SiteName:            get("SITE_NAME", "Metering"),
		SiteURL:             get("SITE_URL", ""),
	}

	var err error
	if c.StoreTimeout, err = time.ParseDuration(get("STORE_TIMEOUT", spec.StoreTimeout.String())); err != nil {
		return nil, extErrors.Wrap(err, "Invalid STORE_TIMEOUT")
	}
	if c.EventRetention, err = time.ParseDuration(get("EVENT_RETENTION", spec.EventRetention.String())); err != nil {
		return nil, extErrors.Wrap(err, "Invalid EVENT_RETENTION")
	}
	if c.MeterRateLimit, err = strconv.ParseInt(get("METER_RATE_LIMIT", "0"), 10, 64); err != nil {
		return nil, extErrors.Wrap(err, "Invalid METER_RATE_LIMIT")
	}
	for _, origin := range strings.Split(get("CORS_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			c.CORSOrigins = append(c.CORSOrigins, origin)
		}
	}

	if err := validate.Struct(c); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	return c, nil
}

// ValidateAPI checks the settings the http server cannot run without
func (c *Config) ValidateAPI() error {
	if c.StripeWebhookSecret == "" {
		return extErrors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.ServiceRoleSecret == "" {
		return extErrors.New("SERVICE_ROLE_SECRET is required")
	}
	if c.MeterRateLimit > 0 && c.RedisURI == "" {
		return extErrors.New("REDIS_URI is required when METER_RATE_LIMIT is set")
	}
	return nil
}

// ValidateWorker checks the settings the mail and retention worker cannot run without
func (c *Config) ValidateWorker() error {
	if c.SMTPHost == "" || c.SMTPFrom == "" {
		return extErrors.New("SMTP_HOST and SMTP_FROM are required")
	}
	return nil
}

// SMTPAddr is the host:port pair handed to the mail transport
func (c *Config) SMTPAddr() string {
	return c.SMTPHost + ":" + c.SMTPPort
}
