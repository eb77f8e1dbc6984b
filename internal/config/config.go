// Package config loads runtime configuration for energyd and the lambda
// binary. Values are layered: built-in defaults, an optional .env file, an
// optional YAML file named by ENERGY_CONFIG_FILE and finally environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Backend names accepted by the store, object, topic and mail sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
	BackendS3       = "s3"
	BackendRedis    = "redis"
	BackendSNS      = "sns"
	BackendLog      = "log"
	BackendSES      = "ses"
	BackendCognito  = "cognito"
	BackendLocal    = "local"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ENERGY_ADDR"`
	APIPrefix       string        `yaml:"api_prefix" env:"ENERGY_API_PREFIX"`
	CORSOrigins     string        `yaml:"cors_origins" env:"ENERGY_CORS_ORIGINS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ENERGY_SHUTDOWN_TIMEOUT"`
	AuthRateLimit   float64       `yaml:"auth_rate_limit" env:"ENERGY_AUTH_RATE_LIMIT"`
	AuthRateBurst   int           `yaml:"auth_rate_burst" env:"ENERGY_AUTH_RATE_BURST"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For header the auth
	// rate limiter believes.
	TrustedProxies string `yaml:"trusted_proxies" env:"ENERGY_TRUSTED_PROXIES"`
}

// Origins splits the comma separated CORS origin list.
func (s ServerConfig) Origins() []string {
	return splitList(s.CORSOrigins)
}

// Proxies splits the comma separated trusted proxy list.
func (s ServerConfig) Proxies() []string {
	return splitList(s.TrustedProxies)
}

func splitList(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type AWSConfig struct {
	Region   string `yaml:"region" env:"AWS_REGION"`
	Endpoint string `yaml:"endpoint" env:"AWS_ENDPOINT_URL"`
}

type IdentityConfig struct {
	Backend          string `yaml:"backend" env:"IDENTITY_BACKEND"`
	UserPoolID       string `yaml:"user_pool_id" env:"COGNITO_USER_POOL_ID"`
	ClientID         string `yaml:"client_id" env:"COGNITO_CLIENT_ID"`
	JWKSURL          string `yaml:"jwks_url" env:"COGNITO_JWKS_URL"`
	VerifySignatures bool   `yaml:"verify_signatures" env:"COGNITO_VERIFY_SIGNATURES"`
}

type LocalAuthConfig struct {
	Secret   string        `yaml:"secret" env:"LOCAL_AUTH_SECRET"`
	Issuer   string        `yaml:"issuer" env:"LOCAL_AUTH_ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"LOCAL_AUTH_TOKEN_TTL"`
}

type StoreConfig struct {
	Backend         string        `yaml:"backend" env:"STORE_BACKEND"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"DATABASE_MIGRATE"`
	EnergyTable     string        `yaml:"energy_table" env:"ENERGY_TABLE"`
	ProfileTable    string        `yaml:"profile_table" env:"USER_DATA_TABLE"`
	ConnectionTable string        `yaml:"connection_table" env:"CONNECTIONS_TABLE"`
}

type ObjectsConfig struct {
	Backend       string        `yaml:"backend" env:"OBJECTS_BACKEND"`
	Bucket        string        `yaml:"bucket" env:"S3_BUCKET"`
	PublicBaseURL string        `yaml:"public_base_url" env:"OBJECTS_PUBLIC_BASE_URL"`
	UploadURLTTL  time.Duration `yaml:"upload_url_ttl" env:"UPLOAD_URL_TTL"`
}

type PubSubConfig struct {
	Backend       string `yaml:"backend" env:"PUBSUB_BACKEND"`
	TopicARN      string `yaml:"topic_arn" env:"SNS_TOPIC_ARN"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisChannel  string `yaml:"redis_channel" env:"REDIS_CHANNEL"`
}

type MailConfig struct {
	Backend      string `yaml:"backend" env:"MAIL_BACKEND"`
	FromAddress  string `yaml:"from_address" env:"SES_FROM_ADDRESS"`
	DashboardURL string `yaml:"dashboard_url" env:"DASHBOARD_URL"`
}

type RealtimeConfig struct {
	// Endpoint is the API Gateway management endpoint. Empty means the
	// in-process websocket hub is used.
	Endpoint string `yaml:"endpoint" env:"WEBSOCKET_API_ENDPOINT"`
}

type TrainingConfig struct {
	Environment    string `yaml:"environment" env:"ENVIRONMENT"`
	ExportSchedule string `yaml:"export_schedule" env:"TRAINING_EXPORT_SCHEDULE"`
	InstanceType   string `yaml:"instance_type" env:"SAGEMAKER_INSTANCE_TYPE"`
	Inference      bool   `yaml:"inference" env:"INFERENCE_ENABLED"`
}

type AuditConfig struct {
	LogPath  string `yaml:"log_path" env:"AUDIT_LOG_PATH"`
	Capacity int    `yaml:"capacity" env:"AUDIT_CAPACITY"`
}

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	AWS       AWSConfig            `yaml:"aws"`
	Identity  IdentityConfig       `yaml:"identity"`
	LocalAuth LocalAuthConfig      `yaml:"local_auth"`
	Store     StoreConfig          `yaml:"store"`
	Objects   ObjectsConfig        `yaml:"objects"`
	PubSub    PubSubConfig         `yaml:"pubsub"`
	Mail      MailConfig           `yaml:"mail"`
	Realtime  RealtimeConfig       `yaml:"realtime"`
	Training  TrainingConfig       `yaml:"training"`
	Audit     AuditConfig          `yaml:"audit"`
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     "*",
			ShutdownTimeout: 15 * time.Second,
			AuthRateLimit:   5,
			AuthRateBurst:   10,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		AWS:     AWSConfig{Region: "us-east-1"},
		Identity: IdentityConfig{
			Backend: BackendLocal,
		},
		LocalAuth: LocalAuthConfig{
			Secret:   "local-development-secret",
			Issuer:   "http://localhost:8080/local",
			TokenTTL: time.Hour,
		},
		Store: StoreConfig{
			Backend:         BackendMemory,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			EnergyTable:     "EnergyUsage",
			ProfileTable:    "UserData",
			ConnectionTable: "Connections",
		},
		Objects: ObjectsConfig{
			Backend:       BackendMemory,
			PublicBaseURL: "http://localhost:8080",
			UploadURLTTL:  5 * time.Minute,
		},
		PubSub: PubSubConfig{
			Backend:      BackendMemory,
			RedisChannel: "energy-events",
		},
		Mail: MailConfig{
			Backend:      BackendLog,
			DashboardURL: "http://localhost:4200/dashboard",
		},
		Training: TrainingConfig{
			Environment:  "dev",
			InstanceType: "ml.t2.medium",
		},
		Audit: AuditConfig{Capacity: 300},
	}
}

// Load builds the configuration from defaults, .env, the optional YAML file
// and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("ENERGY_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendDynamo:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: postgres backend requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Objects.Backend {
	case BackendMemory:
	case BackendS3:
		if c.Objects.Bucket == "" {
			return fmt.Errorf("objects: s3 backend requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("objects: unknown backend %q", c.Objects.Backend)
	}

	switch c.PubSub.Backend {
	case BackendMemory:
	case BackendSNS:
		if c.PubSub.TopicARN == "" {
			return fmt.Errorf("pubsub: sns backend requires SNS_TOPIC_ARN")
		}
	case BackendRedis:
		if c.PubSub.RedisAddr == "" {
			return fmt.Errorf("pubsub: redis backend requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("pubsub: unknown backend %q", c.PubSub.Backend)
	}

	switch c.Mail.Backend {
	case BackendLog:
	case BackendSES:
		if c.Mail.FromAddress == "" {
			return fmt.Errorf("mail: ses backend requires SES_FROM_ADDRESS")
		}
	default:
		return fmt.Errorf("mail: unknown backend %q", c.Mail.Backend)
	}

	switch c.Identity.Backend {
	case BackendLocal:
		if c.LocalAuth.Secret == "" {
			return fmt.Errorf("identity: local backend requires LOCAL_AUTH_SECRET")
		}
	case BackendCognito:
		if c.Identity.UserPoolID == "" || c.Identity.ClientID == "" {
			return fmt.Errorf("identity: cognito backend requires COGNITO_USER_POOL_ID and COGNITO_CLIENT_ID")
		}
	default:
		return fmt.Errorf("identity: unknown backend %q", c.Identity.Backend)
	}
	return nil
}

// Issuer returns the expected "iss" claim of user tokens.
func (c *Config) Issuer() string {
	if c.Identity.Backend == BackendCognito {
		return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.AWS.Region, c.Identity.UserPoolID)
	}
	return c.LocalAuth.Issuer
}

// JWKSURL returns the key set location for the configured issuer.
func (c *Config) JWKSURL() string {
	if c.Identity.JWKSURL != "" {
		return c.Identity.JWKSURL
	}
	return c.Issuer() + "/.well-known/jwks.json"
}

// UsesAWS reports whether any backend needs an AWS client configuration.
func (c *Config) UsesAWS() bool {
	return c.Store.Backend == BackendDynamo ||
		c.Objects.Backend == BackendS3 ||
		c.PubSub.Backend == BackendSNS ||
		c.Mail.Backend == BackendSES ||
		c.Identity.Backend == BackendCognito ||
		c.Realtime.Endpoint != "" ||
		c.Training.Inference
}
