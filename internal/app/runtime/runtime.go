// Package runtime turns configuration into a wired application: it opens the
// configured backends, builds app.Deps and owns the resources that must be
// released on shutdown.
package runtime

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/wattwise/energy-monitor/internal/app"
	"github.com/wattwise/energy-monitor/internal/app/services/training"
	"github.com/wattwise/energy-monitor/internal/app/storage/dynamo"
	"github.com/wattwise/energy-monitor/internal/app/storage/memory"
	"github.com/wattwise/energy-monitor/internal/app/storage/postgres"
	"github.com/wattwise/energy-monitor/internal/auth"
	"github.com/wattwise/energy-monitor/internal/config"
	"github.com/wattwise/energy-monitor/internal/platform/identity"
	"github.com/wattwise/energy-monitor/internal/platform/inference"
	"github.com/wattwise/energy-monitor/internal/platform/mailer"
	"github.com/wattwise/energy-monitor/internal/platform/migrations"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
	"github.com/wattwise/energy-monitor/internal/platform/paramstore"
	"github.com/wattwise/energy-monitor/internal/platform/pubsub"
	"github.com/wattwise/energy-monitor/internal/platform/pushapi"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Options selects the parts that only the long-running server uses.
type Options struct {
	// Hub serves websockets in-process when no management endpoint is set.
	Hub bool
	// Schedule runs the training export on its cron schedule.
	Schedule bool
}

// Runtime is an application built from configuration.
type Runtime struct {
	Config *config.Config
	Log    *logger.Logger
	App    *app.Application

	db    *sqlx.DB
	redis *redis.Client
}

// Build opens every configured backend and constructs the application.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Runtime, error) {
	if log == nil {
		log = logger.New(cfg.Logging)
	}
	rt := &Runtime{Config: cfg, Log: log}

	deps, err := rt.deps(ctx, opts)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	application, err := app.New(deps, log.Named("app"))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.App = application
	return rt, nil
}

// Close releases database and cache connections.
func (r *Runtime) Close() error {
	var result *multierror.Error
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close database: %w", err))
		}
		r.db = nil
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
		r.redis = nil
	}
	return result.ErrorOrNil()
}

func (r *Runtime) deps(ctx context.Context, opts Options) (app.Deps, error) {
	cfg := r.Config
	deps := app.Deps{
		DashboardURL: cfg.Mail.DashboardURL,
		UploadURLTTL: cfg.Objects.UploadURLTTL,
		Training: training.Config{
			Environment:  cfg.Training.Environment,
			InstanceType: cfg.Training.InstanceType,
		},
	}
	if opts.Schedule {
		deps.ExportSchedule = cfg.Training.ExportSchedule
	}

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		loaded, err := loadAWS(ctx, cfg.AWS)
		if err != nil {
			return deps, err
		}
		awsCfg = loaded
	}

	if err := r.stores(ctx, awsCfg, &deps); err != nil {
		return deps, err
	}

	switch cfg.Objects.Backend {
	case config.BackendS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWS.Endpoint != ""
		})
		deps.Objects = objectstore.NewS3(client, cfg.Objects.Bucket)
	default:
		var opts []objectstore.MemoryOption
		if key, err := parseSigningKey(cfg.LocalAuth.Secret); err == nil {
			opts = append(opts, objectstore.WithSigningKey(key))
		}
		base := strings.TrimRight(cfg.Objects.PublicBaseURL, "/") + strings.TrimRight(cfg.Server.APIPrefix, "/")
		deps.Objects = objectstore.NewMemory(base, opts...)
	}

	switch cfg.PubSub.Backend {
	case config.BackendSNS:
		deps.Publisher = pubsub.NewSNS(sns.NewFromConfig(awsCfg), cfg.PubSub.TopicARN)
	case config.BackendRedis:
		r.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.PubSub.RedisAddr,
			Password: cfg.PubSub.RedisPassword,
			DB:       cfg.PubSub.RedisDB,
		})
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return deps, fmt.Errorf("ping redis: %w", err)
		}
		topic := pubsub.NewRedis(r.redis, cfg.PubSub.RedisChannel, r.Log.Named("pubsub"))
		deps.Publisher, deps.Subscriber = topic, topic
	default:
		topic := pubsub.NewMemory(r.Log.Named("pubsub"))
		deps.Publisher, deps.Subscriber = topic, topic
	}

	switch cfg.Mail.Backend {
	case config.BackendSES:
		m := mailer.NewSES(ses.NewFromConfig(awsCfg), cfg.Mail.FromAddress)
		deps.Mail, deps.Registrar = m, m
	default:
		m := mailer.NewLog(r.Log.Named("mailer"))
		deps.Mail, deps.Registrar = m, m
	}

	switch cfg.Identity.Backend {
	case config.BackendCognito:
		deps.Identity = identity.NewCognito(cognitoidentityprovider.NewFromConfig(awsCfg), cfg.Identity.UserPoolID, cfg.Identity.ClientID)
		var vopts []auth.Option
		if cfg.Identity.VerifySignatures {
			vopts = append(vopts,
				auth.WithKeySource(auth.NewJWKS(cfg.JWKSURL(), &http.Client{Timeout: 10 * time.Second})),
				auth.WithAudience(cfg.Identity.ClientID),
			)
		}
		deps.Validator = auth.NewValidator(cfg.Issuer(), vopts...)
	default:
		secret, err := parseSigningKey(cfg.LocalAuth.Secret)
		if err != nil {
			return deps, fmt.Errorf("local auth secret: %w", err)
		}
		deps.Identity = identity.NewLocal(identity.LocalConfig{
			Secret:   string(secret),
			Issuer:   cfg.Issuer(),
			TokenTTL: cfg.LocalAuth.TokenTTL,
		}, deps.Mail)
		deps.Validator = auth.NewValidator(cfg.Issuer(), auth.WithKeySource(auth.StaticKey(secret)))
	}

	if cfg.Training.Inference {
		sm := inference.NewSageMaker(sagemaker.NewFromConfig(awsCfg), sagemakerruntime.NewFromConfig(awsCfg))
		deps.Runtime, deps.Deployer = sm, sm
		deps.Params = paramstore.NewSSM(ssm.NewFromConfig(awsCfg))
	} else {
		deps.Params = paramstore.NewMemory()
	}

	if cfg.Realtime.Endpoint != "" {
		deps.Pusher = pushapi.NewGateway(pushapi.NewGatewayClient(awsCfg, cfg.Realtime.Endpoint))
	} else if opts.Hub {
		deps.Origins = cfg.Server.Origins()
		if deps.Origins == nil {
			deps.Origins = []string{}
		}
	}
	return deps, nil
}

func (r *Runtime) stores(ctx context.Context, awsCfg aws.Config, deps *app.Deps) error {
	cfg := r.Config.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.Migrate {
			if err := migrations.Up(cfg.DSN); err != nil {
				return err
			}
		}
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		r.db = db
		store := postgres.New(db)
		deps.Readings, deps.Profiles, deps.Connections = store, store, store
	case config.BackendDynamo:
		store := dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Tables{
			Energy:      cfg.EnergyTable,
			Profiles:    cfg.ProfileTable,
			Connections: cfg.ConnectionTable,
		})
		deps.Readings, deps.Profiles, deps.Connections = store, store, store
	default:
		store := memory.New()
		deps.Readings, deps.Profiles, deps.Connections = store, store, store
	}
	return nil
}

func loadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

func openDatabase(ctx context.Context, cfg config.StoreConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// parseSigningKey accepts the local token secret as raw text or, with a
// "base64:" or "hex:" prefix, encoded.
func parseSigningKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("missing signing key")
	}

	var key []byte
	switch {
	case strings.HasPrefix(value, "base64:"):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decode base64 key: %w", err)
		}
		key = decoded
	case strings.HasPrefix(value, "hex:"):
		decoded, err := hex.DecodeString(strings.TrimPrefix(value, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("decode hex key: %w", err)
		}
		key = decoded
	default:
		key = []byte(value)
	}

	if len(key) < 16 {
		return nil, fmt.Errorf("signing key must be at least 16 bytes, got %d", len(key))
	}
	return key, nil
}
