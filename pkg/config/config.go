package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Ledger       LedgerConfig
	Webhooks     WebhooksConfig
	Admin        AdminConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EDITIONS_APP_ENV" required:"true"`
	Port         string `envconfig:"EDITIONS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"EDITIONS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"EDITIONS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EDITIONS_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"EDITIONS_DB_DSN"`
	Driver string `envconfig:"EDITIONS_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EDITIONS_DB_HOST"`
	LegacyPort     int    `envconfig:"EDITIONS_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EDITIONS_DB_USER"`
	LegacyPassword string `envconfig:"EDITIONS_DB_PASSWORD"`
	LegacyName     string `envconfig:"EDITIONS_DB_NAME"`
	LegacySSLMode  string `envconfig:"EDITIONS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EDITIONS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EDITIONS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EDITIONS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EDITIONS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EDITIONS_REDIS_URL" required:"true"`
	Address      string        `envconfig:"EDITIONS_REDIS_ADDR"`
	Password     string        `envconfig:"EDITIONS_REDIS_PASSWORD"`
	DB           int           `envconfig:"EDITIONS_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EDITIONS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EDITIONS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EDITIONS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EDITIONS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EDITIONS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"EDITIONS_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"EDITIONS_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	OrdersSyncTopic        string `envconfig:"EDITIONS_PUBSUB_ORDERS_SYNC_TOPIC" default:"editions-orders-sync"`
	OrdersSyncSubscription string `envconfig:"EDITIONS_PUBSUB_ORDERS_SYNC_SUBSCRIPTION" default:"editions-orders-sync-ledger"`
	EditionsTopic          string `envconfig:"EDITIONS_PUBSUB_EDITIONS_TOPIC" default:"editions-events"`
}

// LedgerConfig tunes the resequencing coordinator and certificate issuer.
type LedgerConfig struct {
	CertificateBaseURL string        `envconfig:"EDITIONS_CERTIFICATE_BASE_URL" required:"true"`
	PassMaxAttempts    int           `envconfig:"EDITIONS_LEDGER_PASS_MAX_ATTEMPTS" default:"3"`
	RetryBackoff       time.Duration `envconfig:"EDITIONS_LEDGER_RETRY_BACKOFF" default:"200ms"`
	LockTTL            time.Duration `envconfig:"EDITIONS_LEDGER_LOCK_TTL" default:"2m"`
	LockWait           time.Duration `envconfig:"EDITIONS_LEDGER_LOCK_WAIT" default:"10s"`
	LockPollInterval   time.Duration `envconfig:"EDITIONS_LEDGER_LOCK_POLL" default:"100ms"`
	RequeueDelay       time.Duration `envconfig:"EDITIONS_LEDGER_REQUEUE_DELAY" default:"5s"`
	MaxConcurrent      int           `envconfig:"EDITIONS_LEDGER_MAX_CONCURRENT_PASSES" default:"8"`
}

func (l LedgerConfig) validate() error {
	parsed, err := url.Parse(l.CertificateBaseURL)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", EnvCertificateBaseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url", EnvCertificateBaseURL)
	}
	return nil
}

type WebhooksConfig struct {
	Secret         string        `envconfig:"EDITIONS_WEBHOOK_SECRET"`
	IdempotencyTTL time.Duration `envconfig:"EDITIONS_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type AdminConfig struct {
	APIKey string `envconfig:"EDITIONS_ADMIN_API_KEY"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"EDITIONS_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"EDITIONS_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"EDITIONS_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"EDITIONS_CRON_INTERVAL" default:"15m"`
	UnresolvedMaxAge  time.Duration `envconfig:"EDITIONS_CRON_UNRESOLVED_MAX_AGE" default:"24h"`
	FlaggedRetryLimit int           `envconfig:"EDITIONS_CRON_FLAGGED_RETRY_LIMIT" default:"100"`
	OutboxRetention   time.Duration `envconfig:"EDITIONS_CRON_OUTBOX_RETENTION" default:"336h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
