package config

const (
	EnvPrefix = "EDITIONS"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv             = "EDITIONS_APP_ENV"
	EnvPort               = "EDITIONS_APP_PORT"
	EnvDBDSN              = "EDITIONS_DB_DSN"
	EnvDBHost             = "EDITIONS_DB_HOST"
	EnvDBUser             = "EDITIONS_DB_USER"
	EnvDBName             = "EDITIONS_DB_NAME"
	EnvDBPassword         = "EDITIONS_DB_PASSWORD"
	EnvRedisURL           = "EDITIONS_REDIS_URL"
	EnvCertificateBaseURL = "EDITIONS_CERTIFICATE_BASE_URL"
	EnvPassMaxAttempts    = "EDITIONS_LEDGER_PASS_MAX_ATTEMPTS"
	EnvLockWait           = "EDITIONS_LEDGER_LOCK_WAIT"
	EnvWebhookSecret      = "EDITIONS_WEBHOOK_SECRET"
	EnvGCPProjectID       = "EDITIONS_GCP_PROJECT_ID"
	EnvPubSubOrdersTopic  = "EDITIONS_PUBSUB_ORDERS_SYNC_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
