package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

type EngineConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Scheduler
	TickInterval  time.Duration `envconfig:"TICK_INTERVAL" default:"15s"`
	StaleAfter    time.Duration `envconfig:"STALE_AFTER" default:"5m"`
	ClaimBatch    int           `envconfig:"CLAIM_BATCH" default:"50"`

	// Worker pool
	JobWorkers        int     `envconfig:"JOB_WORKERS" default:"4"`
	QueueDepth        int     `envconfig:"QUEUE_DEPTH" default:"16"`
	TenantConcurrency int     `envconfig:"TENANT_CONCURRENCY" default:"5"`
	TenantRPS         float64 `envconfig:"TENANT_RPS" default:"5"`
	TenantBurst       int     `envconfig:"TENANT_BURST" default:"10"`

	// Gateway
	GatewayBaseURL     string        `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayCallTimeout time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"6s"`
	WebhookSecret      string        `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`

	// Retry
	MaxRetries        int           `envconfig:"SEND_MAX_RETRIES" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"200ms"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5s"`

	// Circuit breaker
	BreakerFailures     uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerResetTimeout time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	BreakerSuccesses    uint32        `envconfig:"BREAKER_SUCCESSES" default:"2"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
