package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DataRoot         string `envconfig:"DATA_ROOT" default:"./data/artifacts"`
	LedgerPath       string `envconfig:"LEDGER_PATH" default:"./data/ledger.jsonl"`
	LedgerSigningKey string `envconfig:"LEDGER_SIGNING_KEY"`

	// Optional: report version index, artifact index and chunk source.
	DatabaseURL            string        `envconfig:"DATABASE_URL"`
	DatabaseMaxConns       int32         `envconfig:"DATABASE_MAX_CONNS" default:"8"`
	DatabaseConnectTimeout time.Duration `envconfig:"DATABASE_CONNECT_TIMEOUT" default:"30s"`

	// Optional: mirror reports and heat-maps to S3-compatible storage.
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"forensix-evidence"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// S3PresignExpiry bounds report download links.
	S3PresignExpiry time.Duration `envconfig:"S3_PRESIGN_EXPIRY" default:"15m"`

	// Optional: examiner -> bearer token pairs, "alice:token1,bob:token2".
	APITokens map[string]string `envconfig:"API_TOKENS"`

	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	DirectiveRules string `envconfig:"DIRECTIVE_RULES"`

	AnalyzerTimeout    time.Duration `envconfig:"ANALYZER_TIMEOUT" default:"30s"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	WorkerParallelism  int           `envconfig:"WORKER_PARALLELISM" default:"4"`
	MaxUploadBytes     int64         `envconfig:"MAX_UPLOAD_BYTES" default:"268435456"`
	MaxAttachmentDepth int           `envconfig:"MAX_ATTACHMENT_DEPTH" default:"3"`

	ELAQuality       int     `envconfig:"ELA_QUALITY" default:"90"`
	ELAThreshold     float64 `envconfig:"ELA_THRESHOLD" default:"25"`
	MaxImagePixels   int64   `envconfig:"MAX_IMAGE_PIXELS" default:"50000000"`
	CloneBlockSize   int     `envconfig:"CLONE_BLOCK_SIZE" default:"8"`
	MaxChunks        int     `envconfig:"MAX_CHUNKS" default:"512"`
	DuplicateCosine  float64 `envconfig:"DUPLICATE_COSINE" default:"0.985"`
	OutlierZ         float64 `envconfig:"OUTLIER_Z" default:"3"`
	EntropyThreshold float64 `envconfig:"ENTROPY_THRESHOLD" default:"5.0"`
	AmountZ          float64 `envconfig:"AMOUNT_Z" default:"3"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("FORENSIX", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.WorkerParallelism < 1 {
		return fmt.Errorf("WORKER_PARALLELISM must be at least 1")
	}
	if c.AnalyzerTimeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT must be positive")
	}
	if c.MaxAttachmentDepth < 0 {
		return fmt.Errorf("MAX_ATTACHMENT_DEPTH must not be negative")
	}
	if c.ELAQuality < 1 || c.ELAQuality > 100 {
		return fmt.Errorf("ELA_QUALITY must be between 1 and 100")
	}
	if c.MaxImagePixels < 1 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be at least 1")
	}
	if c.MaxChunks < 1 {
		return fmt.Errorf("MAX_CHUNKS must be at least 1")
	}
	return nil
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasAuth() bool {
	return len(c.APITokens) > 0
}

func (c *Config) HasSigningKey() bool {
	return c.LedgerSigningKey != ""
}
