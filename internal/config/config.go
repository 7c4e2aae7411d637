package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Broker     BrokerConfig     `yaml:"broker" mapstructure:"broker"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Embedder   EmbedderConfig   `yaml:"embedder" mapstructure:"embedder"`
	Extractor  ExtractorConfig  `yaml:"extractor" mapstructure:"extractor"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Profiles   ProfilesConfig   `yaml:"profiles" mapstructure:"profiles"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig configures where raw document bytes land.
type StorageConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// WorkerConfig configures the version polling worker.
type WorkerConfig struct {
	ID               string `yaml:"id" mapstructure:"id"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	LeaseSecs        int    `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// PollInterval returns the poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// Lease returns the claim lease as a duration.
func (c WorkerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSecs) * time.Second
}

// BrokerConfig configures the job broker and its consumer loop.
type BrokerConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
	RetryDelaySecs   int `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
}

// PollInterval returns the consumer poll interval as a duration.
func (c BrokerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// Lease returns the job lease as a duration.
func (c BrokerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSecs) * time.Second
}

// RetryDelay returns the requeue visibility delay as a duration.
func (c BrokerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySecs) * time.Second
}

// PipelineConfig configures digestion behavior.
type PipelineConfig struct {
	DedupEnabled   bool `yaml:"dedup_enabled" mapstructure:"dedup_enabled"`
	SpanMaxBytes   int  `yaml:"span_max_bytes" mapstructure:"span_max_bytes"`
	SpanOverlap    int  `yaml:"span_overlap" mapstructure:"span_overlap"`
	EmbedBatchSize int  `yaml:"embed_batch_size" mapstructure:"embed_batch_size"`
}

// EmbedderConfig configures the embedding service client.
type EmbedderConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Dimensions  int     `yaml:"dimensions" mapstructure:"dimensions"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ExtractorConfig configures the fact extraction model client.
type ExtractorConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"` // local or mistral
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// IngestConfig configures bulk ingestion sources.
type IngestConfig struct {
	FTPHost     string `yaml:"ftp_host" mapstructure:"ftp_host"`
	FTPUser     string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string `yaml:"ftp_password" mapstructure:"ftp_password"`
	FTPDir      string `yaml:"ftp_dir" mapstructure:"ftp_dir"`
	HTTPTimeout int    `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
}

// ProfilesConfig configures extraction profile loading.
type ProfilesConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	DefaultProfile string `yaml:"default_profile" mapstructure:"default_profile"`
	DefaultLevel   string `yaml:"default_level" mapstructure:"default_level"`
}

// NotionConfig holds Notion API credentials for the review export.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	QuestionDB string `yaml:"question_db" mapstructure:"question_db"`
}

// MonitoringConfig configures the pipeline health collector.
type MonitoringConfig struct {
	IntervalSecs        int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	FailedThreshold     int    `yaml:"failed_threshold" mapstructure:"failed_threshold"`
	QueueDepthThreshold int    `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	StaleLeaseThreshold int    `yaml:"stale_lease_threshold" mapstructure:"stale_lease_threshold"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Interval returns the collection interval as a duration.
func (c MonitoringConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("storage.root", "./data/blobs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("worker.batch_size", 4)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease_secs", 90)
	v.SetDefault("broker.poll_interval_secs", 2)
	v.SetDefault("broker.lease_secs", 90)
	v.SetDefault("broker.retry_delay_secs", 30)
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.concurrency", 2)
	v.SetDefault("pipeline.dedup_enabled", true)
	v.SetDefault("pipeline.span_max_bytes", 2048)
	v.SetDefault("pipeline.span_overlap", 128)
	v.SetDefault("pipeline.embed_batch_size", 32)
	v.SetDefault("embedder.base_url", "http://localhost:8090")
	v.SetDefault("embedder.model", "nomic-embed-text-v1.5")
	v.SetDefault("embedder.dimensions", 768)
	v.SetDefault("embedder.rate_per_sec", 10)
	v.SetDefault("embedder.timeout_secs", 30)
	v.SetDefault("extractor.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("extractor.max_tokens", 8192)
	v.SetDefault("extractor.timeout_secs", 120)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ingest.http_timeout_secs", 60)
	v.SetDefault("profiles.dir", "./profiles")
	v.SetDefault("profiles.default_profile", "general")
	v.SetDefault("profiles.default_level", "detailed")
	v.SetDefault("monitoring.interval_secs", 60)
	v.SetDefault("monitoring.failed_threshold", 10)
	v.SetDefault("monitoring.queue_depth_threshold", 500)
	v.SetDefault("monitoring.stale_lease_threshold", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration required for the given run mode. Modes
// map to subcommands: serve, worker, broker, digest, extract, ingest.
func (c *Config) Validate(mode string) error {
	var problems []string

	needStore := func() {
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}
	checkWorker := func() {
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			problems = append(problems, "worker.concurrency must be between 1 and 64")
		}
		if c.Worker.LeaseSecs < 10 {
			problems = append(problems, "worker.lease_secs must be >= 10")
		}
		if c.Worker.PollIntervalSecs < 1 {
			problems = append(problems, "worker.poll_interval_secs must be >= 1")
		}
	}
	checkBroker := func() {
		if c.Broker.MaxAttempts < 1 {
			problems = append(problems, "broker.max_attempts must be >= 1")
		}
		if c.Broker.LeaseSecs < 10 {
			problems = append(problems, "broker.lease_secs must be >= 10")
		}
	}

	switch mode {
	case "serve":
		needStore()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
	case "worker":
		needStore()
		checkWorker()
		checkBroker()
	case "broker":
		needStore()
		checkBroker()
	case "digest":
		needStore()
		if c.Pipeline.SpanMaxBytes < 256 {
			problems = append(problems, "pipeline.span_max_bytes must be >= 256")
		}
		if c.Pipeline.SpanOverlap < 0 || c.Pipeline.SpanOverlap >= c.Pipeline.SpanMaxBytes {
			problems = append(problems, "pipeline.span_overlap must be >= 0 and less than span_max_bytes")
		}
	case "extract":
		needStore()
		if c.Extractor.Key == "" {
			problems = append(problems, "extractor.key is required")
		}
	case "ingest":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
