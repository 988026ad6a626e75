package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Google    GoogleConfig    `mapstructure:"google"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// GoogleConfig holds the OAuth2 client used for every Gmail and Calendar user
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	PubSubTopic  string `mapstructure:"pubsub_topic"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// IMAPConfig holds the IMAP server used for IMAP-backed users
type IMAPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Mailbox      string `mapstructure:"mailbox"`
	DraftMailbox string `mapstructure:"draft_mailbox"`
}

// LLMConfig holds the text-generation service configuration
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds notification sync engine configuration
type SyncConfig struct {
	BackfillLimit    int           `mapstructure:"backfill_limit"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	DirectDispatch   bool          `mapstructure:"direct_dispatch"`
	NotificationWait time.Duration `mapstructure:"notification_wait"`
}

// PipelineConfig holds contextual reply pipeline configuration
type PipelineConfig struct {
	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	GatherTimeout       time.Duration `mapstructure:"gather_timeout"`
	DirectHistoryLimit  int           `mapstructure:"direct_history_limit"`
	KeywordHistoryLimit int           `mapstructure:"keyword_history_limit"`
	MaxWindowDays       int           `mapstructure:"max_window_days"`
	CalendarLimit       int           `mapstructure:"calendar_limit"`
}

// JobPolicyConfig holds the worker ceiling and retry policy for one job kind
type JobPolicyConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// JobsConfig holds job orchestration configuration
type JobsConfig struct {
	Onboarding           JobPolicyConfig `mapstructure:"onboarding"`
	StyleRegeneration    JobPolicyConfig `mapstructure:"style_regeneration"`
	RelationshipRegen    JobPolicyConfig `mapstructure:"relationship_regeneration"`
	ReplyGeneration      JobPolicyConfig `mapstructure:"reply_generation"`
	QueueCapacity        int             `mapstructure:"queue_capacity"`
	InterStepDelay       time.Duration   `mapstructure:"inter_step_delay"`
	OnboardingFetchLimit int             `mapstructure:"onboarding_fetch_limit"`
	MinStyleCorpus       int             `mapstructure:"min_style_corpus"`
	CorpusSampleSize     int             `mapstructure:"corpus_sample_size"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	PollIntervalMinutes int    `mapstructure:"poll_interval_minutes"`
	WatchRenewalCron    string `mapstructure:"watch_renewal_cron"`
}

// RedisConfig enables the distributed notification lock when URL is set
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// KafkaConfig enables event publishing when brokers are set
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	JobFailureTopic string   `mapstructure:"job_failure_topic"`
	DraftTopic      string   `mapstructure:"draft_topic"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile loads configuration from path, or from config.yaml in the
// working directory or ./config when path is empty. Environment variables
// take precedence in both cases.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "smart-mail-reply.db")

	v.SetDefault("google.redirect_url", "http://localhost:8080/callback")

	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.draft_mailbox", "Drafts")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.4)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("sync.backfill_limit", 10)
	v.SetDefault("sync.lock_ttl", "5m")
	v.SetDefault("sync.provider_timeout", "30s")
	v.SetDefault("sync.direct_dispatch", false)
	v.SetDefault("sync.notification_wait", "2m")

	v.SetDefault("pipeline.stage_timeout", "45s")
	v.SetDefault("pipeline.gather_timeout", "10s")
	v.SetDefault("pipeline.direct_history_limit", 10)
	v.SetDefault("pipeline.keyword_history_limit", 15)
	v.SetDefault("pipeline.max_window_days", 365)
	v.SetDefault("pipeline.calendar_limit", 20)

	v.SetDefault("jobs.onboarding.concurrency", 2)
	v.SetDefault("jobs.onboarding.max_attempts", 3)
	v.SetDefault("jobs.onboarding.backoff_base", "3s")
	v.SetDefault("jobs.style_regeneration.concurrency", 2)
	v.SetDefault("jobs.style_regeneration.max_attempts", 3)
	v.SetDefault("jobs.style_regeneration.backoff_base", "3s")
	v.SetDefault("jobs.relationship_regeneration.concurrency", 2)
	v.SetDefault("jobs.relationship_regeneration.max_attempts", 3)
	v.SetDefault("jobs.relationship_regeneration.backoff_base", "3s")
	v.SetDefault("jobs.reply_generation.concurrency", 10)
	v.SetDefault("jobs.reply_generation.max_attempts", 3)
	v.SetDefault("jobs.reply_generation.backoff_base", "3s")
	v.SetDefault("jobs.queue_capacity", 1024)
	v.SetDefault("jobs.inter_step_delay", "2s")
	v.SetDefault("jobs.onboarding_fetch_limit", 200)
	v.SetDefault("jobs.min_style_corpus", 5)
	v.SetDefault("jobs.corpus_sample_size", 50)

	v.SetDefault("scheduler.poll_interval_minutes", 2)
	v.SetDefault("scheduler.watch_renewal_cron", "0 0 */6 * * *")

	v.SetDefault("kafka.job_failure_topic", "smart-mail-reply.jobs.failed")
	v.SetDefault("kafka.draft_topic", "smart-mail-reply.drafts.created")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Google
	v.BindEnv("google.client_id", "GOOGLE_CLIENT_ID")
	v.BindEnv("google.client_secret", "GOOGLE_CLIENT_SECRET")
	v.BindEnv("google.pubsub_topic", "GOOGLE_PUBSUB_TOPIC")
	v.BindEnv("google.redirect_url", "GOOGLE_REDIRECT_URL")

	// IMAP
	v.BindEnv("imap.host", "IMAP_HOST")
	v.BindEnv("imap.port", "IMAP_PORT")

	// LLM
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("llm.api_key", "LLM_API_KEY")
	v.BindEnv("llm.model", "LLM_MODEL")

	// Backends
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")

	// Scheduler
	v.BindEnv("scheduler.poll_interval_minutes", "SCHEDULER_POLL_INTERVAL_MINUTES")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}

	if c.Sync.BackfillLimit <= 0 {
		return fmt.Errorf("sync backfill limit must be greater than 0")
	}

	for name, p := range map[string]JobPolicyConfig{
		"onboarding":                c.Jobs.Onboarding,
		"style_regeneration":        c.Jobs.StyleRegeneration,
		"relationship_regeneration": c.Jobs.RelationshipRegen,
		"reply_generation":          c.Jobs.ReplyGeneration,
	} {
		if p.Concurrency <= 0 || p.MaxAttempts <= 0 {
			return fmt.Errorf("jobs.%s concurrency and max_attempts must be greater than 0", name)
		}
		if p.BackoffBase < 0 {
			return fmt.Errorf("jobs.%s backoff_base must not be negative", name)
		}
	}

	if c.Scheduler.PollIntervalMinutes <= 0 {
		return fmt.Errorf("scheduler poll interval must be greater than 0")
	}

	return nil
}

// GoogleEnabled reports whether Gmail and Calendar users can be served
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}
