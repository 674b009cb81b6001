package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config (queued campaign fan-out)
	SQSRegion   string
	SQSQueueURL string

	// Transports
	EmailProvider string // ses, smtp or log
	SMSProvider   string // sns or log

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	AWSRegion    string
	SESFromEmail string
	SNSRegion    string
	SNSSenderID  string

	// Campaign lifecycle events; disabled when the topic is empty
	EventsTopicARN string
	AWSEndpoint    string // LocalStack and similar

	// Circuit breaker around transports
	BreakerEnabled         bool
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Absence tracking
	AbsenceThreshold int

	// Campaign fan-out
	CampaignConcurrency int

	// Background jobs
	SchedulerSpec  string
	ReconcileSpec  string
	ReconcileAfter time.Duration

	// Email branding
	SiteName     string
	SiteURL      string
	ContactEmail string

	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is honoured but never overrides the
// process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "flock",
		DBName:    "flock",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		EmailProvider: "log",
		SMSProvider:   "log",

		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "noreply@flock.local",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@flock.local",

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		AbsenceThreshold:    3,
		CampaignConcurrency: 4,

		SchedulerSpec:  "@every 1m",
		ReconcileSpec:  "@every 5m",
		ReconcileAfter: 30 * time.Minute,

		SiteName:     "Ruwe Holy Ghost Church of East Africa",
		SiteURL:      "https://ruweholyghostchurch.org",
		ContactEmail: "info@ruweholyghostchurch.org",

		RateLimitPerMinute: 100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Transports
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = provider
	}
	switch cfg.EmailProvider {
	case "ses", "smtp", "log":
	default:
		return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q", cfg.EmailProvider)
	}
	switch cfg.SMSProvider {
	case "sns", "log":
	default:
		return nil, fmt.Errorf("invalid SMS_PROVIDER: %q", cfg.SMSProvider)
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}
	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}
	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.SMTPFrom = from
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if id := os.Getenv("SNS_SENDER_ID"); id != "" {
		cfg.SNSSenderID = id
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if arn := os.Getenv("EVENTS_TOPIC_ARN"); arn != "" {
		cfg.EventsTopicARN = arn
	}
	if endpoint := os.Getenv("AWS_ENDPOINT"); endpoint != "" {
		cfg.AWSEndpoint = endpoint
	}

	// Circuit breaker
	if enabled := os.Getenv("BREAKER_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_ENABLED: %w", err)
		}
		cfg.BreakerEnabled = b
	}
	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	recovery, err := intEnv("BREAKER_RECOVERY_SECONDS", int(cfg.BreakerRecoveryTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.BreakerRecoveryTimeout = time.Duration(recovery) * time.Second

	if cfg.AbsenceThreshold, err = intEnv("ABSENCE_THRESHOLD", cfg.AbsenceThreshold); err != nil {
		return nil, err
	}
	if cfg.AbsenceThreshold < 1 {
		return nil, fmt.Errorf("invalid ABSENCE_THRESHOLD: must be >= 1, got %d", cfg.AbsenceThreshold)
	}

	if cfg.CampaignConcurrency, err = intEnv("CAMPAIGN_CONCURRENCY", cfg.CampaignConcurrency); err != nil {
		return nil, err
	}
	if cfg.CampaignConcurrency < 1 {
		return nil, fmt.Errorf("invalid CAMPAIGN_CONCURRENCY: must be >= 1, got %d", cfg.CampaignConcurrency)
	}

	// Background jobs
	if spec := os.Getenv("SCHEDULER_SPEC"); spec != "" {
		cfg.SchedulerSpec = spec
	}
	if spec := os.Getenv("RECONCILE_SPEC"); spec != "" {
		cfg.ReconcileSpec = spec
	}
	after, err := intEnv("RECONCILE_AFTER_MINUTES", int(cfg.ReconcileAfter/time.Minute))
	if err != nil {
		return nil, err
	}
	cfg.ReconcileAfter = time.Duration(after) * time.Minute

	if name := os.Getenv("SITE_NAME"); name != "" {
		cfg.SiteName = name
	}
	if url := os.Getenv("SITE_URL"); url != "" {
		cfg.SiteURL = url
	}
	if email := os.Getenv("CONTACT_EMAIL"); email != "" {
		cfg.ContactEmail = email
	}

	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// intEnv returns the integer value of key, or def when the variable is unset.
func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
