package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded at startup).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Speech  SpeechConfig
	Scoring ScoringConfig
	Queue   QueueConfig
	CRM     CRMConfig
	Webhook WebhookConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type SpeechConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	// SpeakersExpected is the diarization hint. Sales calls have two
	// parties.
	SpeakersExpected int
}

type ScoringConfig struct {
	BaseURL  string
	APIToken string
	Model    string
	Timeout  time.Duration
}

type QueueConfig struct {
	MaxAttempts int

	// Backoff is a comma-separated schedule, e.g. "1s,5s,15s".
	Backoff []time.Duration

	PollInterval    time.Duration
	RetryBatchLimit int

	// ConcurrencyCap bounds simultaneous scoring calls fleet-wide; 0
	// disables.
	ConcurrencyCap int
}

type CRMConfig struct {
	// BaseURL empty disables the CRM integration.
	BaseURL  string
	APIToken string

	// SyncInterval > 0 enables the background sync ticker.
	SyncInterval time.Duration
}

type WebhookConfig struct {
	Secret string

	// MinDurationSeconds pre-filters telephony events too short to carry a
	// scoreable conversation.
	MinDurationSeconds int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Speech.BaseURL = strings.TrimSpace(os.Getenv("SPEECH_BASE_URL"))
	c.Speech.APIToken = os.Getenv("SPEECH_API_TOKEN")
	c.Speech.Timeout = optDuration("SPEECH_TIMEOUT")
	c.Speech.SpeakersExpected = optInt("SPEECH_SPEAKERS_EXPECTED")

	c.Scoring.BaseURL = strings.TrimSpace(os.Getenv("SCORING_BASE_URL"))
	c.Scoring.APIToken = os.Getenv("SCORING_API_TOKEN")
	c.Scoring.Model = strings.TrimSpace(os.Getenv("SCORING_MODEL"))
	c.Scoring.Timeout = optDuration("SCORING_TIMEOUT")

	c.Queue.MaxAttempts = optInt("QUEUE_MAX_ATTEMPTS")
	{
		schedule, err := optBackoff("QUEUE_BACKOFF")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Queue.Backoff = schedule
	}
	c.Queue.PollInterval = optDuration("QUEUE_POLL_INTERVAL")
	c.Queue.RetryBatchLimit = optInt("QUEUE_RETRY_BATCH_LIMIT")
	c.Queue.ConcurrencyCap = optInt("QUEUE_CONCURRENCY_CAP")

	c.CRM.BaseURL = strings.TrimSpace(os.Getenv("CRM_BASE_URL"))
	c.CRM.APIToken = os.Getenv("CRM_API_TOKEN")
	c.CRM.SyncInterval = optDuration("CRM_SYNC_INTERVAL")

	c.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")
	c.Webhook.MinDurationSeconds = optInt("WEBHOOK_MIN_DURATION_SECONDS")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		}
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Speech.BaseURL == "" {
		errs = append(errs, errors.New("SPEECH_BASE_URL is required"))
	}
	if c.Scoring.BaseURL == "" {
		errs = append(errs, errors.New("SCORING_BASE_URL is required"))
	}
	if c.IsProduction() {
		if c.Speech.APIToken == "" {
			errs = append(errs, errors.New("SPEECH_API_TOKEN is required in production"))
		}
		if c.Scoring.APIToken == "" {
			errs = append(errs, errors.New("SCORING_API_TOKEN is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
		}
	}

	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be >= 0, got %d", c.Queue.MaxAttempts))
	}
	if c.CRM.SyncInterval > 0 && c.CRM.BaseURL == "" {
		errs = append(errs, errors.New("CRM_SYNC_INTERVAL requires CRM_BASE_URL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) DSN() string {
	// Avoid logging this string; it contains secrets.
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt reads an optional integer; empty or malformed yields 0 and the
// consumer's default applies.
func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func optBackoff(key string) ([]time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s must be a comma-separated list of durations, got %q", key, v)
		}
		out = append(out, d)
	}
	return out, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
