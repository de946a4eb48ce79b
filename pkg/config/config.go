package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Queue     QueueConfig
	Extension ExtensionConfig
	SITS      SITSConfig
	MoodleWS  MoodleWSConfig
	Push      PushConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	Prefix       string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// QueueConfig bounds a single consumer run against the accommodation queues.
type QueueConfig struct {
	Region            string
	Endpoint          string
	SoraQueueURL      string
	ECQueueURL        string
	MaxReceive        int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	MaxBatches        int
	MaxMessages       int
	MaxRunTime        time.Duration
	PollInterval      time.Duration
}

// TierRule maps an assessment-type/tier pair onto an extension formula.
// Exactly one of ExamRateMinutes+RestRateMinutes, FlatHours, or FlatDays is
// expected to be set; AstCode "*" acts as the fallback for unlisted codes.
type TierRule struct {
	AstCode         string
	Tier            int
	ExamRateMinutes int
	RestRateMinutes int
	FlatHours       int
	FlatDays        int
}

// ExtensionConfig governs the accommodation engine.
type ExtensionConfig struct {
	Enabled                  bool
	DeadlineGroupPrefix      string
	AccommodationGroupPrefix string
	ExpectedRecordType       string
	IneligibleAstCodes       []string
	TierRules                []TierRule
}

// SITSConfig points at the student records API.
type SITSConfig struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	StudentCacheTTL time.Duration
}

// MoodleWSConfig points at the Moodle web-service endpoint used for native
// side effects (events, cache purges, calendar refresh).
type MoodleWSConfig struct {
	Enabled bool
	BaseURL string
	Token   string
	Timeout time.Duration
}

// PushConfig tunes the outbound grade-push worker.
type PushConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		Prefix:       v.GetString("DB_TABLE_PREFIX"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Queue = QueueConfig{
		Region:            v.GetString("QUEUE_REGION"),
		Endpoint:          v.GetString("QUEUE_ENDPOINT"),
		SoraQueueURL:      v.GetString("QUEUE_SORA_URL"),
		ECQueueURL:        v.GetString("QUEUE_EC_URL"),
		MaxReceive:        v.GetInt("QUEUE_MAX_RECEIVE"),
		VisibilityTimeout: parseDuration(v.GetString("QUEUE_VISIBILITY_TIMEOUT"), 5*time.Minute),
		WaitTime:          parseDuration(v.GetString("QUEUE_WAIT_TIME"), 10*time.Second),
		MaxBatches:        v.GetInt("QUEUE_MAX_BATCHES"),
		MaxMessages:       v.GetInt("QUEUE_MAX_MESSAGES"),
		MaxRunTime:        parseDuration(v.GetString("QUEUE_MAX_RUN_TIME"), 5*time.Minute),
		PollInterval:      parseDuration(v.GetString("QUEUE_POLL_INTERVAL"), time.Minute),
	}

	cfg.Extension = ExtensionConfig{
		Enabled:                  v.GetBool("ENABLE_EXTENSIONS"),
		DeadlineGroupPrefix:      v.GetString("EXTENSION_DLG_PREFIX"),
		AccommodationGroupPrefix: v.GetString("EXTENSION_GROUP_PREFIX"),
		ExpectedRecordType:       v.GetString("EXTENSION_RECORD_TYPE"),
		IneligibleAstCodes:       splitAndTrim(v.GetString("EXTENSION_INELIGIBLE_ASTCODES")),
		TierRules:                parseTierRules(v.GetString("EXTENSION_TIER_RULES")),
	}

	cfg.SITS = SITSConfig{
		BaseURL:         v.GetString("SITS_API_URL"),
		Token:           v.GetString("SITS_API_TOKEN"),
		Timeout:         parseDuration(v.GetString("SITS_API_TIMEOUT"), 30*time.Second),
		StudentCacheTTL: parseDuration(v.GetString("SITS_STUDENT_CACHE_TTL"), 10*time.Minute),
	}

	cfg.MoodleWS = MoodleWSConfig{
		Enabled: v.GetBool("ENABLE_MOODLE_WS"),
		BaseURL: v.GetString("MOODLE_WS_URL"),
		Token:   v.GetString("MOODLE_WS_TOKEN"),
		Timeout: parseDuration(v.GetString("MOODLE_WS_TIMEOUT"), 10*time.Second),
	}

	cfg.Push = PushConfig{
		Enabled:    v.GetBool("ENABLE_GRADE_PUSH"),
		Workers:    v.GetInt("PUSH_WORKERS"),
		BufferSize: v.GetInt("PUSH_BUFFER_SIZE"),
		MaxRetries: v.GetInt("PUSH_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("PUSH_RETRY_DELAY"), 30*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "moodle")
	v.SetDefault("DB_PASSWORD", "moodle")
	v.SetDefault("DB_NAME", "moodle")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_TABLE_PREFIX", "mdl_")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("QUEUE_REGION", "eu-west-2")
	v.SetDefault("QUEUE_ENDPOINT", "")
	v.SetDefault("QUEUE_SORA_URL", "")
	v.SetDefault("QUEUE_EC_URL", "")
	v.SetDefault("QUEUE_MAX_RECEIVE", 10)
	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT", "5m")
	v.SetDefault("QUEUE_WAIT_TIME", "10s")
	v.SetDefault("QUEUE_MAX_BATCHES", 10)
	v.SetDefault("QUEUE_MAX_MESSAGES", 100)
	v.SetDefault("QUEUE_MAX_RUN_TIME", "5m")
	v.SetDefault("QUEUE_POLL_INTERVAL", "1m")

	v.SetDefault("ENABLE_EXTENSIONS", false)
	v.SetDefault("EXTENSION_DLG_PREFIX", "DLG")
	v.SetDefault("EXTENSION_GROUP_PREFIX", "RAA")
	v.SetDefault("EXTENSION_RECORD_TYPE", "RAA")
	v.SetDefault("EXTENSION_INELIGIBLE_ASTCODES", "")
	v.SetDefault("EXTENSION_TIER_RULES", "ED03:1:15:5:0:0;ED03:2:20:10:0:0;HD05:1:0:0:14:0;HD05:2:0:0:0:1;*:1:15:5:0:0")

	v.SetDefault("SITS_API_URL", "")
	v.SetDefault("SITS_API_TOKEN", "")
	v.SetDefault("SITS_API_TIMEOUT", "30s")
	v.SetDefault("SITS_STUDENT_CACHE_TTL", "10m")

	v.SetDefault("ENABLE_MOODLE_WS", false)
	v.SetDefault("MOODLE_WS_URL", "")
	v.SetDefault("MOODLE_WS_TOKEN", "")
	v.SetDefault("MOODLE_WS_TIMEOUT", "10s")

	v.SetDefault("ENABLE_GRADE_PUSH", false)
	v.SetDefault("PUSH_WORKERS", 1)
	v.SetDefault("PUSH_BUFFER_SIZE", 16)
	v.SetDefault("PUSH_MAX_RETRIES", 3)
	v.SetDefault("PUSH_RETRY_DELAY", "30s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// parseTierRules decodes "AST:tier:examRate:restRate:flatHours:flatDays"
// entries separated by semicolons. Malformed entries are skipped.
func parseTierRules(raw string) []TierRule {
	if raw == "" {
		return nil
	}

	var rules []TierRule
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) != 6 {
			continue
		}
		nums := make([]int, 5)
		valid := true
		for i, f := range fields[1:] {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				valid = false
				break
			}
			nums[i] = n
		}
		if !valid {
			continue
		}
		rules = append(rules, TierRule{
			AstCode:         strings.ToUpper(strings.TrimSpace(fields[0])),
			Tier:            nums[0],
			ExamRateMinutes: nums[1],
			RestRateMinutes: nums[2],
			FlatHours:       nums[3],
			FlatDays:        nums[4],
		})
	}

	return rules
}
