/**
 * @description
 * This package handles the configuration management for the boleto service. It uses the
 * Viper library to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultResyncPrefix   = "boletos:resync"
	defaultMaxUploadBytes = 10 << 20
	defaultMaxBatchFiles  = 200
	defaultWorkers        = 4
)

// Config holds all the configuration variables for the boleto-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort          string        `mapstructure:"SERVER_PORT"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RedisResyncPrefix   string        `mapstructure:"REDIS_RESYNC_PREFIX"`
	RabbitMQURL         string        `mapstructure:"RABBITMQ_URL"`
	BoletoEventExchange string        `mapstructure:"BOLETO_EVENT_EXCHANGE"`
	PaymentEventQueue   string        `mapstructure:"PAYMENT_EVENT_QUEUE"`
	LMSSyncBaseURL      string        `mapstructure:"LMS_SYNC_BASE_URL"`
	LMSSyncAPIKey       string        `mapstructure:"LMS_SYNC_API_KEY"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins  []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	StorageRoot         string        `mapstructure:"STORAGE_ROOT"`
	MaxUploadBytes      int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	MaxBatchFiles       int           `mapstructure:"MAX_BATCH_FILES"`
	IngestionWorkers    int           `mapstructure:"INGESTION_WORKERS"`
	StudentSyncMaxAge   time.Duration `mapstructure:"STUDENT_SYNC_MAX_AGE"`
	ResyncOnStale       bool          `mapstructure:"RESYNC_ON_STALE"`
	ResyncTimeout       time.Duration `mapstructure:"RESYNC_TIMEOUT"`
	ResyncCooldown      time.Duration `mapstructure:"RESYNC_COOLDOWN"`
	TempSweepSchedule   string        `mapstructure:"TEMP_SWEEP_SCHEDULE"`
	TempMaxAge          time.Duration `mapstructure:"TEMP_MAX_AGE"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RESYNC_PREFIX", defaultResyncPrefix)
	viper.SetDefault("BOLETO_EVENT_EXCHANGE", "boleto.events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "boleto_service.payment_updates")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("STORAGE_ROOT", "./data/boletos")
	viper.SetDefault("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	viper.SetDefault("MAX_BATCH_FILES", defaultMaxBatchFiles)
	viper.SetDefault("INGESTION_WORKERS", defaultWorkers)
	viper.SetDefault("STUDENT_SYNC_MAX_AGE", "24h")
	viper.SetDefault("RESYNC_ON_STALE", true)
	viper.SetDefault("RESYNC_TIMEOUT", "10s")
	viper.SetDefault("RESYNC_COOLDOWN", "5m")
	viper.SetDefault("TEMP_SWEEP_SCHEDULE", "@every 30m")
	viper.SetDefault("TEMP_MAX_AGE", "2h")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BOLETO_REDIS_URL")
	_ = viper.BindEnv("REDIS_RESYNC_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BOLETO_EVENT_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("LMS_SYNC_BASE_URL")
	_ = viper.BindEnv("LMS_SYNC_API_KEY", "LMS_SYNC_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("STORAGE_ROOT")
	_ = viper.BindEnv("MAX_UPLOAD_BYTES")
	_ = viper.BindEnv("MAX_UPLOAD_MB")
	_ = viper.BindEnv("MAX_BATCH_FILES")
	_ = viper.BindEnv("INGESTION_WORKERS")
	_ = viper.BindEnv("STUDENT_SYNC_MAX_AGE")
	_ = viper.BindEnv("RESYNC_ON_STALE")
	_ = viper.BindEnv("RESYNC_TIMEOUT")
	_ = viper.BindEnv("RESYNC_COOLDOWN")
	_ = viper.BindEnv("TEMP_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TEMP_MAX_AGE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisResyncPrefix = strings.TrimSpace(config.RedisResyncPrefix)
	if config.RedisResyncPrefix == "" {
		config.RedisResyncPrefix = defaultResyncPrefix
	}
	config.LMSSyncBaseURL = strings.TrimRight(strings.TrimSpace(config.LMSSyncBaseURL), "/")
	config.LMSSyncAPIKey = strings.TrimSpace(config.LMSSyncAPIKey)
	config.CORSAllowedOrigins = normalizeOrigins(config.CORSAllowedOrigins)

	// Allow specifying the upload limit in megabytes via MAX_UPLOAD_MB.
	if viper.IsSet("MAX_UPLOAD_MB") {
		mbStr := strings.TrimSpace(viper.GetString("MAX_UPLOAD_MB"))
		if mbStr != "" {
			mbValue, parseErr := strconv.ParseFloat(mbStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MAX_UPLOAD_MB\" value=%q err=%v", mbStr, parseErr)
			} else {
				config.MaxUploadBytes = int64(math.Round(mbValue * (1 << 20)))
			}
		}
	}

	if config.MaxUploadBytes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive upload limit configured; using default\" max_upload_bytes=%d", config.MaxUploadBytes)
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	if config.MaxBatchFiles <= 0 {
		config.MaxBatchFiles = defaultMaxBatchFiles
	}
	if config.IngestionWorkers <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive worker count configured; using default\" workers=%d", config.IngestionWorkers)
		config.IngestionWorkers = defaultWorkers
	}
	if config.StudentSyncMaxAge <= 0 {
		config.StudentSyncMaxAge = 24 * time.Hour
	}
	if config.ResyncTimeout <= 0 {
		config.ResyncTimeout = 10 * time.Second
	}
	if config.ResyncCooldown < 0 {
		config.ResyncCooldown = 0
	}
	if config.TempMaxAge <= 0 {
		config.TempMaxAge = 2 * time.Hour
	}
	if strings.TrimSpace(config.TempSweepSchedule) == "" {
		config.TempSweepSchedule = "@every 30m"
	}

	return
}

func normalizeOrigins(raw []string) []string {
	var origins []string
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
