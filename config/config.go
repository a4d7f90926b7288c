package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"outreachly/store"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type IMAPConfig struct {
	Enabled    bool          `json:"enabled"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	Username   string        `json:"username"`
	Password   string        `json:"-"`
	Mailbox    string        `json:"mailbox"`
	Encryption string        `json:"encryption"`
	Interval   time.Duration `json:"interval"`
}

type Config struct {
	Environment string   `json:"environment"`
	LogLevel    string   `json:"log_level"`
	ServerPort  string   `json:"server_port"`
	BaseURL     string   `json:"base_url"`
	CORSOrigins []string `json:"cors_origins"`

	StoreDriver    string `json:"store_driver"` // postgres or memory
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret      string `json:"-"`
	TrackingSecret string `json:"-"`

	SchedulerInterval  time.Duration `json:"scheduler_interval"`
	SchedulerBatchSize int           `json:"scheduler_batch_size"`
	RetryBackoff       time.Duration `json:"retry_backoff"`

	MailTransport string     `json:"mail_transport"` // smtp, http or log
	SMTP          SMTPConfig `json:"smtp"`
	FromEmail     string     `json:"from_email"`
	FromName      string     `json:"from_name"`
	MailAPIURL    string     `json:"mail_api_url"`
	MailAPIKey    string     `json:"-"`

	Redis             RedisConfig `json:"redis"`
	TrackingRateLimit int         `json:"tracking_rate_limit"`
	IMAP              IMAPConfig  `json:"imap"`
	SentryDSN         string      `json:"-"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:5000"), "/"),
		CORSOrigins: getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),

		StoreDriver:    getEnv("STORE_DRIVER", "postgres"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "outreachly"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),

		SchedulerInterval:  getEnvAsDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerBatchSize: getEnvAsInt("SCHEDULER_BATCH_SIZE", 10),
		RetryBackoff:       getEnvAsDuration("RETRY_BACKOFF", time.Hour),

		MailTransport: getEnv("MAIL_TRANSPORT", "smtp"),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		FromEmail:  getEnv("FROM_EMAIL", ""),
		FromName:   getEnv("FROM_NAME", ""),
		MailAPIURL: getEnv("MAIL_API_URL", ""),
		MailAPIKey: getEnv("MAIL_API_KEY", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		TrackingRateLimit: getEnvAsInt("TRACKING_RATE_LIMIT", 120),
		IMAP: IMAPConfig{
			Enabled:    getEnvAsBool("IMAP_ENABLED", false),
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption: getEnv("IMAP_ENCRYPTION", "SSL"),
			Interval:   getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),
		},
		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate checks the settings each selected driver and transport needs.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
		if c.Environment == "production" {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("RETRY_BACKOFF must be positive")
	}

	switch c.MailTransport {
	case "smtp":
		if c.SMTP.Host == "" || c.FromEmail == "" {
			return fmt.Errorf("SMTP_HOST and FROM_EMAIL are required for the smtp transport")
		}
	case "http":
		if c.MailAPIURL == "" {
			return fmt.Errorf("MAIL_API_URL is required for the http transport")
		}
	case "log":
	default:
		return fmt.Errorf("unknown MAIL_TRANSPORT %q", c.MailTransport)
	}

	if c.IMAP.Enabled && (c.IMAP.Host == "" || c.IMAP.Username == "") {
		return fmt.Errorf("IMAP_HOST and IMAP_USERNAME are required when IMAP_ENABLED is set")
	}
	return nil
}

func ConnectDB() error {
	log := logrus.WithField("component", "database")
	log.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	gormLogLevel := logger.Warn
	if AppConfig.Environment == "production" {
		gormLogLevel = logger.Error
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(gormLogLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("Successfully connected to the database")

	if err := DB.AutoMigrate(store.AllModels()...); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":        AppConfig.Environment,
		"server_port":        AppConfig.ServerPort,
		"base_url":           AppConfig.BaseURL,
		"store_driver":       AppConfig.StoreDriver,
		"database":           fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"mail_transport":     AppConfig.MailTransport,
		"scheduler_interval": AppConfig.SchedulerInterval.String(),
		"redis":              AppConfig.Redis.Enabled,
		"reply_poller":       AppConfig.IMAP.Enabled,
	}).Info("Loaded configuration")
}
