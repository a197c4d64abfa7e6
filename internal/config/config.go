package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the whole process configuration, read from the environment.
type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	DatabaseURL            string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns         int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns         int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime      time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime      time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrationsOnStartup bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	JWTSecret             string        `env:"JWT_SECRET,required,notEmpty"`
	JWTRefreshSecret      string        `env:"JWT_REFRESH_SECRET,required,notEmpty"`
	JWTVerificationSecret string        `env:"JWT_VERIFICATION_SECRET"`
	AccessTokenTTL        time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"168h"`
	RefreshTokenTTL       time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	VerificationTokenTTL  time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	PasswordResetTTL      time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"1h"`

	BcryptCost               int           `env:"BCRYPT_COST" envDefault:"12"`
	MaxLoginAttempts         int           `env:"MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	LockTime                 time.Duration `env:"LOCK_TIME" envDefault:"30m"`
	RequireEmailVerification bool          `env:"REQUIRE_EMAIL_VERIFICATION" envDefault:"false"`

	GoogleClientID string `env:"GOOGLE_CLIENT_ID"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Brevity"`
	SMTPUseSSL   bool   `env:"SMTP_USE_SSL" envDefault:"false"`

	DeploymentURL    string `env:"DEPLOYMENT_URL" envDefault:"http://localhost:8080"`
	CloudinaryURL    string `env:"CLOUDINARY_URL"`
	CloudinaryFolder string `env:"CLOUDINARY_FOLDER" envDefault:"brevity/profile-images"`

	SentryDSN            string `env:"SENTRY_DSN"`
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	OTELServiceName      string `env:"OTEL_SERVICE_NAME" envDefault:"brevity-server"`

	CronSecret       string        `env:"CRON_SECRET"`
	CleanupBatchSize int           `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
	CleanupInterval  time.Duration `env:"AUTH_CLEANUP_INTERVAL" envDefault:"1h"`

	AuthRateLimitMax    int           `env:"AUTH_RATE_LIMIT_MAX" envDefault:"10"`
	AuthRateLimitWindow time.Duration `env:"AUTH_RATE_LIMIT_WINDOW" envDefault:"1m"`
	GlobalRateLimit     float64       `env:"GLOBAL_RATE_LIMIT_PER_SECOND" envDefault:"20"`
	GlobalRateBurst     int           `env:"GLOBAL_RATE_LIMIT_BURST" envDefault:"40"`
}

// Load reads the environment, optionally seeding it from a .env file first.
// Variables already set take precedence over the file.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.JWTSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost))
	}
	if c.MaxLoginAttempts <= 0 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be positive"))
	}
	if c.LockTime <= 0 {
		errs = append(errs, errors.New("LOCK_TIME must be positive"))
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
