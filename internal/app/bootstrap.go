package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"

	"brevity-server/internal/account"
	"brevity-server/internal/auth"
	"brevity-server/internal/config"
	"brevity-server/internal/db"
	"brevity-server/internal/mail"
	"brevity-server/internal/maintenance"
	"brevity-server/internal/media"
	"brevity-server/internal/oauth/google"
	"brevity-server/internal/observability"
	"brevity-server/internal/revocation"
	"brevity-server/internal/token"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	tokens, err := token.NewIssuer(token.Config{
		AccessSecret:       cfg.JWTSecret,
		RefreshSecret:      cfg.JWTRefreshSecret,
		VerificationSecret: cfg.JWTVerificationSecret,
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		VerificationTTL:    cfg.VerificationTokenTTL,
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	deps := auth.Deps{
		Tokens: tokens,
		Mailer: mailer,
		Google: google.NewVerifier(cfg.GoogleClientID),
		Logger: logger,
	}

	if cfg.CloudinaryURL != "" {
		images, err := media.NewCloudinary(cfg.CloudinaryURL, cfg.CloudinaryFolder)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		deps.Images = images
	} else {
		logger.Warn("cloudinary_disabled", map[string]any{"reason": "CLOUDINARY_URL not set"})
	}

	accounts := account.NewRepository(database, cfg.BcryptCost)
	ledger := revocation.NewLedger(revocation.NewRepository(database), accounts, logger)
	deps.Accounts = accounts
	deps.Ledger = ledger

	service := auth.NewService(deps, auth.Config{
		Lockout: account.LockoutPolicy{
			MaxAttempts:  cfg.MaxLoginAttempts,
			LockDuration: cfg.LockTime,
		},
		RequireEmailVerification: cfg.RequireEmailVerification,
		VerificationTTL:          cfg.VerificationTokenTTL,
		ResetCodeTTL:             cfg.PasswordResetTTL,
		BcryptCost:               cfg.BcryptCost,
		DeploymentURL:            cfg.DeploymentURL,
	})
	guard := auth.NewGuard(tokens, accounts, ledger, logger, cfg.RequireEmailVerification)

	cleaner := maintenance.NewCleaner(ledger, accounts, logger, cfg.CleanupBatchSize)

	router := newRouter(routes{
		cfg:     cfg,
		logger:  logger,
		handler: auth.NewHandler(service, logger),
		guard:   guard,
		cleanup: maintenance.NewCleanupHandler(cleaner, logger, cfg.CronSecret),
		health:  healthHandler(database),
	})

	return &Runtime{
		Handler: router,
		Sweeper: maintenance.NewSweeper(cleaner, cfg.CleanupInterval, logger),
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func newMailer(cfg config.Config, logger *observability.Logger) (*mail.Mailer, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("smtp_disabled", map[string]any{"reason": "SMTP_HOST not set, mail is logged only"})
		return mail.NewMailer(mail.NewLogTransport(logger), logger), nil
	}

	transport, err := mail.NewSMTPTransport(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		UseSSL:   cfg.SMTPUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init smtp transport: %w", err)
	}
	return mail.NewMailer(transport, logger), nil
}

type routes struct {
	cfg     config.Config
	logger  *observability.Logger
	handler *auth.Handler
	guard   *auth.Guard
	cleanup *maintenance.CleanupHandler
	health  http.HandlerFunc
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.Recover(rt.logger))
	r.Use(observability.RequestLogging(rt.logger))
	r.Use(globalLimiter(rt.cfg))

	sensitive := auth.NewRateLimiter(rt.cfg.AuthRateLimitMax, rt.cfg.AuthRateLimitWindow,
		"Too many authentication attempts, please try again later")
	h := rt.handler

	r.Get("/health", rt.health)
	r.Get("/internal/maintenance/cleanup", rt.cleanup.Handle)
	r.Post("/internal/maintenance/cleanup", rt.cleanup.Handle)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(sensitive.Middleware)
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/google", h.GoogleLogin)
			r.Post("/forgot-password", h.ForgotPassword)
			r.Post("/reset-password", h.ResetPassword)
		})

		r.Post("/refresh", h.Refresh)
		r.Get("/verify-email", h.VerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(rt.guard.Optional)
			r.Use(sensitive.Middleware)
			r.Post("/resend-verification", h.ResendVerification)
		})

		r.With(rt.guard.Optional).Get("/status", h.Status)

		r.Group(func(r chi.Router) {
			r.Use(rt.guard.AllowUnverified)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(rt.guard.Strict)
		r.With(sensitive.Middleware).Delete("/deleteAccount", h.DeleteAccount)
		r.Patch("/profile", h.UpdateProfile)
		r.Post("/profile/image", h.UploadProfileImage)
		r.Delete("/profile/image", h.DeleteProfileImage)
	})

	return r
}

// globalLimiter is a per-IP token bucket in front of every route.
func globalLimiter(cfg config.Config) func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(cfg.GlobalRateLimit, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetBurst(cfg.GlobalRateBurst)
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"success":false,"message":"Too many requests, please try again later"}`)

	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
