package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/speakbridge/aac/internal/config"
	"github.com/speakbridge/aac/internal/domain/billing"
	"github.com/speakbridge/aac/internal/domain/emergency"
	"github.com/speakbridge/aac/internal/domain/patient"
	"github.com/speakbridge/aac/internal/domain/scheduling"
	"github.com/speakbridge/aac/internal/platform/auth"
	"github.com/speakbridge/aac/internal/platform/collab"
	"github.com/speakbridge/aac/internal/platform/db"
	"github.com/speakbridge/aac/internal/platform/hipaa"
	"github.com/speakbridge/aac/internal/platform/logging"
	"github.com/speakbridge/aac/internal/platform/metrics"
	"github.com/speakbridge/aac/internal/platform/middleware"
	"github.com/speakbridge/aac/internal/platform/notification"
	"github.com/speakbridge/aac/internal/platform/webhook"
	"github.com/speakbridge/aac/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aac-server",
		Short: "SpeakBridge AAC therapy platform API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(phiCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	return cfg, logger, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: 5 * time.Minute,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func complianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "HIPAA safeguard tooling",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run the compliance self-check and print the tally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			stack, err := buildHIPAA(cfg, pool, db.NewTransactor(pool), nil, logger)
			if err != nil {
				return err
			}
			report := stack.checker.PerformComplianceCheck(ctx)
			printComplianceReport(cmd, report)
			if !report.Compliant {
				return fmt.Errorf("%d of %d checks failed", report.Failed, report.Total)
			}
			return nil
		},
	})
	return cmd
}

func printComplianceReport(cmd *cobra.Command, report *hipaa.ComplianceReport) {
	out := cmd.OutOrStdout()
	for _, it := range report.Items {
		mark := "FAIL"
		if it.Passed {
			mark = "PASS"
		}
		fmt.Fprintf(out, "[%s] %-32s %s\n", mark, it.Name, it.Detail)
	}
	fmt.Fprintf(out, "%d/%d checks passed\n", report.Passed, report.Total)
}

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Billing claim tooling",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export claims for a date-of-service range to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			format, _ := cmd.Flags().GetString("format")
			from, to, err := parseRange(fromStr, toStr)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := billing.NewService(billing.NewClaimRepoPG(pool), db.NewTransactor(pool), billing.Options{
				PrivateMultiplier: cfg.PrivateRateMultiplier,
				Logger:            logger,
			})
			n, err := svc.Export(ctx, from, to, billing.ExportFormat(format), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			logger.Info().Int("claims", n).Msg("claims exported")
			return nil
		},
	}
	exportCmd.Flags().String("from", "", "First date of service (YYYY-MM-DD)")
	exportCmd.Flags().String("to", "", "Last date of service (YYYY-MM-DD)")
	exportCmd.Flags().String("format", "csv", "Output format: csv or json")
	cmd.AddCommand(exportCmd)
	return cmd
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to are required")
	}
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	to, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return from, to, nil
}

func phiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phi",
		Short: "Patient record key management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rekey",
		Short: "Re-seal patient records still encrypted with a retired PHI key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.PHIEncryptionKey == "" {
				return fmt.Errorf("PHI_ENCRYPTION_KEY is required to rekey records")
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tx := db.NewTransactor(pool)
			stack, err := buildHIPAA(cfg, pool, tx, nil, logger)
			if err != nil {
				return err
			}
			svc := patient.NewService(patient.NewRecordRepoPG(pool), tx, stack.vault, stack.audit, logger)
			n, err := svc.RekeyRecords(ctx, "cli")
			fmt.Fprintf(cmd.OutOrStdout(), "Rekeyed %d record(s) to key v%d.\n", n, stack.keys.CurrentVersion())
			return err
		},
	})
	return cmd
}

type hipaaStack struct {
	keys    *hipaa.Keyring
	audit   *hipaa.AuditLog
	vault   *hipaa.Vault
	checker *hipaa.ComplianceChecker
}

// buildKeyring loads the PHI keys. Without a configured key (development
// only, enforced by Validate) a random key is generated for the process.
func buildKeyring(cfg *config.Config, logger zerolog.Logger) (*hipaa.Keyring, error) {
	previous, err := cfg.PreviousKeys()
	if err != nil {
		return nil, err
	}
	current := 1
	for v := range previous {
		if v >= current {
			current = v + 1
		}
	}

	key, err := cfg.PrimaryKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate PHI key: %w", err)
		}
		logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; records written now are unreadable after restart")
	}

	keys, err := hipaa.NewKeyring(key, current)
	if err != nil {
		return nil, err
	}
	for v, k := range previous {
		if err := keys.AddPreviousKey(k, v); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func buildHIPAA(cfg *config.Config, pool db.Querier, tx db.Transactor, m *metrics.Metrics, logger zerolog.Logger) (*hipaaStack, error) {
	keys, err := buildKeyring(cfg, logger)
	if err != nil {
		return nil, err
	}
	store := hipaa.NewPGAuditStore(pool, tx, cfg.AuditDurableCapacity)
	audit := hipaa.NewAuditLog(cfg.AuditMemoryCapacity, store, m, logger)
	vault := hipaa.NewVault(keys, audit)
	checker := hipaa.NewComplianceChecker(vault, audit, hipaa.ComplianceFacts{
		AccessControls:    !cfg.IsDev(),
		BackupsConfigured: cfg.BackupsConfigured,
		MinimumNecessary:  true,
		BAAOnFile:         cfg.BAAOnFile,
	})
	return &hipaaStack{keys: keys, audit: audit, vault: vault, checker: checker}, nil
}

func buildNotifications(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	logSender := notification.NewLogSender(logger)
	var email notification.EmailSender = logSender
	if cfg.SendGridAPIKey != "" {
		email = notification.NewSendGridSender(notification.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
		}, logger)
	}
	return notification.NewManager(email, logSender, nil, logger)
}

// resolveSigningKey returns the configured bearer-token key, or a random one
// in development.
func resolveSigningKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	if cfg.AuthSigningKey != "" {
		return []byte(cfg.AuthSigningKey), nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate auth signing key: %w", err)
	}
	logger.Warn().Msg("AUTH_SIGNING_KEY not set; using a random key, issued tokens die with the process")
	return key, nil
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	tx := db.NewTransactor(pool)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// PHI and audit
	phi, err := buildHIPAA(cfg, pool, tx, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise PHI encryption")
	}

	// Auth
	signingKey, err := resolveSigningKey(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve auth signing key")
	}
	verifier := auth.NewVerifier(signingKey, "aac-server")

	// Services
	notifications := buildNotifications(cfg, logger)

	billingOpts := billing.Options{
		PrivateMultiplier: cfg.PrivateRateMultiplier,
		Metrics:           m,
		Logger:            logger.With().Str("component", "billing").Logger(),
	}
	if cfg.BillingAlertEmail != "" {
		billingOpts.Notifier = &denialNotifier{recipient: cfg.BillingAlertEmail, notify: notifications, logger: logger}
	}
	billingSvc := billing.NewService(billing.NewClaimRepoPG(pool), tx, billingOpts)

	patientSvc := patient.NewService(patient.NewRecordRepoPG(pool), tx, phi.vault, phi.audit,
		logger.With().Str("component", "patient").Logger())

	schedulingSvc := scheduling.NewService(scheduling.NewAppointmentRepoPG(pool), tx, billingSvc, m,
		logger.With().Str("component", "scheduling").Logger())

	emergencySvc := emergency.NewService(emergency.NewContactRepoPG(pool), emergency.NewIncidentRepoPG(pool), tx,
		notifications, emergency.NewLogDialer(logger), cfg.EmergencyDialNumber, m,
		logger.With().Str("component", "emergency").Logger())

	var webhookStore *webhook.RedisStore
	if cfg.RedisURL != "" {
		client, err := webhook.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		webhookStore = webhook.NewRedisStore(client)
	} else {
		logger.Warn().Msg("REDIS_URL not set; payment webhooks are disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSecs) * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.Metrics(m))
	limiter := middleware.NewIPRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	e.Use(limiter.Middleware())

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	webhook.NewStripeHandler(cfg.StripeWebhookSecret, webhookStore, m, logger).RegisterRoutes(e)
	hub := collab.NewHub(verifier, logger.With().Str("component", "collab").Logger())
	collab.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(e)

	// API
	authMW := auth.Middleware(verifier)
	if cfg.IsDev() {
		authMW = auth.DevMiddleware(verifier)
	}
	apiV1 := e.Group("/api/v1", authMW)

	scheduling.NewHandler(schedulingSvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	emergency.NewHandler(emergencySvc).RegisterRoutes(apiV1)
	hipaa.NewHandler(phi.checker, phi.audit).RegisterRoutes(apiV1)
	notification.NewHandler(notifications).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleAdmin)))

	// Appointment reminders
	reminders := &reminderSender{contacts: patientSvc, notify: notifications, logger: logger}
	go runReminders(ctx, schedulingSvc, reminders, time.Duration(cfg.ReminderIntervalSecs)*time.Second, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// reminderRunner is the part of the scheduler the reminder loop drives.
type reminderRunner interface {
	SendDueReminders(ctx context.Context, now time.Time, sender scheduling.ReminderSender) (int, error)
}

func runReminders(ctx context.Context, svc reminderRunner, sender scheduling.ReminderSender, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.SendDueReminders(ctx, now, sender)
			if err != nil {
				logger.Error().Err(err).Int("sent", n).Msg("reminder run had failures")
			} else if n > 0 {
				logger.Info().Int("sent", n).Msg("reminders sent")
			}
		}
	}
}
