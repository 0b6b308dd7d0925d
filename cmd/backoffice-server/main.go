package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hospital/backoffice/internal/config"
	"github.com/hospital/backoffice/internal/domain/billing"
	"github.com/hospital/backoffice/internal/domain/checkin"
	"github.com/hospital/backoffice/internal/domain/payment"
	"github.com/hospital/backoffice/internal/domain/visit"
	"github.com/hospital/backoffice/internal/platform/audit"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/clock"
	"github.com/hospital/backoffice/internal/platform/db"
	"github.com/hospital/backoffice/internal/platform/middleware"
	"github.com/hospital/backoffice/internal/platform/signature"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "backoffice-server",
		Short: "Hospital back-office API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(paymentsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the back-office API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			printStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment maintenance tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Fail pending push payments older than PUSH_PAYMENT_TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"), os.Stderr)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := build(cfg, pool, clock.New(), logger)
			if err != nil {
				return err
			}
			n, err := a.payments.ExpireStale(ctx)
			if err != nil {
				return fmt.Errorf("expire pending payments: %w", err)
			}
			fmt.Printf("Expired %d pending payment(s).\n", n)
			return nil
		},
	})

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, poolConfig(cfg))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		ApplicationName:  "backoffice-server",
		StatementTimeout: cfg.RequestTimeout,
		ConnectAttempts:  5,
	}
}

// migrationsFS returns the embedded migrations unless dir is set.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return db.Migrations()
	}
	return os.DirFS(dir)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			if s.Modified {
				status = "modified"
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// app holds the wired services. Both serve and the maintenance commands
// build it so they share one set of payment rules.
type app struct {
	sink     audit.Sink
	visits   *visit.Service
	checkins *checkin.Service
	billing  *billing.Service
	payments *payment.Service
}

func build(cfg *config.Config, pool *pgxpool.Pool, clk clock.Clock, logger zerolog.Logger) (*app, error) {
	tx := db.NewTransactor(pool)
	sink := audit.NewLogSink(logger, clk, audit.NewPGRecorder(pool))

	vis, err := visit.NewVisibility(cfg.StageVisibility)
	if err != nil {
		return nil, fmt.Errorf("stage visibility: %w", err)
	}
	visits := visit.NewService(visit.NewRepo(pool), tx, vis, sink, clk, logger)
	checkins := checkin.NewService(checkin.NewRepo(pool), sink, clk, logger)
	ledger := billing.NewService(billing.NewRepo(pool), visits, tx, sink, clk, cfg.Currency, logger)

	gw := gateways(cfg, clk, logger)
	opts := paymentOptions(cfg)
	txns := payment.NewRepo(pool)
	coord := payment.NewCoordinator(txns, ledger, tx, gw, sink, clk, opts, logger)
	payments := payment.NewService(txns, ledger, tx, gw, coord, sink, clk, opts, logger)

	return &app{
		sink:     sink,
		visits:   visits,
		checkins: checkins,
		billing:  ledger,
		payments: payments,
	}, nil
}

// gateways selects the live adapters in live mode and the simulated ones
// otherwise.
func gateways(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) payment.Gateways {
	if !cfg.IsLivePayments() {
		card, push := payment.NewSandboxGateways(clk, payment.DefaultSandboxDelay)
		return payment.Gateways{Card: card, Push: push}
	}
	return payment.Gateways{
		Card: payment.NewStripeGateway(payment.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			Timeout:   cfg.GatewayTimeout,
			Logger:    logger,
		}),
		Push: payment.NewMpesaGateway(payment.MpesaConfig{
			BaseURL:        cfg.MpesaBaseURL,
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			Shortcode:      cfg.MpesaShortcode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.MpesaCallbackURL,
			Timeout:        cfg.GatewayTimeout,
		}, clk, logger),
	}
}

func paymentOptions(cfg *config.Config) payment.Options {
	return payment.Options{
		GatewayTimeout: cfg.GatewayTimeout,
		PushTTL:        cfg.PushPaymentTTL,
		Phones: payment.PhoneNormalizer{
			CountryCode:      cfg.PhoneCountryCode,
			SubscriberDigits: cfg.PhoneSubscriberDigits,
		},
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func newEcho(cfg *config.Config, a *app, idem middleware.IdempotencyStore, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Audit(a.sink))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	payments := payment.NewHandler(a.payments)

	// Gateway callback: signed by the gateway relay, not by a user token.
	payments.RegisterCallback(e,
		middleware.RateLimit(rateLimitConfig(cfg)),
		signature.Require(cfg.CallbackSigningSecret),
	)

	api := e.Group("", authMiddleware(cfg))
	writeMW := middleware.Idempotency(idem, logger)

	visit.NewHandler(a.visits).RegisterRoutes(api)
	checkin.NewHandler(a.checkins).RegisterRoutes(api)
	billing.NewHandler(a.billing).RegisterRoutes(api, writeMW)
	payments.RegisterRoutes(api, writeMW)

	return e
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Info().Str("payment_mode", cfg.PaymentMode).Str("currency", cfg.Currency).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	clk := clock.New()
	a, err := build(cfg, pool, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	idem := middleware.NewPGIdempotencyStore(pool, clk)
	e := newEcho(cfg, a, idem, logger)

	sweeper := payment.NewSweeper(a.payments, cfg.ExpirySweepInterval, logger)
	sweeper.Purge = idem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
