package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/config"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/database"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/handlers"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/services"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Library circulation service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

// app holds everything the subcommands share.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *gorm.DB
	store *notifications.Store
	svc   services.LibraryService
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var log *zap.Logger
	if cfg.IsDev() {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		return nil, err
	}

	store := notifications.NewStore(db)
	notifier := notifications.Multi{store, notifications.NewLogger(log.Named("notify"))}
	policy := services.Policy{
		DefaultLoanPeriodDays: cfg.DefaultLoanPeriodDays,
		DefaultMaxBooks:       cfg.DefaultMaxBooks,
		ReservationHoldDays:   cfg.ReservationHoldDays,
		DueSoonDays:           cfg.DueSoonDays,
		Fines: services.FinePolicy{
			PerDay:     cfg.FinePerDay,
			CapPerLoan: cfg.FineCapPerLoan,
			GraceDays:  cfg.FineGraceDays,
			NoShow:     cfg.NoShowFine,
			Lost:       cfg.LostBookFine,
		},
	}
	svc := services.NewLibraryService(db, repositories.New(db), notifier, services.SystemClock{}, policy, log.Named("library"))

	return &app{cfg: cfg, log: log, db: db, store: store, svc: svc}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic overdue sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !a.cfg.IsDev() {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(handlers.RequestLogger(a.log.Named("http")), gin.Recovery())
			handlers.RegisterRoutes(router, a.svc, a.store, services.SystemClock{}, a.log.Named("http"))

			srv := &http.Server{
				Addr:         a.cfg.ServerAddr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
			}

			if a.cfg.SweepInterval > 0 {
				go runSweeps(ctx, a, a.cfg.SweepInterval)
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("Starting server", zap.String("addr", a.cfg.ServerAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					a.log.Error("server error", zap.Error(err))
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// runSweeps runs the overdue sweep every interval until ctx is done.
func runSweeps(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fines, err := a.svc.RunOverdueSweep(ctx, time.Now().UTC())
			if err != nil {
				a.log.Error("periodic sweep finished with errors", zap.Error(err))
			}
			a.log.Info("periodic sweep done", zap.Int("fines_created", len(fines)))
		}
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()
			return database.Migrate(a.db, a.log)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the overdue sweep once, for use from cron",
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now().UTC()
			if asOf != "" {
				t, err := services.ParseAsOf(asOf)
				if err != nil {
					return errors.Wrap(err, "--as-of must be YYYY-MM-DD or RFC 3339")
				}
				at = t
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = a.log.Sync() }()

			fines, err := a.svc.RunOverdueSweep(cmd.Context(), at)
			a.log.Info("sweep done", zap.Time("as_of", at), zap.Int("fines_created", len(fines)))
			return err
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate as of this date (YYYY-MM-DD, default now)")
	return cmd
}
