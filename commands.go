package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"crm-automations/pkg/config"
	"crm-automations/pkg/db"
	"crm-automations/pkg/httpx"
	"crm-automations/pkg/lock"
	"crm-automations/pkg/metrics"
	"crm-automations/pkg/runner"
	"crm-automations/services/activity"
	"crm-automations/services/entity"
	"crm-automations/services/scheduler"
)

const (
	leasePrefix     = "crm-automations:"
	tickTimeout     = 55 * time.Second
	shutdownTimeout = 5 * time.Second
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "crm-automations",
		Short:        "Scheduled workflow and activity auto-complete ticks for the CRM",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newTickCmd())
	return root
}

// env is the state shared by every command after startup.
type env struct {
	cfg  *config.Config
	pool *pgxpool.Pool
}

// setup loads config, installs the JSON logger on logOut and connects to the database.
func setup(ctx context.Context, logOut io.Writer) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logHandler := slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})
	slog.SetDefault(slog.New(logHandler))

	pool, err := db.Connect(ctx, db.Config{URL: cfg.DatabaseURL, Password: cfg.DatabasePassword, MaxConns: cfg.DatabaseMaxConns})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, err
	}
	return &env{cfg: cfg, pool: pool}, nil
}

// lease returns the Redis-backed lease when REDIS_URL is set, and nil otherwise.
func (e *env) lease(ctx context.Context) (lock.Locker, *redis.Client, error) {
	if e.cfg.RedisURL == "" {
		return nil, nil, nil
	}
	client, err := lock.Connect(ctx, e.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, leasePrefix), client, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tick endpoints over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	e, err := setup(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer e.pool.Close()

	lease, redisClient, err := e.lease(ctx)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	schedulerService := scheduler.NewService(e.pool, lease)
	activityService := activity.NewService(e.pool)

	corsHandler := newRouter(e.cfg.CORSAllowedOrigins, healthHandler(e.pool), schedulerService, activityService)

	srv := &http.Server{
		Addr:              e.cfg.HTTPAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	var ticks *runner.Runner
	if e.cfg.ScheduleEnabled {
		ticks, err = runner.New(runCtx, tickTimeout,
			runner.Job{Name: "scheduled_workflows", Run: func(ctx context.Context, now time.Time) error {
				_, err := schedulerService.Engine().RunTick(ctx, now)
				return err
			}},
			runner.Job{Name: "activity_auto_complete", Run: func(ctx context.Context, now time.Time) error {
				_, err := activityService.Completer().RunTick(ctx, now, nil)
				return err
			}},
		)
		if err != nil {
			return err
		}
		ticks.Start()
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", srv.Addr, "schedule", e.cfg.ScheduleEnabled, "lease", lease != nil)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)
		return err

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if ticks != nil {
			ticks.Stop(ctx)
		}
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
	return nil
}

// routeLoader is implemented by every service that mounts endpoints under /api/v1.
type routeLoader interface {
	LoadRoutes(parentRouter *mux.Router)
}

// newRouter builds the served handler chain. OPTIONS requests pass through the
// CORS handler so the function routes answer them themselves.
func newRouter(origins []string, health http.HandlerFunc, services ...routeLoader) http.Handler {
	mainRouter := mux.NewRouter()
	mainRouter.HandleFunc("/healthz", health).Methods(http.MethodGet)
	mainRouter.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	for _, s := range services {
		s.LoadRoutes(apiRouter)
	}

	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders(httpx.CORSHeaders),
		handlers.IgnoreOptions(),
	)(mainRouter)
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(r.Context()); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func newMigrateCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			if err := entity.InitSchema(ctx, e.pool); err != nil {
				return err
			}
			if err := scheduler.InitDB(ctx, e.pool, seed); err != nil {
				return err
			}
			if err := activity.InitDB(ctx, e.pool, seed); err != nil {
				return err
			}
			slog.Info("Database initialized", "seed", seed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "insert sample workflows and activity patterns")
	return cmd
}

func newTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single tick and print its report",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "workflows",
		Short: "Fire due scheduled workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			lease, redisClient, err := e.lease(ctx)
			if err != nil {
				return err
			}
			if redisClient != nil {
				defer redisClient.Close()
			}

			report, err := scheduler.NewService(e.pool, lease).Engine().RunTick(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	})

	var entityType, entityID string
	activities := &cobra.Command{
		Use:   "activities",
		Short: "Auto-complete activities whose entity satisfies their rule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (entityType == "") != (entityID == "") {
				return errors.New("--entity-type and --entity-id must be given together")
			}
			var target *entity.Ref
			if entityType != "" {
				target = &entity.Ref{Type: entityType, ID: entityID}
			}

			ctx := cmd.Context()
			e, err := setup(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			report, err := activity.NewService(e.pool).Completer().RunTick(ctx, time.Now().UTC(), target)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	activities.Flags().StringVar(&entityType, "entity-type", "", "restrict the tick to one entity type")
	activities.Flags().StringVar(&entityID, "entity-id", "", "restrict the tick to one entity id")
	cmd.AddCommand(activities)

	return cmd
}

func printReport(w io.Writer, report any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
