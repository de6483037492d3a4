package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/frame-engine/internal/api"
	"github.com/atmx/frame-engine/internal/archive"
	"github.com/atmx/frame-engine/internal/config"
	"github.com/atmx/frame-engine/internal/frame"
	"github.com/atmx/frame-engine/internal/guard"
	"github.com/atmx/frame-engine/internal/logging"
	"github.com/atmx/frame-engine/internal/metrics"
	"github.com/atmx/frame-engine/internal/model"
	"github.com/atmx/frame-engine/internal/oracle"
	"github.com/atmx/frame-engine/internal/payout"
	"github.com/atmx/frame-engine/internal/store"
	"github.com/atmx/frame-engine/internal/transfer"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("frame-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("frame-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	st, err := openStore(ctx, cfg.Storage, &cleanup)
	if err != nil {
		return err
	}

	var lease guard.Lease
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, config.Seconds(cfg.Storage.CacheTTLSeconds))
		lease = guard.NewRedisLease(rdb)
		slog.Info("Redis cache and drain lease enabled")
	}
	repo := store.NewRepository(st)

	// --- Payout queue ---
	var sub transfer.Submitter
	if cfg.Payout.DryRun {
		slog.Warn("dry-run mode: transfers are logged, not submitted")
		sub = transfer.DryRun{}
	} else {
		sub = transfer.NewHTTPRelay(cfg.Payout.RelayURL, cfg.Payout.RelayAPIKey, config.Seconds(cfg.Payout.SubmitTimeoutSeconds))
	}

	retry := payout.RetryPolicy{MaxAttempts: cfg.Payout.MaxAttempts, Decompose: true}
	queueOpts := []payout.Option{
		payout.WithPriorityFee(decimal.NewFromInt(cfg.Payout.PriorityFee)),
		payout.WithSubmitTimeout(config.Seconds(cfg.Payout.SubmitTimeoutSeconds)),
		payout.WithRetryPolicy(model.BatchPayout, retry),
		payout.WithRetryPolicy(model.BatchRefund, retry),
		payout.WithRetryPolicy(model.BatchFee, retry),
	}
	if lease != nil {
		queueOpts = append(queueOpts, payout.WithLease(lease, config.Seconds(cfg.Payout.LeaseTTLSeconds)))
	}
	queue := payout.New(repo, sub, queueOpts...)
	if err := queue.Load(ctx); err != nil {
		return err
	}

	// --- Frame engine ---
	policy, err := cfg.SettlementPolicy()
	if err != nil {
		return err
	}
	engine, err := frame.New(frame.Config{
		Duration:     cfg.FrameDuration(),
		LockOut:      config.Seconds(cfg.Frame.LockOutSeconds),
		CancelLead:   config.Seconds(cfg.Frame.CancelLeadSeconds),
		ClosingGrace: config.Seconds(cfg.Frame.ClosingGraceSeconds),
		PriceScale:   decimal.NewFromInt(cfg.Curve.PriceScale),
		MinPrice:     decimal.NewFromInt(cfg.Curve.MinPrice),
		Baseline:     decimal.NewFromInt(cfg.Curve.Baseline),
		Policy:       policy,
		Limits:       cfg.Limiter(),
	}, repo, queue)
	if err != nil {
		return err
	}
	if err := engine.Recover(ctx, time.Now()); err != nil {
		return err
	}

	// --- WebSocket hub and API ---
	wsHub := api.NewWSHub()
	svc := api.NewService(engine, repo, queue, wsHub)

	tick := func(ctx context.Context, s model.PriceSample) error {
		err := engine.OnTick(ctx, s)
		wsHub.Broadcast(api.PriceMessage(engine.Snapshot()))
		return err
	}
	poller := oracle.NewPoller(
		oracle.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.RatePerSecond, 5*time.Second),
		tick,
		time.Duration(cfg.Oracle.PollMillis)*time.Millisecond,
	)

	var archiver *archive.Archiver
	if cfg.Archive.Bucket != "" {
		archiver, err = archive.NewS3(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		slog.Info("frame archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(svc, cfg.Server.AdminEnabled),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Tasks ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx, config.Seconds(cfg.Payout.DrainIntervalSeconds)) })
	g.Go(func() error { return engine.RunWatchdog(gctx, config.Seconds(cfg.Frame.WatchdogSeconds)) })
	g.Go(func() error { return wsHub.Run(gctx) })

	archived := make(chan model.Frame, 64)
	g.Go(func() error {
		defer close(archived)
		for {
			select {
			case <-gctx.Done():
				return nil
			case f := <-engine.Closed():
				wsHub.Broadcast(api.FrameMessage(f))
				if archiver == nil {
					continue
				}
				select {
				case archived <- f:
				default:
					slog.Warn("archive backlog full, skipping frame", "frame", f.ID)
				}
			}
		}
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx, archived) })
	}

	g.Go(func() error {
		slog.Info("frame-engine listening", "port", cfg.Server.Port, "admin", cfg.Server.AdminEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down frame-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore selects the durable store backend.
func openStore(ctx context.Context, cfg config.StorageConfig, cleanup *[]func()) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		return pg, nil

	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, "frame-engine.db")
		}
		lite, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() { lite.Close() })
		slog.Info("using SQLite store", "path", path)
		return lite, nil

	case "memory":
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil

	default:
		fs, err := store.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		slog.Info("using file store", "dir", cfg.Dir)
		return fs, nil
	}
}

func newRouter(svc *api.Service, adminEnabled bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"frame-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)

		if adminEnabled {
			r.Route("/admin", svc.AdminRoutes)
		}
	})

	return r
}
