// Package app wires the monitor together: databases, publisher, scheduler,
// and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/edouardg/marktmonitor/internal/api"
	"github.com/edouardg/marktmonitor/internal/config"
	"github.com/edouardg/marktmonitor/internal/database"
	"github.com/edouardg/marktmonitor/internal/fetch"
	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/notifier"
	"github.com/edouardg/marktmonitor/internal/postalcode"
	"github.com/edouardg/marktmonitor/internal/publish"
	"github.com/edouardg/marktmonitor/internal/scheduler"
	"github.com/edouardg/marktmonitor/internal/translate"
)

const shutdownTimeout = 10 * time.Second

// App holds the fully wired service.
type App struct {
	cfg *config.Config
	log logger.Logger

	queriesDB  *sqlx.DB
	listingsDB *sqlx.DB
	redis      *redis.Client

	queries *database.QueryRepository
	cursors *database.LatestListingRepository
	pub     *publish.Publisher
	sched   *scheduler.Scheduler
	router  *api.Router
}

// New bootstraps the service: opens both databases, prunes orphaned cursors,
// verifies the publisher connection, and builds the pipeline. It fails fast
// when Redis is unreachable.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	var err error
	a.queriesDB, err = database.Open(cfg.Database.QueriesPath)
	if err != nil {
		return nil, fmt.Errorf("open queries database: %w", err)
	}
	a.listingsDB, err = database.Open(cfg.Database.ListingsPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open listings database: %w", err)
	}

	a.queries = database.NewQueryRepository(a.queriesDB)
	if err := a.queries.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.cursors = database.NewLatestListingRepository(a.listingsDB)
	if err := a.cursors.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.reconcileCursors(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.pub = publish.NewPublisher(a.redis, log)
	if err := a.pub.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("publisher unavailable: %w", err)
	}

	cats, err := translate.LoadCategories(cfg.Categories.L1Path, cfg.Categories.L2Path)
	if err != nil {
		a.Close()
		return nil, err
	}

	client := fetch.NewClient(log, cfg.Marketplace.UserAgent,
		fetch.WithRateLimit(cfg.Monitor.RateLimitRPS))

	n := notifier.NewNotifier(a.queries, a.cursors, client, a.pub, log,
		cfg.Marketplace.BaseURL, cfg.Monitor.EnrichLimit)

	a.sched = scheduler.NewScheduler(a.queries, client, n, a.pub, log,
		cfg.Monitor.Interval, cfg.Monitor.Tick)

	a.router = api.NewRouter(a.queries, translate.NewTranslator(cats), n,
		postalcode.NewClient(client, cfg.Marketplace.PostalCodeBaseURL),
		a.redis, cfg, log)

	return a, nil
}

// reconcileCursors removes cursor rows whose query no longer exists. The
// query table is the source of truth.
func (a *App) reconcileCursors(ctx context.Context) error {
	urls, err := a.queries.RequestURLs(ctx)
	if err != nil {
		return err
	}
	pruned, err := a.cursors.PruneExcept(ctx, urls)
	if err != nil {
		return err
	}
	if pruned > 0 {
		a.log.Info("pruned orphaned listing cursors", logger.Int64("count", pruned))
	}
	return nil
}

// Queries exposes the registry; for the CLI and tests.
func (a *App) Queries() *database.QueryRepository { return a.queries }

// Cursors exposes the cursor store; for the CLI and tests.
func (a *App) Cursors() *database.LatestListingRepository { return a.cursors }

// RunMonitor runs the polling scheduler until the context is cancelled.
func (a *App) RunMonitor(ctx context.Context) error {
	return a.sched.Run(ctx)
}

// RunAPI serves the admin API until the context is cancelled, then shuts
// down gracefully.
func (a *App) RunAPI(ctx context.Context) error {
	srv := a.router.NewServer()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("admin api listening", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin api: %w", err)
		}
		return <-errCh
	}
}

// Run starts the scheduler and the admin API together and returns the first
// error after both have stopped.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.RunMonitor(ctx) }()
	go func() { errCh <- a.RunAPI(ctx) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Close releases every connection the app holds.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("close redis", logger.Error(err))
		}
	}
	for _, db := range []*sqlx.DB{a.queriesDB, a.listingsDB} {
		if db == nil {
			continue
		}
		if err := database.Close(db); err != nil {
			a.log.Error("close database", logger.Error(err))
		}
	}
}
