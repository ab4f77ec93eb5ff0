// Package app wires all keeperd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCatalog, WithKV, WithOracle, WithMemoryStore). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/arkhamlabs/keeperd/internal/catalog"
	"github.com/arkhamlabs/keeperd/internal/config"
	"github.com/arkhamlabs/keeperd/internal/dicehub"
	"github.com/arkhamlabs/keeperd/internal/observe"
	"github.com/arkhamlabs/keeperd/internal/server"
	"github.com/arkhamlabs/keeperd/internal/state"
	"github.com/arkhamlabs/keeperd/internal/turn"
	"github.com/arkhamlabs/keeperd/pkg/dice"
	"github.com/arkhamlabs/keeperd/pkg/memory"
	memredis "github.com/arkhamlabs/keeperd/pkg/memory/redis"
	"github.com/arkhamlabs/keeperd/pkg/oracle"
	"github.com/arkhamlabs/keeperd/pkg/oracle/anyllm"
	oraclellm "github.com/arkhamlabs/keeperd/pkg/oracle/openai"
)

// App owns all subsystem lifetimes and serves the keeper HTTP API.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	catalog catalog.Store
	kv      state.KV
	states  *state.Store
	shelf   memory.Store
	oracle  oracle.Oracle
	hub     *dicehub.Hub
	runner  *turn.Runner
	srv     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalog injects a scenario catalog instead of connecting to Postgres.
func WithCatalog(c catalog.Store) Option {
	return func(a *App) { a.catalog = c }
}

// WithKV injects a game-state KV instead of connecting to Redis. When the KV
// is injected, a memory store must be injected too.
func WithKV(kv state.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithOracle injects an oracle instead of building one from config.
func WithOracle(o oracle.Oracle) Option {
	return func(a *App) { a.oracle = o }
}

// WithMemoryStore injects an NPC memory shelf instead of creating one on the
// Redis client.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.shelf = s }
}

// New creates an App by wiring all subsystems together: telemetry, the
// Postgres catalog, the Redis state layer, the oracle, the dice websocket
// hub, the turn pipeline, and the HTTP server. Use Option functions to
// inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "keeperd"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return otelShutdown(context.Background()) })

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}
	if err := a.initState(ctx); err != nil {
		return nil, fmt.Errorf("app: init state: %w", err)
	}
	if err := a.initOracle(); err != nil {
		return nil, fmt.Errorf("app: init oracle: %w", err)
	}

	a.hub = dicehub.NewHub(slog.Default())
	a.initPipeline(metrics)

	srv := server.New(a.runner, turn.NewLoader(a.states, a.catalog), a.states, a.catalog, a.hub, metrics)
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// initCatalog connects to Postgres and runs the schema migration, unless a
// catalog was injected.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	store := catalog.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	a.catalog = store
	return nil
}

// initState sets up the Redis-backed game-state layer and the NPC memory
// shelf on the same client, or uses injected mocks.
func (a *App) initState(ctx context.Context) error {
	if a.kv == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %q: %w", a.cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		a.kv = state.NewRedisKV(client)

		if a.shelf == nil {
			var mopts []memredis.Option
			if a.cfg.Memory.TTL > 0 {
				mopts = append(mopts, memredis.WithTTL(a.cfg.Memory.TTL))
			}
			a.shelf = memredis.New(client, mopts...)
		}
	}
	if a.shelf == nil {
		return errors.New("a memory store must be injected alongside the KV")
	}

	var sopts []state.StoreOption
	if a.cfg.Redis.SessionTTL > 0 {
		sopts = append(sopts, state.WithTTL(a.cfg.Redis.SessionTTL))
	}
	a.states = state.NewStore(a.kv, sopts...)
	return nil
}

// initOracle builds the configured LLM backend. The "openai" provider with
// an explicit key uses the native client for its JSON response mode; every
// other combination goes through any-llm, which also covers the
// environment-variable key fallback.
func (a *App) initOracle() error {
	if a.oracle != nil {
		return nil
	}
	cfg := a.cfg.Oracle

	if cfg.Provider == "openai" && cfg.APIKey != "" {
		var opts []oraclellm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oraclellm.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, oraclellm.WithTimeout(cfg.Timeout))
		}
		o, err := oraclellm.New(cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return err
		}
		a.oracle = o
		return nil
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	o, err := anyllm.New(cfg.Provider, cfg.Model, opts...)
	if err != nil {
		return err
	}
	a.oracle = o
	return nil
}

// initPipeline wires the turn stages into a Runner.
func (a *App) initPipeline(m *observe.Metrics) {
	roller := dice.NewRoller()
	timeout := a.cfg.Oracle.Timeout

	var popts []turn.ParserOption
	var eopts []turn.EvaluatorOption
	var ropts []turn.ReactorOption
	sopts := []turn.SynthOption{turn.WithHistoryWindow(a.cfg.Game.HistoryWindow)}
	if timeout > 0 {
		popts = append(popts, turn.WithParserTimeout(timeout))
		eopts = append(eopts, turn.WithEvaluatorTimeout(timeout))
		ropts = append(ropts, turn.WithReactorTimeout(timeout))
		sopts = append(sopts, turn.WithSynthTimeout(timeout))
	}

	loader := turn.NewLoader(a.states, a.catalog)
	parser := turn.NewParser(a.oracle, m, popts...)
	evaluator := turn.NewEvaluator(a.oracle, m, eopts...)
	resolver := turn.NewResolver(roller, a.hub, m)
	reactor := turn.NewReactor(a.oracle, roller, a.shelf, a.catalog, m, ropts...)
	synth := turn.NewSynthesizer(a.oracle, roller, a.catalog, m, sopts...)

	a.runner = turn.NewRunner(
		loader, parser, evaluator, resolver, reactor, synth,
		a.states, a.catalog, a.hub, m,
		turn.WithOpeningNarration(a.cfg.Game.OpeningNarration),
	)
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("keeperd listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
