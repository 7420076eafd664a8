// Package app wires all Dicttr subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/dicttr/internal/api"
	"github.com/MrWong99/dicttr/internal/config"
	"github.com/MrWong99/dicttr/internal/document"
	"github.com/MrWong99/dicttr/internal/document/postgres"
	"github.com/MrWong99/dicttr/internal/health"
	"github.com/MrWong99/dicttr/internal/jobs"
	"github.com/MrWong99/dicttr/internal/observe"
	"github.com/MrWong99/dicttr/internal/pipeline"
	"github.com/MrWong99/dicttr/internal/structure"
	"github.com/MrWong99/dicttr/internal/transcript"
	"github.com/MrWong99/dicttr/internal/transcript/llmcorrect"
	"github.com/MrWong99/dicttr/internal/transcript/phonetic"
	"github.com/MrWong99/dicttr/pkg/align"
	"github.com/MrWong99/dicttr/pkg/provider/llm"
	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry, usually wrapped in fallback groups.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    document.Store
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	version  string
	checkers []health.Option

	pipeline *pipeline.Pipeline
	jobs     *jobs.Manager
	api      *api.Server
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a document store instead of creating one from config.
func WithStore(s document.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the instruments recorded by the pipeline and the API.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the level of the process logger to the App so config
// reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion is reported by the health endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Both providers are
// required.
//
// New performs all initialisation synchronously: store connection and
// migration, correction and structuring setup, the job manager and the HTTP
// handler. The listener is opened by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	if providers.STT == nil {
		return nil, errors.New("app: an stt provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Document store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Processing pipeline ───────────────────────────────────────────
	a.pipeline = pipeline.New(
		providers.STT,
		a.newStructurer(cfg.Structure),
		a.store,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithAligner(align.New(cfg.Align.Options()...)),
		pipeline.WithCorrector(a.newCorrector(cfg.Glossary)),
		pipeline.WithGlossary(cfg.Glossary.Terms),
	)

	// ── 3. Job manager ───────────────────────────────────────────────────
	a.jobs = jobs.NewManager(a.pipeline, cfg.Server.MaxConcurrentJobs)

	// ── 4. HTTP API ──────────────────────────────────────────────────────
	hopts := append([]health.Option{health.WithVersion(a.version)}, a.checkers...)
	a.api = api.New(a.pipeline, a.store, a.jobs,
		api.WithMetrics(a.metrics),
		api.WithHealth(health.New(hopts...)),
		api.WithMetricsHandler(observe.MetricsHandler()),
		api.WithMaxUploadBytes(int64(cfg.Server.MaxUploadMB)<<20),
		api.WithMaxJSONBytes(int64(cfg.Server.MaxJSONMB)<<20),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the configured document store or uses the injected one.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		store, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.checkers = append(a.checkers, health.WithChecker("postgres", store.Ping))
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("document store connected", "driver", "postgres")
	default:
		a.store = document.NewMemStore()
		slog.Warn("documents are kept in memory and lost on restart")
	}
	return nil
}

func (a *App) newStructurer(c config.StructureConfig) *structure.Structurer {
	return structure.New(a.providers.LLM, append(c.Options(), structure.WithMetrics(a.metrics))...)
}

// newCorrector builds the glossary correction chain: phonetic matching and,
// when enabled, the LLM pass over low-confidence segments.
func (a *App) newCorrector(c config.GlossaryConfig) transcript.Corrector {
	opts := []transcript.PipelineOption{
		transcript.WithTermMatcher(phonetic.New(c.MatcherOptions()...)),
	}
	if c.LLM {
		opts = append(opts,
			transcript.WithLLMCorrector(llmcorrect.New(a.providers.LLM)),
			transcript.WithLLMOnLowConfidence(c.LLMThreshold),
		)
	}
	return transcript.NewPipeline(opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the processing pipeline, e.g. for batch processing.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Jobs returns the background job manager.
func (a *App) Jobs() *jobs.Manager { return a.jobs }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed configuration. It has
// the signature of [config.ChangeFunc]. Sections that need a restart are
// reported by the [config.Watcher].
func (a *App) Reload(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.AlignChanged {
		a.pipeline.SetAligner(align.New(next.Align.Options()...))
		slog.Info("aligner reconfigured", "finder", next.Align.Finder, "review_threshold", next.Align.ReviewThreshold)
	}
	if diff.StructureChanged {
		a.pipeline.SetStructurer(a.newStructurer(next.Structure))
		slog.Info("structurer reconfigured", "max_chunk_chars", next.Structure.MaxChunkChars)
	}
	if diff.GlossaryChanged {
		a.pipeline.SetCorrector(a.newCorrector(next.Glossary))
		a.pipeline.SetGlossary(next.Glossary.Terms)
		slog.Info("glossary reconfigured", "terms", len(next.Glossary.Terms), "llm", next.Glossary.LLM)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. When ctx is done, Run returns context.Canceled (or the underlying
// cause); the server keeps draining until Shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, cancels running jobs and closes the
// store. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "active_jobs", a.jobs.Active())

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		if err := a.jobs.Close(ctx); err != nil {
			slog.Warn("job manager shutdown error", "err", err)
		}

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
