package crashsym

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crashsym/crashsym/pkg/fetcher"
	"github.com/crashsym/crashsym/pkg/symbolicator"
	"github.com/crashsym/crashsym/pkg/symcache"
)

type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	LogLevel           string        `yaml:"log_level"`
	IndexFlushInterval time.Duration `yaml:"index_flush_interval"`

	Fetcher      fetcher.Config      `yaml:"fetcher"`
	Cache        symcache.Config     `yaml:"cache"`
	Symbolicator symbolicator.Config `yaml:"symbolicator"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddr, "server.http-listen-address", ":8050", "HTTP listen address.")
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	f.DurationVar(&cfg.IndexFlushInterval, "cache.index-flush-interval", time.Minute, "How often the cache index is written to disk for warm restarts.")
	cfg.Fetcher.RegisterFlags(f)
	cfg.Cache.RegisterFlags(f)
	cfg.Symbolicator.RegisterFlags(f)
}

// App ties the fetcher, cache and symbolicator together behind one
// HTTP server.
type App struct {
	cfg    Config
	logger log.Logger
	cache  *symcache.Cache
	server *http.Server

	// flusher periodically persists the cache index.
	flusher services.Service
}

func New(cfg Config) (*App, error) {
	logger := newLogger(cfg.LogLevel)
	reg := prometheus.NewRegistry()

	client, err := fetcher.New(log.With(logger, "component", "fetcher"), cfg.Fetcher, reg)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	cache, err := symcache.New(log.With(logger, "component", "symcache"), cfg.Cache, client.Fetch, reg)
	if err != nil {
		return nil, fmt.Errorf("create symbol cache: %w", err)
	}

	sym, err := symbolicator.New(log.With(logger, "component", "symbolicator"), cfg.Symbolicator, cache, reg)
	if err != nil {
		return nil, fmt.Errorf("create symbolicator: %w", err)
	}

	router := mux.NewRouter()
	symbolicator.NewAPI(logger, sym).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/__heartbeat__", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status": "ok"}`)
	}).Methods(http.MethodGet)
	router.HandleFunc("/__lbheartbeat__", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	app := &App{
		cfg:    cfg,
		logger: logger,
		cache:  cache,
		server: &http.Server{Addr: cfg.ListenAddr, Handler: router},
	}
	app.flusher = services.NewTimerService(cfg.IndexFlushInterval, nil, app.flushIndex, nil)
	return app, nil
}

func (a *App) flushIndex(_ context.Context) error {
	if err := a.cache.FlushIndex(); err != nil {
		level.Warn(a.logger).Log("msg", "cache index flush failed", "err", err)
	}
	// Flush failures are retried on the next tick, not fatal.
	return nil
}

// Run serves until ctx is canceled, then shuts down cleanly.
func (a *App) Run(ctx context.Context) error {
	if err := services.StartAndAwaitRunning(ctx, a.flusher); err != nil {
		return fmt.Errorf("start index flusher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "server listening", "addr", a.cfg.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		level.Warn(a.logger).Log("msg", "server shutdown failed", "err", err)
	}
	if err := services.StopAndAwaitTerminated(shutdownCtx, a.flusher); err != nil {
		level.Warn(a.logger).Log("msg", "index flusher shutdown failed", "err", err)
	}
	if err := a.cache.Close(); err != nil {
		level.Warn(a.logger).Log("msg", "cache close failed", "err", err)
	}
	return runErr
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
