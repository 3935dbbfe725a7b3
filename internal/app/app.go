// Package app wires configuration into adapters, the aggregator and the
// cache manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"sortir/internal/aggregate"
	"sortir/internal/cache"
	"sortir/internal/config"
	"sortir/internal/fetch"
	appLog "sortir/internal/log"
	"sortir/internal/metrics"
	"sortir/internal/model"
	"sortir/internal/normalize"
	"sortir/internal/source"
)

// Agenda is one served aggregate: a set of sources cached under Key.
type Agenda struct {
	Key         string
	TTL         time.Duration
	HorizonDays int
	Sources     []string
}

type App struct {
	cfg        *config.Config
	loc        *time.Location
	metrics    *metrics.Metrics
	aggregator *aggregate.Aggregator
	cache      *cache.Manager

	agendas  []Agenda
	adapters map[string]source.Adapter
	closers  []io.Closer
	now      func() time.Time
}

type options struct {
	now      func() time.Time
	adapters map[string]source.Adapter
	store    cache.Store
	metrics  *metrics.Metrics
	renderer source.Renderer
}

type Option func(*options)

// WithNow replaces the clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAdapter replaces the adapter built for the named source.
func WithAdapter(name string, a source.Adapter) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = make(map[string]source.Adapter)
		}
		o.adapters[name] = a
	}
}

// WithStore replaces the cache store selected by the configuration.
func WithStore(s cache.Store) Option {
	return func(o *options) { o.store = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRenderer sets the headless browser used by html sources with
// render enabled.
func WithRenderer(r source.Renderer) Option {
	return func(o *options) { o.renderer = r }
}

// New builds the pipeline described by cfg. cfg must be normalized.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.renderer == nil {
		o.renderer = &source.ChromeRenderer{}
	}

	a := &App{
		cfg:      cfg,
		loc:      cfg.Location(),
		metrics:  o.metrics,
		adapters: make(map[string]source.Adapter, len(cfg.Sources)),
		now:      o.now,
	}

	// Runs carry their agenda window; the widest horizon covers adapters
	// called without one.
	horizon := cfg.HorizonDays
	for _, ac := range cfg.Agendas {
		horizon = max(horizon, ac.HorizonDays)
	}

	fetcher := fetch.New(fetch.NewHTTPClient(0), cfg.UserAgent, cfg.Cache.HTTPCacheDir)
	deps := source.Deps{
		Fetcher:     fetcher,
		Renderer:    o.renderer,
		HorizonDays: horizon,
		Now:         o.now,
	}

	normOpts := make(map[string]normalize.SourceOptions, len(cfg.Sources))
	policies := make(map[string]aggregate.Policy, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		ad, ok := o.adapters[sc.Name]
		if !ok {
			var err error
			if ad, err = source.New(sc, deps); err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
		}
		a.adapters[sc.Name] = ad
		normOpts[sc.Name] = normalize.SourceOptions{DefaultTitle: sc.DefaultTitle, Fields: sc.Fields}
		policies[sc.Name] = aggregate.Policy{
			Timeout:   sc.Timeout,
			Retries:   sc.RetryCount(),
			StableIDs: sc.StableIDs,
		}
	}

	a.aggregator = aggregate.New(normalize.New(a.loc, normOpts), aggregate.Options{
		Default: aggregate.Policy{Timeout: 15 * time.Second, Retries: 1},
		Sources: policies,
		Metrics: a.metrics,
		Now:     o.now,
	})

	store := o.store
	if store == nil {
		s, closer, err := openStore(cfg.Cache)
		if err != nil {
			return nil, err
		}
		store = s
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.cache = cache.NewManager(cache.Options{
		Store:          store,
		Metrics:        a.metrics,
		RefreshTimeout: cfg.Cache.RefreshTimeout,
		Now:            o.now,
	})

	for _, ac := range cfg.Agendas {
		ag := Agenda{Key: ac.Key, TTL: ac.TTL, HorizonDays: ac.HorizonDays, Sources: ac.Sources}
		if len(ag.Sources) == 0 {
			for _, sc := range cfg.Sources {
				ag.Sources = append(ag.Sources, sc.Name)
			}
		}
		a.agendas = append(a.agendas, ag)
		a.cache.Register(ag.Key, ag.TTL, a.loader(ag))
	}
	return a, nil
}

func openStore(cc config.CacheConfig) (cache.Store, io.Closer, error) {
	switch cc.Backend {
	case "sqlite":
		s, err := cache.OpenSQLite(cc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "file", "":
		return cache.NewFileStore(cc.Dir), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cc.Backend)
	}
}

// loader aggregates the agenda over [now, now + horizon].
func (a *App) loader(ag Agenda) cache.Loader {
	return func(ctx context.Context) ([]model.Event, error) {
		events, _, err := a.Aggregate(ctx, ag, model.WindowFrom(a.now(), ag.HorizonDays))
		return events, err
	}
}

// Aggregate runs the agenda's sources once, without the cache.
func (a *App) Aggregate(ctx context.Context, ag Agenda, w model.Window) ([]model.Event, aggregate.Report, error) {
	adapters := make([]source.Adapter, 0, len(ag.Sources))
	for _, name := range ag.Sources {
		if ad, ok := a.adapters[name]; ok {
			adapters = append(adapters, ad)
		}
	}
	return a.aggregator.Aggregate(ctx, adapters, w)
}

// Agendas returns the configured agendas in order. The first is the default.
func (a *App) Agendas() []Agenda {
	return append([]Agenda(nil), a.agendas...)
}

// Agenda looks up an agenda. An empty key selects the default agenda.
func (a *App) Agenda(key string) (Agenda, bool) {
	if key == "" {
		if len(a.agendas) == 0 {
			return Agenda{}, false
		}
		return a.agendas[0], true
	}
	for _, ag := range a.agendas {
		if ag.Key == key {
			return ag, true
		}
	}
	return Agenda{}, false
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Cache() *cache.Manager { return a.cache }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Location() *time.Location { return a.loc }
func (a *App) Now() time.Time { return a.now() }

// RefreshAll force-refreshes every agenda in order. Failures are logged
// and returned joined; previous payloads stay in place.
func (a *App) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, ag := range a.agendas {
		if err := a.cache.Refresh(ctx, ag.Key); err != nil {
			appLog.Warn("agenda refresh failed", "agenda", ag.Key, "error", err.Error())
			errs = append(errs, fmt.Errorf("agenda %s: %w", ag.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops background refreshes and releases the cache store.
func (a *App) Close() error {
	a.cache.Close()
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
