// Package cache serves aggregates from a per-key cache entry that moves
// through Empty, Fresh, Stale and Refreshing.
//
// A read never blocks once an entry holds a payload: stale entries are
// returned as they are while one background refresh runs. Refreshes for a
// key are coalesced, and payloads are swapped whole so readers never see a
// partial one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	appLog "sortir/internal/log"
	"sortir/internal/metrics"
	"sortir/internal/model"
)

// ErrUnknownKey is returned for a key that was never registered.
var ErrUnknownKey = errors.New("unknown cache key")

// WriteError reports a refresh whose payload could not be persisted.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache %s: write: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type State int

const (
	StateEmpty State = iota
	StateFresh
	StateStale
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	default:
		return "empty"
	}
}

// Loader computes the payload of one key.
type Loader func(ctx context.Context) ([]model.Event, error)

// Result is what a read returns.
type Result struct {
	Events    []model.Event
	WrittenAt time.Time
	// Stale is set when the payload is older than the key's TTL.
	Stale    bool
	Degraded bool
}

// Status describes one key for observability.
type Status struct {
	Key       string
	State     State
	Degraded  bool
	WrittenAt time.Time
	Count     int
	TTL       time.Duration
	LastError string
}

type Options struct {
	Store   Store
	Metrics *metrics.Metrics
	// RefreshTimeout bounds a single refresh. Zero means two minutes.
	RefreshTimeout time.Duration
	Now            func() time.Time
}

type snapshot struct {
	events    []model.Event
	writtenAt time.Time
}

type entry struct {
	key  string
	ttl  time.Duration
	load Loader

	snap       atomic.Pointer[snapshot]
	refreshing atomic.Bool
	degraded   atomic.Bool
	lastErr    atomic.Pointer[string]
	restore    sync.Once
}

type Manager struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	group  singleflight.Group
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		entries: make(map[string]*entry),
		base:    base,
		cancel:  cancel,
	}
}

// Register declares key with its TTL and loader. Registering a key twice
// replaces the previous declaration.
func (m *Manager) Register(key string, ttl time.Duration, load Loader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		m.order = append(m.order, key)
	}
	m.entries[key] = &entry{key: key, ttl: ttl, load: load}
}

// Keys returns the registered keys in registration order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) entry(key string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return e, nil
}

// Get returns the payload of key. An empty entry is filled synchronously
// and its failure is returned. A stale entry is returned at once and
// refreshed in the background.
func (m *Manager) Get(ctx context.Context, key string) (Result, error) {
	e, err := m.entry(key)
	if err != nil {
		return Result{}, err
	}
	m.restoreFromStore(ctx, e)

	snap := e.snap.Load()
	filled := false
	if snap == nil {
		filled = true
		if _, err := m.refreshWait(ctx, e); err != nil {
			var we *WriteError
			if !errors.As(err, &we) {
				return Result{}, err
			}
		}
		snap = e.snap.Load()
		if snap == nil {
			return Result{}, errors.New("cache: refresh produced no payload")
		}
	}

	res := Result{
		Events:    snap.events,
		WrittenAt: snap.writtenAt,
		Stale:     m.isStale(e, snap),
		Degraded:  e.degraded.Load(),
	}
	if res.Stale && !filled {
		m.refreshInBackground(e)
	}
	return res, nil
}

// Refresh recomputes key now, joining a refresh already in flight. On
// failure the previous payload stays in place and the entry is marked
// degraded.
func (m *Manager) Refresh(ctx context.Context, key string) error {
	e, err := m.entry(key)
	if err != nil {
		return err
	}
	m.restoreFromStore(ctx, e)
	_, err = m.refreshWait(ctx, e)
	return err
}

// Status reports every registered key, in registration order.
func (m *Manager) Status() []Status {
	keys := m.Keys()
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		e, err := m.entry(k)
		if err != nil {
			continue
		}
		st := Status{Key: k, State: m.state(e), Degraded: e.degraded.Load(), TTL: e.ttl}
		if snap := e.snap.Load(); snap != nil {
			st.WrittenAt = snap.writtenAt
			st.Count = len(snap.events)
		}
		if msg := e.lastErr.Load(); msg != nil {
			st.LastError = *msg
		}
		out = append(out, st)
	}
	return out
}

// State reports the state of key.
func (m *Manager) State(key string) (State, error) {
	e, err := m.entry(key)
	if err != nil {
		return StateEmpty, err
	}
	return m.state(e), nil
}

// Close stops background refreshes and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until no background refresh is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) state(e *entry) State {
	if e.refreshing.Load() {
		return StateRefreshing
	}
	snap := e.snap.Load()
	if snap == nil {
		return StateEmpty
	}
	if m.isStale(e, snap) {
		return StateStale
	}
	return StateFresh
}

func (m *Manager) isStale(e *entry, snap *snapshot) bool {
	if snap.writtenAt.IsZero() {
		return true
	}
	return m.opts.Now().Sub(snap.writtenAt) >= e.ttl
}

// restoreFromStore loads the persisted document once per entry. A
// missing or corrupt document leaves the entry empty.
func (m *Manager) restoreFromStore(ctx context.Context, e *entry) {
	if m.opts.Store == nil {
		return
	}
	e.restore.Do(func() {
		doc, err := m.opts.Store.Load(ctx, e.key)
		switch {
		case err == nil:
			e.snap.CompareAndSwap(nil, &snapshot{events: doc.Payload, writtenAt: doc.WrittenAt})
			m.opts.Metrics.SetWrittenAt(e.key, doc.WrittenAt)
			appLog.Debug("cache restored", "key", e.key, "written_at", doc.WrittenAt, "events", len(doc.Payload))
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrCorrupt):
			appLog.Warn("cache document corrupt; starting empty", "key", e.key, "error", err.Error())
		default:
			appLog.Error("cache load failed; starting empty", err, "key", e.key)
		}
	})
}

func (m *Manager) refreshInBackground(e *entry) {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer e.refreshing.Store(false)
		appLog.Debug("background refresh", "key", e.key)
		_, _ = m.refreshShared(e)
	}()
}

// refreshWait joins the shared refresh but stops waiting when ctx ends.
// The refresh itself runs to completion on the manager's context.
func (m *Manager) refreshWait(ctx context.Context, e *entry) ([]model.Event, error) {
	ch := m.group.DoChan(e.key, func() (any, error) {
		return m.doRefresh(e)
	})
	select {
	case r := <-ch:
		events, _ := r.Val.([]model.Event)
		return events, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refreshShared(e *entry) ([]model.Event, error) {
	v, err, _ := m.group.Do(e.key, func() (any, error) {
		return m.doRefresh(e)
	})
	events, _ := v.([]model.Event)
	return events, err
}

func (m *Manager) doRefresh(e *entry) ([]model.Event, error) {
	e.refreshing.Store(true)
	defer e.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(m.base, m.opts.RefreshTimeout)
	defer cancel()

	events, err := e.load(ctx)
	if err != nil {
		m.markDegraded(e, err)
		m.opts.Metrics.ObserveRefresh(e.key, metrics.RefreshFailed)
		appLog.Error("cache refresh failed; keeping previous payload", err, "key", e.key)
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}

	now := m.opts.Now()
	if m.opts.Store != nil {
		if err := m.opts.Store.Save(ctx, e.key, Document{WrittenAt: now, Payload: events}); err != nil {
			// Serve the new payload but keep the entry stale so the next
			// read tries again.
			var prev time.Time
			if old := e.snap.Load(); old != nil {
				prev = old.writtenAt
			}
			e.snap.Store(&snapshot{events: events, writtenAt: prev})
			we := &WriteError{Key: e.key, Err: err}
			m.markDegraded(e, we)
			m.opts.Metrics.ObserveRefresh(e.key, metrics.RefreshWriteError)
			appLog.Error("cache write failed", err, "key", e.key)
			return events, we
		}
	}

	e.snap.Store(&snapshot{events: events, writtenAt: now})
	e.degraded.Store(false)
	e.lastErr.Store(nil)
	m.opts.Metrics.ObserveRefresh(e.key, metrics.RefreshOK)
	m.opts.Metrics.SetDegraded(e.key, false)
	m.opts.Metrics.SetWrittenAt(e.key, now)
	appLog.Info("cache refreshed", "key", e.key, "events", len(events))
	return events, nil
}

func (m *Manager) markDegraded(e *entry, err error) {
	msg := err.Error()
	e.lastErr.Store(&msg)
	if e.snap.Load() == nil {
		return
	}
	e.degraded.Store(true)
	m.opts.Metrics.SetDegraded(e.key, true)
}
