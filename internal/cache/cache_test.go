package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortir/internal/model"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func events(titles ...string) []model.Event {
	out := make([]model.Event, 0, len(titles))
	for i, title := range titles {
		out = append(out, model.Event{
			ID:     title,
			Title:  title,
			Date:   t0.Add(time.Duration(i+1) * time.Hour),
			Image:  model.PlaceholderImage,
			Source: "test",
		})
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	docs    map[string]Document
	saveErr error
	saves   int
}

func newMemStore() *memStore { return &memStore{docs: make(map[string]Document)} }

func (s *memStore) Load(_ context.Context, key string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *memStore) Save(_ context.Context, key string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.docs[key] = doc
	return nil
}

type countingLoader struct {
	calls atomic.Int32
	fn    func(call int) ([]model.Event, error)
}

func (l *countingLoader) load(ctx context.Context) ([]model.Event, error) {
	return l.fn(int(l.calls.Add(1)))
}

func newManager(store Store) *Manager {
	return NewManager(Options{Store: store, Now: func() time.Time { return t0 }})
}

func TestColdReadFillsSynchronously(t *testing.T) {
	store := newMemStore()
	l := &countingLoader{fn: func(int) ([]model.Event, error) { return events("a", "b"), nil }}
	m := newManager(store)
	defer m.Close()
	m.Register("all", 5*time.Minute, l.load)

	state, err := m.State("all")
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, state)

	res, err := m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.False(t, res.Stale)
	assert.Equal(t, t0, res.WrittenAt)
	assert.Equal(t, 1, store.saves)

	_, err = m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.calls.Load())

	state, _ = m.State("all")
	assert.Equal(t, StateFresh, state)
}

func TestColdReadFailure(t *testing.T) {
	boom := errors.New("all sources failed")
	m := newManager(newMemStore())
	defer m.Close()
	m.Register("all", time.Minute, func(context.Context) ([]model.Event, error) { return nil, boom })

	_, err := m.Get(context.Background(), "all")
	assert.ErrorIs(t, err, boom)

	state, _ := m.State("all")
	assert.Equal(t, StateEmpty, state)
	st := m.Status()
	require.Len(t, st, 1)
	assert.False(t, st[0].Degraded)
	assert.Contains(t, st[0].LastError, "all sources failed")
}

func TestUnknownKey(t *testing.T) {
	m := newManager(nil)
	defer m.Close()
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.ErrorIs(t, m.Refresh(context.Background(), "nope"), ErrUnknownKey)
}

func TestStaleReadRefreshesOnceInBackground(t *testing.T) {
	store := newMemStore()
	store.docs["all"] = Document{WrittenAt: t0.Add(-10 * time.Minute), Payload: events("old")}

	release := make(chan struct{})
	l := &countingLoader{fn: func(int) ([]model.Event, error) {
		<-release
		return events("new"), nil
	}}
	m := newManager(store)
	defer m.Close()
	m.Register("all", 5*time.Minute, l.load)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Get(context.Background(), "all")
			assert.NoError(t, err)
			assert.True(t, res.Stale)
			if assert.Len(t, res.Events, 1) {
				assert.Equal(t, "old", res.Events[0].Title)
			}
		}()
	}
	wg.Wait()

	close(release)
	m.Wait()
	assert.EqualValues(t, 1, l.calls.Load())

	res, err := m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, "new", res.Events[0].Title)
}

func TestFailedRefreshKeepsPayload(t *testing.T) {
	fail := atomic.Bool{}
	l := &countingLoader{fn: func(int) ([]model.Event, error) {
		if fail.Load() {
			return nil, errors.New("all sources failed")
		}
		return events("p"), nil
	}}
	m := newManager(newMemStore())
	defer m.Close()
	m.Register("all", time.Hour, l.load)

	first, err := m.Get(context.Background(), "all")
	require.NoError(t, err)

	fail.Store(true)
	require.Error(t, m.Refresh(context.Background(), "all"))

	res, err := m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, first.Events, res.Events)
	assert.Equal(t, first.WrittenAt, res.WrittenAt)
	assert.True(t, res.Degraded)

	fail.Store(false)
	require.NoError(t, m.Refresh(context.Background(), "all"))
	res, err = m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
}

func TestWriteErrorStillServesPayload(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	l := &countingLoader{fn: func(int) ([]model.Event, error) { return events("a"), nil }}
	m := newManager(store)
	defer m.Close()
	m.Register("all", time.Hour, l.load)

	res, err := m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.True(t, res.Stale)
	assert.True(t, res.Degraded)
	assert.EqualValues(t, 1, l.calls.Load())

	var we *WriteError
	require.ErrorAs(t, m.Refresh(context.Background(), "all"), &we)
	assert.Equal(t, "all", we.Key)

	state, _ := m.State("all")
	assert.Equal(t, StateStale, state)
}

func TestCorruptDocumentIsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "all.json"), []byte("{not json"), 0o600))

	l := &countingLoader{fn: func(int) ([]model.Event, error) { return events("a"), nil }}
	m := newManager(NewFileStore(dir))
	defer m.Close()
	m.Register("all", time.Hour, l.load)

	res, err := m.Get(context.Background(), "all")
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)
	assert.EqualValues(t, 1, l.calls.Load())

	doc, err := NewFileStore(dir).Load(context.Background(), "all")
	require.NoError(t, err)
	assert.Equal(t, t0, doc.WrittenAt.UTC())
}

func TestConcurrentColdReadsCoalesce(t *testing.T) {
	release := make(chan struct{})
	l := &countingLoader{fn: func(int) ([]model.Event, error) {
		<-release
		return events("a"), nil
	}}
	m := newManager(newMemStore())
	defer m.Close()
	m.Register("all", time.Hour, l.load)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Get(context.Background(), "all")
			assert.NoError(t, err)
			assert.Len(t, res.Events, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, l.calls.Load())
}

func TestColdReadHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := newManager(nil)
	defer m.Close()
	m.Register("all", time.Hour, func(context.Context) ([]model.Event, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, "all")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileStore(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	_, err := s.Load(ctx, "all")
	assert.ErrorIs(t, err, ErrNotFound)

	doc := Document{WrittenAt: t0, Payload: events("a", "b")}
	require.NoError(t, s.Save(ctx, "agenda/lyon", doc))
	got, err := s.Load(ctx, "agenda/lyon")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Load(ctx, "all")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "all", Document{WrittenAt: t0, Payload: events("a")}))
	doc := Document{WrittenAt: t0.Add(time.Hour), Payload: events("b", "c")}
	require.NoError(t, s.Save(ctx, "all", doc))

	got, err := s.Load(ctx, "all")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = s.db.Exec(`UPDATE cache_entries SET document = 'garbage' WHERE key = 'all'`)
	require.NoError(t, err)
	_, err = s.Load(ctx, "all")
	assert.ErrorIs(t, err, ErrCorrupt)
}
