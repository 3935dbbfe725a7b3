// Package aggregate runs source adapters concurrently and merges their
// records into one deduplicated, windowed, chronologically ordered list.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sortir/internal/fetch"
	appLog "sortir/internal/log"
	"sortir/internal/metrics"
	"sortir/internal/model"
	"sortir/internal/source"
)

// ErrAllSourcesFailed is matched by the error returned when no adapter
// produced a result.
var ErrAllSourcesFailed = errors.New("all sources failed")

// AllSourcesFailedError carries every per-source failure of a run.
type AllSourcesFailedError struct {
	Errs []error
}

func (e *AllSourcesFailedError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrAllSourcesFailed, strings.Join(msgs, "; "))
}

func (e *AllSourcesFailedError) Unwrap() []error {
	return append([]error{ErrAllSourcesFailed}, e.Errs...)
}

// Normalizer is the subset of normalize.Normalizer used here.
type Normalizer interface {
	Normalize(raw model.RawRecord, source string) (model.Event, error)
}

// Policy controls how one source is fetched and merged.
type Policy struct {
	Timeout time.Duration
	Retries int
	// StableIDs marks the source's native ids as comparable across
	// sources and refreshes; such ids become an extra dedup key.
	StableIDs bool
}

type Options struct {
	// Default applies to sources without an entry in Sources.
	Default Policy
	Sources map[string]Policy
	Metrics *metrics.Metrics
	// NewBackOff builds the delay policy between attempts. Defaults to an
	// exponential backoff.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

// SourceReport describes one adapter's part in a run.
type SourceReport struct {
	Source   string
	Fetched  int
	Dropped  int
	Attempts int
	Duration time.Duration
	Err      error
}

// Report summarizes a run.
type Report struct {
	Sources     []SourceReport
	Duplicates  int
	OutOfWindow int
}

// Failed lists the sources that returned an error.
func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Err != nil {
			out = append(out, s.Source)
		}
	}
	return out
}

type Aggregator struct {
	norm Normalizer
	opts Options
}

func New(norm Normalizer, opts Options) *Aggregator {
	if opts.Default.Timeout <= 0 {
		opts.Default.Timeout = 15 * time.Second
	}
	if opts.Default.Retries < 0 {
		opts.Default.Retries = 0
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{norm: norm, opts: opts}
}

func (a *Aggregator) policy(name string) Policy {
	p, ok := a.opts.Sources[name]
	if !ok {
		return a.opts.Default
	}
	if p.Timeout <= 0 {
		p.Timeout = a.opts.Default.Timeout
	}
	return p
}

type outcome struct {
	records []model.RawRecord
	report  SourceReport
}

// Aggregate fetches every adapter concurrently and waits for all of them.
// A failing adapter is recorded in the report and skipped. The error is an
// *AllSourcesFailedError only when every adapter failed. A zero window
// means [now, now + 31 days].
func (a *Aggregator) Aggregate(ctx context.Context, adapters []source.Adapter, w model.Window) ([]model.Event, Report, error) {
	if w.Start.IsZero() && w.End.IsZero() {
		w = model.WindowFrom(a.opts.Now(), 31)
	}
	ctx = source.WithWindow(ctx, w)

	outcomes := make([]outcome, len(adapters))
	var wg sync.WaitGroup
	for i, ad := range adapters {
		wg.Add(1)
		go func(i int, ad source.Adapter) {
			defer wg.Done()
			outcomes[i] = a.run(ctx, ad)
		}(i, ad)
	}
	wg.Wait()

	var (
		report Report
		errs   []error
		merged []model.Event
	)
	for i := range outcomes {
		o := &outcomes[i]
		if o.report.Err != nil {
			errs = append(errs, o.report.Err)
			report.Sources = append(report.Sources, o.report)
			continue
		}

		kept := 0
		for _, raw := range o.records {
			ev, err := a.norm.Normalize(raw, o.report.Source)
			if err != nil {
				o.report.Dropped++
				appLog.Debug("record dropped", "source", o.report.Source, "reason", err.Error())
				continue
			}
			kept++
			if !w.Contains(ev.Date) {
				report.OutOfWindow++
				continue
			}
			merged = append(merged, ev)
		}
		a.opts.Metrics.SetRecords(o.report.Source, kept)
		report.Sources = append(report.Sources, o.report)
	}

	if len(adapters) > 0 && len(errs) == len(adapters) {
		return nil, report, &AllSourcesFailedError{Errs: errs}
	}

	events, dups := a.dedup(merged)
	report.Duplicates = dups
	Sort(events)

	appLog.Info("aggregation finished",
		"sources", len(adapters),
		"failed", len(errs),
		"events", len(events),
		"duplicates", dups,
		"out_of_window", report.OutOfWindow,
	)
	return events, report, nil
}

func (a *Aggregator) run(ctx context.Context, ad source.Adapter) outcome {
	name := ad.Name()
	p := a.policy(name)
	start := time.Now()

	var (
		records  []model.RawRecord
		attempts int
	)
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		recs, err := ad.FetchRaw(actx)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			appLog.Debug("source attempt failed", "source", name, "attempt", attempts, "reason", err.Error())
			return err
		}
		records = recs
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(a.opts.NewBackOff(), uint64(p.Retries)), ctx)
	err := backoff.Retry(op, b)
	d := time.Since(start)
	a.opts.Metrics.ObserveFetch(name, d, err)

	rep := SourceReport{Source: name, Attempts: attempts, Duration: d}
	if err != nil {
		rep.Err = source.NewFetchError(name, err)
		appLog.Warn("source failed", "source", name, "attempts", attempts, "error", err.Error())
		return outcome{report: rep}
	}
	rep.Fetched = len(records)
	appLog.Debug("source fetched", "source", name, "records", len(records), "duration", d.String())
	return outcome{records: records, report: rep}
}

// retryable reports whether another attempt could succeed. Missing
// credentials, oversized bodies and client errors other than 408/429 are
// final.
func retryable(err error) bool {
	if errors.Is(err, source.ErrMissingCredentials) || errors.Is(err, fetch.ErrBodyTooLarge) {
		return false
	}
	var se *fetch.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout, se.StatusCode == http.StatusTooManyRequests:
			return true
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return false
		}
	}
	return true
}

// dedup keeps the first event per (title, date) and per id. Sources with
// stable ids also share their native id as a key.
func (a *Aggregator) dedup(events []model.Event) ([]model.Event, int) {
	seen := make(map[string]struct{}, len(events)*2)
	out := make([]model.Event, 0, len(events))
	dups := 0
	for _, ev := range events {
		keys := []string{"t|" + TitleDateKey(ev.Title, ev.Date), "i|" + ev.ID}
		if a.policy(ev.Source).StableIDs {
			if native, ok := strings.CutPrefix(ev.ID, ev.Source+":"); ok {
				keys = append(keys, "n|"+native)
			}
		}

		dup := false
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				dup = true
				break
			}
		}
		if dup {
			dups++
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		out = append(out, ev)
	}
	return out, dups
}

// TitleDateKey is the floor dedup identity: the title compared without
// case or extra whitespace, and the instant of the start date.
func TitleDateKey(title string, date time.Time) string {
	t := strings.ToLower(strings.Join(strings.Fields(title), " "))
	return t + "|" + date.UTC().Format(time.RFC3339Nano)
}

// Sort orders events by date, then source, then title and id so the
// output never depends on fetch completion order.
func Sort(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}
