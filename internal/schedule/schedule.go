// Package schedule warms the agenda caches on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "sortir/internal/log"
)

// Refresher is implemented by app.App.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	target  Refresher
	timeout time.Duration

	mu      sync.Mutex
	running bool
}

// New parses spec (standard five-field cron) and prepares a scheduler. Each
// run is bounded by timeout.
func New(spec string, loc *time.Location, target Refresher, timeout time.Duration) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		target:  target,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.Run); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run refreshes every agenda once. Overlapping runs are skipped.
func (s *Scheduler) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		appLog.Warn("scheduled refresh skipped; previous run still active")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.target.RefreshAll(ctx); err != nil {
		appLog.Error("scheduled refresh finished with errors", err, "duration", time.Since(start).String())
		return
	}
	appLog.Info("scheduled refresh finished", "duration", time.Since(start).String())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
