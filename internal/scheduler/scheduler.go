// Package scheduler injects the recurring tasks into the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/panelfleet/panelfleet/internal/scanloop"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
)

// DefaultSyncStaleIntervals is the default SyncStaleAfter in ticks.
const DefaultSyncStaleIntervals = 10

// Config configures a Scheduler. An empty schedule disables that kind.
type Config struct {
	Store    taskqueue.Store
	Interval time.Duration
	Jitter   time.Duration

	CleanupSchedule   string
	ExpirySchedule    string
	ReconcileSchedule string

	// SyncStaleAfter bounds how long an unfinished sync_usage record blocks
	// the next one once the queue holds no sync_usage entry. Defaults to
	// DefaultSyncStaleIntervals times Interval.
	SyncStaleAfter time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

type cronEntry struct {
	kind     taskqueue.Kind
	spec     string
	schedule cron.Schedule
	next     time.Time
	lastID   string
}

// Scheduler enqueues sync_usage on every tick, guarded by the status of the
// previous run, and the cron-driven sweeps when they are due.
type Scheduler struct {
	store    taskqueue.Store
	interval time.Duration
	jitter   time.Duration
	stale    time.Duration
	now      func() time.Time

	mu           sync.Mutex
	entries      []*cronEntry
	lastSyncID   string
	lastSyncAt   time.Time
	lastTickAt   time.Time
	skippedSyncs int64
	staleSyncs   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New parses the schedules. cleanup_panels is due on the first tick; the
// other cron kinds wait for their first scheduled time.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: nil store")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = scanloop.DefaultMinInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.SyncStaleAfter <= 0 {
		cfg.SyncStaleAfter = DefaultSyncStaleIntervals * cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Scheduler{
		store:    cfg.Store,
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		stale:    cfg.SyncStaleAfter,
		now:      cfg.Now,
		stopCh:   make(chan struct{}),
	}

	now := cfg.Now()
	specs := []struct {
		kind     taskqueue.Kind
		spec     string
		runFirst bool
	}{
		{taskqueue.KindCleanupPanels, cfg.CleanupSchedule, true},
		{taskqueue.KindCheckExpiredServices, cfg.ExpirySchedule, false},
		{taskqueue.KindSyncServicesOnPanels, cfg.ReconcileSchedule, false},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		sched, err := cron.ParseStandard(sp.spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %s schedule %q: %w", sp.kind, sp.spec, err)
		}
		e := &cronEntry{kind: sp.kind, spec: sp.spec, schedule: sched}
		if !sp.runFirst {
			e.next = sched.Next(now)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Start runs one tick immediately, then ticks on the jittered interval.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()
		scanloop.Run(s.stopCh, s.interval, s.jitter, s.tick)
	}()
	log.Printf("[scheduler] started (interval %s)", s.interval)
}

// Stop signals the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("[scheduler] stopped")
}

func (s *Scheduler) tick() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.Tick(context.Background())
}

// Tick performs one scheduling pass. It is safe to call concurrently with the
// loop.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastTickAt = now

	if err := s.enqueueSyncUsage(ctx, now); err != nil {
		log.Printf("[scheduler] %s: %v", taskqueue.KindSyncUsage, err)
	}

	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		id, err := s.store.Enqueue(ctx, taskqueue.Periodic(e.kind), taskqueue.PriorityPeriodic)
		if err != nil {
			// Retried on the next tick.
			log.Printf("[scheduler] %s: enqueue: %v", e.kind, err)
			continue
		}
		e.lastID = id
		e.next = e.schedule.Next(now)
		log.Printf("[scheduler] enqueued %s task %s, next at %s", e.kind, id, e.next.Format(time.RFC3339))
	}
}

// enqueueSyncUsage enqueues a new sync_usage task unless the previous one is
// still pending or processing. An unfinished record is abandoned once no
// sync_usage entry is queued and it is older than the stale bound; that
// happens when a status write was lost. Caller holds s.mu.
func (s *Scheduler) enqueueSyncUsage(ctx context.Context, now time.Time) error {
	if s.lastSyncID != "" {
		rec, err := s.store.GetStatus(ctx, s.lastSyncID)
		switch {
		case errors.Is(err, taskqueue.ErrTaskNotFound):
		case err != nil:
			return fmt.Errorf("status of %s: %w", s.lastSyncID, err)
		case !rec.Status.IsFinal():
			stale, err := s.syncIsStale(ctx, now)
			if err != nil {
				return err
			}
			if !stale {
				s.skippedSyncs++
				return nil
			}
			s.staleSyncs++
			log.Printf("[scheduler] %s: task %s stuck in %s since %s, enqueueing a new one",
				taskqueue.KindSyncUsage, s.lastSyncID, rec.Status, s.lastSyncAt.Format(time.RFC3339))
		}
	}
	id, err := s.store.Enqueue(ctx, taskqueue.Periodic(taskqueue.KindSyncUsage), taskqueue.PriorityPeriodic)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	s.lastSyncID = id
	s.lastSyncAt = now
	return nil
}

func (s *Scheduler) syncIsStale(ctx context.Context, now time.Time) (bool, error) {
	if now.Sub(s.lastSyncAt) < s.stale {
		return false, nil
	}
	depth, err := s.store.QueueDepth(ctx, taskqueue.KindSyncUsage)
	if err != nil {
		return false, fmt.Errorf("queue depth: %w", err)
	}
	return depth == 0, nil
}

// EntryStatus describes one recurring kind.
type EntryStatus struct {
	Kind       taskqueue.Kind `json:"kind"`
	Schedule   string         `json:"schedule"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastTaskID string         `json:"last_task_id,omitempty"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	LastTickAt   *time.Time    `json:"last_tick_at,omitempty"`
	SkippedSyncs int64         `json:"skipped_syncs"`
	StaleSyncs   int64         `json:"stale_syncs"`
	Entries      []EntryStatus `json:"entries"`
}

// Status reports the recurring kinds sorted by kind. sync_usage is listed
// with the schedule "@tick".
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{SkippedSyncs: s.skippedSyncs, StaleSyncs: s.staleSyncs, Entries: []EntryStatus{}}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	st.Entries = append(st.Entries, EntryStatus{
		Kind:       taskqueue.KindSyncUsage,
		Schedule:   "@tick",
		LastTaskID: s.lastSyncID,
	})
	for _, e := range s.entries {
		es := EntryStatus{Kind: e.kind, Schedule: e.spec, LastTaskID: e.lastID}
		if !e.next.IsZero() {
			t := e.next
			es.NextRunAt = &t
		}
		st.Entries = append(st.Entries, es)
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].Kind < st.Entries[j].Kind })
	return st
}
