// Package worker runs one consumer loop per task kind against a task store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/panelfleet/panelfleet/internal/taskqueue"
)

const (
	DefaultIdleInterval = time.Second
	DefaultErrorBackoff = 5 * time.Second

	// statusWriteAttempts bounds the writes of one status transition.
	statusWriteAttempts = 5
)

// Handler executes one decoded task and returns its JSON-encodable result.
type Handler func(ctx context.Context, p taskqueue.Payload) (any, error)

// Config configures a Pool.
type Config struct {
	Store taskqueue.Store
	// IdleInterval is the sleep after an empty dequeue.
	IdleInterval time.Duration
	// ErrorBackoff is the sleep after a store error.
	ErrorBackoff time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

type kindStats struct {
	processed *xsync.Counter
	failed    *xsync.Counter
	current   atomic.Pointer[string]
}

// Pool owns the worker loops. Handlers are registered before Start.
type Pool struct {
	store    taskqueue.Store
	idle     time.Duration
	backoff  time.Duration
	now      func() time.Time
	handlers map[taskqueue.Kind]Handler
	stats    *xsync.Map[taskqueue.Kind, *kindStats]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a stopped pool.
func NewPool(cfg Config) *Pool {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		store:    cfg.Store,
		idle:     cfg.IdleInterval,
		backoff:  cfg.ErrorBackoff,
		now:      cfg.Now,
		handlers: make(map[taskqueue.Kind]Handler),
		stats:    xsync.NewMap[taskqueue.Kind, *kindStats](),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a kind. It panics when called after Start or
// for a kind outside the fixed set.
func (p *Pool) Register(kind taskqueue.Kind, h Handler) {
	if p.running.Load() {
		panic("worker: Register after Start")
	}
	if !kind.IsValid() {
		panic(fmt.Sprintf("worker: unknown kind %q", kind))
	}
	p.handlers[kind] = h
	p.stats.Store(kind, &kindStats{processed: xsync.NewCounter(), failed: xsync.NewCounter()})
}

// Start launches one loop per registered kind.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for kind, h := range p.handlers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(kind, h)
		}()
	}
	log.Printf("[worker] started %d loops", len(p.handlers))
}

// Stop asks every loop to exit after its current sleep or task and waits.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	log.Printf("[worker] stopped")
}

func (p *Pool) loop(kind taskqueue.Kind, h Handler) {
	ctx := context.Background()
	stats, _ := p.stats.Load(kind)
	for p.running.Load() {
		task, err := p.store.Dequeue(ctx, kind)
		if err != nil {
			log.Printf("[worker] %s: dequeue: %v", kind, err)
			p.sleep(p.backoff)
			continue
		}
		if task == nil {
			p.sleep(p.idle)
			continue
		}
		if err := p.process(ctx, stats, h, task); err != nil {
			log.Printf("[worker] %s: task %s: %v", kind, task.ID, err)
			p.sleep(p.backoff)
		}
	}
}

// process runs one task. The task is already off the queue, so it always
// runs: a failed processing mark is logged and the handler is invoked anyway.
// Only a lost final status write is returned; handler failures are recorded
// on the task.
func (p *Pool) process(ctx context.Context, stats *kindStats, h Handler, task *taskqueue.Task) error {
	id := task.ID
	stats.current.Store(&id)
	defer stats.current.Store(nil)

	if err := p.writeStatus(ctx, task.ID, taskqueue.Processing(p.now())); err != nil {
		log.Printf("[worker] %s: task %s: mark processing: %v", task.Kind, task.ID, err)
	}

	result, herr := p.invoke(ctx, h, task)
	if herr != nil {
		stats.failed.Inc()
		log.Printf("[worker] %s: task %s failed: %v", task.Kind, task.ID, herr)
		if err := p.writeStatus(ctx, task.ID, taskqueue.Failed(p.now(), herr.Error())); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	stats.processed.Inc()
	raw, err := encodeResult(result)
	if err != nil {
		log.Printf("[worker] %s: task %s: encode result: %v", task.Kind, task.ID, err)
	}
	if err := p.writeStatus(ctx, task.ID, taskqueue.Completed(p.now(), raw)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// writeStatus retries a status write with ErrorBackoff between attempts. It
// gives up early once the pool is stopping.
func (p *Pool) writeStatus(ctx context.Context, id string, upd taskqueue.StatusUpdate) error {
	var err error
	for attempt := 1; attempt <= statusWriteAttempts; attempt++ {
		if err = p.store.SetStatus(ctx, id, upd); err == nil {
			return nil
		}
		if errors.Is(err, taskqueue.ErrTaskNotFound) || attempt == statusWriteAttempts || !p.running.Load() {
			break
		}
		log.Printf("[worker] task %s: status %s attempt %d: %v", id, upd.Status, attempt, err)
		p.sleep(p.backoff)
	}
	return err
}

func (p *Pool) invoke(ctx context.Context, h Handler, task *taskqueue.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] %s: task %s panic: %v\n%s", task.Kind, task.ID, r, debug.Stack())
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	payload, err := taskqueue.DecodePayload(task.Kind, task.Payload)
	if err != nil {
		return nil, err
	}
	return h(ctx, payload)
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage("null"), err
	}
	return raw, nil
}

// sleep waits for d or until Stop.
func (p *Pool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
	case <-timer.C:
	}
}

// KindStatus reports one loop.
type KindStatus struct {
	Kind        taskqueue.Kind `json:"kind"`
	Processed   int64          `json:"processed"`
	Failed      int64          `json:"failed"`
	CurrentTask string         `json:"current_task,omitempty"`
}

// Status is a snapshot of the pool.
type Status struct {
	Running bool         `json:"running"`
	Workers []KindStatus `json:"workers"`
}

// Status returns counters for every registered kind, sorted by kind.
func (p *Pool) Status() Status {
	st := Status{Running: p.running.Load(), Workers: []KindStatus{}}
	p.stats.Range(func(kind taskqueue.Kind, s *kindStats) bool {
		ks := KindStatus{
			Kind:      kind,
			Processed: s.processed.Value(),
			Failed:    s.failed.Value(),
		}
		if cur := s.current.Load(); cur != nil {
			ks.CurrentTask = *cur
		}
		st.Workers = append(st.Workers, ks)
		return true
	})
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].Kind < st.Workers[j].Kind })
	return st
}
