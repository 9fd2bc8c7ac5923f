package orchestrator

import (
	"context"
	"errors"
	"sync"

	"study-init/backend/pkg/models"
)

var (
	// ErrQueueFull is returned when every worker is busy and the queue is at
	// capacity.
	ErrQueueFull = errors.New("initialization queue is full")
	// ErrShuttingDown is returned for work submitted after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// job resumes a run at a step.
type job struct {
	studyID string
	runID   string
	from    models.StepName
}

// pool runs jobs on a fixed set of workers fed by a bounded queue.
type pool struct {
	jobs   chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queueSize int, run func(context.Context, job)) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:   make(chan job, max(queueSize, 0)),
		ctx:    ctx,
		cancel: cancel,
	}
	for range max(workers, 1) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				run(p.ctx, j)
			}
		}()
	}
	return p
}

func (p *pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// shutdown stops intake and waits for queued and running jobs. When ctx
// ends first, running steps see a cancelled context.
func (p *pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// studyLocks hands out one mutex per study and forgets it once no caller
// holds or waits for it.
type studyLocks struct {
	mu    sync.Mutex
	locks map[string]*studyLock
}

type studyLock struct {
	sync.Mutex
	refs int
}

func newStudyLocks() *studyLocks {
	return &studyLocks{locks: make(map[string]*studyLock)}
}

func (l *studyLocks) lock(studyID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[studyID]
	if !ok {
		sl = &studyLock{}
		l.locks[studyID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, studyID)
		}
		l.mu.Unlock()
	}
}
