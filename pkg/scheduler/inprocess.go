package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler is invoked once per dispatched task, inside the bounded
// worker pool. It is the caller's cooking entry point — typically the
// Cooker Framework's Cook function, closed over a concrete cooker.
type Handler func(ctx context.Context, task Task) error

type queuedTask struct {
	handle string
	task   Task
}

// InProcessScheduler is a real, swappable Scheduler implementation
// (spec SPEC_FULL.md §4.7 [ADD]): enqueue hands the task to a buffered
// channel and returns immediately with a uuid-derived handle; a
// bounded pool of worker goroutines drains the channel one task per
// worker at a time, matching §5's "each worker runs one cooking task
// at a time."
type InProcessScheduler struct {
	queue    chan queuedTask
	handler  Handler
	poolSize int
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	statuses map[string]Status
}

func NewInProcessScheduler(poolSize, queueSize int, handler Handler, logger *zap.SugaredLogger) *InProcessScheduler {
	return &InProcessScheduler{
		queue:    make(chan queuedTask, queueSize),
		handler:  handler,
		poolSize: poolSize,
		logger:   logger,
		statuses: make(map[string]Status),
	}
}

// Enqueue never blocks on cooking: it either buffers the task
// immediately or, if the queue is full, returns an error rather than
// waiting (spec §4.3: "cook_request never blocks on cooking").
func (s *InProcessScheduler) Enqueue(ctx context.Context, task Task) (string, error) {
	handle := uuid.New().String()
	qt := queuedTask{handle: handle, task: task}

	select {
	case s.queue <- qt:
		s.setStatus(handle, StatusQueued)
		return handle, nil
	default:
		return "", fmt.Errorf("scheduler: queue is full")
	}
}

func (s *InProcessScheduler) Describe(ctx context.Context, handle string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[handle]
	if !ok {
		return StatusUnknown, nil
	}
	return status, nil
}

func (s *InProcessScheduler) setStatus(handle string, status Status) {
	s.mu.Lock()
	s.statuses[handle] = status
	s.mu.Unlock()
}

// Run drains the queue with a pool of poolSize worker goroutines until
// ctx is cancelled. It blocks until every in-flight task finishes.
func (s *InProcessScheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case qt := <-s.queue:
			qt := qt
			g.Go(func() error {
				s.setStatus(qt.handle, StatusRunning)
				if err := s.handler(gctx, qt.task); err != nil {
					s.logger.Errorw("scheduler: task failed", "handle", qt.handle, "error", err)
				}
				s.setStatus(qt.handle, StatusDone)
				return nil
			})
		}
	}
}
