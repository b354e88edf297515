package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/metrics"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrQueueFull   = errors.New("worker queue full")
)

// Item is a unit of work. Run must return promptly once ctx is cancelled.
type Item struct {
	ID  string
	Run func(ctx context.Context)
}

// Pool runs submitted work on a fixed number of goroutines
type Pool struct {
	queue       chan Item
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	workerCount int

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a worker pool with a bounded queue
func NewPool(workerCount, queueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       make(chan Item, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		workerCount: workerCount,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	logger.Logger.Info().Int("worker_count", p.workerCount).Msg("Starting worker pool")
	metrics.ActiveWorkers.Set(float64(p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues item without blocking
func (p *Pool) Submit(item Item) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- item:
		metrics.QueuedWork.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels in-flight work, drains the queue with a cancelled context and
// waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.cancel()
	close(p.queue)
	p.mu.Unlock()

	logger.Logger.Info().Msg("Stopping worker pool")
	if !started {
		for item := range p.queue {
			metrics.QueuedWork.Dec()
			p.run(-1, item)
		}
	}
	p.wg.Wait()
	metrics.ActiveWorkers.Set(0)
	logger.Logger.Info().Msg("Worker pool stopped")
}

// worker drains the queue until it is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger.Logger.Debug().Int("worker_id", id).Msg("Worker started")
	for item := range p.queue {
		metrics.QueuedWork.Dec()
		p.run(id, item)
	}
	logger.Logger.Debug().Int("worker_id", id).Msg("Worker shutting down")
}

func (p *Pool) run(workerID int, item Item) {
	start := time.Now()
	log := logger.WithTaskID(item.ID)
	log.Debug().Int("worker_id", workerID).Msg("Running work item")

	item.Run(p.ctx)

	log.Debug().
		Int("worker_id", workerID).
		Dur("duration", time.Since(start)).
		Msg("Work item finished")
}
