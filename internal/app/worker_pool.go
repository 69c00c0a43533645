package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// WorkerPool gère un pool de workers ajustable à chaud.
// Les workers sont arrêtés via cancel() sur leur contexte; une tâche en cours
// tourne sur le contexte parent et n'est pas interrompue par un SetCount.
//
// SetCount() peut être appelé plusieurs fois et est thread-safe.
type WorkerPool struct {
	parent context.Context

	logger zerolog.Logger
	handle func(ctx context.Context, task string)
	tasks  chan string

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorkerPool(parent context.Context, logger zerolog.Logger, queue int, handle func(ctx context.Context, task string)) *WorkerPool {
	if parent == nil {
		parent = context.Background()
	}
	if queue <= 0 {
		queue = 1
	}
	return &WorkerPool{parent: parent, logger: logger, handle: handle, tasks: make(chan string, queue)}
}

// Submit bloque tant que la file est pleine.
func (p *WorkerPool) Submit(ctx context.Context, task string) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *WorkerPool) SetCount(n int) {
	if n <= 0 {
		n = 1
	}

	p.mu.Lock()
	current := len(p.cancels)

	if n == current {
		p.mu.Unlock()
		return
	}

	if n > current {
		for i := current; i < n; i++ {
			ctx, cancel := context.WithCancel(p.parent)
			p.cancels = append(p.cancels, cancel)
			log := p.logger.With().Int("worker", i+1).Logger()
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.work(ctx, log)
			}()
		}
		p.mu.Unlock()
		return
	}

	// n < current : stoppe les derniers workers
	toStop := append([]context.CancelFunc(nil), p.cancels[n:]...)
	p.cancels = p.cancels[:n]
	p.mu.Unlock()

	for _, cancel := range toStop {
		cancel()
	}
}

func (p *WorkerPool) work(ctx context.Context, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			log.Debug().Str("task", task).Msg("worker picked task")
			p.handle(p.parent, task)
		}
	}
}

// Close arrête les workers et attend la fin des tâches en cours.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	toStop := append([]context.CancelFunc(nil), p.cancels...)
	p.cancels = nil
	p.mu.Unlock()

	for _, cancel := range toStop {
		cancel()
	}
	p.wg.Wait()
}
