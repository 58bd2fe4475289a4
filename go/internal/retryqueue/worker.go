package retryqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Worker drains a queue in the background on a fixed interval and whenever
// something is enqueued.
type Worker[T any] struct {
	queue *Queue[T]

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker[T any](queue *Queue[T]) *Worker[T] {
	return &Worker[T]{queue: queue}
}

func (w *Worker[T]) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("retry queue worker already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("drain_interval", w.queue.cfg.DrainInterval).
		Int("max_entries", w.queue.cfg.MaxEntries).
		Msg("retry queue worker started")
	return nil
}

func (w *Worker[T]) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("retry queue worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Int("pending", w.queue.Len()).Msg("retry queue worker stopped")
	return nil
}

// Running reports whether the worker loop is active.
func (w *Worker[T]) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker[T]) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.queue.clock.NewTicker(w.queue.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.drain(ctx)
		case <-w.queue.Notify():
			w.drain(ctx)
		}
	}
}

func (w *Worker[T]) drain(ctx context.Context) {
	delivered, failed := w.queue.Drain(ctx)
	if delivered > 0 || failed > 0 {
		log.Debug().
			Int("delivered", delivered).
			Int("failed", failed).
			Int("pending", w.queue.Len()).
			Msg("drained retry queue")
	}
}
