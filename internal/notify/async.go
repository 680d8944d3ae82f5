package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/quotaledger/internal/metrics"
)

// AsyncConfig sizes the delivery queue.
type AsyncConfig struct {
	QueueSize   int           // events buffered before new ones are dropped
	SendTimeout time.Duration // per-event delivery timeout
}

// DefaultAsyncConfig returns a Config with sensible default values.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:   256,
		SendTimeout: 10 * time.Second,
	}
}

// Async queues events and delivers them from a single background goroutine.
// Notify never blocks: when the queue is full the event is dropped with a
// warning.
type Async struct {
	next   Notifier
	config AsyncConfig
	logger *slog.Logger

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(next Notifier, config AsyncConfig, logger *slog.Logger) *Async {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultAsyncConfig().QueueSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultAsyncConfig().SendTimeout
	}

	a := &Async{
		next:   next,
		config: config,
		logger: logger,
		queue:  make(chan Event, config.QueueSize),
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Notify enqueues event. It returns nil even when the event is dropped.
func (a *Async) Notify(ctx context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.logger.Warn("notification dropped after close", "kind", event.Kind, "account_id", event.AccountID)
		metrics.NotificationDropped(string(event.Kind))
		return nil
	}

	select {
	case a.queue <- event:
		metrics.NotificationQueueDepth.Set(float64(len(a.queue)))
	default:
		a.logger.Warn("notification queue full, dropping event", "kind", event.Kind, "account_id", event.AccountID)
		metrics.NotificationDropped(string(event.Kind))
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()

	for event := range a.queue {
		metrics.NotificationQueueDepth.Set(float64(len(a.queue)))

		ctx, cancel := context.WithTimeout(context.Background(), a.config.SendTimeout)
		err := a.next.Notify(ctx, event)
		cancel()

		metrics.NotificationSent(string(event.Kind), err)
		if err != nil {
			a.logger.Warn("notification failed", "kind", event.Kind, "account_id", event.AccountID, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
