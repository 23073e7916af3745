package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBulkheadRejected = errors.New("bulkhead rejected execution")

type BulkheadConfig struct {
	MaxConcurrency int
	MaxWait        time.Duration
}

func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrency: 10,
		MaxWait:        30 * time.Second,
	}
}

// Bulkhead bounds concurrent executions. Acquire blocks up to MaxWait, then
// rejects.
type Bulkhead struct {
	name    string
	maxWait time.Duration
	sem     chan struct{}

	current int
	waiting int
	mu      sync.Mutex
}

func NewBulkhead(name string, config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	return &Bulkhead{
		name:    name,
		maxWait: config.MaxWait,
		sem:     make(chan struct{}, config.MaxConcurrency),
	}
}

func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.current++
		b.mu.Unlock()
		return nil
	default:
	}

	waitCtx := ctx
	if b.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}

	b.mu.Lock()
	b.waiting++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
	}()

	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.current++
		b.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBulkheadRejected
	}
}

func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		b.mu.Lock()
		b.current--
		b.mu.Unlock()
	default:
	}
}

func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}

type BulkheadMetrics struct {
	Name           string
	MaxConcurrency int
	Current        int
	Waiting        int
	Available      int
}

func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadMetrics{
		Name:           b.name,
		MaxConcurrency: cap(b.sem),
		Current:        b.current,
		Waiting:        b.waiting,
		Available:      cap(b.sem) - b.current,
	}
}
