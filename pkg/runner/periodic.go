package runner

import (
	"context"
	"sync"
	"time"
)

// Ticker is a worker driven by a fixed-interval tick, such as the
// outbox relay or the lease sweeper. Tick must swallow its own errors;
// a failed sweep is retried on the next interval.
type Ticker interface {
	Tick(ctx context.Context)
	Interval() time.Duration
}

// PeriodicService adapts a Ticker to the Service lifecycle.
type PeriodicService struct {
	name   string
	ticker Ticker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodicService wraps a ticker as a runnable service.
func NewPeriodicService(name string, ticker Ticker) *PeriodicService {
	return &PeriodicService{name: name, ticker: ticker}
}

func (p *PeriodicService) Name() string { return p.name }

// Start launches the tick loop. The first tick fires after one interval.
func (p *PeriodicService) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		t := time.NewTicker(p.ticker.Interval())
		defer t.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-t.C:
				p.ticker.Tick(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (p *PeriodicService) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
