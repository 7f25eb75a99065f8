package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/metrics"
	"go.uber.org/zap"
)

// Publisher delivers a batch of events to one downstream system. Batches
// arrive in the order the engines emitted them.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, events []model.Event) error
}

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	BatchSize      int
	PublishTimeout time.Duration
}

// Dispatcher decouples the matching path from downstream I/O. Publish only
// appends to an in-memory queue and never blocks or drops; Run drains the
// queue to every publisher on a background goroutine.
type Dispatcher struct {
	mu         sync.Mutex
	queue      []model.Event
	signal     chan struct{}
	publishers []Publisher
	cfg        DispatcherConfig
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher fanning out to publishers.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, publishers ...Publisher) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		signal:     make(chan struct{}, 1),
		publishers: publishers,
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
	}
}

// AddPublisher registers p. Call before Run.
func (d *Dispatcher) AddPublisher(p Publisher) {
	d.mu.Lock()
	d.publishers = append(d.publishers, p)
	d.mu.Unlock()
}

// Publish enqueues events.
func (d *Dispatcher) Publish(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	depth := len(d.queue)
	d.mu.Unlock()
	metrics.DispatchQueueDepth.Set(float64(depth))
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// OnHalt enqueues a halt transition.
func (d *Dispatcher) OnHalt(_ string, event model.HaltEvent) error {
	d.Publish(model.HaltStateEvent(event, false))
	return nil
}

// OnResume enqueues a resume transition.
func (d *Dispatcher) OnResume(_ string, event model.HaltEvent) error {
	d.Publish(model.HaltStateEvent(event, true))
	return nil
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.Flush(context.Background())
			return nil
		case <-d.signal:
			d.drain(ctx)
		}
	}
}

// Flush synchronously delivers everything queued so far.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.drain(ctx)
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		batch, publishers := d.take()
		if len(batch) == 0 {
			return
		}
		for _, p := range publishers {
			pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
			if err := p.Publish(pctx, batch); err != nil {
				metrics.PublishErrors.WithLabelValues(p.Name()).Inc()
				d.logger.Error("publish failed",
					zap.String("publisher", p.Name()),
					zap.Int("events", len(batch)),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func (d *Dispatcher) take() ([]model.Event, []Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if n > d.cfg.BatchSize {
		n = d.cfg.BatchSize
	}
	batch := make([]model.Event, n)
	copy(batch, d.queue[:n])
	d.queue = d.queue[n:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
	return batch, d.publishers
}
