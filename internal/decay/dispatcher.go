package decay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DispatcherConfig holds asynchronous delivery settings.
type DispatcherConfig struct {
	Buffer        int           // queued notifications before ErrQueueFull (default 1024)
	RatePerSecond float64       // steady-state deliveries per second; 0 = unlimited
	Timeout       time.Duration // per-delivery timeout (default 10s)
}

// ResultRecordFunc is an optional callback for recording delivery outcomes.
type ResultRecordFunc func(success bool)

type job struct {
	kind     string
	entityID string
	deliver  func(ctx context.Context) error
}

// Dispatcher wraps a Notifier and delivers on a background goroutine so the
// caller never waits on the decay engine. Enqueueing never blocks.
type Dispatcher struct {
	next     Notifier
	cfg      DispatcherConfig
	limiter  *rate.Limiter
	jobs     chan job
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	onResult ResultRecordFunc
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher and starts its delivery goroutine.
func NewDispatcher(next Notifier, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		jobs:    make(chan job, cfg.Buffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go d.run()
	return d
}

// SetResultRecord configures the delivery outcome callback.
// It must be called before the first notification is enqueued.
func (d *Dispatcher) SetResultRecord(fn ResultRecordFunc) {
	d.onResult = fn
}

// RegisterEvent implements Notifier. It only enqueues.
func (d *Dispatcher) RegisterEvent(_ context.Context, entityID, eventType, severity string, details map[string]any) error {
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return d.enqueue(job{
		kind:     eventType,
		entityID: entityID,
		deliver: func(ctx context.Context) error {
			return d.next.RegisterEvent(ctx, entityID, eventType, severity, copied)
		},
	})
}

// RegisterAttestationEvent implements Notifier. It only enqueues.
func (d *Dispatcher) RegisterAttestationEvent(_ context.Context, subjectID, attestationID, attestationType string, trustImpact float64) error {
	return d.enqueue(job{
		kind:     "attestation:" + attestationType,
		entityID: subjectID,
		deliver: func(ctx context.Context) error {
			return d.next.RegisterAttestationEvent(ctx, subjectID, attestationID, attestationType, trustImpact)
		},
	})
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.jobs {
		_ = d.limiter.Wait(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err := j.deliver(ctx)
		cancel()

		if d.onResult != nil {
			d.onResult(err == nil)
		}
		if err != nil {
			d.logger.Warn("decay: delivery failed",
				zap.String("kind", j.kind),
				zap.String("entity_id", j.entityID),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	<-d.done
}
