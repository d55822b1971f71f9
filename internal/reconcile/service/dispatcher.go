package service

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/acsk/AppCheckin-sub006/internal/config"
	"github.com/acsk/AppCheckin-sub006/internal/observability/metrics"
	reconciledomain "github.com/acsk/AppCheckin-sub006/internal/reconcile/domain"
)

// Dispatcher feeds stored notifications to a bounded worker pool. Enqueue
// never blocks the webhook handler; a full queue drops the hint and the
// replay loop picks the event up later.
type Dispatcher struct {
	svc     reconciledomain.Service
	metrics *metrics.PipelineMetrics
	log     *zap.Logger

	queue   chan snowflake.ID
	workers int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type DispatcherParam struct {
	fx.In

	Config  config.Config
	Service reconciledomain.Service
	Log     *zap.Logger
	Metrics *metrics.PipelineMetrics `optional:"true"`
}

func NewDispatcher(p DispatcherParam) *Dispatcher {
	workers := p.Config.Dispatcher.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := p.Config.Dispatcher.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		svc:     p.Service,
		metrics: p.Metrics,
		log:     p.Log.Named("reconcile.dispatcher"),
		queue:   make(chan snowflake.ID, queueSize),
		workers: workers,
	}
}

// Enqueue offers an event for asynchronous processing. It reports whether
// the event was accepted; a false return is not an error for the caller,
// the event is durable and replay will reach it.
func (d *Dispatcher) Enqueue(eventID snowflake.ID) bool {
	select {
	case d.queue <- eventID:
		return true
	default:
		if d.metrics != nil {
			d.metrics.IncQueueDropped()
		}
		d.log.Warn("dispatch queue full, deferring to replay", zap.Int64("event_id", int64(eventID)))
		return false
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop signals the workers and waits for in-flight reconciliations.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case eventID := <-d.queue:
			if _, err := d.svc.Process(ctx, eventID); err != nil {
				d.log.Error("reconcile event",
					zap.Int64("event_id", int64(eventID)),
					zap.Error(err),
				)
			}
		}
	}
}
