// Package ingest hands relayed data frames and terminal command results to
// downstream collaborators (persistence, alert evaluation) off the relay hot
// path. Delivery is best effort: a full queue drops the event and a failing
// sink is logged, never retried.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

const (
	defaultQueueSize    = 4096
	defaultWorkers      = 2
	defaultSinkTimeout  = 5 * time.Second
	defaultFlushTimeout = 5 * time.Second
)

// DataSink consumes data frame events.
type DataSink interface {
	HandleData(ctx context.Context, ev domain.DataEvent) error
}

// ResultSink consumes terminal command resolutions.
type ResultSink interface {
	HandleResult(ctx context.Context, res domain.CommandResult) error
}

// Options configures a [Dispatcher].
type Options struct {
	QueueSize    int
	Workers      int
	SinkTimeout  time.Duration
	FlushTimeout time.Duration
	DataSinks    []DataSink
	ResultSinks  []ResultSink
	Logger       *slog.Logger
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Queued  int    `json:"queued"`
	Handled uint64 `json:"handled"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

type item struct {
	data   *domain.DataEvent
	result *domain.CommandResult
}

// Dispatcher is a bounded queue drained by a fixed worker pool.
type Dispatcher struct {
	queue        chan item
	workers      int
	sinkTimeout  time.Duration
	flushTimeout time.Duration
	dataSinks    []DataSink
	resultSinks  []ResultSink
	log          *slog.Logger

	handled atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewDispatcher builds a dispatcher; call [Dispatcher.Run] to start workers.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		queue:        make(chan item, opts.QueueSize),
		workers:      opts.Workers,
		sinkTimeout:  opts.SinkTimeout,
		flushTimeout: opts.FlushTimeout,
		dataSinks:    opts.DataSinks,
		resultSinks:  opts.ResultSinks,
		log:          opts.Logger,
	}
}

// SubmitData queues ev without blocking. It reports false when dropped.
func (d *Dispatcher) SubmitData(ev domain.DataEvent) bool {
	if len(d.dataSinks) == 0 {
		return true
	}
	return d.enqueue(item{data: &ev})
}

// SubmitResult queues res without blocking. It reports false when dropped.
func (d *Dispatcher) SubmitResult(res domain.CommandResult) bool {
	if len(d.resultSinks) == 0 {
		return true
	}
	return d.enqueue(item{result: &res})
}

func (d *Dispatcher) enqueue(it item) bool {
	select {
	case d.queue <- it:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Run processes events until ctx is canceled, then drains what is left in
// the queue for at most the flush timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), d.flushTimeout)
	defer cancel()
	for {
		select {
		case it := <-d.queue:
			d.handle(flushCtx, it)
		default:
			return nil
		}
		if flushCtx.Err() != nil {
			d.log.Warn("ingest flush deadline reached", "remaining", len(d.queue))
			return nil
		}
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:  len(d.queue),
		Handled: d.handled.Load(),
		Dropped: d.dropped.Load(),
		Failed:  d.failed.Load(),
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.queue:
			d.handle(ctx, it)
		}
	}
}

func (d *Dispatcher) handle(parent context.Context, it item) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.sinkTimeout)
	defer cancel()

	switch {
	case it.data != nil:
		for _, sink := range d.dataSinks {
			d.record(sink.HandleData(ctx, *it.data), "endpoint_id", it.data.EndpointID, "device_id", it.data.DeviceID)
		}
	case it.result != nil:
		for _, sink := range d.resultSinks {
			d.record(sink.HandleResult(ctx, *it.result), "command_id", it.result.CommandID)
		}
	}
}

func (d *Dispatcher) record(err error, attrs ...any) {
	if err == nil {
		d.handled.Add(1)
		return
	}
	d.failed.Add(1)
	if errors.Is(err, context.Canceled) {
		return
	}
	d.log.Warn("ingest sink failed", append(attrs, "err", err)...)
}
