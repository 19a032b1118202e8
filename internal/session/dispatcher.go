package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/pkg/transcript"
)

// Sink receives finished records for delivery to the client.
type Sink interface {
	Deliver(ctx context.Context, rec Record) error
}

// Persister writes a record to durable storage. It returns the record
// enriched with whatever identity resolution happened along the way (speaker
// ordinals in particular), so delivery sees the same view the store does.
type Persister interface {
	Persist(ctx context.Context, rec Record) (Record, error)
}

// DispatcherOption is a functional option for configuring a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithPersister makes the dispatcher write every record through p before
// delivery. Persistence failures are logged and counted; delivery proceeds
// regardless.
func WithPersister(p Persister) DispatcherOption {
	return func(d *Dispatcher) {
		d.persist = p
	}
}

// WithInstructionChannel routes instruction records to ch in addition to the
// sink. The agent consumes this channel. The hand-off never blocks: when ch
// is full (or nothing reads it) the record is logged and skipped, so sessions
// without an agent keep delivering and persisting instructions normally.
func WithInstructionChannel(ch chan<- Record) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = ch
	}
}

// WithMetrics replaces the default metrics instance. For tests.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// Dispatcher moves finished records from the aggregation path to the client
// through a bounded queue, preserving completion order. Along the way each
// record is persisted and, for instruction segments, forwarded to the agent.
//
// The queue bound is the session's backpressure: when the client cannot keep
// up, [Dispatcher.Enqueue] blocks the aggregation path instead of growing
// memory without limit.
type Dispatcher struct {
	queue        chan Record
	sink         Sink
	persist      Persister
	instructions chan<- Record
	metrics      *observe.Metrics
	log          *slog.Logger
}

// NewDispatcher creates a Dispatcher delivering to sink through a queue of
// the given capacity.
func NewDispatcher(capacity int, sink Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("dispatcher: queue capacity must be positive, got %d", capacity)
	}
	if sink == nil {
		return nil, fmt.Errorf("dispatcher: sink must not be nil")
	}
	d := &Dispatcher{
		queue: make(chan Record, capacity),
		sink:  sink,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Enqueue hands a finished record to the dispatcher. It blocks while the
// queue is full and returns the context error if ctx ends first.
func (d *Dispatcher) Enqueue(ctx context.Context, rec Record) error {
	select {
	case d.queue <- rec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher: enqueue: %w", ctx.Err())
	}
}

// Run consumes the queue until ctx ends, then drains whatever is already
// queued before returning. Always returns the context error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-d.queue:
			d.handle(ctx, rec)
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case rec := <-d.queue:
					d.handle(drainCtx, rec)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, rec Record) {
	if d.persist != nil {
		started := time.Now()
		enriched, err := d.persist.Persist(ctx, rec)
		d.metrics.StoreDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("op", "append")))
		if err != nil {
			d.metrics.RecordStoreError(ctx, "append")
			d.log.Error("persist segment failed",
				slog.Uint64("segment_id", rec.SegmentID),
				slog.String("error", err.Error()))
		} else {
			rec = enriched
		}
	}

	if err := d.sink.Deliver(ctx, rec); err != nil {
		d.log.Error("deliver segment failed",
			slog.Uint64("segment_id", rec.SegmentID),
			slog.String("error", err.Error()))
	}

	completed := rec.StartTime.Add(rec.Duration)
	d.metrics.DispatchDuration.Record(ctx, time.Since(completed).Seconds())

	if rec.Type == transcript.SegmentInstruction && d.instructions != nil {
		// Non-blocking: without an agent (or with one mid-completion)
		// nobody may ever read this channel, and delivery must not stall
		// behind it. A full channel loses the instruction for the agent
		// only; it was already delivered and persisted above.
		select {
		case d.instructions <- rec:
		default:
			d.log.Warn("instruction not handed to the agent",
				slog.Uint64("segment_id", rec.SegmentID))
		}
	}
}
