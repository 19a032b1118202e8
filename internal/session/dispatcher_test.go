package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/pkg/transcript"
)

// collectSink records delivered records and signals each delivery.
type collectSink struct {
	mu        sync.Mutex
	delivered []Record
	err       error
	signal    chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{signal: make(chan struct{}, 64)}
}

func (s *collectSink) Deliver(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.delivered = append(s.delivered, rec)
	err := s.err
	s.mu.Unlock()
	s.signal <- struct{}{}
	return err
}

func (s *collectSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.delivered...)
}

func (s *collectSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

// funcPersister adapts a function to the Persister interface.
type funcPersister func(ctx context.Context, rec Record) (Record, error)

func (f funcPersister) Persist(ctx context.Context, rec Record) (Record, error) {
	return f(ctx, rec)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestNewDispatcherValidates(t *testing.T) {
	if _, err := NewDispatcher(0, newCollectSink()); err == nil {
		t.Error("zero capacity: want error")
	}
	if _, err := NewDispatcher(4, nil); err == nil {
		t.Error("nil sink: want error")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := newCollectSink()
	d, err := NewDispatcher(8, sink, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	ctx := context.Background()
	for _, id := range []uint64{4, 2, 7} {
		if err := d.Enqueue(ctx, Record{SegmentID: id, Type: transcript.SegmentTranscript}); err != nil {
			t.Fatalf("Enqueue %d: %v", id, err)
		}
	}

	sink.wait(t, 3)
	recs := sink.records()
	for i, want := range []uint64{4, 2, 7} {
		if recs[i].SegmentID != want {
			t.Errorf("delivery %d = segment %d, want %d (completion order)", i, recs[i].SegmentID, want)
		}
	}
}

func TestDispatcherPersistsBeforeDelivery(t *testing.T) {
	sink := newCollectSink()
	persisted := make([]uint64, 0, 2)
	var mu sync.Mutex

	d, err := NewDispatcher(4, sink,
		WithMetrics(testMetrics(t)),
		WithPersister(funcPersister(func(ctx context.Context, rec Record) (Record, error) {
			mu.Lock()
			persisted = append(persisted, rec.SegmentID)
			mu.Unlock()
			rec.SpeakerLocalID = 1
			return rec, nil
		})),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	if err := d.Enqueue(context.Background(), Record{SegmentID: 1, SpeakerLocalID: transcript.UnknownSpeaker}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sink.wait(t, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 1 {
		t.Fatalf("persisted %d records, want 1", len(persisted))
	}
	if got := sink.records()[0].SpeakerLocalID; got != 1 {
		t.Errorf("delivered local id = %d, want the persister's enrichment 1", got)
	}
}

func TestDispatcherSurvivesPersistFailure(t *testing.T) {
	sink := newCollectSink()
	d, err := NewDispatcher(4, sink,
		WithMetrics(testMetrics(t)),
		WithPersister(funcPersister(func(ctx context.Context, rec Record) (Record, error) {
			return rec, errors.New("database down")
		})),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	ctx := context.Background()
	_ = d.Enqueue(ctx, Record{SegmentID: 1})
	_ = d.Enqueue(ctx, Record{SegmentID: 2})

	// Both records reach the client despite every store write failing.
	sink.wait(t, 2)
	if got := len(sink.records()); got != 2 {
		t.Errorf("delivered %d records, want 2", got)
	}
}

func TestDispatcherSurvivesSinkFailure(t *testing.T) {
	sink := newCollectSink()
	sink.err = errors.New("client gone")

	d, err := NewDispatcher(4, sink, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	ctx := context.Background()
	_ = d.Enqueue(ctx, Record{SegmentID: 1})
	_ = d.Enqueue(ctx, Record{SegmentID: 2})
	sink.wait(t, 2)
}

func TestDispatcherRoutesInstructions(t *testing.T) {
	sink := newCollectSink()
	instructions := make(chan Record, 4)

	d, err := NewDispatcher(4, sink,
		WithMetrics(testMetrics(t)),
		WithInstructionChannel(instructions),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	ctx := context.Background()
	_ = d.Enqueue(ctx, Record{SegmentID: 1, Type: transcript.SegmentTranscript})
	_ = d.Enqueue(ctx, Record{SegmentID: 2, Type: transcript.SegmentInstruction, Content: "dim the lights"})
	sink.wait(t, 2)

	select {
	case rec := <-instructions:
		if rec.SegmentID != 2 {
			t.Errorf("instruction channel got segment %d, want 2", rec.SegmentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("instruction was not routed")
	}
	select {
	case rec := <-instructions:
		t.Errorf("plain transcript leaked to agent: %+v", rec)
	default:
	}

	// Instructions still reach the client sink like any other record.
	if got := len(sink.records()); got != 2 {
		t.Errorf("delivered %d records, want 2", got)
	}
}

func TestDispatcherDeliversInstructionsWithoutConsumer(t *testing.T) {
	sink := newCollectSink()
	// Tiny buffer, nothing reading it: the session runs without an agent.
	instructions := make(chan Record, 1)

	d, err := NewDispatcher(4, sink,
		WithMetrics(testMetrics(t)),
		WithInstructionChannel(instructions),
	)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	startDispatcher(t, d)

	ctx := context.Background()
	const n = 5
	for i := uint64(1); i <= n; i++ {
		if err := d.Enqueue(ctx, Record{SegmentID: i, Type: transcript.SegmentInstruction}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	sink.wait(t, n)

	recs := sink.records()
	if len(recs) != n {
		t.Fatalf("delivered %d records, want %d", len(recs), n)
	}
	for i, rec := range recs {
		if rec.SegmentID != uint64(i+1) {
			t.Errorf("delivery %d = segment %d, want %d", i, rec.SegmentID, i+1)
		}
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	// No Run loop: the queue fills and stays full.
	d, err := NewDispatcher(1, newCollectSink(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	if err := d.Enqueue(context.Background(), Record{SegmentID: 1}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = d.Enqueue(ctx, Record{SegmentID: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("full-queue Enqueue err = %v, want DeadlineExceeded", err)
	}
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	sink := newCollectSink()
	d, err := NewDispatcher(8, sink, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for id := uint64(1); id <= 3; id++ {
		_ = d.Enqueue(ctx, Record{SegmentID: id})
	}
	cancel()

	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want Canceled", err)
	}
	if got := len(sink.records()); got != 3 {
		t.Errorf("delivered %d records after shutdown drain, want 3", got)
	}
}
