package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxweave/voxweave/internal/kws"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/pkg/annotator"
)

const defaultSweepInterval = 250 * time.Millisecond

// PipelineConfig carries the per-session tuning knobs.
type PipelineConfig struct {
	// SampleRate is the PCM sample rate of the session audio in Hz.
	SampleRate int

	// Keywords are the agent trigger words.
	Keywords []string

	// QueueCapacity bounds the dispatch queue.
	QueueCapacity int

	// Deadline bounds how long a segment may stay open. Zero disables it.
	Deadline time.Duration

	// DeadlinePolicy decides the fate of segments that hit the deadline.
	DeadlinePolicy DeadlinePolicy

	// SweepInterval is how often expired segments are collected. Defaults
	// to 250ms when zero.
	SweepInterval time.Duration
}

// PipelineOption is a functional option for configuring a [Pipeline].
type PipelineOption func(*Pipeline)

// WithLocalSpotter classifies segments with the in-process keyword spotter
// instead of a remote KWS service. The spotter follows the recognized-text
// stream and contributes the segment-type result.
func WithLocalSpotter(s *kws.Spotter) PipelineOption {
	return func(p *Pipeline) {
		p.spotter = s
	}
}

// WithPipelineLogger replaces the default logger.
func WithPipelineLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithPipelineMetrics replaces the default metrics instance. For tests.
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is the live processing path of one client session. It fans
// session audio out to the annotators, joins their results in the
// accumulator, and moves finished records through the dispatcher to the
// client, the store and the agent.
type Pipeline struct {
	cfg        PipelineConfig
	annotators []annotator.Annotator
	spotter    *kws.Spotter

	acc          *Accumulator
	disp         *Dispatcher
	instructions chan Record
	ready        chan struct{}

	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	streams   []annotator.Stream
	openGauge int64
}

// NewPipeline assembles a pipeline. The required annotator set is derived
// from the given annotators plus the local spotter when one is configured;
// at least the text result must be covered.
func NewPipeline(cfg PipelineConfig, annotators []annotator.Annotator, sink Sink, persister Persister, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		cfg:          cfg,
		annotators:   annotators,
		instructions: make(chan Record, 16),
		ready:        make(chan struct{}),
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if cfg.SweepInterval <= 0 {
		p.cfg.SweepInterval = defaultSweepInterval
	}

	required := annotator.Flag(0)
	for _, a := range annotators {
		required |= a.Kind().Flag()
	}
	if p.spotter != nil {
		required |= annotator.FlagKWS
	}
	if !required.Has(annotator.FlagASR) {
		return nil, fmt.Errorf("pipeline: no speech recognition annotator configured")
	}

	var accOpts []AccumulatorOption
	if cfg.Deadline > 0 {
		accOpts = append(accOpts, WithDeadline(cfg.Deadline, cfg.DeadlinePolicy))
	}
	acc, err := NewAccumulator(required, accOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.acc = acc

	dispOpts := []DispatcherOption{
		WithInstructionChannel(p.instructions),
		WithMetrics(p.metrics),
		WithLogger(p.log),
	}
	if persister != nil {
		dispOpts = append(dispOpts, WithPersister(persister))
	}
	disp, err := NewDispatcher(cfg.QueueCapacity, sink, dispOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.disp = disp

	return p, nil
}

// Instructions returns the channel instruction records are routed to. The
// agent consumes it.
func (p *Pipeline) Instructions() <-chan Record { return p.instructions }

// Ready is closed once [Pipeline.Run] has opened every annotator stream.
// Callers must not feed audio before then; an unready pipeline drops it.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// EmitAgent injects an agent response into the session: it is delivered to
// the client and persisted like any finished segment.
func (p *Pipeline) EmitAgent(ctx context.Context, content string) error {
	return p.disp.Enqueue(ctx, agentRecord(content, time.Now()))
}

// SendAudio fans one PCM chunk out to every annotator stream. Call only
// after [Pipeline.Ready] has closed and while Run is active.
func (p *Pipeline) SendAudio(chunk []byte) error {
	p.mu.Lock()
	streams := p.streams
	p.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.SendAudio(chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run opens the annotator streams and supervises the session goroutines
// until ctx ends or an annotator stream fails. On a clean end it flushes the
// accumulator so the trailing segment is not silently lost; a cancelled or
// failed session drops whatever was still open.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := annotator.StreamConfig{
		SampleRate: p.cfg.SampleRate,
		Keywords:   p.cfg.Keywords,
	}

	streams := make([]annotator.Stream, 0, len(p.annotators))
	for _, a := range p.annotators {
		s, err := a.Open(ctx, cfg)
		if err != nil {
			for _, open := range streams {
				_ = open.Close()
			}
			return fmt.Errorf("pipeline: open %s stream: %w", a.Kind(), err)
		}
		streams = append(streams, s)
	}
	p.mu.Lock()
	p.streams = streams
	p.mu.Unlock()
	close(p.ready)

	defer func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}()

	// The dispatcher outlives the aggregation goroutines so that segments
	// flushed during shutdown still reach the client and the store.
	dispCtx, stopDisp := context.WithCancel(context.WithoutCancel(ctx))
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		_ = p.disp.Run(dispCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	var consumers sync.WaitGroup
	consumers.Add(len(streams))
	for i, s := range streams {
		kind := p.annotators[i].Kind()
		stream := s
		g.Go(func() error {
			defer consumers.Done()
			return p.consume(gctx, kind, stream)
		})
	}

	// A session ends cleanly when every annotator stream has ended.
	g.Go(func() error {
		ended := make(chan struct{})
		go func() {
			consumers.Wait()
			close(ended)
		}()
		select {
		case <-ended:
			return errStreamsEnded
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	g.Go(func() error {
		return p.sweep(gctx)
	})

	err := g.Wait()
	if errors.Is(err, errStreamsEnded) {
		err = nil
	}

	// A clean end flushes whatever stayed open; a cancelled or failed
	// session drops it.
	cleanupCtx := context.WithoutCancel(ctx)
	if err == nil {
		p.flush(cleanupCtx)
	} else {
		p.discard(cleanupCtx)
	}
	stopDisp()
	<-dispDone
	return err
}

// errStreamsEnded signals that every annotator stream finished; it unwinds
// the supervision group without being reported as a failure.
var errStreamsEnded = errors.New("annotator streams ended")

// consume folds one annotator stream into the accumulator until the stream
// or the context ends.
func (p *Pipeline) consume(ctx context.Context, kind annotator.Kind, stream annotator.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case partial, ok := <-stream.Partials():
			if !ok {
				return nil
			}
			p.metrics.RecordAnnotatorPartial(ctx, string(kind))

			if err := p.apply(ctx, partial); err != nil {
				return err
			}

			// The local spotter rides on the recognized text and
			// contributes the segment-type result.
			if text, isText := partial.(annotator.TextPartial); isText && p.spotter != nil {
				verdict := p.spotter.Observe(text.SegmentID, text.Text, text.Finished)
				if err := p.apply(ctx, verdict); err != nil {
					return err
				}
			}
		}
	}
}

// apply folds one partial and enqueues the record if it completed a segment.
func (p *Pipeline) apply(ctx context.Context, partial annotator.Partial) error {
	rec, done := p.acc.Apply(partial)
	p.updateOpenGauge(ctx)
	if !done {
		return nil
	}
	p.metrics.RecordSegmentCompleted(ctx, "complete")
	if err := p.disp.Enqueue(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// sweep periodically closes segments that outlived the deadline.
func (p *Pipeline) sweep(ctx context.Context) error {
	if p.cfg.Deadline <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			emit, dropped := p.acc.Sweep(now)
			p.updateOpenGauge(ctx)
			for _, rec := range dropped {
				p.metrics.SegmentsDropped.Add(ctx, 1)
				p.log.Warn("segment dropped at deadline",
					slog.Uint64("segment_id", rec.SegmentID),
					slog.Duration("age", rec.Duration))
			}
			for _, rec := range emit {
				p.metrics.RecordSegmentCompleted(ctx, "deadline")
				p.log.Debug("segment force-emitted at deadline",
					slog.Uint64("segment_id", rec.SegmentID))
				if err := p.disp.Enqueue(ctx, rec); err != nil {
					return fmt.Errorf("pipeline: %w", err)
				}
			}
		}
	}
}

// flush closes whatever segments remain open and pushes them through the
// dispatcher's shutdown drain.
func (p *Pipeline) flush(ctx context.Context) {
	emit, dropped := p.acc.Flush()
	p.updateOpenGauge(ctx)
	if n := len(dropped); n > 0 {
		p.metrics.SegmentsDropped.Add(ctx, int64(n))
	}
	for _, rec := range emit {
		p.metrics.RecordSegmentCompleted(ctx, "flush")
		enqueueCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := p.disp.Enqueue(enqueueCtx, rec)
		cancel()
		if err != nil {
			p.log.Warn("flush lost a segment",
				slog.Uint64("segment_id", rec.SegmentID),
				slog.String("error", err.Error()))
		}
	}
}

// discard drops whatever segments a failed session left open.
func (p *Pipeline) discard(ctx context.Context) {
	emit, dropped := p.acc.Flush()
	p.updateOpenGauge(ctx)
	if n := len(emit) + len(dropped); n > 0 {
		p.metrics.SegmentsDropped.Add(ctx, int64(n))
		p.log.Warn("discarded open segments of a failed session", slog.Int("count", n))
	}
}

// updateOpenGauge reconciles the open-segments gauge with the accumulator.
func (p *Pipeline) updateOpenGauge(ctx context.Context) {
	open := int64(p.acc.Open())
	p.mu.Lock()
	delta := open - p.openGauge
	p.openGauge = open
	p.mu.Unlock()
	if delta != 0 {
		p.metrics.OpenSegments.Add(ctx, delta)
	}
}
