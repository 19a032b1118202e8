// Package agent answers spoken instructions. It consumes instruction records
// from a session pipeline, replays recent conversation history into an LLM
// completion request, and feeds the model's answer back into the session as
// an assistant segment.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/session"
	"github.com/voxweave/voxweave/pkg/provider/llm"
	"github.com/voxweave/voxweave/pkg/transcript"
)

// defaultCompletionTimeout bounds a single LLM round trip.
const defaultCompletionTimeout = 30 * time.Second

// Responder delivers an agent answer back into the session. Implemented by
// session.Pipeline.EmitAgent.
type Responder func(ctx context.Context, content string) error

// Config tunes the agent's prompting behaviour.
type Config struct {
	// SystemPrompt is prepended to every completion request.
	SystemPrompt string

	// History is the maximum number of preceding segments replayed as
	// conversational context.
	History int

	// Temperature and MaxTokens are passed through to the provider.
	// Zero values keep the provider defaults.
	Temperature float64
	MaxTokens   int

	// CompletionTimeout bounds a single completion call. Zero keeps the
	// built-in default of 30 seconds.
	CompletionTimeout time.Duration
}

// Option customises an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent turns instruction segments into assistant responses.
//
// History is collected by observing every record delivered to the client, so
// the agent sees the conversation exactly as the client does, including its
// own previous answers. Observe and Run may be called from different
// goroutines; the history ring is not otherwise synchronised, so all Observe
// calls must come from the delivery path.
type Agent struct {
	provider llm.Provider
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics

	history chan session.Record
}

// New creates an Agent speaking through the given provider.
func New(provider llm.Provider, cfg Config, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, fmt.Errorf("agent: provider must not be nil")
	}
	if cfg.History <= 0 {
		return nil, fmt.Errorf("agent: history must be positive, got %d", cfg.History)
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}

	a := &Agent{
		provider: provider,
		cfg:      cfg,
		log:      slog.Default(),
		// Buffered well past the history window so delivery never blocks
		// on a slow completion.
		history: make(chan session.Record, 4*cfg.History),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Observe records one delivered segment as conversational context. When the
// buffer is full the record is dropped; losing distant history is preferable
// to stalling delivery.
func (a *Agent) Observe(rec session.Record) {
	select {
	case a.history <- rec:
	default:
	}
}

// Run consumes instruction records until instructions is closed or ctx is
// cancelled. Each instruction triggers one completion; the answer is handed
// to respond. Completion failures are logged and counted but do not stop the
// loop.
func (a *Agent) Run(ctx context.Context, instructions <-chan session.Record, respond Responder) error {
	var window []session.Record

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-instructions:
			if !ok {
				return nil
			}
			window = a.drainHistory(window)
			a.answer(ctx, window, rec, respond)
		}
	}
}

// answer runs one completion for the given instruction.
func (a *Agent) answer(ctx context.Context, window []session.Record, rec session.Record, respond Responder) {
	req := a.buildRequest(window, rec)

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Complete(cctx, req)
	a.metrics.AgentDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", "llm")))

	if err != nil {
		a.metrics.RecordAgentResponse(ctx, "error")
		a.log.Error("agent completion failed",
			"segment_id", rec.SegmentID,
			"error", err,
		)
		return
	}
	if resp == nil || resp.Content == "" {
		a.metrics.RecordAgentResponse(ctx, "empty")
		a.log.Warn("agent returned an empty completion", "segment_id", rec.SegmentID)
		return
	}

	a.metrics.RecordAgentResponse(ctx, "ok")
	a.log.Info("agent answered instruction",
		"segment_id", rec.SegmentID,
		"speaker", rec.SpeakerName,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if err := respond(ctx, resp.Content); err != nil {
		a.log.Error("agent response delivery failed",
			"segment_id", rec.SegmentID,
			"error", err,
		)
	}
}

// drainHistory folds newly observed records into the rolling window,
// trimming it to the configured size.
func (a *Agent) drainHistory(window []session.Record) []session.Record {
	for {
		select {
		case rec := <-a.history:
			window = append(window, rec)
		default:
			if excess := len(window) - a.cfg.History; excess > 0 {
				window = append(window[:0], window[excess:]...)
			}
			return window
		}
	}
}

// buildRequest assembles the completion request: system prompt, the rolling
// history window trimmed to the model's context budget, and the instruction
// itself as the final user message.
func (a *Agent) buildRequest(window []session.Record, instruction session.Record) llm.CompletionRequest {
	messages := make([]llm.Message, 0, len(window)+1)
	for _, rec := range window {
		// The instruction also arrives through the delivery path; skip it
		// so it only appears once, as the final message.
		if rec.SegmentID == instruction.SegmentID && rec.Type == transcript.SegmentInstruction {
			continue
		}
		messages = append(messages, recordMessage(rec))
	}
	messages = append(messages, recordMessage(instruction))

	messages = a.trimToBudget(messages)

	return llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: a.cfg.SystemPrompt,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	}
}

// trimToBudget drops the oldest messages while the estimated prompt size
// exceeds half the model's context window, leaving room for the answer.
// The final (instruction) message is never dropped.
func (a *Agent) trimToBudget(messages []llm.Message) []llm.Message {
	caps := a.provider.Capabilities()
	if caps.ContextWindow <= 0 {
		return messages
	}
	budget := caps.ContextWindow / 2

	for len(messages) > 1 {
		count, err := a.provider.CountTokens(messages)
		if err != nil || count <= budget {
			return messages
		}
		messages = messages[1:]
	}
	return messages
}

// recordMessage converts a delivered segment into a conversation message.
// Assistant segments map to the assistant role; everything else is speech
// from a session participant.
func recordMessage(rec session.Record) llm.Message {
	if rec.Type == transcript.SegmentAssistant {
		return llm.Message{Role: "assistant", Content: rec.Content}
	}
	return llm.Message{
		Role:    "user",
		Content: rec.Content,
		Name:    rec.SpeakerName,
	}
}
