package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/voxweave/voxweave/internal/agent"
	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/kws"
	"github.com/voxweave/voxweave/internal/session"
	"github.com/voxweave/voxweave/pkg/annotator"
	"github.com/voxweave/voxweave/pkg/annotator/remote"
)

// readyMessage is the first frame sent to a connecting client.
type readyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// segmentMessage is one delivered segment on the client websocket.
type segmentMessage struct {
	Type           string `json:"type"`
	SegmentID      uint64 `json:"segment_id"`
	SpeakerID      int    `json:"speaker_id"`
	SpeakerName    string `json:"speaker_name"`
	SegmentType    string `json:"segment_type"`
	SegmentContent string `json:"segment_content"`
	StartTime      string `json:"start_time"`
	DurationMS     int64  `json:"duration_ms"`
}

// handleStream runs one recording session over a websocket connection.
// Binary frames carry PCM audio; an empty binary frame signals the end of the
// recording. Delivered segments flow back as JSON text frames. The optional
// name and sample_rate query parameters label the session and override the
// configured PCM rate.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "session-" + time.Now().Format("2006-01-02")
	}

	sampleRate := s.cfg.Annotators.SampleRate
	if raw := r.URL.Query().Get("sample_rate"); raw != "" {
		rate, err := strconv.Atoi(raw)
		if err != nil || rate <= 0 {
			http.Error(w, "invalid sample_rate", http.StatusBadRequest)
			return
		}
		sampleRate = rate
	}

	annotators, spotter, err := s.buildAnnotators()
	if err != nil {
		s.log.Error("annotator setup failed", "error", err)
		http.Error(w, "annotator setup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	externalID := xid.New().String()
	log := s.log.With("session", externalID)

	sessionID, err := s.store.CreateSession(ctx, name, time.Now())
	if err != nil {
		log.Error("create session failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	registry, err := session.NewSpeakerRegistry(ctx, s.store, sessionID,
		session.WithSpeakerIndex(s.store, s.cfg.Annotators.SID.MinSimilarity),
	)
	if err != nil {
		log.Error("speaker registry setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	sink := &wsSink{conn: conn}
	popts := []session.PipelineOption{session.WithPipelineLogger(log), session.WithPipelineMetrics(s.metrics)}
	if spotter != nil {
		popts = append(popts, session.WithLocalSpotter(spotter))
	}

	pipeline, err := session.NewPipeline(
		session.PipelineConfig{
			SampleRate:     sampleRate,
			Keywords:       s.cfg.Annotators.KWS.Keywords,
			QueueCapacity:  s.cfg.Session.QueueCapacity,
			Deadline:       s.cfg.Session.SegmentDeadline.Std(),
			DeadlinePolicy: session.DeadlinePolicy(s.cfg.Session.DeadlinePolicy),
			SweepInterval:  s.cfg.Session.SweepInterval.Std(),
		},
		annotators,
		sink,
		session.NewStoreWriter(s.store, registry, sessionID),
		popts...,
	)
	if err != nil {
		log.Error("pipeline setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("session started", "name", name, "session_id", sessionID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})

	// The ready frame invites the client to start streaming audio, so it
	// must not go out before the annotator streams are open.
	select {
	case <-pipeline.Ready():
	case <-gctx.Done():
	}

	stopAgent := func() {}
	if gctx.Err() == nil {
		if err := wsjson.Write(ctx, conn, readyMessage{Type: "ready", SessionID: externalID}); err != nil {
			log.Error("ready frame failed", "error", err)
			cancel()
		} else {
			stopAgent = s.startAgent(ctx, log, sink, pipeline)
			g.Go(func() error {
				return s.readAudio(gctx, conn, pipeline)
			})
		}
	}
	defer stopAgent()

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("session ended with error", "error", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}

	log.Info("session finished", "session_id", sessionID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// readAudio forwards client audio frames into the pipeline until the client
// sends the empty end-of-recording frame or disconnects.
func (s *Server) readAudio(ctx context.Context, conn *websocket.Conn, p *session.Pipeline) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				_ = p.SendAudio(nil)
				return nil
			}
			return fmt.Errorf("server: read audio: %w", err)
		}
		if typ != websocket.MessageBinary {
			// Text frames from the client are ignored.
			continue
		}
		if len(data) == 0 {
			// End of recording: flush the annotators and let the pipeline
			// wind down as their streams finish.
			return p.SendAudio(nil)
		}
		if err := p.SendAudio(data); err != nil {
			return fmt.Errorf("server: forward audio: %w", err)
		}
	}
}

// buildAnnotators assembles the remote annotator set and, for local keyword
// spotting, the in-process spotter.
func (s *Server) buildAnnotators() ([]annotator.Annotator, *kws.Spotter, error) {
	cfg := s.cfg.Annotators

	asr, err := newRemote(annotator.KindASR, cfg.ASR.URL, cfg.ASR.AuthToken)
	if err != nil {
		return nil, nil, err
	}
	annotators := []annotator.Annotator{asr}

	if cfg.SID.URL != "" {
		sid, err := newRemote(annotator.KindSID, cfg.SID.URL, cfg.SID.AuthToken)
		if err != nil {
			return nil, nil, err
		}
		annotators = append(annotators, sid)
	}

	var spotter *kws.Spotter
	switch cfg.KWS.Mode {
	case config.KWSRemote:
		spot, err := newRemote(annotator.KindKWS, cfg.KWS.URL, cfg.KWS.AuthToken)
		if err != nil {
			return nil, nil, err
		}
		annotators = append(annotators, spot)
	case config.KWSLocal:
		var opts []kws.Option
		if cfg.KWS.SimilarityThreshold > 0 {
			opts = append(opts, kws.WithSimilarityThreshold(cfg.KWS.SimilarityThreshold))
		}
		spotter = kws.New(cfg.KWS.Keywords, opts...)
	}

	return annotators, spotter, nil
}

// newRemote builds one remote annotator client.
func newRemote(kind annotator.Kind, url, token string) (*remote.Annotator, error) {
	var opts []remote.Option
	if token != "" {
		opts = append(opts, remote.WithAuthToken(token))
	}
	return remote.New(kind, url, opts...)
}

// startAgent wires the conversational agent into the session when a provider
// is configured. The returned stop function cancels the agent and waits for
// it to finish; it is safe to call when no agent is running.
func (s *Server) startAgent(ctx context.Context, log *slog.Logger, sink *wsSink, p *session.Pipeline) func() {
	if s.llm == nil {
		return func() {}
	}

	a, err := agent.New(s.llm, agent.Config{
		SystemPrompt: s.cfg.Agent.SystemPrompt,
		History:      s.cfg.Agent.History,
	}, agent.WithLogger(log), agent.WithMetrics(s.metrics))
	if err != nil {
		log.Error("agent setup failed; session continues without it", "error", err)
		return func() {}
	}
	sink.observer = a.Observe

	actx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Run(actx, p.Instructions(), p.EmitAgent); err != nil && actx.Err() == nil {
			log.Error("agent stopped with error", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// wsSink delivers finished segments to the client websocket as JSON frames.
// When an observer is set, every delivered record is also handed to it
// (the agent's conversation history).
type wsSink struct {
	conn     *websocket.Conn
	observer func(session.Record)
}

var _ session.Sink = (*wsSink)(nil)

// Deliver implements session.Sink.
func (w *wsSink) Deliver(ctx context.Context, rec session.Record) error {
	msg := segmentMessage{
		Type:           "segment",
		SegmentID:      rec.SegmentID,
		SpeakerID:      rec.SpeakerLocalID,
		SpeakerName:    rec.SpeakerName,
		SegmentType:    string(rec.Type),
		SegmentContent: rec.Content,
		StartTime:      rec.StartTime.UTC().Format(time.RFC3339Nano),
		DurationMS:     rec.Duration.Milliseconds(),
	}
	if err := wsjson.Write(ctx, w.conn, msg); err != nil {
		return fmt.Errorf("server: deliver segment %d: %w", rec.SegmentID, err)
	}
	if w.observer != nil {
		w.observer(rec)
	}
	return nil
}
