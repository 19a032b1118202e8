// Package remote connects to out-of-process annotator services over a
// streaming WebSocket: binary PCM frames go out, JSON result frames come
// back. It implements the annotator.Annotator interface for all three roles;
// the role is fixed per service endpoint.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxweave/voxweave/pkg/annotator"
	"github.com/voxweave/voxweave/pkg/transcript"
)

// Option is a functional option for configuring the remote Annotator.
type Option func(*Annotator)

// WithAuthToken sets a bearer token sent on the dial request.
func WithAuthToken(token string) Option {
	return func(a *Annotator) {
		a.authToken = token
	}
}

// Annotator dials one remote annotator service per session stream.
type Annotator struct {
	kind      annotator.Kind
	endpoint  string
	authToken string
}

// New creates an Annotator for the service at endpoint (a ws:// or wss://
// URL) filling the given role.
func New(kind annotator.Kind, endpoint string, opts ...Option) (*Annotator, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("remote annotator: unknown kind %q", kind)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote annotator: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("remote annotator: endpoint scheme %q is not ws or wss", u.Scheme)
	}
	a := &Annotator{kind: kind, endpoint: endpoint}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Kind returns the role this service fills.
func (a *Annotator) Kind() annotator.Kind { return a.kind }

// Open dials the service and starts a stream. Sample rate and keywords are
// passed as query parameters on the dial URL.
func (a *Annotator) Open(ctx context.Context, cfg annotator.StreamConfig) (annotator.Stream, error) {
	wsURL, err := a.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("remote annotator %s: build URL: %w", a.kind, err)
	}

	opts := &websocket.DialOptions{}
	if a.authToken != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + a.authToken},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("remote annotator %s: dial: %w", a.kind, err)
	}

	st := &stream{
		kind:     a.kind,
		conn:     conn,
		partials: make(chan annotator.Partial, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	st.wg.Add(2)
	go st.readLoop(ctx)
	go st.writeLoop(ctx)

	return st, nil
}

func (a *Annotator) buildURL(cfg annotator.StreamConfig) (string, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if len(cfg.Keywords) > 0 {
		q.Set("keywords", strings.Join(cfg.Keywords, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resultMessage is the JSON frame a remote annotator sends per result. Fields
// irrelevant to the service's role stay empty.
type resultMessage struct {
	SegmentID uint64    `json:"segment_id"`
	Finished  bool      `json:"finished"`
	Text      string    `json:"text,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Type      string    `json:"segment_type,omitempty"`
}

// stream is one live connection to a remote annotator. It implements
// annotator.Stream.
type stream struct {
	kind     annotator.Kind
	conn     *websocket.Conn
	partials chan annotator.Partial
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to the service.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("remote annotator: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("remote annotator: stream is closed")
	}
}

// Partials returns the channel of annotation results.
func (s *stream) Partials() <-chan annotator.Partial { return s.partials }

// Close terminates the stream cleanly.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// An empty binary frame tells the service to flush and finish.
		_ = s.conn.Write(context.Background(), websocket.MessageBinary, []byte{})
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary frames.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON frames and dispatches them as partials.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		p, ok := parseResult(s.kind, msg)
		if !ok {
			continue
		}

		select {
		case s.partials <- p:
		case <-s.done:
		}
	}
}

// parseResult decodes one service frame into the Partial matching the
// stream's role. Returns (nil, false) for frames that should be ignored.
func parseResult(kind annotator.Kind, data []byte) (annotator.Partial, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}

	switch kind {
	case annotator.KindASR:
		return annotator.TextPartial{
			SegmentID: msg.SegmentID,
			Text:      msg.Text,
			Finished:  msg.Finished,
		}, true
	case annotator.KindSID:
		return annotator.SpeakerPartial{
			SegmentID: msg.SegmentID,
			Name:      msg.Speaker,
			Embedding: msg.Embedding,
			Finished:  msg.Finished,
		}, true
	case annotator.KindKWS:
		t := transcript.SegmentType(msg.Type)
		if !t.IsValid() {
			t = transcript.SegmentTranscript
		}
		return annotator.TypePartial{
			SegmentID: msg.SegmentID,
			Type:      t,
			Finished:  msg.Finished,
		}, true
	}
	return nil, false
}
