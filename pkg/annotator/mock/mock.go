// Package mock provides test doubles for the annotator package interfaces.
//
// Use Annotator to verify that the caller opens streams with the expected
// StreamConfig. Use Stream to feed controlled Partial values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	stream := mock.NewStream()
//	a := &mock.Annotator{Role: annotator.KindASR, Stream: stream}
//	s, _ := a.Open(ctx, cfg)
//	stream.Emit(annotator.TextPartial{SegmentID: 1, Text: "hello", Finished: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxweave/voxweave/pkg/annotator"
)

// OpenCall records a single invocation of Annotator.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the StreamConfig passed to Open.
	Cfg annotator.StreamConfig
}

// Annotator is a mock implementation of annotator.Annotator.
type Annotator struct {
	mu sync.Mutex

	// Role is returned by Kind.
	Role annotator.Kind

	// Stream is returned by Open. If nil, Open returns a new default Stream.
	Stream annotator.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Kind returns Role.
func (a *Annotator) Kind() annotator.Kind { return a.Role }

// Open records the call and returns Stream, OpenErr.
func (a *Annotator) Open(ctx context.Context, cfg annotator.StreamConfig) (annotator.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OpenCalls = append(a.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if a.Stream != nil {
		return a.Stream, nil
	}
	return NewStream(), nil
}

var _ annotator.Annotator = (*Annotator)(nil)

// Stream is a mock implementation of annotator.Stream. Feed results to the
// consumer with Emit and finish the stream with Close.
type Stream struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from every SendAudio call.
	SendAudioErr error

	// AudioChunks records a copy of every chunk passed to SendAudio.
	AudioChunks [][]byte

	partials chan annotator.Partial
	closed   bool
}

// NewStream creates a Stream with a buffered partials channel.
func NewStream() *Stream {
	return &Stream{partials: make(chan annotator.Partial, 64)}
}

// SendAudio records a copy of chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock annotator: stream is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return nil
}

// Emit delivers a partial to the consumer. It panics after Close, like a send
// on a closed channel would.
func (s *Stream) Emit(p annotator.Partial) {
	s.partials <- p
}

// Partials returns the channel Emit feeds.
func (s *Stream) Partials() <-chan annotator.Partial { return s.partials }

// Close closes the partials channel. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
	}
	return nil
}

var _ annotator.Stream = (*Stream)(nil)
