package openai

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/anrdispatch/dispatchd/internal/provider"
)

// streamer adapts an OpenAI chat-completions SSE stream to
// provider.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	events chan provider.StreamEvent

	errMu sync.Mutex
	err   error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		events: make(chan provider.StreamEvent, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (provider.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.getErr(); err != nil {
			return provider.StreamEvent{}, err
		}
		return provider.StreamEvent{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return provider.StreamEvent{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// run drains the chunk stream, translating each delta/usage field into a
// StreamEvent, mirroring the Anthropic adapter's translation loop shape.
func (s *streamer) run() {
	defer close(s.events)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	s.emit(provider.StreamEvent{Type: provider.EventStart})

	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			s.emit(provider.StreamEvent{Type: provider.EventDelta, Text: chunk.Choices[0].Delta.Content})
		}
		if chunk.Usage.TotalTokens > 0 {
			s.emit(provider.StreamEvent{
				Type:         provider.EventUsageUpdate,
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			})
		}
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.setErr(translateOpenAIError(err))
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.setErr(err)
		return
	}
	s.emit(provider.StreamEvent{Type: provider.EventEnd})
}

func (s *streamer) emit(ev provider.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
