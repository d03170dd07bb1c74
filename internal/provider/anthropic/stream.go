package anthropic

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/anrdispatch/dispatchd/internal/provider"
)

// streamer adapts an Anthropic Messages SSE stream to provider.Streamer,
// translating it down to text + usage events only (no tool-call or
// thinking-block translation needed here).
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan provider.StreamEvent

	errMu sync.Mutex
	err   error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
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

func (s *streamer) run() {
	defer close(s.events)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	s.emit(provider.StreamEvent{Type: provider.EventStart})

	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if text, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && text.Text != "" {
				s.emit(provider.StreamEvent{Type: provider.EventDelta, Text: text.Text})
			}
		case sdk.MessageDeltaEvent:
			s.emit(provider.StreamEvent{
				Type:         provider.EventUsageUpdate,
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			})
		case sdk.MessageStopEvent:
			s.emit(provider.StreamEvent{Type: provider.EventEnd})
		}
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.setErr(translateAnthropicError(err))
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.setErr(err)
	}
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
