package bedrock

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/anrdispatch/dispatchd/internal/provider"
)

// eventStream is the minimal surface this adapter needs from the SDK's
// ConverseStream event reader.
type eventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// streamer adapts a Bedrock ConverseStream event channel to
// provider.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	raw    eventStream

	events chan provider.StreamEvent

	errMu sync.Mutex
	err   error
}

func newStreamer(ctx context.Context, raw eventStream) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		raw:    raw,
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
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func (s *streamer) run() {
	defer close(s.events)
	defer func() {
		if s.raw != nil {
			_ = s.raw.Close()
		}
	}()

	s.emit(provider.StreamEvent{Type: provider.EventStart})

	for {
		select {
		case ev, ok := <-s.raw.Events():
			if !ok {
				if err := s.raw.Err(); err != nil {
					s.setErr(translateBedrockError(err))
				}
				return
			}
			s.translate(ev)
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		}
	}
}

func (s *streamer) translate(ev types.ConverseStreamOutput) {
	switch v := ev.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && text.Value != "" {
			s.emit(provider.StreamEvent{Type: provider.EventDelta, Text: text.Value})
		}
	case *types.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage != nil {
			s.emit(provider.StreamEvent{
				Type:         provider.EventUsageUpdate,
				InputTokens:  int(intOr(v.Value.Usage.InputTokens)),
				OutputTokens: int(intOr(v.Value.Usage.OutputTokens)),
			})
		}
	case *types.ConverseStreamOutputMemberMessageStop:
		s.emit(provider.StreamEvent{Type: provider.EventEnd})
	}
}

func intOr(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
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
