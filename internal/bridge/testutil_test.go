package bridge

import (
	"sync"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/pkg/relay"
)

// fakeSender records every relay message sent during a test.
type fakeSender struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (s *fakeSender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *fakeSender) upserts() []*relay.EventUpsert {
	var out []*relay.EventUpsert
	for _, msg := range s.all() {
		if up, ok := msg.(*relay.EventUpsert); ok {
			out = append(out, up)
		}
	}
	return out
}

func (s *fakeSender) acks() []*relay.DispatchAck {
	var out []*relay.DispatchAck
	for _, msg := range s.all() {
		if ack, ok := msg.(*relay.DispatchAck); ok {
			out = append(out, ack)
		}
	}
	return out
}

func testLogger() *logger.Logger {
	return logger.Default()
}
