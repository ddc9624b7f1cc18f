package ingest

import (
	"context"
	"errors"
	"sync"
)

// ErrSourceClosed is returned by Fetch once a closed source is drained.
var ErrSourceClosed = errors.New("source closed")

// ChannelSource is an in-process Source backed by a channel. Committed
// offsets are kept so callers can see what was acknowledged.
type ChannelSource struct {
	ch chan Message

	mu        sync.Mutex
	next      int64
	committed []int64
	closeOnce sync.Once
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan Message, buffer)}
}

func (s *ChannelSource) Name() string { return "channel" }

// Send enqueues value, assigning it the next offset.
func (s *ChannelSource) Send(value []byte) {
	s.mu.Lock()
	msg := Message{Value: value, Offset: s.next}
	s.next++
	s.mu.Unlock()
	s.ch <- msg
}

func (s *ChannelSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, ErrSourceClosed
		}
		return msg, nil
	}
}

func (s *ChannelSource) Commit(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

// Committed returns the acknowledged offsets in commit order.
func (s *ChannelSource) Committed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

// Close stops further sends; buffered messages are still delivered.
func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
