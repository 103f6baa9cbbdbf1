package notifs

import (
	"context"
	"sync"
)

// Sink accepts notification messages for delivery. Implementations must
// tolerate redelivery of the same message.
type Sink interface {
	Emit(ctx context.Context, msg Message) error
}

type NullSink struct {
}

var _ Sink = (*NullSink)(nil)

func (ns *NullSink) Emit(ctx context.Context, msg Message) error {
	return nil
}

// MemSink keeps every emitted message in memory.
type MemSink struct {
	lk   sync.Mutex
	msgs []Message
}

var _ Sink = (*MemSink)(nil)

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (ms *MemSink) Emit(ctx context.Context, msg Message) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	ms.msgs = append(ms.msgs, msg)
	return nil
}

func (ms *MemSink) Messages() []Message {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	out := make([]Message, len(ms.msgs))
	copy(out, ms.msgs)
	return out
}

func (ms *MemSink) Reset() {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	ms.msgs = nil
}
