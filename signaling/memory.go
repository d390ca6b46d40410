package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// MemoryHub is an in-process Backend. Stored records are replayed to new
// watchers, so the order in which the two sides start does not matter.
type MemoryHub struct {
	mu     sync.Mutex
	convs  map[string]*memConversation
	closed bool
}

type memConversation struct {
	records  []Record
	watchers map[*memWatcher]struct{}
}

type memWatcher struct {
	from Side
	d    *Dispatcher
}

var _ Backend = (*MemoryHub)(nil)

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{convs: make(map[string]*memConversation)}
}

func (h *MemoryHub) conversation(id string) *memConversation {
	conv, ok := h.convs[id]
	if !ok {
		conv = &memConversation{watchers: make(map[*memWatcher]struct{})}
		h.convs[id] = conv
	}
	return conv
}

func (h *MemoryHub) Write(_ context.Context, conversationID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validating record: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return shared.ErrBackendClosed
	}
	conv := h.conversation(conversationID)
	if rec.Kind == KindOffer || rec.Kind == KindAnswer {
		for _, existing := range conv.records {
			if existing.Kind == rec.Kind {
				return shared.ErrAlreadyPublished
			}
		}
	}
	conv.records = append(conv.records, rec)
	for w := range conv.watchers {
		if w.from == rec.From {
			w.d.Push(rec)
		}
	}
	return nil
}

func (h *MemoryHub) Watch(_ context.Context, conversationID string, from Side, fn func(Record)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, shared.ErrBackendClosed
	}
	conv := h.conversation(conversationID)
	w := &memWatcher{from: from, d: NewDispatcher(fn)}
	for _, rec := range conv.records {
		if rec.From == from {
			w.d.Push(rec)
		}
	}
	conv.watchers[w] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(conv.watchers, w)
			h.mu.Unlock()
			w.d.Close()
		})
	}, nil
}

func (h *MemoryHub) Reset(_ context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return shared.ErrBackendClosed
	}
	if conv, ok := h.convs[conversationID]; ok {
		conv.records = nil
	}
	return nil
}

// Records returns a copy of what is stored for the conversation.
func (h *MemoryHub) Records(conversationID string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv, ok := h.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Record, len(conv.records))
	copy(out, conv.records)
	return out
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, conv := range h.convs {
		for w := range conv.watchers {
			w.d.Close()
		}
		conv.watchers = nil
	}
	return nil
}
