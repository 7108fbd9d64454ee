package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"royaltystake/core/types"
)

const (
	defaultHubHistory = 2048
	defaultHubBuffer  = 32
)

// Record is a sequenced event as delivered to hub subscribers.
type Record struct {
	Sequence uint64
	Cursor   string
	Event    *types.Event
}

func cloneRecord(rec Record) Record {
	rec.Event = rec.Event.Clone()
	return rec
}

// Hub is an Emitter that assigns sequence numbers to events, keeps a bounded
// history for late subscribers, and fans events out to subscriber channels.
// Delivery never blocks the emitter: a subscriber whose buffer is full misses
// the event and the drop handler is notified.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Record
	history []Record
	limit   int
	onDrop  func(Record)
}

// NewHub constructs a hub retaining up to historyLimit events. A non-positive
// limit selects the default.
func NewHub(historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHubHistory
	}
	return &Hub{
		subs:  make(map[uint64]chan Record),
		limit: historyLimit,
	}
}

// SetDropHandler registers a callback invoked for every event a subscriber
// could not receive.
func (h *Hub) SetDropHandler(fn func(Record)) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Emit implements the Emitter interface.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	var payload *types.Event
	if p, ok := evt.(Payload); ok {
		payload = p.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}

	h.mu.Lock()
	h.seq++
	rec := Record{
		Sequence: h.seq,
		Cursor:   strconv.FormatUint(h.seq, 10),
		Event:    payload,
	}
	h.history = append(h.history, cloneRecord(rec))
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Record, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	// Send under the lock: cancel closes subscriber channels.
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- cloneRecord(rec):
		default:
			dropped++
		}
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop(rec)
		}
	}
}

// Subscribe registers a subscriber receiving events sequenced after cursor.
// Already-retained events newer than the cursor are returned as backlog. The
// returned cancel function is idempotent; the subscription also ends when ctx
// is done.
func (h *Hub) Subscribe(ctx context.Context, cursor string, buffer int) (<-chan Record, func(), []Record, error) {
	if h == nil {
		return nil, nil, nil, fmt.Errorf("event hub not initialised")
	}
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", trimmed)
		}
		since = parsed
	}
	updates := make(chan Record, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := h.retainedAfterLocked(since)
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			sub, ok := h.subs[id]
			if ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return updates, cancel, backlog, nil
}

// Since returns the retained events sequenced after seq, oldest first. A
// subscriber that missed live deliveries uses it to recover what the hub
// still holds.
func (h *Hub) Since(seq uint64) []Record {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retainedAfterLocked(seq)
}

func (h *Hub) retainedAfterLocked(seq uint64) []Record {
	out := make([]Record, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > seq {
			out = append(out, cloneRecord(entry))
		}
	}
	return out
}

// Sequence returns the sequence number of the most recent event.
func (h *Hub) Sequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}
