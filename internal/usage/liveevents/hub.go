// Package liveevents fans tracked usage out to live subscribers of an
// organization's stream.
package liveevents

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	StatusAccepted     = "accepted"
	StatusDeduplicated = "deduplicated"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable      = errors.New("live_events_unavailable")
	ErrInvalidOrganization = errors.New("invalid_organization")
)

type LiveEvent struct {
	EventID        string  `json:"event_id"`
	MetricID       string  `json:"metric_id"`
	Quantity       float64 `json:"quantity"`
	Timestamp      string  `json:"timestamp"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Status         string  `json:"status"`
}

// Hub keeps a short replay buffer per organization that has at least one
// subscriber. Slow subscribers miss events instead of blocking ingestion.
type Hub struct {
	mu               sync.RWMutex
	streams          map[snowflake.ID]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []LiveEvent
	subs   map[uint64]chan LiveEvent
	nextID uint64
}

type Subscription struct {
	hub   *Hub
	orgID snowflake.ID
	id    uint64
	ch    chan LiveEvent
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[snowflake.ID]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(orgID snowflake.ID, event LiveEvent) {
	if h == nil || orgID == 0 {
		return
	}
	h.mu.RLock()
	st := h.streams[orgID]
	h.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.buffer = append(st.buffer, event)
	if len(st.buffer) > h.bufferSize {
		st.buffer = st.buffer[len(st.buffer)-h.bufferSize:]
	}
	subs := make([]chan LiveEvent, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	st.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a listener and returns the buffered backlog.
func (h *Hub) Subscribe(orgID snowflake.ID) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	if orgID == 0 {
		return nil, nil, ErrInvalidOrganization
	}

	st := h.ensureStream(orgID)
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	st.subs[id] = ch
	backlog := append([]LiveEvent(nil), st.buffer...)
	st.mu.Unlock()

	return &Subscription{hub: h, orgID: orgID, id: id, ch: ch}, backlog, nil
}

func (h *Hub) ensureStream(orgID snowflake.ID) *stream {
	h.mu.RLock()
	current := h.streams[orgID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[orgID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan LiveEvent)}
		h.streams[orgID] = current
	}
	return current
}

func (h *Hub) unsubscribe(orgID snowflake.ID, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.streams[orgID]
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, id)
	empty := len(st.subs) == 0
	st.mu.Unlock()
	if empty {
		delete(h.streams, orgID)
	}
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.orgID, s.id)
	})
}
