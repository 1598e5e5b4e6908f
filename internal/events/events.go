package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/sendq"
)

// Hub fans job events out to listeners. Publishing never blocks, a listener that
// does not keep up with its buffer loses events.
type Hub struct {
	mu    sync.RWMutex
	subs  map[int]*sub
	next  int
	now   func() time.Time
	drops map[int]int
}

type sub struct {
	c     chan sendq.Event
	kinds map[sendq.EventKind]struct{}
}

func New() *Hub {
	return &Hub{
		subs:  map[int]*sub{},
		drops: map[int]int{},
		now:   time.Now,
	}
}

// Listen subscribes to the given kinds, or to every kind when none are given.
func (h *Hub) Listen(buffer int, kinds ...sendq.EventKind) (events <-chan sendq.Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &sub{c: make(chan sendq.Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = map[sendq.EventKind]struct{}{}
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	id := h.next
	h.next++
	h.subs[id] = s

	var once sync.Once
	return s.c, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			delete(h.drops, id)
			close(s.c)
		})
	}
}

func (h *Hub) Publish(e sendq.Event) {
	if h == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.kinds != nil {
			if _, ok := s.kinds[e.Kind]; !ok {
				continue
			}
		}
		select {
		case s.c <- e:
		default:
			h.drops[id]++
		}
	}
}

// Dropped returns the number of events lost by slow listeners since they subscribed.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	for _, d := range h.drops {
		n += d
	}
	return n
}
