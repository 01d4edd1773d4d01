package observer

import (
	"encoding/json"
	"sync"

	"github.com/divtosz/prosocial-ai-simulation/internal/observerproto"
	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

// Hub fans recorded steps out to spectators. It is registered as an
// env.StepRecorder, so WriteStep runs on the runtime goroutine and must not
// block: slow spectators lose events.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	out            chan []byte
	includeInvalid bool
	includeResets  bool
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]*subscriber{}}
}

func (h *Hub) WriteStep(e env.StepLogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return nil
	}
	b, err := json.Marshal(observerproto.EventMsg{
		Type:            observerproto.TypeEvent,
		ProtocolVersion: observerproto.Version,
		Entry:           e,
	})
	if err != nil {
		return err
	}
	for _, s := range h.subs {
		if e.Kind == env.EntryReset && !s.includeResets {
			continue
		}
		if e.Kind == env.EntryStep && !e.Valid && !s.includeInvalid {
			continue
		}
		select {
		case s.out <- b:
		default:
		}
	}
	return nil
}

func (h *Hub) subscribe(sub observerproto.SubscribeMsg, buf int) (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &subscriber{
		out:            make(chan []byte, buf),
		includeInvalid: sub.IncludeInvalid,
		includeResets:  sub.IncludeResets,
	}
	h.subs[h.nextID] = s
	return h.nextID, s.out
}

func (h *Hub) update(id uint64, sub observerproto.SubscribeMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		s.includeInvalid = sub.IncludeInvalid
		s.includeResets = sub.IncludeResets
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscribers is the number of attached spectators.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
