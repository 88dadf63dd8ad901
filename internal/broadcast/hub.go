package broadcast

import (
	"context"
	"sync"
	"time"
)

const inboxSize = 256

// Hub is an in-memory broadcast medium. Every payload sent by an attached
// endpoint is delivered to all attached endpoints, the sender included, as
// a real broadcast socket loops datagrams back. A full inbox drops the
// payload for that endpoint only.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Join attaches a new endpoint to the hub.
func (h *Hub) Join() *Endpoint {
	e := &Endpoint{hub: h, inbox: make(chan []byte, inboxSize), done: make(chan struct{})}
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

func (h *Hub) deliver(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for e := range h.endpoints {
		msg := append([]byte(nil), payload...)
		select {
		case e.inbox <- msg:
		default:
		}
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

// Endpoint is one node's attachment to a Hub.
type Endpoint struct {
	hub   *Hub
	inbox chan []byte

	once sync.Once
	done chan struct{}
}

func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	e.hub.deliver(payload)
	return nil
}

func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-e.inbox:
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		close(e.done)
	})
	return nil
}
