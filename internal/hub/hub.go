// Package hub fans scheduler progress out to observers. The scheduler
// publishes; SSE clients and metrics consumers subscribe without ever
// exerting backpressure on the run loop. A short replay window lets a client
// that connects mid-run catch up on recent events.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/swarmgit/swarmgit/internal/otel"
	"github.com/swarmgit/swarmgit/pkg/models"
)

// replayDepth bounds the catch-up window served to late subscribers.
const replayDepth = 16

const keepaliveInterval = 30 * time.Second

type Hub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	recent [][]byte // ring of the latest published events
	next   int      // oldest slot once the ring is full
}

func New() *Hub {
	return &Hub{
		subs:   make(map[chan []byte]struct{}),
		recent: make([][]byte, 0, replayDepth),
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch, _ := h.subscribe()
	return ch
}

// subscribe registers a channel and captures the replay window under one
// lock, so a concurrent publish is either replayed or delivered live, never
// both and never neither.
func (h *Hub) subscribe() (chan []byte, [][]byte) {
	ch := make(chan []byte, models.DefaultEventChannelBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	replay := h.replayLocked()
	h.mu.Unlock()
	otel.AddSubscriber()
	return ch, replay
}

func (h *Hub) replayLocked() [][]byte {
	if len(h.recent) < replayDepth {
		return append([][]byte(nil), h.recent...)
	}
	out := make([][]byte, 0, replayDepth)
	out = append(out, h.recent[h.next:]...)
	out = append(out, h.recent[:h.next]...)
	return out
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
		otel.RemoveSubscriber()
	}
	h.mu.Unlock()
}

func (h *Hub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	otel.RecordEvent(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recent) < replayDepth {
		h.recent = append(h.recent, b)
	} else {
		h.recent[h.next] = b
		h.next = (h.next + 1) % replayDepth
	}
	for ch := range h.subs {
		select {
		case ch <- b:
		default:
			// Drop rather than stall the publisher.
		}
	}
}

// Handler serves the event stream as SSE, opening with the replay window.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch, replay := h.subscribe()
		defer h.Unsubscribe(ch)

		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		for _, msg := range replay {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
		}
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "data: %s\n\n", msg)
				flusher.Flush()
			}
		}
	}
}
