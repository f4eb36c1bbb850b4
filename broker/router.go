package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnknownTopic = errors.New("unknown topic")

// Handler processes one inbound message. A nil error means the payload was
// understood.
type Handler func(Message) error

// Router demultiplexes inbound messages by topic. Handlers are isolated from
// each other: an error or panic in one never reaches the caller or affects
// other messages.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Handler
	kinds    map[string]Kind
	lastData atomic.Int64
}

func NewRouter() *Router {
	return &Router{
		routes: map[string]Handler{},
		kinds:  map[string]Kind{},
	}
}

// Bind registers handlers for every subscribed topic of t.
func (r *Router) Bind(t Topics, handlers map[Kind]Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = map[string]Handler{}
	r.kinds = map[string]Kind{}
	for topic, kind := range t.Kinds() {
		h, ok := handlers[kind]
		if !ok {
			continue
		}
		r.routes[topic] = h
		r.kinds[topic] = kind
	}
}

func (r *Router) Handle(topic string, kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = h
	r.kinds[topic] = kind
}

// Dispatch runs the handler bound to msg.Topic. Successfully handled live
// messages refresh the last-data-received time; retained ones never do.
func (r *Router) Dispatch(msg Message) (err error) {
	r.mu.RLock()
	h, ok := r.routes[msg.Topic]
	kind := r.kinds[msg.Topic]
	r.mu.RUnlock()
	if !ok {
		log.Warn("dropping message", "topic", msg.Topic, "err", ErrUnknownTopic)
		return fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s handler panicked: %v", kind, rec)
			log.Error("handler panicked", "kind", kind, "topic", msg.Topic, "panic", rec)
		}
	}()

	if err := h(msg); err != nil {
		log.Warn("could not handle message", "kind", kind, "topic", msg.Topic, "err", err)
		return err
	}
	if !msg.Retained {
		r.touch(msg.At)
	}
	return nil
}

func (r *Router) touch(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	r.lastData.Store(at.UnixNano())
}

// LastDataReceived is the arrival time of the last live message the device
// sent, or the zero time.
func (r *Router) LastDataReceived() time.Time {
	n := r.lastData.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *Router) ResetLiveness() {
	r.lastData.Store(0)
}
