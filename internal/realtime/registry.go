package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/shopfloor/internal/hub"
	"github.com/aussiebroadwan/shopfloor/pkg/idx"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
)

// Handler receives the raw payload of a server event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id      string
	event   string
	handler Handler
}

// Registry is the durable list of event subscriptions. Each subscription
// is attached to the transport under its own id, and re-attaching detaches
// first, so a handler never runs twice for one event however many times the
// connection comes back.
type Registry struct {
	mgr    *Manager
	logger *slog.Logger

	// mu also serialises attach and detach against the transport so an
	// unsubscribe cannot be undone by a concurrent re-attach.
	mu     sync.Mutex
	subs   map[string]subscription
	order  []string
	cancel func()
}

// NewRegistry creates a Registry bound to mgr's ready notifications.
func NewRegistry(mgr *Manager, logger *slog.Logger) *Registry {
	r := &Registry{
		mgr:    mgr,
		logger: slogx.OrDefault(logger).With("component", "subscriptions"),
		subs:   make(map[string]subscription),
	}
	r.cancel = mgr.OnReady(r.reattach)
	return r
}

// Subscribe records handler for event and attaches it at once if the
// connection is up. The returned func removes the subscription; calling it
// again is a no-op.
func (r *Registry) Subscribe(event string, handler Handler) (unsubscribe func()) {
	sub := subscription{
		id:      idx.New().String(),
		event:   event,
		handler: handler,
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.order = append(r.order, sub.id)
	if conn := r.mgr.Connection(); conn != nil && conn.State() == hub.StateConnected {
		conn.On(sub.event, sub.id, hub.Handler(sub.handler))
	}
	r.mu.Unlock()

	r.logger.Debug("subscribed", "event", event, "id", sub.id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(sub) })
	}
}

// Len reports the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops following ready notifications. Subscriptions stay attached
// to the current connection until it is stopped.
func (r *Registry) Close() {
	r.cancel()
}

func (r *Registry) remove(sub subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, sub.id)
	for i, id := range r.order {
		if id == sub.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if conn := r.mgr.Connection(); conn != nil {
		conn.Off(sub.event, sub.id)
	}

	r.logger.Debug("unsubscribed", "event", sub.event, "id", sub.id)
}

func (r *Registry) reattach(conn *hub.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		sub := r.subs[id]
		conn.Off(sub.event, sub.id)
		conn.On(sub.event, sub.id, hub.Handler(sub.handler))
	}

	r.logger.Debug("subscriptions attached", "count", len(r.order))
}
