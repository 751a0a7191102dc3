package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aussiebroadwan/shopfloor/pkg/apiclient"
)

// ErrNoHandler is returned when replay meets an action type nobody
// registered. It halts replay like any other failure.
var ErrNoHandler = errors.New("offline: no handler for action type")

// HandlerFunc applies one action against the domain API. During replay ctx
// carries a logger scoped to the action; see slogx.FromContext.
type HandlerFunc func(ctx context.Context, a PendingAction) error

// Dispatcher routes actions to handlers by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds fn to typ, replacing any previous handler.
func (d *Dispatcher) Register(typ string, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[typ] = fn
	d.mu.Unlock()
}

// Types returns the registered action types.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

func (d *Dispatcher) Dispatch(ctx context.Context, a PendingAction) error {
	d.mu.RLock()
	fn, ok := d.handlers[a.Type]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, a.Type)
	}
	return fn(ctx, a)
}

// HTTPHandler replays an action by sending its payload to path with method
// through the authenticated client.
func HTTPHandler(c *apiclient.Client, method, path string) HandlerFunc {
	return func(ctx context.Context, a PendingAction) error {
		req := &apiclient.Request{
			Method: method,
			Path:   path,
			Header: http.Header{
				"Content-Type":    {"application/json"},
				"Idempotency-Key": {a.ID},
			},
		}
		if method != http.MethodGet && method != http.MethodDelete {
			req.Body = a.Payload
		}
		return c.DoRequest(ctx, req, nil)
	}
}
