package dispatch

import (
	"sync"

	"github.com/Brownie44l1/webcore/internal/logging"
)

// Route binds a context name, the first element of a request path, to
// the factory of its handler.
type Route struct {
	Context string
	Factory Factory
}

// Registry keeps routes in registration order.
type Registry struct {
	mu     sync.RWMutex
	routes []*Route
	log    logging.Logger
}

func NewRegistry(log logging.Logger) *Registry {
	return &Registry{log: logging.OrNop(log)}
}

// Handle registers a factory on context. Registering a context again
// replaces its factory and keeps its original position.
func (r *Registry) Handle(context string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, route := range r.routes {
		if route.Context == context {
			r.log.Warn("installing a handler on a context already in use", "context", context)
			route.Factory = f
			return
		}
	}
	r.routes = append(r.routes, &Route{Context: context, Factory: f})
}

// Match returns the route registered on context.
func (r *Registry) Match(context string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		if route.Context == context {
			return *route, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the routes in registration order.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, len(r.routes))
	for i, route := range r.routes {
		out[i] = *route
	}
	return out
}
