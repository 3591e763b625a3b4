package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dugrema/millegrilles-landing/internal/message"
)

// Validator is implemented by payloads that check their own required fields.
type Validator interface {
	Validate() error
}

// Request is a decoded envelope handed to a handler.
type Request struct {
	Envelope *message.Envelope
	Payload  any
}

// Handler processes one decoded request. A nil response means no reply.
type Handler func(ctx context.Context, req Request) (*message.Response, error)

// Route binds a (category, action) pair to its payload decoder and handler.
type Route struct {
	Category message.Category
	Action   string
	decode   func(raw []byte) (any, error)
	handle   Handler
}

// Bind builds a Route whose payload is decoded into T before h runs.
// If *T or T implements Validator, it is checked after decoding.
func Bind[T any](c message.Category, action string, h func(ctx context.Context, env *message.Envelope, payload T) (*message.Response, error)) Route {
	return Route{
		Category: c,
		Action:   action,
		decode: func(raw []byte) (any, error) {
			var payload T
			if len(raw) == 0 {
				raw = []byte("{}")
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			if v, ok := any(&payload).(Validator); ok {
				if err := v.Validate(); err != nil {
					return nil, err
				}
			}
			return payload, nil
		},
		handle: func(ctx context.Context, req Request) (*message.Response, error) {
			return h(ctx, req.Envelope, req.Payload.(T))
		},
	}
}

type routeKey struct {
	category message.Category
	action   string
}

// Registry is the dispatch table of a domain, built once at startup.
// It is read-only afterwards and safe for concurrent use.
type Registry struct {
	routes map[routeKey]Route
}

// NewRegistry builds a registry, rejecting incomplete or duplicate routes.
func NewRegistry(routes ...Route) (*Registry, error) {
	r := &Registry{routes: make(map[routeKey]Route, len(routes))}
	for _, route := range routes {
		if _, err := message.ParseCategory(string(route.Category)); err != nil {
			return nil, fmt.Errorf("route %q: %w", route.Action, err)
		}
		if route.Action == "" || route.decode == nil || route.handle == nil {
			return nil, fmt.Errorf("route %s/%q is incomplete", route.Category, route.Action)
		}
		key := routeKey{route.Category, route.Action}
		if _, dup := r.routes[key]; dup {
			return nil, fmt.Errorf("duplicate route %s/%s", route.Category, route.Action)
		}
		r.routes[key] = route
	}
	return r, nil
}

// Lookup returns the route for (c, action).
func (r *Registry) Lookup(c message.Category, action string) (Route, bool) {
	route, ok := r.routes[routeKey{c, action}]
	return route, ok
}

// Actions returns the sorted action names registered for c.
func (r *Registry) Actions(c message.Category) []string {
	var actions []string
	for key := range r.routes {
		if key.category == c {
			actions = append(actions, key.action)
		}
	}
	sort.Strings(actions)
	return actions
}

// Len returns the number of routes.
func (r *Registry) Len() int {
	return len(r.routes)
}
