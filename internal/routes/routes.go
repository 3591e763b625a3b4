// Package routes loads the queue and routing-key declaration of the domain.
//
// The declaration is CUE, embedded in the binary and checked against its
// schema when loaded. Check verifies it agrees with the dispatch table.
package routes

import (
	_ "embed"
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/dugrema/millegrilles-landing/internal/authz"
	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

//go:embed landing.cue
var landingCUE []byte

// Binding routes one (category, action) on an exchange level to a queue.
type Binding struct {
	Category message.Category `json:"category"`
	Action   string           `json:"action"`
	Level    trust.Level      `json:"level"`
}

// Queue is one consumed queue.
type Queue struct {
	Name       string      `json:"name"`
	Durable    bool        `json:"durable"`
	TTLSeconds int         `json:"ttl_seconds,omitempty"`
	Triggers   bool        `json:"triggers"`
	Level      trust.Level `json:"level,omitempty"`
	Bindings   []Binding   `json:"bindings"`
}

// Declaration is the full routing declaration of a domain.
type Declaration struct {
	Domain string  `json:"domain"`
	Queues []Queue `json:"queues"`
}

// DeclarationError reports an invalid declaration.
type DeclarationError struct {
	Message string
	Pos     token.Pos
}

func (e *DeclarationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Load compiles the embedded Landing declaration.
func Load() (*Declaration, error) {
	return Compile("landing.cue", landingCUE)
}

// Compile parses and validates a CUE declaration.
func Compile(filename string, src []byte) (*Declaration, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var decl Declaration
	if err := v.LookupPath(cue.ParsePath("domain")).Decode(&decl.Domain); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.LookupPath(cue.ParsePath("queues")).Decode(&decl.Queues); err != nil {
		return nil, formatCUEError(err)
	}
	return &decl, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &DeclarationError{Message: err.Error()}
	}
	first := errs[0]
	var pos token.Pos
	if positions := errors.Positions(first); len(positions) > 0 {
		pos = positions[0]
	}
	return &DeclarationError{Message: first.Error(), Pos: pos}
}

// QueueNames returns the queue names in declaration order.
func (d *Declaration) QueueNames() []string {
	names := make([]string, 0, len(d.Queues))
	for _, q := range d.Queues {
		names = append(names, q.Name)
	}
	return names
}

// RoutingKeys returns every bound routing key, sorted.
func (d *Declaration) RoutingKeys() []string {
	var keys []string
	for _, q := range d.Queues {
		for _, b := range q.Bindings {
			keys = append(keys, message.RoutingKey(b.Category, d.Domain, b.Action))
		}
	}
	slices.Sort(keys)
	return keys
}

// QueueFor returns the queue bound to (c, action).
func (d *Declaration) QueueFor(c message.Category, action string) (string, bool) {
	for _, q := range d.Queues {
		for _, b := range q.Bindings {
			if b.Category == c && b.Action == action {
				return q.Name, true
			}
		}
	}
	return "", false
}

// Check verifies that every binding has a route, every route has a binding,
// and every binding's level is one the authorization policy accepts for its
// category.
func (d *Declaration) Check(reg *domain.Registry) error {
	bound := map[message.Category][]string{}
	for _, q := range d.Queues {
		for _, b := range q.Bindings {
			if _, ok := reg.Lookup(b.Category, b.Action); !ok {
				return fmt.Errorf("queue %s binds %s with no handler", q.Name, message.RoutingKey(b.Category, d.Domain, b.Action))
			}
			if !slices.Contains(authz.RequiredLevels(b.Category), b.Level) {
				return fmt.Errorf("queue %s binds %s on %s, which %s messages are never accepted on",
					q.Name, message.RoutingKey(b.Category, d.Domain, b.Action), b.Level, b.Category)
			}
			bound[b.Category] = append(bound[b.Category], b.Action)
		}
	}

	for _, c := range message.Categories() {
		for _, action := range reg.Actions(c) {
			if !slices.Contains(bound[c], action) {
				return fmt.Errorf("handler %s is not bound to any queue", message.RoutingKey(c, d.Domain, action))
			}
		}
	}
	return nil
}
