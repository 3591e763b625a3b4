// Package message defines the envelopes exchanged with the message bus.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// Category distinguishes the kinds of envelopes a domain receives.
type Category string

const (
	CategoryCommand     Category = "commande"
	CategoryQuery       Category = "requete"
	CategoryTransaction Category = "transaction"
	CategoryEvent       Category = "evenement"
)

// Categories lists every category in routing order.
func Categories() []Category {
	return []Category{CategoryCommand, CategoryQuery, CategoryTransaction, CategoryEvent}
}

// ParseCategory accepts the wire name of a category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Replies reports whether senders of this category expect an answer.
// Transactions and events have no guaranteed reply channel.
func (c Category) Replies() bool {
	return c == CategoryCommand || c == CategoryQuery
}

// Envelope is an inbound message unit. The Trust context has already been
// verified by the transport.
type Envelope struct {
	ID            string          `json:"id,omitempty"`
	Category      Category        `json:"category"`
	Domain        string          `json:"domain"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Trust         trust.Context   `json:"trust"`
}

// RoutingKey returns the bus routing key, e.g. "commande.Landing.sauvegarderApplication".
func (e *Envelope) RoutingKey() string {
	return RoutingKey(e.Category, e.Domain, e.Action)
}

// RoutingKey builds "<category>.<domain>.<action>".
func RoutingKey(c Category, domain, action string) string {
	return fmt.Sprintf("%s.%s.%s", c, domain, action)
}

// ParseRoutingKey splits a routing key into its parts.
func ParseRoutingKey(key string) (Category, string, string, error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid routing key %q", key)
	}
	c, err := ParseCategory(parts[0])
	if err != nil {
		return "", "", "", err
	}
	return c, parts[1], parts[2], nil
}
