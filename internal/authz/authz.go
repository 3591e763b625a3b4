// Package authz decides whether a sender may submit a message.
//
// The policy is evaluated in a fixed order and the first matching rule wins:
//
//  1. A subject id together with the private-account role (an end-user acting
//     on their own data).
//  2. Membership in one of the exchange levels required by the category.
//  3. The global delegation privilege (owner override).
//
// Anything else is denied. Authorize is pure and safe for concurrent use.
package authz

import (
	"fmt"

	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/trust"
)

// Rule identifies which policy step produced a decision.
type Rule int

const (
	RuleNone Rule = iota
	RulePrivateAccount
	RuleExchangeLevel
	RuleGlobalDelegation
)

func (r Rule) String() string {
	switch r {
	case RulePrivateAccount:
		return "private_account"
	case RuleExchangeLevel:
		return "exchange_level"
	case RuleGlobalDelegation:
		return "global_delegation"
	default:
		return "none"
	}
}

// Decision is the outcome of Authorize. A denial is not an error.
type Decision struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

// RequiredLevels returns the exchange levels accepted for a category.
// Transactions need 4.secure since they have already been vetted by a command.
func RequiredLevels(c message.Category) []trust.Level {
	switch c {
	case message.CategoryCommand:
		return []trust.Level{trust.L2Private, trust.L3Protected, trust.L4Secure}
	case message.CategoryQuery:
		return []trust.Level{trust.L2Private, trust.L3Protected}
	case message.CategoryTransaction:
		return []trust.Level{trust.L4Secure}
	case message.CategoryEvent:
		return []trust.Level{trust.L3Protected, trust.L4Secure}
	default:
		return nil
	}
}

// Authorize evaluates the layered trust policy for one message.
func Authorize(tc trust.Context, c message.Category, action, correlationID string) Decision {
	if _, ok := tc.UserID(); ok && tc.HasRole(trust.RolePrivateAccount) {
		return Decision{Allowed: true, Rule: RulePrivateAccount}
	}

	if tc.ValidOnAny(RequiredLevels(c)...) {
		return Decision{Allowed: true, Rule: RuleExchangeLevel}
	}

	if tc.GlobalDelegation {
		return Decision{Allowed: true, Rule: RuleGlobalDelegation}
	}

	return Decision{
		Rule:   RuleNone,
		Reason: fmt.Sprintf("%s %s: invalid authorization for message %q", c, action, correlationID),
	}
}

// UserAction reports whether a sender may mutate user-owned data through a
// command: either the private-account role or the global delegation.
func UserAction(tc trust.Context) bool {
	return tc.HasRole(trust.RolePrivateAccount) || tc.GlobalDelegation
}
