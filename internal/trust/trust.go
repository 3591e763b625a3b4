// Package trust holds the facts extracted from a sender's verified credential.
//
// A Context is built once per inbound envelope by the transport, after the
// signature and certificate chain have been verified. It is read-only and
// never persisted.
package trust

import "slices"

// Role is a role granted by a credential.
type Role string

const (
	// RolePrivateAccount marks an end-user acting on their own data.
	RolePrivateAccount Role = "compte_prive"
	RoleDomain         Role = "domaines"
	RoleMaintenance    Role = "maintenance"
)

// Level is a security exchange a credential is valid on.
type Level string

const (
	L1Public    Level = "1.public"
	L2Private   Level = "2.prive"
	L3Protected Level = "3.protege"
	L4Secure    Level = "4.secure"
)

// Levels returns every known exchange level, weakest first.
func Levels() []Level {
	return []Level{L1Public, L2Private, L3Protected, L4Secure}
}

// Context contains the authenticated facts about a message sender.
type Context struct {
	SubjectID        string  `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	Roles            []Role  `json:"roles,omitempty" yaml:"roles,omitempty"`
	ExchangeLevels   []Level `json:"exchange_levels,omitempty" yaml:"exchange_levels,omitempty"`
	GlobalDelegation bool    `json:"global_delegation,omitempty" yaml:"global_delegation,omitempty"`
}

// UserID returns the subject identifier and whether it is present.
func (c Context) UserID() (string, bool) {
	return c.SubjectID, c.SubjectID != ""
}

// HasRole reports whether the credential grants role.
func (c Context) HasRole(role Role) bool {
	return slices.Contains(c.Roles, role)
}

// ValidOnAny reports whether the credential is valid on at least one of levels.
func (c Context) ValidOnAny(levels ...Level) bool {
	for _, l := range levels {
		if slices.Contains(c.ExchangeLevels, l) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (c Context) Clone() Context {
	return Context{
		SubjectID:        c.SubjectID,
		Roles:            slices.Clone(c.Roles),
		ExchangeLevels:   slices.Clone(c.ExchangeLevels),
		GlobalDelegation: c.GlobalDelegation,
	}
}
