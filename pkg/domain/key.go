package domain

import (
	"fmt"
	"strings"
)

// IsolationKey scopes one independent execution context and its checkpoints.
// Two keys differing in any component share no mutable state.
type IsolationKey struct {
	Tenant       string `json:"tenant"`
	User         string `json:"user"`
	Conversation string `json:"conversation"`
}

// Valid reports whether all components are non-empty and free of the
// canonical separator. A component containing "/" would let two distinct
// keys collapse onto the same lock and storage key.
func (k IsolationKey) Valid() bool {
	return validComponent(k.Tenant) && validComponent(k.User) && validComponent(k.Conversation)
}

func validComponent(s string) bool {
	return s != "" && !strings.ContainsRune(s, '/')
}

// String returns the canonical form used as lock and storage key. It is
// unambiguous for valid keys, whose components never contain the separator.
func (k IsolationKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tenant, k.User, k.Conversation)
}
