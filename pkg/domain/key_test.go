package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsolationKey_Valid(t *testing.T) {
	assert.True(t, IsolationKey{Tenant: "acme", User: "u1", Conversation: "c1"}.Valid())

	// Empty components are rejected.
	assert.False(t, IsolationKey{User: "u1", Conversation: "c1"}.Valid())
	assert.False(t, IsolationKey{Tenant: "acme", Conversation: "c1"}.Valid())
	assert.False(t, IsolationKey{Tenant: "acme", User: "u1"}.Valid())

	// A separator inside a component would make two distinct keys render
	// the same canonical string, collapsing their locks and checkpoints.
	a := IsolationKey{Tenant: "acme/u1", User: "x", Conversation: "c"}
	b := IsolationKey{Tenant: "acme", User: "u1/x", Conversation: "c"}
	assert.Equal(t, a.String(), b.String())
	assert.False(t, a.Valid())
	assert.False(t, b.Valid())
}

func TestIsolationKey_String(t *testing.T) {
	key := IsolationKey{Tenant: "acme", User: "u1", Conversation: "c1"}
	assert.Equal(t, "acme/u1/c1", key.String())
}
