package lazyvar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLazyVarResolve(t *testing.T) {
	v := NewPending[string]()
	_, ok := v.Value()
	assert.False(t, ok)
	assert.Equal(t, Pending, v.State())

	v.Resolve("hello")
	value, ok := v.Value()
	assert.True(t, ok)
	assert.Equal(t, "hello", value)
	assert.Equal(t, Resolved, v.State())
}

func TestLazyVarCancelIsFinal(t *testing.T) {
	v := NewPending[int]()
	v.Cancel()
	assert.Equal(t, Cancelled, v.State())

	// Resolving after cancel is a no-op: state stays final.
	v.Resolve(42)
	_, ok := v.Value()
	assert.False(t, ok)
	assert.Equal(t, Cancelled, v.State())
}

func TestResolveIsFinal(t *testing.T) {
	v := NewResolved(7)
	v.Resolve(9)
	value, _ := v.Value()
	assert.Equal(t, 7, value)
}
