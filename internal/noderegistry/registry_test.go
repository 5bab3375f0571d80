package noderegistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterGetLastWriterWins(t *testing.T) {
	r := New()
	r.Register(Definition{Type: "debug", Outputs: 0})
	r.Register(Definition{Type: "debug", Outputs: 1})

	def, ok := r.Get("debug")
	require.True(t, ok)
	assert.Equal(t, 1, def.Outputs)
}

func TestGetUnknownType(t *testing.T) {
	r := New()
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	r := New()
	r.Register(Definition{Type: "a"})
	r.Register(Definition{Type: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, r.List())
}
