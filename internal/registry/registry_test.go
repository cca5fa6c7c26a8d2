package registry

import (
	"errors"
	"testing"

	replayerrors "backd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CaseInsensitive(t *testing.T) {
	r := New[func() int]("test")
	r.Register("JumpRateModel", func() int { return 1 })

	for _, name := range []string{"jumpratemodel", "JUMPRATEMODEL", " JumpRateModel "} {
		f, err := r.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, 1, f())
	}
	assert.True(t, r.Has("jumpRateModel"))
}

func TestRegistry_Missing(t *testing.T) {
	r := New[int]("oracle")
	_, err := r.Get("0xab23")
	require.Error(t, err)
	assert.True(t, errors.Is(err, replayerrors.ErrRegistryLookup))
	assert.Contains(t, err.Error(), "0xab23")
}

func TestRegistry_AliasAndKeys(t *testing.T) {
	r := New[string]("hook")
	r.Register("b", "second")
	r.Register("A", "first")

	require.NoError(t, r.Alias("0xAB23", "a"))
	assert.Error(t, r.Alias("x", "missing"))

	v, err := r.Get("0xab23")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	assert.Equal(t, []string{"0xab23", "a", "b"}, r.Keys())
}

func TestRegistry_Namespaces(t *testing.T) {
	// 不同注册表相互独立
	hooks := New[string]("hook")
	oracles := New[string]("oracle")
	hooks.Register("dsr", "hook")

	assert.True(t, hooks.Has("dsr"))
	assert.False(t, oracles.Has("dsr"))
}
