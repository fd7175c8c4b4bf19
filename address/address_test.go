package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "opaque form", raw: "mem:user@example.com/inbox", want: "user@example.com/inbox"},
		{name: "hierarchical form", raw: "mem://user@example.com/inbox", want: "user@example.com/inbox"},
		{name: "opaque path only", raw: "mem:demo/inbox", want: "demo/inbox"},
		{name: "host only", raw: "mem://example.com", want: "example.com"},
		{name: "hierarchical without userinfo", raw: "mem://example.com/inbox", want: "example.com/inbox"},
		{name: "query is dropped", raw: "mem:demo/inbox?priority=high", want: "demo/inbox"},
		{name: "fragment is dropped", raw: "mem:demo/inbox#latest", want: "demo/inbox"},
		{name: "scheme does not leak into the key", raw: "chan:demo/inbox", want: "demo/inbox"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonical_BothSpellingsShareOneKey(t *testing.T) {
	opaque, err := Canonical("mem:user@example.com/inbox")
	require.NoError(t, err)
	hierarchical, err := Canonical("mem://user@example.com/inbox")
	require.NoError(t, err)
	assert.Equal(t, opaque, hierarchical)
}

func TestCanonical_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "no scheme", raw: "demo/inbox"},
		{name: "empty", raw: ""},
		{name: "scheme only", raw: "mem:"},
		{name: "control character", raw: "mem://exam\x00ple.com/inbox"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonical(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestCache(t *testing.T) {
	cache := NewCache(4)

	key, err := cache.Canonical("mem:demo/inbox")
	require.NoError(t, err)
	assert.Equal(t, "demo/inbox", key)
	assert.Equal(t, 1, cache.Len())

	// Hits return the same key without growing the cache.
	again, err := cache.Canonical("mem:demo/inbox")
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, cache.Len())

	// Unparseable addresses are not cached.
	_, err = cache.Canonical("no-scheme-here")
	assert.Error(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsBeyondCapacity(t *testing.T) {
	cache := NewCache(2)
	for _, raw := range []string{"mem:a", "mem:b", "mem:c"} {
		_, err := cache.Canonical(raw)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
}

func TestNewCache_DefaultsSize(t *testing.T) {
	cache := NewCache(0)
	require.NotNil(t, cache)

	key, err := cache.Canonical("mem:demo/inbox")
	require.NoError(t, err)
	assert.Equal(t, "demo/inbox", key)
}
