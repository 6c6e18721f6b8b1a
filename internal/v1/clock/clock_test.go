package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMS_Monotonic(t *testing.T) {
	a := NowMS()
	b := NowMS()
	assert.GreaterOrEqual(t, b, a, "clock must never go backwards")
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestNewClientID_Shape(t *testing.T) {
	id := NewClientID()
	require.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	for _, r := range id {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestNewClientID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewClientID()
		_, dup := seen[id]
		require.False(t, dup, "token %q repeated", id)
		seen[id] = struct{}{}
	}
}
