package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRunID(t *testing.T) {
	t.Run("generated_ids_are_valid", func(t *testing.T) {
		s := MustNewRunID()
		require.True(t, IsValid(s))
	})

	t.Run("rejects_non_ulid", func(t *testing.T) {
		require.False(t, IsValid("foobar"))
	})

	t.Run("embeds_start_time", func(t *testing.T) {
		start := time.Now().Truncate(time.Millisecond)
		s, err := NewRunID(start)
		require.NoError(t, err)

		got, err := StartTime(s)
		require.NoError(t, err)
		require.Equal(t, start.UnixMilli(), got.UnixMilli())
	})
}

func TestThatProbablyNoCollisionsHappen(t *testing.T) {
	now := time.Now()
	length := 10000
	m := make(map[string]struct{}, length)
	for i := 0; i < length; i++ {
		s, err := NewRunID(now)
		require.NoError(t, err)
		m[s] = struct{}{}
	}
	require.Len(t, m, length)
}
