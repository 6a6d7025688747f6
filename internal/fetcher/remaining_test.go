package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

func TestAttemptSetPreservesOrder(t *testing.T) {
	t.Parallel()

	a, b, c := testAttempt(0), testAttempt(1), testAttempt(2)
	s := newAttemptSet([]shuffle.AttemptID{a, b, c})

	require.Equal(t, 3, s.len())
	s.remove(b)
	vals := s.values()
	require.Len(t, vals, 2)
	assert.True(t, vals[0].Equal(a))
	assert.True(t, vals[1].Equal(c))

	first, ok := s.first()
	require.True(t, ok)
	assert.True(t, first.Equal(a))
}

func TestAttemptSetDeduplicates(t *testing.T) {
	t.Parallel()

	a := testAttempt(0)
	dup := a
	dup.PathComponent = "different_path_same_identity"
	s := newAttemptSet([]shuffle.AttemptID{a, dup})

	assert.Equal(t, 1, s.len())
	assert.True(t, s.contains(dup), "identity ignores the path component")
}

func TestAttemptSetRemoveMissingIsNoop(t *testing.T) {
	t.Parallel()

	s := newAttemptSet([]shuffle.AttemptID{testAttempt(0)})
	s.remove(testAttempt(9))
	assert.Equal(t, 1, s.len())

	s.remove(testAttempt(0))
	assert.Equal(t, 0, s.len())
	_, ok := s.first()
	assert.False(t, ok)
}
