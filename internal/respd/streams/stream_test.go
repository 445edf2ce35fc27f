package streams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsZeroID(t *testing.T) {
	s := New()
	_, err := s.Add("0-0", []Field{{"a", "b"}})
	assert.ErrorIs(t, err, ErrZeroID)
}

func TestAddEnforcesMonotonicIDs(t *testing.T) {
	s := New()
	_, err := s.Add("5-0", nil)
	require.NoError(t, err)

	_, err = s.Add("4-5", nil)
	assert.ErrorIs(t, err, ErrNotMonotonic)

	_, err = s.Add("5-0", nil)
	assert.ErrorIs(t, err, ErrNotMonotonic)
}

func TestAddAutoSequencePerMs(t *testing.T) {
	s := New()
	id1, err := s.Add("5-*", nil)
	require.NoError(t, err)
	assert.Equal(t, ID{5, 0}, id1)

	id2, err := s.Add("5-*", nil)
	require.NoError(t, err)
	assert.Equal(t, ID{5, 1}, id2)

	_, err = s.Add("4-*", nil)
	assert.ErrorIs(t, err, ErrNotMonotonic)
}

func TestAddAutoSequenceZeroMsStartsAtOne(t *testing.T) {
	s := New()
	id, err := s.Add("0-*", nil)
	require.NoError(t, err)
	assert.Equal(t, ID{0, 1}, id)
}

func TestRangeInclusive(t *testing.T) {
	s := New()
	mustAdd(t, s, "1-0")
	mustAdd(t, s, "2-0")
	mustAdd(t, s, "3-0")

	entries := s.Range(MinID, MaxID)
	require.Len(t, entries, 3)
	assert.Equal(t, "1-0", entries[0].ID.String())
	assert.Equal(t, "3-0", entries[2].ID.String())

	entries = s.Range(ID{2, 0}, ID{2, 0})
	require.Len(t, entries, 1)
	assert.Equal(t, "2-0", entries[0].ID.String())
}

func TestAfterExcludesGivenID(t *testing.T) {
	s := New()
	mustAdd(t, s, "1-0")
	mustAdd(t, s, "2-0")

	last, ok := s.LastID()
	require.True(t, ok)
	assert.Empty(t, s.After(last))

	entries := s.After(ID{1, 0})
	require.Len(t, entries, 1)
	assert.Equal(t, "2-0", entries[0].ID.String())
}

func TestParseBound(t *testing.T) {
	id, err := ParseBound("-")
	require.NoError(t, err)
	assert.Equal(t, MinID, id)

	id, err = ParseBound("+")
	require.NoError(t, err)
	assert.Equal(t, MaxID, id)

	id, err = ParseBound("5-3")
	require.NoError(t, err)
	assert.Equal(t, ID{5, 3}, id)
}

func mustAdd(t *testing.T, s *Stream, rawID string) {
	t.Helper()
	_, err := s.Add(rawID, nil)
	require.NoError(t, err)
}
