package ident

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsNotZero(t *testing.T) {
	assert.False(t, IsZero(New()))
	assert.True(t, IsZero(Zero))
}

func TestParseRoundTrip(t *testing.T) {
	id := New()

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-an-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse id")
}

func TestMustParsePanicsOnGarbage(t *testing.T) {
	assert.Panics(t, func() {
		MustParse("nope")
	})
}

func TestTextOrderMatchesCreationOrder(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New().String()
	}

	assert.True(t, sort.StringsAreSorted(ids),
		"ids created in sequence must sort in creation order")
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

	id := NewAt(at)

	assert.Equal(t, at, Timestamp(id))
}
