package xid

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesPrefix(t *testing.T) {
	id := New("sale")
	assert.True(t, strings.HasPrefix(id, "sale-"))
	assert.NotEqual(t, id, New("sale"))
}

func TestSequenceIsStrictlyIncreasingUnderFrozenClock(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	seq := NewSequence(func() time.Time { return frozen })

	first := seq.Next()
	second := seq.Next()
	third := seq.Next()

	assert.Equal(t, "1700000000000", first)
	assert.Equal(t, "1700000000001", second)
	assert.Equal(t, "1700000000002", third)
}

func TestSequenceObserveRaisesFloor(t *testing.T) {
	seq := NewSequence(func() time.Time { return time.UnixMilli(10) })
	seq.Observe("500")
	seq.Observe("not-a-number")

	next, err := strconv.ParseInt(seq.Next(), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(501), next)
}
