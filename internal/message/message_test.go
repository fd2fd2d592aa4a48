package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsAttemptOneAndTimestamp(t *testing.T) {
	t.Parallel()

	m := New([]byte("hello"))
	assert.Equal(t, uint16(1), m.Attempts)
	assert.Equal(t, []byte("hello"), m.Body)
	assert.NotZero(t, m.Timestamp)
	assert.Zero(t, m.DeferUntil)
}

func TestNewDeferredSetsDeferUntil(t *testing.T) {
	t.Parallel()

	m := NewDeferred([]byte("later"), 12345)
	assert.EqualValues(t, 12345, m.DeferUntil)
}

func TestNextIDIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[ID]struct{})
	for i := 0; i < 1000; i++ {
		id := NextID()
		_, dup := seen[id]
		require.False(t, dup, "NextID produced a duplicate")
		seen[id] = struct{}{}
	}
}

func TestNewBatchSharesOneClockRead(t *testing.T) {
	t.Parallel()

	bodies := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	msgs := NewBatch(bodies)
	require.Len(t, msgs, 3)

	ts := msgs[0].Timestamp
	ids := make(map[ID]struct{})
	for i, m := range msgs {
		assert.Equal(t, bodies[i], m.Body)
		assert.Equal(t, uint16(1), m.Attempts)
		assert.Equal(t, ts, m.Timestamp, "batch messages should share one clock read")
		_, dup := ids[m.ID]
		require.False(t, dup)
		ids[m.ID] = struct{}{}
	}
}

func TestCloneIsIndependentCopy(t *testing.T) {
	t.Parallel()

	m := New([]byte("payload"))
	clone := m.Clone()
	clone.Attempts = 9

	assert.Equal(t, m.ID, clone.ID)
	assert.Equal(t, uint16(1), m.Attempts, "cloning must not mutate the original")
	assert.Equal(t, uint16(9), clone.Attempts)
}
