package timerwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	t.Parallel()

	w := New[string]()
	w.Add("a", time.Now().Add(time.Minute), "payload-a")

	v, ok := w.Get("a")
	require.True(t, ok)
	assert.Equal(t, "payload-a", v)
	assert.Equal(t, 1, w.Len())
}

func TestAddReplacesExistingKey(t *testing.T) {
	t.Parallel()

	w := New[int]()
	base := time.Now()
	w.Add("k", base.Add(time.Hour), 1)
	w.Add("k", base.Add(time.Minute), 2)

	assert.Equal(t, 1, w.Len())
	v, ok := w.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestRemoveReturnsValueAndClears(t *testing.T) {
	t.Parallel()

	w := New[string]()
	w.Add("a", time.Now().Add(time.Minute), "x")

	v, ok := w.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	assert.Equal(t, 0, w.Len())

	_, ok = w.Remove("a")
	assert.False(t, ok)
}

func TestTouchExtendsDeadlineWithoutChangingValue(t *testing.T) {
	t.Parallel()

	w := New[string]()
	base := time.Now()
	w.Add("a", base.Add(time.Millisecond), "unchanged")

	ok := w.Touch("a", base.Add(time.Hour))
	require.True(t, ok)

	expired := w.Expired(base.Add(time.Second))
	assert.Empty(t, expired, "touch should have pushed the deadline well past this check")

	v, ok := w.Get("a")
	require.True(t, ok)
	assert.Equal(t, "unchanged", v)
}

func TestTouchOnMissingKeyReturnsFalse(t *testing.T) {
	t.Parallel()

	w := New[string]()
	assert.False(t, w.Touch("missing", time.Now()))
}

func TestExpiredReturnsOnlyPastDeadlines(t *testing.T) {
	t.Parallel()

	w := New[string]()
	now := time.Now()
	w.Add("past", now.Add(-time.Second), "expired")
	w.Add("future", now.Add(time.Hour), "not-yet")

	expired := w.Expired(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "past", expired[0].Key)
	assert.Equal(t, "expired", expired[0].Value)
	assert.Equal(t, 1, w.Len(), "only the expired entry should be removed")
}

func TestExpiredOrdersByDeadlineAscending(t *testing.T) {
	t.Parallel()

	w := New[int]()
	now := time.Now()
	w.Add("third", now.Add(30*time.Millisecond), 3)
	w.Add("first", now.Add(10*time.Millisecond), 1)
	w.Add("second", now.Add(20*time.Millisecond), 2)

	expired := w.Expired(now.Add(time.Hour))
	require.Len(t, expired, 3)
	assert.Equal(t, 1, expired[0].Value)
	assert.Equal(t, 2, expired[1].Value)
	assert.Equal(t, 3, expired[2].Value)
}

func TestKeysListsEverythingScheduled(t *testing.T) {
	t.Parallel()

	w := New[int]()
	w.Add("a", time.Now().Add(time.Minute), 1)
	w.Add("b", time.Now().Add(time.Minute), 2)

	keys := w.Keys()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}
