package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentifyProducerThenFindByTopicRegistration(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	producers := r.FindProducers(CategoryTopic, "mytopic", "")
	require.Len(t, producers, 1)
	require.Equal(t, "127.0.0.1", producers[0].BroadcastAddress)
}

func TestFindProducersExcludesInactiveBeyondTimeout(t *testing.T) {
	t.Parallel()

	r := New(Options{InactiveProducerTimeout: time.Minute})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now().Add(-2*time.Minute))
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	require.Empty(t, r.FindProducers(CategoryTopic, "mytopic", ""))
}

func TestTouchRefreshesLastUpdate(t *testing.T) {
	t.Parallel()

	r := New(Options{InactiveProducerTimeout: time.Minute})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now().Add(-2*time.Minute))
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})
	require.Empty(t, r.FindProducers(CategoryTopic, "mytopic", ""))

	require.True(t, r.Touch(key, time.Now()))
	require.Len(t, r.FindProducers(CategoryTopic, "mytopic", ""), 1)
}

func TestTouchOnUnknownProducerReturnsFalse(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	require.False(t, r.Touch(NewProducerKey("nope", 1), time.Now()))
}

func TestRemoveProducerDropsItsRegistrations(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	r.RemoveProducer(key)
	require.Empty(t, r.FindProducers(CategoryTopic, "mytopic", ""))
	require.Empty(t, r.Topics())
}

func TestRemoveAllRegistrationsForTopicDropsChannelsToo(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})
	r.AddRegistration(key, Registration{Category: CategoryChannel, Key: "mytopic", SubKey: "mychannel"})

	r.RemoveAllRegistrationsForTopic(key, "mytopic")
	require.Empty(t, r.Topics())
	require.Empty(t, r.Channels("mytopic"))
}

func TestTombstoneHidesProducerUntilLifetimeElapses(t *testing.T) {
	t.Parallel()

	r := New(Options{TombstoneLifetime: time.Hour})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})

	r.Tombstone("mytopic", key)
	require.Empty(t, r.FindProducers(CategoryTopic, "mytopic", ""))
}

func TestTopicsAndChannelsListDistinctRegistrations(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "t1"})
	r.AddRegistration(key, Registration{Category: CategoryChannel, Key: "t1", SubKey: "c1"})
	r.AddRegistration(key, Registration{Category: CategoryChannel, Key: "t1", SubKey: "c2"})

	require.ElementsMatch(t, []string{"t1"}, r.Topics())
	require.ElementsMatch(t, []string{"c1", "c2"}, r.Channels("t1"))
}

func TestNodesReturnsOnlyActiveProducers(t *testing.T) {
	t.Parallel()

	r := New(Options{InactiveProducerTimeout: time.Minute})
	active := NewProducerKey("127.0.0.1", 4150)
	stale := NewProducerKey("127.0.0.1", 4160)
	r.IdentifyProducer(active, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.IdentifyProducer(stale, "127.0.0.1", 4160, 4161, "1.0.0", time.Now().Add(-time.Hour))

	nodes := r.Nodes()
	require.Len(t, nodes, 1)
	require.Equal(t, 4150, nodes[0].TCPPort)
}

func TestTickPrunesExpiredTombstones(t *testing.T) {
	t.Parallel()

	r := New(Options{TombstoneLifetime: time.Millisecond})
	key := NewProducerKey("127.0.0.1", 4150)
	r.IdentifyProducer(key, "127.0.0.1", 4150, 4151, "1.0.0", time.Now())
	r.AddRegistration(key, Registration{Category: CategoryTopic, Key: "mytopic"})
	r.Tombstone("mytopic", key)

	time.Sleep(5 * time.Millisecond)
	r.Tick()

	require.Len(t, r.FindProducers(CategoryTopic, "mytopic", ""), 1)
}

func TestRunTickerStopsOnCloseSignal(t *testing.T) {
	t.Parallel()

	r := New(Options{TombstoneLifetime: time.Millisecond})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.RunTicker(time.Millisecond, stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RunTicker to return once stop is closed")
	}
}
