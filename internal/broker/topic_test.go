package broker

import (
	"bufio"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nsqcore/nsqcore/internal/message"
)

func newTestTopic(t *testing.T, name string) *Topic {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	topic, err := NewTopic(name, TopicOptions{
		MemQueueSize:        100,
		ChannelMemQueueSize: 100,
		FS:                  afero.NewMemMapFs(),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { topic.Close() })
	return topic
}

func TestNewTopicRejectsBadName(t *testing.T) {
	t.Parallel()

	_, err := NewTopic("bad name!", TopicOptions{FS: afero.NewMemMapFs()}, logrus.New())
	require.ErrorIs(t, err, ErrBadTopic)
}

func TestGetChannelCreatesOnce(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	var created []string
	topic.OnChannelCreated = func(topicName, channelName string) {
		created = append(created, channelName)
	}

	ch1, err := topic.GetChannel("a")
	require.NoError(t, err)
	ch2, err := topic.GetChannel("a")
	require.NoError(t, err)

	require.Same(t, ch1, ch2)
	require.Equal(t, []string{"a"}, created)
}

func TestPutMessageFansOutToEveryChannel(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	chA, err := topic.GetChannel("a")
	require.NoError(t, err)
	chB, err := topic.GetChannel("b")
	require.NoError(t, err)

	require.NoError(t, topic.PutMessage(message.New([]byte("fan-out"))))

	require.Eventually(t, func() bool {
		return chA.Depth() == 1 && chB.Depth() == 1
	}, time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, topic.MessagesProduced())
}

func TestDeleteChannelClosesAndNotifies(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	_, err := topic.GetChannel("a")
	require.NoError(t, err)

	var deleted string
	topic.OnChannelDeleted = func(topicName, channelName string) {
		deleted = channelName
	}

	require.NoError(t, topic.DeleteChannel("a"))
	require.Equal(t, "a", deleted)

	_, ok := topic.Channel("a")
	require.False(t, ok)
}

func TestDeleteChannelUnknownReturnsErrBadChannel(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	err := topic.DeleteChannel("nope")
	require.ErrorIs(t, err, ErrBadChannel)
}

func TestEphemeralTopicAutoDeletesWhenEmpty(t *testing.T) {
	t.Parallel()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	topic, err := NewTopic("topic#ephemeral", TopicOptions{
		MemQueueSize: 10,
		FS:           afero.NewMemMapFs(),
	}, logger)
	require.NoError(t, err)
	defer topic.Close()

	_, err = topic.GetChannel("c")
	require.NoError(t, err)

	var deletedName string
	gotSignal := make(chan struct{}, 1)
	topic.OnEmptyEphemeral = func(name string) {
		deletedName = name
		select {
		case gotSignal <- struct{}{}:
		default:
		}
	}

	require.NoError(t, topic.DeleteChannel("c"))

	select {
	case <-gotSignal:
		require.Equal(t, "topic#ephemeral", deletedName)
	case <-time.After(time.Second):
		t.Fatal("expected OnEmptyEphemeral to fire once the last channel was removed")
	}
}

func TestPauseHoldsFanOutUntilUnpause(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	ch, err := topic.GetChannel("a")
	require.NoError(t, err)

	topic.Pause()
	require.NoError(t, topic.PutMessage(message.New([]byte("held"))))

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, ch.Depth(), "fan-out should not happen while topic is paused")

	topic.Unpause()
	require.Eventually(t, func() bool { return ch.Depth() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEmptyClearsIngressAndChannels(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	ch, err := topic.GetChannel("a")
	require.NoError(t, err)
	require.NoError(t, topic.PutMessage(message.New([]byte("x"))))

	require.Eventually(t, func() bool { return ch.Depth() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, topic.Empty())
	require.EqualValues(t, 0, ch.Depth())
}

func TestEphemeralChannelAutoDeletesOnceEmptyAndClientless(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	ch, err := topic.GetChannel("tail#ephemeral")
	require.NoError(t, err)

	cl, peer := newTestClientPair(t)
	cl.SetRDY(1)
	ch.AddClient(cl)

	require.NoError(t, ch.PutMessage(message.New([]byte("x"))))

	r := bufio.NewReader(peer)
	frameType, body, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, FrameTypeMessage, frameType)

	msg, err := DecodeMessageBody(body)
	require.NoError(t, err)
	require.NoError(t, ch.FinishMessage(msg.ID, cl.ID()))

	ch.RemoveClient(cl)

	require.Eventually(t, func() bool {
		_, ok := topic.Channel("tail#ephemeral")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCloseClosesAllChannels(t *testing.T) {
	t.Parallel()

	topic := newTestTopic(t, "topic")
	ch, err := topic.GetChannel("a")
	require.NoError(t, err)

	require.NoError(t, topic.Close())
	require.Equal(t, ChannelExiting, ch.State())
}
