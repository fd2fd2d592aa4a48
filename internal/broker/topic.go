package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nsqcore/nsqcore/internal/diskqueue"
	"github.com/nsqcore/nsqcore/internal/message"
	"github.com/nsqcore/nsqcore/internal/queue"
)

// Topic is the fan-out primitive described in spec §4.3: one ingress
// queue, N channel egresses.
type Topic struct {
	name      string
	ephemeral bool

	logger logrus.FieldLogger

	ingress *queue.Queue

	mu       sync.RWMutex
	channels map[string]*Channel

	paused  int32 // atomic
	exiting int32 // atomic

	messagesProduced int64 // atomic

	channelOpts ChannelOptions
	fs          afero.Fs
	dataPath    string

	channelChangeChan chan struct{}
	resumeChan        chan struct{}
	exitChan          chan struct{}
	exitOnce          sync.Once
	wg                sync.WaitGroup

	// OnChannelCreated/OnChannelDeleted let the owning Broker notify its
	// RegistryClient of registration changes, per spec §4.8. Either may be
	// nil (e.g. in tests).
	OnChannelCreated func(topicName, channelName string)
	OnChannelDeleted func(topicName, channelName string)
	// OnEmptyEphemeral is invoked whenever this topic becomes "empty
	// enough" to be a candidate for ephemeral auto-delete (no channels and
	// no queued messages); the Broker owns the actual map deletion.
	OnEmptyEphemeral func(topicName string)
}

// TopicOptions configures a new Topic.
type TopicOptions struct {
	MemQueueSize int64
	MsgTimeout   int64 // nanoseconds; propagated to channels as a default
	DataPath     string
	FS           afero.Fs
	DiskQueue    diskqueue.Options
	ChannelMemQueueSize int64
}

// NewTopic constructs a Topic named name and starts its messagePump.
func NewTopic(name string, opts TopicOptions, logger logrus.FieldLogger) (*Topic, error) {
	if !isValidName(name) {
		return nil, ErrBadTopic
	}
	ephemeral := isEphemeralName(name)
	log := logger.WithField("topic", name)

	dqOpts := opts.DiskQueue
	dqOpts.DataPath = opts.DataPath

	ingressOpts := queue.Options{
		MemQueueSize:  opts.MemQueueSize,
		Ephemeral:     ephemeral,
		DiskQueueName: name + ":ephemeral",
		DiskQueueFS:   opts.FS,
		DiskQueueOpts: dqOpts,
	}
	if !ephemeral {
		ingressOpts.DiskQueueName = name
	}
	ingress, err := queue.New(ingressOpts, log)
	if err != nil {
		return nil, err
	}

	t := &Topic{
		name:      name,
		ephemeral: ephemeral,
		logger:    log,
		ingress:   ingress,
		channels:  make(map[string]*Channel),
		fs:        opts.FS,
		dataPath:  opts.DataPath,
		channelOpts: ChannelOptions{
			MemQueueSize: opts.ChannelMemQueueSize,
			MsgTimeout:   time.Duration(opts.MsgTimeout),
			DataPath:     opts.DataPath,
			FS:           opts.FS,
			DiskQueue:    dqOpts,
		},
		channelChangeChan: make(chan struct{}, 1),
		resumeChan:        make(chan struct{}, 1),
		exitChan:          make(chan struct{}),
	}

	t.wg.Add(1)
	go t.messagePump()
	return t, nil
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.name }

// Ephemeral reports whether this topic auto-deletes when empty.
func (t *Topic) Ephemeral() bool { return t.ephemeral }

// Paused reports the topic's paused flag.
func (t *Topic) Paused() bool { return atomic.LoadInt32(&t.paused) == 1 }

// Exiting reports whether the topic is shutting down.
func (t *Topic) Exiting() bool { return atomic.LoadInt32(&t.exiting) == 1 }

// Depth returns the ingress queue's current depth.
func (t *Topic) Depth() int64 { return t.ingress.Depth() }

// MessagesProduced returns the lifetime count of messages fanned out to
// at least an attempt at every channel.
func (t *Topic) MessagesProduced() int64 { return atomic.LoadInt64(&t.messagesProduced) }

// PutMessage enqueues m to the ingress queue.
func (t *Topic) PutMessage(m *message.Message) error {
	if t.Exiting() {
		return ErrTopicExiting
	}
	if err := t.ingress.Put(m); err != nil {
		return err
	}
	return nil
}

// PutMessages enqueues every message in ms, in order. It stops at the first
// message that finds the topic exiting or fails to enqueue; messages
// enqueued before that point stay queued, so the batch is not atomic,
// neither against topic exit nor against concurrent publishers.
func (t *Topic) PutMessages(ms []*message.Message) error {
	for _, m := range ms {
		if t.Exiting() {
			return ErrTopicExiting
		}
		if err := t.ingress.Put(m); err != nil {
			return err
		}
	}
	return nil
}

// GetChannel returns the named channel, creating it (and notifying
// OnChannelCreated) if it doesn't exist yet.
func (t *Topic) GetChannel(name string) (*Channel, error) {
	t.mu.Lock()
	if ch, ok := t.channels[name]; ok {
		t.mu.Unlock()
		return ch, nil
	}
	t.mu.Unlock()

	ch, err := NewChannel(t.name, name, t.channelOpts, t.logger)
	if err != nil {
		return nil, err
	}
	if ch.ephemeral {
		ch.OnEmpty = func() { _ = t.DeleteChannel(name) }
	}

	t.mu.Lock()
	if existing, ok := t.channels[name]; ok {
		t.mu.Unlock()
		ch.Close()
		return existing, nil
	}
	t.channels[name] = ch
	t.mu.Unlock()

	t.signalChannelChange()
	if t.OnChannelCreated != nil {
		t.OnChannelCreated(t.name, name)
	}
	return ch, nil
}

// Channel returns the named channel if it already exists.
func (t *Topic) Channel(name string) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[name]
	return ch, ok
}

// Channels returns a snapshot of all channels.
func (t *Topic) Channels() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// DeleteChannel removes and closes the named channel, draining its
// pending messages and unblocking its clients. It then checks whether
// this (ephemeral) topic should now auto-delete.
func (t *Topic) DeleteChannel(name string) error {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		return ErrBadChannel
	}
	delete(t.channels, name)
	t.mu.Unlock()

	for _, cl := range ch.Clients() {
		cl.Close()
	}
	if err := ch.Close(); err != nil {
		t.logger.WithError(err).Warn("error closing deleted channel")
	}

	t.signalChannelChange()
	if t.OnChannelDeleted != nil {
		t.OnChannelDeleted(t.name, name)
	}
	t.maybeAutoDelete()
	return nil
}

func (t *Topic) maybeAutoDelete() {
	if !t.ephemeral {
		return
	}
	t.mu.RLock()
	empty := len(t.channels) == 0
	t.mu.RUnlock()
	if empty && t.Depth() == 0 && t.OnEmptyEphemeral != nil {
		t.OnEmptyEphemeral(t.name)
	}
}

// Pause sets the paused flag; the messagePump stops delivering to
// channels but ingress keeps accepting publishes.
func (t *Topic) Pause() {
	atomic.StoreInt32(&t.paused, 1)
}

// Unpause clears the paused flag and wakes the messagePump.
func (t *Topic) Unpause() {
	atomic.StoreInt32(&t.paused, 0)
	select {
	case t.resumeChan <- struct{}{}:
	default:
	}
}

// Empty discards all ingress messages and, recursively, every channel's
// contents. Per spec §9's Open Question decision, this does NOT unregister
// channels from the registry — it only removes messages, not structure.
func (t *Topic) Empty() error {
	if err := t.ingress.Empty(); err != nil {
		return err
	}
	for _, ch := range t.Channels() {
		if err := ch.Empty(); err != nil {
			t.logger.WithError(err).WithField("channel", ch.Name()).Warn("failed to empty channel")
		}
	}
	return nil
}

// Close performs final persistence of all channel queues to disk, then
// closes everything.
func (t *Topic) Close() error {
	t.exitOnce.Do(func() {
		atomic.StoreInt32(&t.exiting, 1)
		close(t.exitChan)
	})
	t.wg.Wait()

	var firstErr error
	for _, ch := range t.Channels() {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.ingress.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *Topic) signalChannelChange() {
	select {
	case t.channelChangeChan <- struct{}{}:
	default:
	}
}

// messagePump is Topic's internal loop, per spec §4.3: wait for the next
// ingress message, a channel-set change, a pause-state change, or exit.
// On message, snapshot the current channel set and copy the message into
// each channel's queue — one copy per channel, not per client. A channel
// whose queue fails to accept the copy is skipped with a warning; the
// others are still served.
func (t *Topic) messagePump() {
	defer t.wg.Done()

	snapshot := t.Channels()

	for {
		if t.Paused() {
			select {
			case <-t.resumeChan:
			case <-t.exitChan:
				return
			case <-t.channelChangeChan:
			}
			snapshot = t.Channels()
			continue
		}

		msg, ok := t.ingress.Pop(t.exitChan)
		if !ok {
			return
		}

		// Pick up any channel created/deleted since the last message was
		// fanned out before using snapshot below, so a channel created
		// right before this publish isn't skipped for being one pump
		// iteration "behind" signalChannelChange.
		select {
		case <-t.channelChangeChan:
			snapshot = t.Channels()
		default:
		}

		if len(snapshot) == 0 {
			// No channels yet: the message is simply dropped from
			// fan-out (it was already durable in the ingress queue up to
			// the publish contract in spec §7; topics with no channels
			// have nobody to deliver to).
		}

		atomic.AddInt64(&t.messagesProduced, 1)
		for _, ch := range snapshot {
			cp := msg.Clone()
			if err := ch.PutMessage(cp); err != nil {
				t.logger.WithError(err).WithField("channel", ch.Name()).Warn("channel rejected message, skipping")
			}
		}

		select {
		case <-t.channelChangeChan:
			snapshot = t.Channels()
		default:
		}
	}
}
