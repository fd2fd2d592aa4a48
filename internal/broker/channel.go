package broker

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nsqcore/nsqcore/internal/diskqueue"
	"github.com/nsqcore/nsqcore/internal/message"
	"github.com/nsqcore/nsqcore/internal/queue"
	"github.com/nsqcore/nsqcore/internal/timerwheel"
)

// ChannelState is one of {Active, Paused, Exiting}, per spec §4.4.
type ChannelState int32

const (
	ChannelActive ChannelState = iota
	ChannelPaused
	ChannelExiting
)

// inFlightEntry is the value type timerwheel.Wheel stores for in-flight
// messages: spec §3's "(message, client id, timeout deadline)" tuple
// (deadline itself lives in the Entry, not here).
type inFlightEntry struct {
	msg      *message.Message
	clientID string
}

const defaultMsgTimeout = 60 * time.Second

// Channel is the per-subscriber view of a topic described in spec §4.4.
type Channel struct {
	name      string
	topicName string
	ephemeral bool

	logger logrus.FieldLogger

	queue *queue.Queue

	inFlight *timerwheel.Wheel[*inFlightEntry]
	deferred *timerwheel.Wheel[*message.Message]

	messageCount int64 // atomic: messages ever delivered into this channel's queue
	finishCount  int64 // atomic
	requeueCount int64 // atomic
	timeoutCount int64 // atomic

	mu          sync.RWMutex
	clients     []*Client
	rrCursor    int
	state       int32 // ChannelState, atomic

	msgTimeout time.Duration

	notifyReady chan struct{}
	exitChan    chan struct{}
	exitOnce    sync.Once
	resumeChan  chan struct{}

	wg sync.WaitGroup

	// OnEmpty is invoked, for ephemeral channels only, whenever the
	// channel has no subscribed clients and nothing queued, in-flight, or
	// deferred. The owning Topic sets this to its own DeleteChannel so an
	// ephemeral channel (e.g. a one-off "#ephemeral" tail consumer) is
	// cleaned up without an explicit admin delete, per spec §4.4.
	OnEmpty func()
}

// ChannelOptions configures a new Channel.
type ChannelOptions struct {
	MemQueueSize int64
	MsgTimeout   time.Duration
	DataPath     string
	FS           afero.Fs
	DiskQueue    diskqueue.Options
}

// NewChannel constructs a Channel named name on topic topicName and starts
// its delivery and timer-tick pumps.
func NewChannel(topicName, name string, opts ChannelOptions, logger logrus.FieldLogger) (*Channel, error) {
	if !isValidName(name) {
		return nil, ErrBadChannel
	}
	ephemeral := isEphemeralName(name) || isEphemeralName(topicName)
	msgTimeout := opts.MsgTimeout
	if msgTimeout <= 0 {
		msgTimeout = defaultMsgTimeout
	}

	log := logger.WithFields(logrus.Fields{"topic": topicName, "channel": name})

	qOpts := queue.Options{
		MemQueueSize:  opts.MemQueueSize,
		Ephemeral:     ephemeral,
		DiskQueueName: fmt.Sprintf("%s:%s", topicName, name),
		DiskQueueFS:   opts.FS,
		DiskQueueOpts: opts.DiskQueue,
	}
	q, err := queue.New(qOpts, log)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		name:        name,
		topicName:   topicName,
		ephemeral:   ephemeral,
		logger:      log,
		queue:       q,
		inFlight:    timerwheel.New[*inFlightEntry](),
		deferred:    timerwheel.New[*message.Message](),
		msgTimeout:  msgTimeout,
		notifyReady: make(chan struct{}, 1),
		exitChan:    make(chan struct{}),
		resumeChan:  make(chan struct{}),
		state:       int32(ChannelActive),
	}

	c.wg.Add(2)
	go c.deliveryPump()
	go c.timerPump()
	return c, nil
}

func idKey(id message.ID) string { return hex.EncodeToString(id[:]) }

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState { return ChannelState(atomic.LoadInt32(&c.state)) }

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Depth returns the number of messages waiting to be delivered (excludes
// in-flight and deferred).
func (c *Channel) Depth() int64 { return c.queue.Depth() }

// Counters returns (message_count, finish_count, requeue_count, timeout_count).
func (c *Channel) Counters() (messages, finished, requeued, timedOut int64) {
	return atomic.LoadInt64(&c.messageCount),
		atomic.LoadInt64(&c.finishCount),
		atomic.LoadInt64(&c.requeueCount),
		atomic.LoadInt64(&c.timeoutCount)
}

// InFlightLen returns the number of in-flight messages.
func (c *Channel) InFlightLen() int { return c.inFlight.Len() }

// DeferredLen returns the number of deferred messages.
func (c *Channel) DeferredLen() int { return c.deferred.Len() }

// Pause sets the channel's paused flag: the queue still accepts puts but
// no client sees deliveries.
func (c *Channel) Pause() {
	atomic.StoreInt32(&c.state, int32(ChannelPaused))
}

// Unpause clears the paused flag and wakes the delivery pump.
func (c *Channel) Unpause() {
	atomic.StoreInt32(&c.state, int32(ChannelActive))
	select {
	case c.resumeChan <- struct{}{}:
	default:
	}
}

func (c *Channel) notify() {
	select {
	case c.notifyReady <- struct{}{}:
	default:
	}
}

// PutMessage enqueues m. If the channel is paused, it is still accepted
// (per spec §4.4) but won't be handed to a client until unpaused.
func (c *Channel) PutMessage(m *message.Message) error {
	if c.State() == ChannelExiting {
		return ErrChannelExiting
	}
	atomic.AddInt64(&c.messageCount, 1)
	if m.DeferUntil > 0 {
		c.deferred.Add(idKey(m.ID), time.Unix(0, m.DeferUntil), m)
		return nil
	}
	if err := c.queue.Put(m); err != nil {
		return fmt.Errorf("%w: %v", ErrPubFailed, err)
	}
	c.notify()
	return nil
}

// StartInFlight moves msg into the in-flight set, owned by clientID, with
// a deadline of now+timeout.
func (c *Channel) StartInFlight(msg *message.Message, clientID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	c.inFlight.Add(idKey(msg.ID), deadline, &inFlightEntry{msg: msg, clientID: clientID})
}

// FinishMessage removes id from in-flight and counts it as finished. It
// returns ErrFinFailed if id isn't in-flight (already finished, timed out,
// or unknown).
func (c *Channel) FinishMessage(id message.ID, clientID string) error {
	entry, ok := c.inFlight.Remove(idKey(id))
	if !ok {
		return ErrFinFailed
	}
	if entry.clientID != clientID {
		// Put it back; a different client can't finish someone else's
		// in-flight message.
		c.inFlight.Add(idKey(id), time.Now().Add(c.msgTimeout), entry)
		return ErrFinFailed
	}
	atomic.AddInt64(&c.finishCount, 1)
	c.maybeAutoDelete()
	return nil
}

// RequeueMessage removes id from in-flight and either makes it
// immediately available again (timeout==0) or schedules it to reappear
// after timeout. Per spec §5, a requeued message's resulting queue
// position is implementation-defined ("somewhere later, not determined"),
// so both paths simply re-enqueue at the tail of the queue or into the
// deferred wheel rather than attempting true head-of-queue reinsertion.
// Either way the message's Attempts count goes up by one.
func (c *Channel) RequeueMessage(id message.ID, clientID string, timeout time.Duration) error {
	entry, ok := c.inFlight.Remove(idKey(id))
	if !ok {
		return ErrReqFailed
	}
	if entry.clientID != clientID {
		c.inFlight.Add(idKey(id), time.Now().Add(c.msgTimeout), entry)
		return ErrReqFailed
	}
	atomic.AddInt64(&c.requeueCount, 1)
	msg := entry.msg
	msg.Attempts++
	if timeout <= 0 {
		if err := c.queue.Put(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrReqFailed, err)
		}
		c.notify()
		return nil
	}
	c.deferred.Add(idKey(msg.ID), time.Now().Add(timeout), msg)
	return nil
}

// TouchMessage extends id's in-flight deadline without altering its
// attempt count, per spec §9's Open Question decision: TOUCH only extends
// the deadline.
func (c *Channel) TouchMessage(id message.ID, clientID string, newTimeout time.Duration) error {
	v, ok := c.inFlight.Get(idKey(id))
	if !ok || v.clientID != clientID {
		return ErrTouchFailed
	}
	if !c.inFlight.Touch(idKey(id), time.Now().Add(newTimeout)) {
		return ErrTouchFailed
	}
	return nil
}

// AddClient subscribes c to this channel.
func (c *Channel) AddClient(cl *Client) {
	c.mu.Lock()
	c.clients = append(c.clients, cl)
	c.mu.Unlock()
	c.notify()
}

// RemoveClient unsubscribes cl and immediately requeues (timeout=0) every
// message it owned in-flight, per spec §4.4.
func (c *Channel) RemoveClient(cl *Client) {
	c.mu.Lock()
	for i, existing := range c.clients {
		if existing == cl {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	for _, key := range c.inFlight.Keys() {
		entry, ok := c.inFlight.Get(key)
		if !ok || entry.clientID != cl.ID() {
			continue
		}
		var id message.ID
		if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == message.IDLength {
			copy(id[:], decoded)
		}
		_ = c.RequeueMessage(id, cl.ID(), 0)
	}
	c.maybeAutoDelete()
}

// maybeAutoDelete invokes OnEmpty, for ephemeral channels with no
// subscribers and nothing queued, in-flight, or deferred.
func (c *Channel) maybeAutoDelete() {
	if !c.ephemeral || c.OnEmpty == nil {
		return
	}
	c.mu.RLock()
	noClients := len(c.clients) == 0
	c.mu.RUnlock()
	if noClients && c.Depth() == 0 && c.InFlightLen() == 0 && c.DeferredLen() == 0 {
		c.OnEmpty()
	}
}

// Empty discards all queued (not in-flight, not deferred) messages.
func (c *Channel) Empty() error {
	return c.queue.Empty()
}

// Close transitions the channel to Exiting, stops its pumps, and closes
// its queue.
func (c *Channel) Close() error {
	c.exitOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(ChannelExiting))
		close(c.exitChan)
	})
	c.wg.Wait()
	return c.queue.Close()
}

// deliveryPump pops messages and hands them to a ready, round-robin
// selected client, per spec §4.4's delivery algorithm.
func (c *Channel) deliveryPump() {
	defer c.wg.Done()
	for {
		if c.State() == ChannelPaused {
			select {
			case <-c.resumeChan:
			case <-c.exitChan:
				return
			}
			continue
		}

		msg, ok := c.queue.Pop(c.exitChan)
		if !ok {
			return
		}

		if !c.deliverToReadyClient(msg) {
			return
		}
	}
}

// deliverToReadyClient blocks until a subscribed client is ready (RDY >
// in_flight_count) or the channel exits, then sends msg to it. Returns
// false if the channel is exiting.
func (c *Channel) deliverToReadyClient(msg *message.Message) bool {
	for {
		if c.State() == ChannelPaused {
			// Don't drop the message: park and wait for unpause, then
			// keep searching for a ready client.
			select {
			case <-c.resumeChan:
			case <-c.exitChan:
				return false
			}
		}

		if cl := c.pickReadyClient(); cl != nil {
			c.sendTo(cl, msg)
			return true
		}

		select {
		case <-c.notifyReady:
		case <-c.exitChan:
			return false
		}
	}
}

func (c *Channel) sendTo(cl *Client, msg *message.Message) {
	if cl.identity.SampleRate > 0 && cl.identity.SampleRate < 100 {
		if int32(rand.Intn(100)) >= cl.identity.SampleRate {
			// Sampled out: the message is skipped for this client and goes
			// back on the queue for the next ready client instead of being
			// lost (a later pass may pick this same client again).
			if err := c.queue.Put(msg); err != nil {
				c.logger.WithError(err).Error("failed to requeue sampled-out message")
			}
			c.notify()
			return
		}
	}
	c.StartInFlight(msg, cl.ID(), c.msgTimeout)
	cl.incrInFlight(1)
	if err := cl.SendMessage(msg); err != nil {
		c.logger.WithError(err).WithField("client_id", cl.ID()).Warn("failed to send message, closing client")
		cl.Close()
	}
}

// pickReadyClient round-robins over the subscription set looking for the
// first client with RDY > in_flight_count. It is not strictly fair under
// churn but always makes progress, per spec §4.4's tie-break note.
func (c *Channel) pickReadyClient() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.clients)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (c.rrCursor + i) % n
		cl := c.clients[idx]
		if cl.State() == StateClosing {
			continue
		}
		if cl.IsReadyForMessage() {
			c.rrCursor = (idx + 1) % n
			return cl
		}
	}
	return nil
}

// timerPump scans the in-flight and deferred wheels on a fixed tick,
// per spec §4.4's timer-wheel algorithm.
func (c *Channel) timerPump() {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.processExpired()
		case <-c.exitChan:
			return
		}
	}
}

func (c *Channel) processExpired() {
	now := time.Now()

	for _, e := range c.inFlight.Expired(now) {
		atomic.AddInt64(&c.timeoutCount, 1)
		msg := e.Value.msg
		msg.Attempts++
		if err := c.queue.Put(msg); err != nil {
			c.logger.WithError(err).Error("failed to requeue timed-out message")
			continue
		}
		c.notify()
	}

	for _, e := range c.deferred.Expired(now) {
		if err := c.queue.Put(e.Value); err != nil {
			c.logger.WithError(err).Error("failed to enqueue deferred message")
			continue
		}
		c.notify()
	}
}

// Clients returns a snapshot of the currently subscribed clients.
func (c *Channel) Clients() []*Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Client, len(c.clients))
	copy(out, c.clients)
	return out
}
