// Package broker implements the nsqd-analog daemon of spec §2: topics,
// channels, clients, and the TCP/HTTP surfaces that bind them together.
package broker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/net/netutil"

	"github.com/nsqcore/nsqcore/internal/diskqueue"
	"github.com/nsqcore/nsqcore/internal/registryclient"
	"github.com/nsqcore/nsqcore/internal/stats"
)

// Options configures a Broker, mirroring the environment/config record of
// spec §6.
type Options struct {
	TCPAddr        string
	HTTPAddr       string
	BroadcastAddr  string

	DataPath string
	FS       afero.Fs

	MemQueueSize        int64
	MaxBodySize         int64
	MaxMsgSize          int64
	MsgTimeout          time.Duration
	MaxMsgTimeout       time.Duration
	MaxRDYCount         int64
	MaxHeartbeatInterval time.Duration
	MaxConns            int

	// PubRateLimitPerSec caps the broker's combined HTTP pub/mpub/dpub
	// throughput (messages/sec, burst of 1 second's worth); zero disables
	// the limiter entirely.
	PubRateLimitPerSec float64

	SyncEvery   int64
	SyncTimeout time.Duration

	Auth *Authenticator
}

// Broker owns the topic map and the TCP accept loop; it is the daemon
// process's central object, analogous to nsqd's own top-level context.
type Broker struct {
	opts   Options
	logger logrus.FieldLogger

	mu     sync.RWMutex
	topics map[string]*Topic

	clientsMu sync.Mutex
	clients   map[*Client]struct{}

	listener net.Listener
	proto    *Protocol

	startTime time.Time

	exitChan chan struct{}
	exitOnce sync.Once
	wg       sync.WaitGroup

	// OnTopicCreated/OnTopicDeleted let a RegistryClient mirror topic
	// lifecycle into REGISTER/UNREGISTER calls against the registry; both
	// may be nil when running without discovery (spec §4.8 is optional).
	OnTopicCreated func(topicName string)
	OnTopicDeleted func(topicName string)
	// OnChannelCreated/OnChannelDeleted are wired into every Topic created
	// by this Broker so registration changes surface the same way.
	OnChannelCreated func(topicName, channelName string)
	OnChannelDeleted func(topicName, channelName string)
}

// New constructs a Broker. It does not start listening; call ListenAndServe.
func New(opts Options, logger logrus.FieldLogger) *Broker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	b := &Broker{
		opts:      opts,
		logger:    logger,
		topics:    make(map[string]*Topic),
		clients:   make(map[*Client]struct{}),
		startTime: time.Now(),
		exitChan:  make(chan struct{}),
	}
	b.proto = NewProtocol(ProtocolOptions{
		MaxMsgSize:           opts.MaxMsgSize,
		MaxBodySize:          opts.MaxBodySize,
		MaxRDYCount:          opts.MaxRDYCount,
		MaxHeartbeatInterval: opts.MaxHeartbeatInterval,
		MaxMsgTimeout:        opts.MaxMsgTimeout,
		GetTopic:             b.GetTopic,
		HasTopic:             b.HasTopic,
		DeleteTopic:          b.DeleteTopic,
		Auth:                 opts.Auth,
	}, logger)
	return b
}

// StartTime returns when this Broker was constructed, for uptime stats.
func (b *Broker) StartTime() time.Time { return b.startTime }

// AttachRegistryClients wires every topic/channel lifecycle event into
// Register/Unregister calls on each of the given registry connections, so
// the registry learns about new topics/channels within one announce
// cycle, per spec §4.3's "notify of new channel registration to the
// RegistryClient."
func (b *Broker) AttachRegistryClients(clients []*registryclient.Client) {
	b.OnTopicCreated = func(topic string) {
		for _, c := range clients {
			c.Register(topic, "")
		}
	}
	b.OnTopicDeleted = func(topic string) {
		for _, c := range clients {
			c.Unregister(topic, "")
		}
	}
	b.OnChannelCreated = func(topic, channel string) {
		for _, c := range clients {
			c.Register(topic, channel)
		}
	}
	b.OnChannelDeleted = func(topic, channel string) {
		for _, c := range clients {
			c.Unregister(topic, channel)
		}
	}
}

// GetTopic returns the named topic, creating it if necessary.
func (b *Broker) GetTopic(name string) (*Topic, error) {
	b.mu.RLock()
	if t, ok := b.topics[name]; ok {
		b.mu.RUnlock()
		return t, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t, err := NewTopic(name, TopicOptions{
		MemQueueSize:        b.opts.MemQueueSize,
		DataPath:            b.opts.DataPath,
		FS:                  b.opts.FS,
		ChannelMemQueueSize: b.opts.MemQueueSize,
		DiskQueue: diskqueue.Options{
			SyncEvery:   b.opts.SyncEvery,
			SyncTimeout: b.opts.SyncTimeout,
		},
	}, b.logger)
	if err != nil {
		return nil, err
	}
	t.OnChannelCreated = b.OnChannelCreated
	t.OnChannelDeleted = b.OnChannelDeleted
	t.OnEmptyEphemeral = func(topicName string) {
		_ = b.DeleteTopic(topicName)
	}
	b.topics[name] = t

	if b.OnTopicCreated != nil {
		b.OnTopicCreated(name)
	}
	return t, nil
}

// HasTopic reports whether name already exists, without creating it.
func (b *Broker) HasTopic(name string) (*Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	return t, ok
}

// Topics returns a snapshot of every topic.
func (b *Broker) Topics() []*Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		out = append(out, t)
	}
	return out
}

// DeleteTopic removes and closes the named topic.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return ErrBadTopic
	}
	delete(b.topics, name)
	b.mu.Unlock()

	if err := t.Close(); err != nil {
		b.logger.WithError(err).WithField("topic", name).Warn("error closing deleted topic")
	}
	if b.OnTopicDeleted != nil {
		b.OnTopicDeleted(name)
	}
	return nil
}

// ListenAndServe binds opts.TCPAddr and accepts connections until Close is
// called. MaxConns, when positive, wraps the listener in a
// netutil.LimitListener so a connection flood degrades into queued
// Accepts rather than unbounded goroutine growth.
func (b *Broker) ListenAndServe() error {
	ln, err := net.Listen("tcp", b.opts.TCPAddr)
	if err != nil {
		return WithExitCode(fmt.Errorf("broker: listen %s: %w", b.opts.TCPAddr, err), ExitBindError)
	}
	if b.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, b.opts.MaxConns)
	}
	b.listener = ln
	b.logger.WithField("addr", ln.Addr().String()).Info("tcp listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.exitChan:
				return nil
			default:
				return err
			}
		}
		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	defer b.wg.Done()
	cl := NewClient(conn, b.logger)

	b.clientsMu.Lock()
	b.clients[cl] = struct{}{}
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, cl)
		b.clientsMu.Unlock()

		if ch := cl.Channel(); ch != nil {
			ch.RemoveClient(cl)
		}
		cl.Close()
	}()

	if err := b.proto.Serve(cl); err != nil {
		b.logger.WithError(err).WithField("client_id", cl.ID()).Debug("client connection closed")
	}
}

// Snapshot renders every topic and channel's live counters as stats
// snapshots, so *Broker satisfies stats.Source (stats itself does not
// import this package; it only sees the Source interface).
func (b *Broker) Snapshot() []stats.TopicSnapshot {
	topics := b.Topics()
	out := make([]stats.TopicSnapshot, 0, len(topics))
	for _, t := range topics {
		ts := stats.TopicSnapshot{
			Topic:            t.Name(),
			Depth:            t.Depth(),
			MessagesProduced: t.MessagesProduced(),
		}
		for _, ch := range t.Channels() {
			messages, finished, requeued, timedOut := ch.Counters()
			ts.Channels = append(ts.Channels, stats.ChannelSnapshot{
				Channel:       ch.Name(),
				Depth:         ch.Depth(),
				InFlightCount: int64(ch.InFlightLen()),
				DeferredCount: int64(ch.DeferredLen()),
				MessageCount:  messages,
				FinishCount:   finished,
				RequeueCount:  requeued,
				TimeoutCount:  timedOut,
				ClientCount:   int64(len(ch.Clients())),
			})
		}
		out = append(out, ts)
	}
	return out
}

// Close stops accepting connections and closes every topic, flushing all
// queues to disk. Any client still connected at the moment of Close is
// force-closed so its blocked Protocol.Serve read unblocks immediately,
// rather than leaving Close waiting on a client that never sends another
// byte.
func (b *Broker) Close() error {
	b.exitOnce.Do(func() {
		close(b.exitChan)
		if b.listener != nil {
			b.listener.Close()
		}

		b.clientsMu.Lock()
		for cl := range b.clients {
			cl.Close()
		}
		b.clientsMu.Unlock()
	})
	b.wg.Wait()

	var firstErr error
	for _, t := range b.Topics() {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
