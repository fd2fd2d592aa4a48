// Package stats turns a broker's live topic/channel counters into metric
// samples and, optionally, pushes them to a statsd collector on a fixed
// interval, the way k6's own output packages turn samples into a wire
// protocol on a ticker.
package stats

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
)

// TopicSnapshot is one topic's counters at a point in time.
type TopicSnapshot struct {
	Topic            string
	Depth            int64
	MessagesProduced int64
	Channels         []ChannelSnapshot
}

// ChannelSnapshot is one channel's counters at a point in time.
type ChannelSnapshot struct {
	Channel       string
	Depth         int64
	InFlightCount int64
	DeferredCount int64
	MessageCount  int64
	FinishCount   int64
	RequeueCount  int64
	TimeoutCount  int64
	ClientCount   int64
}

// Source is whatever can produce a fresh set of topic snapshots; Broker
// satisfies this without stats needing to import the broker package
// directly as anything but an interface.
type Source interface {
	Snapshot() []TopicSnapshot
}

// Options configures the optional statsd pusher. Addr=="" disables it
// entirely; Namespace is prefixed to every metric name, matching the
// teacher's statsd output convention.
type Options struct {
	Addr         string
	Namespace    string
	PushInterval time.Duration
	Tags         []string
}

// Pusher periodically renders a Source's snapshots as statsd gauges.
type Pusher struct {
	opts   Options
	source Source
	logger logrus.FieldLogger
	client *statsd.Client

	stop chan struct{}
	done chan struct{}
}

// NewPusher builds a Pusher. It returns (nil, nil) when opts.Addr is
// empty, since statsd emission is an optional add-on (spec §4.9's
// ambient-metrics section), not a required component.
func NewPusher(opts Options, source Source, logger logrus.FieldLogger) (*Pusher, error) {
	if opts.Addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = 10 * time.Second
	}
	client, err := statsd.New(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("stats: dial statsd at %s: %w", opts.Addr, err)
	}
	client.Namespace = opts.Namespace
	client.Tags = opts.Tags
	return &Pusher{
		opts:   opts,
		source: source,
		logger: logger,
		client: client,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Run pushes metrics on opts.PushInterval until Close is called. Intended
// to be started with `go p.Run()`.
func (p *Pusher) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pushOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Pusher) pushOnce() {
	for _, ts := range p.source.Snapshot() {
		topicTags := []string{"topic:" + ts.Topic}
		p.gauge("topic.depth", float64(ts.Depth), topicTags)
		p.gauge("topic.messages_produced", float64(ts.MessagesProduced), topicTags)
		for _, cs := range ts.Channels {
			chanTags := append(append([]string{}, topicTags...), "channel:"+cs.Channel)
			p.gauge("channel.depth", float64(cs.Depth), chanTags)
			p.gauge("channel.in_flight_count", float64(cs.InFlightCount), chanTags)
			p.gauge("channel.deferred_count", float64(cs.DeferredCount), chanTags)
			p.gauge("channel.message_count", float64(cs.MessageCount), chanTags)
			p.gauge("channel.finish_count", float64(cs.FinishCount), chanTags)
			p.gauge("channel.requeue_count", float64(cs.RequeueCount), chanTags)
			p.gauge("channel.timeout_count", float64(cs.TimeoutCount), chanTags)
			p.gauge("channel.client_count", float64(cs.ClientCount), chanTags)
		}
	}
}

func (p *Pusher) gauge(name string, value float64, tags []string) {
	if err := p.client.Gauge(name, value, tags, 1); err != nil {
		p.logger.WithError(err).WithField("metric", name).Warn("failed to push statsd gauge")
	}
}

// Close stops the push loop and flushes the underlying statsd client.
func (p *Pusher) Close() error {
	close(p.stop)
	<-p.done
	return p.client.Close()
}
