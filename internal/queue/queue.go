// Package queue implements the hybrid in-memory/disk-overflow FIFO
// described in spec §4.2: a bounded in-memory channel backed by a
// diskqueue.DiskQueue for messages that don't fit in memory.
package queue

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nsqcore/nsqcore/internal/diskqueue"
	"github.com/nsqcore/nsqcore/internal/message"
)

// ErrClosed is returned by Put once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is the hybrid FIFO a Topic or Channel enqueues into. FIFO holds
// within each tier but not across tiers: under disk-spill pressure a
// message written to disk can be delivered after one written to memory
// slightly later. Callers that need strict ordering under pressure should
// configure MemQueueSize=0, routing everything through disk.
type Queue struct {
	memQueue chan *message.Message
	disk     *diskqueue.DiskQueue
	logger   logrus.FieldLogger

	closed chan struct{}
}

// Options configures a Queue's memory tier and, when MemQueueSize doesn't
// cover demand, its disk tier.
type Options struct {
	MemQueueSize    int64
	Ephemeral       bool
	DiskQueueName   string
	DiskQueueFS     afero.Fs
	DiskQueueOpts   diskqueue.Options
}

// New constructs a Queue. When opts.Ephemeral is set, no DiskQueue is
// created: overflow past MemQueueSize is discarded rather than spilled,
// per spec §4.2's ephemeral dummy-queue rule.
func New(opts Options, logger logrus.FieldLogger) (*Queue, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	q := &Queue{
		memQueue: make(chan *message.Message, opts.MemQueueSize),
		logger:   logger,
		closed:   make(chan struct{}),
	}
	if !opts.Ephemeral {
		dq, err := diskqueue.New(opts.DiskQueueName, opts.DiskQueueFS, opts.DiskQueueOpts, logger)
		if err != nil {
			return nil, err
		}
		q.disk = dq
	}
	return q, nil
}

// Put enqueues m, preferring the in-memory tier and spilling to disk (or
// discarding, if ephemeral) when the memory tier is full.
func (q *Queue) Put(m *message.Message) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.memQueue <- m:
		return nil
	default:
	}

	if q.disk == nil {
		// Ephemeral: overflow is discarded, not an error, matching
		// nsqd's ephemeral-topic behavior.
		q.logger.WithField("msg_id", m.ID).Debug("ephemeral queue full, discarding message")
		return nil
	}

	data, err := encodeMessage(m)
	if err != nil {
		return err
	}
	return q.disk.Put(data)
}

// Depth returns the approximate total number of queued messages across
// both tiers.
func (q *Queue) Depth() int64 {
	d := int64(len(q.memQueue))
	if q.disk != nil {
		d += q.disk.Depth()
	}
	return d
}

// Pop blocks until a message is available (preferring memory) or the stop
// channel fires, returning (nil, false) on stop.
func (q *Queue) Pop(stop <-chan struct{}) (*message.Message, bool) {
	// Prefer memory non-blockingly first so a burst that fits entirely in
	// memory never pays a disk-select round trip.
	select {
	case m := <-q.memQueue:
		return m, true
	default:
	}

	for {
		if q.disk == nil {
			select {
			case m := <-q.memQueue:
				return m, true
			case <-stop:
				return nil, false
			}
		}

		select {
		case m := <-q.memQueue:
			return m, true
		case raw := <-q.disk.ReadChan():
			m, err := decodeMessage(raw)
			if err != nil {
				q.logger.WithError(err).Error("corrupt record read from disk queue, discarding")
				continue
			}
			return m, true
		case <-stop:
			return nil, false
		}
	}
}

// Empty discards all queued messages in both tiers.
func (q *Queue) Empty() error {
	for {
		select {
		case <-q.memQueue:
			continue
		default:
		}
		break
	}
	if q.disk != nil {
		return q.disk.Empty()
	}
	return nil
}

// Close stops accepting new messages and flushes the disk tier.
func (q *Queue) Close() error {
	select {
	case <-q.closed:
		return nil
	default:
		close(q.closed)
	}
	if q.disk != nil {
		return q.disk.Close()
	}
	return nil
}

// wireMessage is the on-disk encoding for a spilled message: JSON is used
// deliberately (not the binary client-frame format of spec §4.6) because
// this is a private persistence format internal to one broker process,
// never parsed by a client.
type wireMessage struct {
	ID         message.ID `json:"id"`
	Body       []byte     `json:"body"`
	Attempts   uint16     `json:"attempts"`
	Timestamp  int64      `json:"timestamp"`
	DeferUntil int64      `json:"defer_until,omitempty"`
}

func encodeMessage(m *message.Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:         m.ID,
		Body:       m.Body,
		Attempts:   m.Attempts,
		Timestamp:  m.Timestamp,
		DeferUntil: m.DeferUntil,
	})
}

func decodeMessage(raw []byte) (*message.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &message.Message{
		ID:         w.ID,
		Body:       w.Body,
		Attempts:   w.Attempts,
		Timestamp:  w.Timestamp,
		DeferUntil: w.DeferUntil,
	}, nil
}
