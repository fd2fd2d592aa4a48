// Package message defines the immutable unit of data that flows through a
// topic and its channels.
package message

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// IDLength is the fixed size, in bytes, of a Message id.
const IDLength = 16

// ID is the 16-byte identifier assigned to a Message at publish time. The
// first 8 bytes are a nanosecond timestamp, the remaining 8 bytes are a
// per-process monotonic counter; this keeps ids ordered-enough for log correlation
// without requiring coordination, the same property NSQ's own guid scheme
// relies on.
type ID [IDLength]byte

var idSequence uint64

// NewID derives an ID from the given nanosecond timestamp and a caller
// supplied counter. Splitting the nanosecond-clock read from the counter
// increment lets callers generate an entire MPUB batch under one clock
// read (see message.NewBatch).
func NewID(nowNano int64, counter uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(nowNano))
	binary.BigEndian.PutUint64(id[8:16], counter)
	return id
}

// NextID generates a fresh ID using the wall clock and a global atomic
// counter. It is safe for concurrent use by multiple publishers.
func NextID() ID {
	c := atomic.AddUint64(&idSequence, 1)
	return NewID(time.Now().UnixNano(), c)
}

// Message is the immutable payload carried from a Topic to its Channels.
// Everything is immutable once created except Attempts, which increments
// on every redelivery (timeout or REQ).
type Message struct {
	ID         ID
	Body       []byte
	Attempts   uint16
	Timestamp  int64 // nanoseconds since epoch, set at publish
	DeferUntil int64 // nanoseconds since epoch; zero means "not deferred"
}

// New creates a fresh Message with Attempts initialized to 1, per spec.
func New(body []byte) *Message {
	return &Message{
		ID:        NextID(),
		Body:      body,
		Attempts:  1,
		Timestamp: time.Now().UnixNano(),
	}
}

// NewDeferred creates a Message that should not become visible to any
// channel until deferUntil (nanoseconds since epoch).
func NewDeferred(body []byte, deferUntil int64) *Message {
	m := New(body)
	m.DeferUntil = deferUntil
	return m
}

// NewBatch creates one message per body, all sharing one clock read, as
// MPUB does.
func NewBatch(bodies [][]byte) []*Message {
	now := time.Now().UnixNano()
	out := make([]*Message, len(bodies))
	for i, b := range bodies {
		c := atomic.AddUint64(&idSequence, 1)
		out[i] = &Message{
			ID:        NewID(now, c),
			Body:      b,
			Attempts:  1,
			Timestamp: now,
		}
	}
	return out
}

// Clone returns a shallow copy of the message with its own Attempts
// counter, for the case where a Topic fans a single publish out to
// multiple channels: each channel owns its own in-flight/attempt state
// for the "same" message id.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}
