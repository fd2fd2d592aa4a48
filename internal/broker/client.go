package broker

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/sirupsen/logrus"

	"github.com/nsqcore/nsqcore/internal/message"
)

// State is a Client's position in the state machine described in spec
// §4.5. NOP and CLS are accepted from every state; PUB/MPUB/DPUB are only
// valid once Identified (spec's "Init'") and are rejected once the
// connection has moved to Subscribed; SUB is only valid from Identified,
// is rejected once the connection has published, and moves the client to
// Subscribed for its entire remaining lifetime. PUB and SUB are mutually
// exclusive on one connection.
type State int32

const (
	StateInit State = iota
	StateIdentified
	StateSubscribed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdentified:
		return "identified"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Identity is the parsed, typed result of an IDENTIFY command, per spec §9
// "Untyped JSON for IDENTIFY": every recognized knob is enumerated here;
// unknown JSON keys are ignored for forward compatibility and missing keys
// take the defaults already present on the struct passed to Decode.
type Identity struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval"`
	OutputBufferSize    int64  `json:"output_buffer_size"`
	OutputBufferTimeoutMs int64 `json:"output_buffer_timeout"`
	TLSv1               bool   `json:"tls_v1"`
	Snappy              bool   `json:"snappy"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	SampleRate          int32  `json:"sample_rate"`
	UserAgent           string `json:"user_agent"`
	MsgTimeoutMs        int64  `json:"msg_timeout"`
}

// Client is the per-connection wire-protocol state machine of spec §4.5.
type Client struct {
	id   string
	conn net.Conn
	rw   *bufio.ReadWriter

	logger logrus.FieldLogger

	writeLock sync.Mutex

	state int32 // State, accessed atomically

	identity   Identity
	negotiated bool

	rdyCount      int64 // atomic
	inFlightCount int64 // atomic

	channel *Channel // at most one per connection, set once on SUB

	published int32 // atomic bool, set once the first PUB/MPUB/DPUB succeeds

	tlsEnabled bool
	authorized bool

	outputBufferSize    int
	outputBufferTimeout time.Duration

	lastHeartbeat int64 // unix nanos, atomic

	// compressCloser is set once IDENTIFY negotiates DEFLATE or snappy; it
	// must be flushed and closed on disconnect to avoid truncating the
	// compressed stream's trailing bytes.
	compressCloser io.Closer

	exitChan chan struct{}
	exitOnce sync.Once
}

// NewClient wraps conn in a fresh Client in StateInit.
func NewClient(conn net.Conn, logger logrus.FieldLogger) *Client {
	id := generateClientUUID()
	return &Client{
		id:     id,
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		logger: logger.WithField("client_id", id),
		state:  int32(StateInit),
		identity: Identity{
			HeartbeatIntervalMs: 30000,
		},
		outputBufferSize:    16 * 1024,
		outputBufferTimeout: 250 * time.Millisecond,
		exitChan:            make(chan struct{}),
	}
}

func generateClientUUID() string {
	u, err := uuid.NewV4()
	if err != nil {
		return "unknown"
	}
	return u.String()
}

// ID returns the client's connection-scoped identifier.
func (c *Client) ID() string { return c.id }

// State returns the client's current state machine position.
func (c *Client) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Client) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// RDY returns the client's current declared ceiling on concurrent
// in-flight messages.
func (c *Client) RDY() int64 { return atomic.LoadInt64(&c.rdyCount) }

// SetRDY updates the RDY ceiling. The broker takes count as the new
// ceiling immediately, per spec §4.5.
func (c *Client) SetRDY(count int64) { atomic.StoreInt64(&c.rdyCount, count) }

// InFlightCount returns how many messages this client currently owns
// in-flight on its (single) channel.
func (c *Client) InFlightCount() int64 { return atomic.LoadInt64(&c.inFlightCount) }

// IsReadyForMessage reports whether RDY > in_flight_count, spec §4.4/§4.5's
// flow-control predicate.
func (c *Client) IsReadyForMessage() bool {
	return c.RDY() > c.InFlightCount()
}

func (c *Client) incrInFlight(delta int64) {
	atomic.AddInt64(&c.inFlightCount, delta)
}

// Channel returns the single channel this client is subscribed to, or nil.
func (c *Client) Channel() *Channel { return c.channel }

// HasPublished reports whether this connection has ever completed a
// PUB/MPUB/DPUB, per spec §4.5's "PUB and SUB are mutually exclusive on one
// connection."
func (c *Client) HasPublished() bool { return atomic.LoadInt32(&c.published) == 1 }

func (c *Client) markPublished() { atomic.StoreInt32(&c.published, 1) }

// touchHeartbeat records that a NOP (or any traffic) was just seen, for
// the heartbeat-timeout watchdog.
func (c *Client) touchHeartbeat() {
	atomic.StoreInt64(&c.lastHeartbeat, time.Now().UnixNano())
}

func (c *Client) heartbeatAge() time.Duration {
	last := atomic.LoadInt64(&c.lastHeartbeat)
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Close marks the client Closing and closes the underlying connection
// exactly once. Per spec §4.5, IO errors during send also route here,
// which triggers channel-level in-flight cleanup via the caller (see
// Channel.RemoveClient).
func (c *Client) Close() error {
	c.exitOnce.Do(func() {
		c.setState(StateClosing)
		close(c.exitChan)
		if c.compressCloser != nil {
			c.compressCloser.Close()
		}
	})
	return c.conn.Close()
}

// Done returns a channel closed once the client starts exiting.
func (c *Client) Done() <-chan struct{} { return c.exitChan }

// writeFrame writes one frame under the client's write lock so the
// delivery pump and the heartbeat ticker never interleave partial writes.
func (c *Client) writeFrame(frameType int32, body []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := WriteFrame(c.rw.Writer, frameType, body); err != nil {
		return err
	}
	return c.rw.Writer.Flush()
}

// SendMessage frames and writes m as a Message frame, per spec §4.6.
func (c *Client) SendMessage(m *message.Message) error {
	return c.writeFrame(FrameTypeMessage, EncodeMessageBody(m))
}

// SendResponse writes a Response frame (e.g. "OK").
func (c *Client) SendResponse(body []byte) error {
	return c.writeFrame(FrameTypeResponse, body)
}

// SendError writes an Error frame.
func (c *Client) SendError(body []byte) error {
	return c.writeFrame(FrameTypeError, body)
}

// SendHeartbeat writes a Response frame carrying "_heartbeat_", matching
// nsqd's own wire convention of piggy-backing heartbeats on the response
// frame type rather than inventing a fourth frame type.
func (c *Client) SendHeartbeat() error {
	return c.writeFrame(FrameTypeResponse, []byte("_heartbeat_"))
}
