// Protocol implements the TCP wire command dispatcher of spec §4.5/§4.6:
// a newline-terminated command line, optionally followed by a binary
// section whose layout depends on the command, per connection.
package broker

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/sirupsen/logrus"

	"github.com/nsqcore/nsqcore/internal/message"
)

// magicV2 is the 4-byte handshake a client must send immediately after
// connecting, before any command line.
const magicV2 = "  V2"

var (
	responseOK = []byte("OK")

	newline = []byte("\n")
)

// ProtocolOptions carries the broker-wide limits and hooks Protocol needs
// to validate and dispatch commands without importing the Broker type
// itself (avoiding an import cycle between broker.go and protocol.go is
// unnecessary since they share a package, but the options struct keeps
// construction explicit and testable in isolation).
type ProtocolOptions struct {
	MaxMsgSize           int64
	MaxBodySize          int64
	MaxRDYCount          int64
	MaxHeartbeatInterval time.Duration
	MaxMsgTimeout        time.Duration

	GetTopic    func(name string) (*Topic, error)
	HasTopic    func(name string) (*Topic, bool)
	DeleteTopic func(name string) error

	Auth *Authenticator // nil disables AUTH entirely
}

// Protocol drives one Client's connection end to end: handshake, command
// loop, and the heartbeat ticker that runs alongside it.
type Protocol struct {
	opts   ProtocolOptions
	logger logrus.FieldLogger
}

// NewProtocol builds a Protocol bound to opts.
func NewProtocol(opts ProtocolOptions, logger logrus.FieldLogger) *Protocol {
	return &Protocol{opts: opts, logger: logger}
}

// Serve drives cl's connection until it closes or a fatal protocol error
// occurs. It performs the magic handshake, then loops reading command
// lines and dispatching them.
func (p *Protocol) Serve(cl *Client) error {
	if err := p.readMagic(cl); err != nil {
		return err
	}

	go p.heartbeatLoop(cl)

	for {
		select {
		case <-cl.Done():
			return nil
		default:
		}

		line, err := cl.rw.Reader.ReadString('\n')
		if err != nil {
			return err
		}
		cl.touchHeartbeat()

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		params := strings.Split(line, " ")

		if err := p.dispatch(cl, params); err != nil {
			if err == errCloseConnection {
				return nil
			}
			cl.SendError([]byte(err.Error()))
		}
	}
}

func (p *Protocol) readMagic(cl *Client) error {
	buf := make([]byte, len(magicV2))
	if _, err := io.ReadFull(cl.rw.Reader, buf); err != nil {
		return fmt.Errorf("failed to read magic: %w", err)
	}
	if string(buf) != magicV2 {
		return fmt.Errorf("bad magic %q", buf)
	}
	return nil
}

var errCloseConnection = fmt.Errorf("protocol: client requested close")

func (p *Protocol) dispatch(cl *Client, params []string) error {
	cmd := strings.ToUpper(params[0])
	switch cmd {
	case "IDENTIFY":
		return p.doIdentify(cl)
	case "SUB":
		return p.doSub(cl, params)
	case "PUB":
		return p.doPub(cl, params)
	case "MPUB":
		return p.doMpub(cl, params)
	case "DPUB":
		return p.doDpub(cl, params)
	case "RDY":
		return p.doRdy(cl, params)
	case "FIN":
		return p.doFin(cl, params)
	case "REQ":
		return p.doReq(cl, params)
	case "TOUCH":
		return p.doTouch(cl, params)
	case "AUTH":
		return p.doAuth(cl)
	case "NOP":
		return nil
	case "CLS":
		cl.SendResponse([]byte("CLOSE_WAIT"))
		return errCloseConnection
	default:
		return fmt.Errorf("%w: E_INVALID unknown command %q", ErrInvalid, cmd)
	}
}

func readBinarySection(cl *Client, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative body size", ErrBadMessage)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(cl.rw.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readSize(cl *Client) (int64, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(cl.rw.Reader, sizeBuf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(sizeBuf[:])), nil
}

// doIdentify parses a 4-byte size + JSON body, negotiating the client's
// declared capabilities. It matches spec §9's "untyped JSON for IDENTIFY"
// decision: unknown fields are ignored.
func (p *Protocol) doIdentify(cl *Client) error {
	size, err := readSize(cl)
	if err != nil {
		return err
	}
	body, err := readBinarySection(cl, size)
	if err != nil {
		return err
	}

	identity := cl.identity // preserve defaults (heartbeat interval, etc.)
	if err := json.Unmarshal(body, &identity); err != nil {
		return fmt.Errorf("%w: E_BAD_BODY failed to decode IDENTIFY body", ErrBadMessage)
	}

	if p.opts.MaxHeartbeatInterval > 0 &&
		time.Duration(identity.HeartbeatIntervalMs)*time.Millisecond > p.opts.MaxHeartbeatInterval {
		return fmt.Errorf("%w: E_BAD_BODY heartbeat interval exceeds maximum", ErrInvalid)
	}

	cl.identity = identity
	cl.negotiated = true
	cl.tlsEnabled = identity.TLSv1

	if identity.Deflate {
		cl.enableDeflate(identity.DeflateLevel)
	} else if identity.Snappy {
		cl.enableSnappy()
	}

	cl.setState(StateIdentified)

	resp, err := json.Marshal(map[string]any{
		"tls_v1":             cl.tlsEnabled,
		"deflate":            identity.Deflate,
		"snappy":             identity.Snappy,
		"max_rdy_count":      p.opts.MaxRDYCount,
		"max_msg_timeout":    p.opts.MaxMsgTimeout.Milliseconds(),
		"msg_timeout":        cl.identity.MsgTimeoutMs,
		"auth_required":      p.opts.Auth != nil,
	})
	if err != nil {
		return err
	}
	return cl.SendResponse(resp)
}

// enableDeflate and enableSnappy swap the client's write path for a
// compressing one, negotiated once at IDENTIFY time; neither can be
// renegotiated mid-connection.
func (c *Client) enableDeflate(level int) {
	if level <= 0 {
		level = flate.DefaultCompression
	}
	fw, err := flate.NewWriter(c.conn, level)
	if err != nil {
		return
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.rw.Writer = bufio.NewWriter(fw)
	c.compressCloser = fw
}

func (c *Client) enableSnappy() {
	sw := s2.NewWriter(c.conn, s2.WriterSnappyCompat())
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.rw.Writer = bufio.NewWriter(sw)
	c.compressCloser = sw
}

func (p *Protocol) doAuth(cl *Client) error {
	size, err := readSize(cl)
	if err != nil {
		return err
	}
	body, err := readBinarySection(cl, size)
	if err != nil {
		return err
	}
	if p.opts.Auth == nil {
		return fmt.Errorf("%w: E_AUTH_DISABLED auth is not enabled", ErrAuthFailed)
	}
	ok, err := p.opts.Auth.Authorize(cl.identity.ClientID, string(body))
	if err != nil || !ok {
		return fmt.Errorf("%w: E_UNAUTHORIZED", ErrUnauthorized)
	}
	cl.authorized = true
	return cl.SendResponse(responseOK)
}

func (p *Protocol) doSub(cl *Client, params []string) error {
	if p.opts.Auth != nil && !cl.authorized {
		return fmt.Errorf("%w: E_UNAUTHORIZED AUTH required before SUB", ErrUnauthorized)
	}
	if cl.State() == StateSubscribed {
		return fmt.Errorf("%w: E_INVALID cannot SUB twice", ErrInvalid)
	}
	if cl.HasPublished() {
		return fmt.Errorf("%w: E_INVALID cannot SUB on a connection that has published", ErrInvalid)
	}
	if len(params) < 3 {
		return fmt.Errorf("%w: E_INVALID SUB requires topic and channel", ErrInvalid)
	}
	topicName, channelName := params[1], params[2]
	if !isValidName(topicName) {
		return fmt.Errorf("%w: E_BAD_TOPIC", ErrBadTopic)
	}
	if !isValidName(channelName) {
		return fmt.Errorf("%w: E_BAD_CHANNEL", ErrBadChannel)
	}

	topic, err := p.opts.GetTopic(topicName)
	if err != nil {
		return err
	}
	ch, err := topic.GetChannel(channelName)
	if err != nil {
		return err
	}
	cl.channel = ch
	cl.setState(StateSubscribed)
	ch.AddClient(cl)
	return cl.SendResponse(responseOK)
}

func (p *Protocol) doPub(cl *Client, params []string) error {
	if cl.State() == StateSubscribed {
		return fmt.Errorf("%w: E_INVALID cannot PUB on a subscribed connection", ErrInvalid)
	}
	if len(params) < 2 {
		return fmt.Errorf("%w: E_INVALID PUB requires a topic", ErrInvalid)
	}
	topicName := params[1]
	if !isValidName(topicName) {
		return fmt.Errorf("%w: E_BAD_TOPIC", ErrBadTopic)
	}
	size, err := readSize(cl)
	if err != nil {
		return err
	}
	if p.opts.MaxMsgSize > 0 && size > p.opts.MaxMsgSize {
		return fmt.Errorf("%w: E_BAD_MESSAGE message too large", ErrMessageTooLarge)
	}
	body, err := readBinarySection(cl, size)
	if err != nil {
		return err
	}

	topic, err := p.opts.GetTopic(topicName)
	if err != nil {
		return err
	}
	if err := topic.PutMessage(message.New(body)); err != nil {
		return fmt.Errorf("%w: %v", ErrPubFailed, err)
	}
	cl.markPublished()
	return cl.SendResponse(responseOK)
}

// doMpub parses the [4-byte total size][4-byte count][len-prefixed body]*
// layout, publishing every body as one batch sharing a clock read. The
// whole body is parsed before anything is enqueued, but the enqueue itself
// is not atomic (see Topic.PutMessages).
func (p *Protocol) doMpub(cl *Client, params []string) error {
	if cl.State() == StateSubscribed {
		return fmt.Errorf("%w: E_INVALID cannot MPUB on a subscribed connection", ErrInvalid)
	}
	if len(params) < 2 {
		return fmt.Errorf("%w: E_INVALID MPUB requires a topic", ErrInvalid)
	}
	topicName := params[1]
	if !isValidName(topicName) {
		return fmt.Errorf("%w: E_BAD_TOPIC", ErrBadTopic)
	}

	totalSize, err := readSize(cl)
	if err != nil {
		return err
	}
	if p.opts.MaxBodySize > 0 && totalSize > p.opts.MaxBodySize {
		return fmt.Errorf("%w: E_BAD_BODY body too large", ErrMessageTooLarge)
	}
	raw, err := readBinarySection(cl, totalSize)
	if err != nil {
		return err
	}

	r := bytes.NewReader(raw)
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("%w: E_BAD_BODY MPUB missing count", ErrBadMessage)
	}

	bodies := make([][]byte, 0, count)
	for i := int32(0); i < count; i++ {
		var msgSize int32
		if err := binary.Read(r, binary.BigEndian, &msgSize); err != nil {
			return fmt.Errorf("%w: E_BAD_BODY MPUB short message count", ErrBadMessage)
		}
		if p.opts.MaxMsgSize > 0 && int64(msgSize) > p.opts.MaxMsgSize {
			return fmt.Errorf("%w: E_BAD_MESSAGE message too large", ErrMessageTooLarge)
		}
		b := make([]byte, msgSize)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("%w: E_BAD_BODY MPUB truncated message", ErrBadMessage)
		}
		bodies = append(bodies, b)
	}

	topic, err := p.opts.GetTopic(topicName)
	if err != nil {
		return err
	}
	if err := topic.PutMessages(message.NewBatch(bodies)); err != nil {
		return fmt.Errorf("%w: %v", ErrMpubFailed, err)
	}
	cl.markPublished()
	return cl.SendResponse(responseOK)
}

// doDpub is PUB plus a millisecond defer duration parsed from the command
// line, producing a message that stays invisible to every channel until
// its deadline elapses.
func (p *Protocol) doDpub(cl *Client, params []string) error {
	if cl.State() == StateSubscribed {
		return fmt.Errorf("%w: E_INVALID cannot DPUB on a subscribed connection", ErrInvalid)
	}
	if len(params) < 3 {
		return fmt.Errorf("%w: E_INVALID DPUB requires a topic and defer_ms", ErrInvalid)
	}
	topicName := params[1]
	if !isValidName(topicName) {
		return fmt.Errorf("%w: E_BAD_TOPIC", ErrBadTopic)
	}
	deferMs, err := strconv.ParseInt(params[2], 10, 64)
	if err != nil || deferMs < 0 {
		return fmt.Errorf("%w: E_INVALID bad defer_ms", ErrInvalid)
	}

	size, err := readSize(cl)
	if err != nil {
		return err
	}
	if p.opts.MaxMsgSize > 0 && size > p.opts.MaxMsgSize {
		return fmt.Errorf("%w: E_BAD_MESSAGE message too large", ErrMessageTooLarge)
	}
	body, err := readBinarySection(cl, size)
	if err != nil {
		return err
	}

	topic, err := p.opts.GetTopic(topicName)
	if err != nil {
		return err
	}
	deferUntil := time.Now().Add(time.Duration(deferMs) * time.Millisecond).UnixNano()
	if err := topic.PutMessage(message.NewDeferred(body, deferUntil)); err != nil {
		return fmt.Errorf("%w: %v", ErrPubFailed, err)
	}
	cl.markPublished()
	return cl.SendResponse(responseOK)
}

func (p *Protocol) doRdy(cl *Client, params []string) error {
	if len(params) < 2 {
		return fmt.Errorf("%w: E_INVALID RDY requires a count", ErrInvalid)
	}
	count, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil || count < 0 {
		return fmt.Errorf("%w: E_INVALID bad RDY count", ErrInvalid)
	}
	if p.opts.MaxRDYCount > 0 && count > p.opts.MaxRDYCount {
		return fmt.Errorf("%w: E_INVALID RDY count exceeds maximum", ErrInvalid)
	}
	cl.SetRDY(count)
	if ch := cl.Channel(); ch != nil && count > 0 {
		ch.notify()
	}
	return nil
}

func (p *Protocol) doFin(cl *Client, params []string) error {
	if len(params) < 2 {
		return fmt.Errorf("%w: E_INVALID FIN requires a message id", ErrInvalid)
	}
	id, err := parseMessageID(params[1])
	if err != nil {
		return err
	}
	ch := cl.Channel()
	if ch == nil {
		return fmt.Errorf("%w: E_FIN_FAILED not subscribed", ErrFinFailed)
	}
	if err := ch.FinishMessage(id, cl.ID()); err != nil {
		return fmt.Errorf("%w: E_FIN_FAILED %v", ErrFinFailed, err)
	}
	cl.incrInFlight(-1)
	return nil
}

func (p *Protocol) doReq(cl *Client, params []string) error {
	if len(params) < 3 {
		return fmt.Errorf("%w: E_INVALID REQ requires a message id and timeout_ms", ErrInvalid)
	}
	id, err := parseMessageID(params[1])
	if err != nil {
		return err
	}
	timeoutMs, err := strconv.ParseInt(params[2], 10, 64)
	if err != nil || timeoutMs < 0 {
		return fmt.Errorf("%w: E_INVALID bad timeout_ms", ErrInvalid)
	}
	ch := cl.Channel()
	if ch == nil {
		return fmt.Errorf("%w: E_REQ_FAILED not subscribed", ErrReqFailed)
	}
	if err := ch.RequeueMessage(id, cl.ID(), time.Duration(timeoutMs)*time.Millisecond); err != nil {
		return fmt.Errorf("%w: E_REQ_FAILED %v", ErrReqFailed, err)
	}
	cl.incrInFlight(-1)
	return nil
}

func (p *Protocol) doTouch(cl *Client, params []string) error {
	if len(params) < 2 {
		return fmt.Errorf("%w: E_INVALID TOUCH requires a message id", ErrInvalid)
	}
	id, err := parseMessageID(params[1])
	if err != nil {
		return err
	}
	ch := cl.Channel()
	if ch == nil {
		return fmt.Errorf("%w: E_TOUCH_FAILED not subscribed", ErrTouchFailed)
	}
	timeout := ch.msgTimeout
	if p.opts.MaxMsgTimeout > 0 && timeout > p.opts.MaxMsgTimeout {
		timeout = p.opts.MaxMsgTimeout
	}
	if err := ch.TouchMessage(id, cl.ID(), timeout); err != nil {
		return fmt.Errorf("%w: E_TOUCH_FAILED %v", ErrTouchFailed, err)
	}
	return nil
}

func parseMessageID(s string) (message.ID, error) {
	var id message.ID
	if len(s) != message.IDLength*2 {
		return id, fmt.Errorf("%w: E_INVALID bad message id length", ErrInvalid)
	}
	for i := 0; i < message.IDLength; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return id, fmt.Errorf("%w: E_INVALID bad message id encoding", ErrInvalid)
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexNibble(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}

// heartbeatLoop sends periodic "_heartbeat_" Response frames so the
// client can detect a stalled broker, per spec §4.5, and closes the
// connection if the client hasn't sent anything (a NOP at minimum)
// within 2x the heartbeat interval.
func (p *Protocol) heartbeatLoop(cl *Client) {
	interval := time.Duration(cl.identity.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cl.touchHeartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if cl.heartbeatAge() > 2*interval {
				cl.logger.Warn("client missed heartbeat deadline, closing")
				cl.Close()
				return
			}
			if err := cl.SendHeartbeat(); err != nil {
				cl.Close()
				return
			}
		case <-cl.Done():
			return
		}
	}
}
