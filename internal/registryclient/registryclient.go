// Package registryclient implements the broker-side half of discovery
// from spec §4.8: one long-lived, reconnecting TCP connection per
// configured registry address, replaying the broker's full registration
// set on every (re)connect and then steady-state REGISTER/UNREGISTER/PING.
package registryclient

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 60 * time.Second
	jitterFrac  = 0.2

	magicV1 = "  V1"
)

// Identity is what a broker announces to a registry on connect.
type Identity struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

type registration struct {
	topic, channel string
}

// Client maintains a connection to one registry address, replaying the
// broker's live registration set on reconnect and forwarding
// Register/Unregister calls in steady state. Safe for concurrent use.
type Client struct {
	addr     string
	identity Identity
	logger   logrus.FieldLogger

	mu   sync.Mutex
	regs map[registration]struct{}

	connMu sync.Mutex
	conn   net.Conn
	rw     *bufio.ReadWriter

	exitChan chan struct{}
	exitOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Client targeting addr. Call Run to start its reconnect
// loop; it does nothing until Run is called.
func New(addr string, identity Identity, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		addr:     addr,
		identity: identity,
		logger:   logger.WithField("registry_addr", addr),
		regs:     make(map[registration]struct{}),
		exitChan: make(chan struct{}),
	}
}

// Register records (topic, channel) as locally announced and, if
// connected, sends REGISTER immediately. channel=="" registers the topic
// itself. Registration state survives reconnects: Run replays it.
func (c *Client) Register(topic, channel string) {
	c.mu.Lock()
	c.regs[registration{topic, channel}] = struct{}{}
	c.mu.Unlock()
	c.send(registerLine(topic, channel))
}

// Unregister is Register's inverse.
func (c *Client) Unregister(topic, channel string) {
	c.mu.Lock()
	delete(c.regs, registration{topic, channel})
	c.mu.Unlock()
	c.send(unregisterLine(topic, channel))
}

func registerLine(topic, channel string) string {
	if channel == "" {
		return fmt.Sprintf("REGISTER %s\n", topic)
	}
	return fmt.Sprintf("REGISTER %s %s\n", topic, channel)
}

func unregisterLine(topic, channel string) string {
	if channel == "" {
		return fmt.Sprintf("UNREGISTER %s\n", topic)
	}
	return fmt.Sprintf("UNREGISTER %s %s\n", topic, channel)
}

// snapshot returns every currently registered (topic, channel) pair.
func (c *Client) snapshot() []registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]registration, 0, len(c.regs))
	for r := range c.regs {
		out = append(out, r)
	}
	return out
}

// send writes line to the active connection if one exists. A failed send
// is not retried here: steady-state divergence between the registry and
// the broker's local state self-heals on the next reconnect's replay, per
// spec §4.8 ("does not block topic/channel operations on registry
// availability").
func (c *Client) send(line string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.rw == nil {
		return
	}
	if _, err := c.rw.Writer.WriteString(line); err != nil {
		c.logger.WithError(err).Warn("failed to send to registry, will resync on reconnect")
		c.dropLocked()
		return
	}
	if err := c.rw.Writer.Flush(); err != nil {
		c.logger.WithError(err).Warn("failed to flush to registry, will resync on reconnect")
		c.dropLocked()
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.rw = nil
}

// Run drives the connect/replay/ping loop until Close is called.
func (c *Client) Run() {
	c.wg.Add(1)
	defer c.wg.Done()

	var attempt int
	for {
		select {
		case <-c.exitChan:
			return
		default:
		}

		if err := c.connectAndReplay(); err != nil {
			c.logger.WithError(err).Debug("registry connection attempt failed")
			if !c.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		if !c.steadyState() {
			return
		}
		// steadyState returned because the connection dropped; loop to
		// reconnect with a reset backoff counter since we did have a good
		// connection.
	}
}

// sleepBackoff waits min(cap, base*2^attempt) * (1 ± 20%) or returns
// false if exit fired first, per spec §4.8's jittered exponential
// backoff (supplemented with the concrete formula the spec left as
// prose).
func (c *Client) sleepBackoff(attempt int) bool {
	d := baseBackoff << attempt
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFrac
	wait := time.Duration(float64(d) * jitter)
	select {
	case <-time.After(wait):
		return true
	case <-c.exitChan:
		return false
	}
}

func (c *Client) connectAndReplay() error {
	nc, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))

	if _, err := rw.Writer.WriteString(magicV1); err != nil {
		nc.Close()
		return err
	}
	if err := rw.Writer.Flush(); err != nil {
		nc.Close()
		return err
	}

	body, err := json.Marshal(c.identity)
	if err != nil {
		nc.Close()
		return err
	}
	if err := writeIdentify(rw, body); err != nil {
		nc.Close()
		return err
	}
	if _, _, err := readFrame(rw.Reader); err != nil {
		nc.Close()
		return fmt.Errorf("identify response: %w", err)
	}

	c.connMu.Lock()
	c.conn, c.rw = nc, rw
	c.connMu.Unlock()

	for _, r := range c.snapshot() {
		c.send(registerLine(r.topic, r.channel))
	}
	return nil
}

// steadyState issues PING on a fixed cadence; it reads nothing from the
// connection and notices a drop only on the next tick, once a failed send
// has cleared it. It returns false only when the client is exiting, true
// when the connection dropped and a reconnect should be attempted.
func (c *Client) steadyState() bool {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.connMu.Lock()
			connected := c.rw != nil
			c.connMu.Unlock()
			if !connected {
				return true
			}
			c.send("PING\n")
		case <-c.exitChan:
			c.connMu.Lock()
			c.dropLocked()
			c.connMu.Unlock()
			return false
		}
	}
}

func writeIdentify(rw *bufio.ReadWriter, body []byte) error {
	if _, err := rw.Writer.WriteString("IDENTIFY\n"); err != nil {
		return err
	}
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	if _, err := rw.Writer.Write(sizeBuf[:]); err != nil {
		return err
	}
	if _, err := rw.Writer.Write(body); err != nil {
		return err
	}
	return rw.Writer.Flush()
}

func readFrame(r *bufio.Reader) (frameType int32, body []byte, err error) {
	var header [8]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[0:4])
	frameType = int32(binary.BigEndian.Uint32(header[4:8]))
	if size < 4 {
		return 0, nil, fmt.Errorf("invalid frame size %d", size)
	}
	body = make([]byte, size-4)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}

// Close stops the reconnect loop and closes any active connection.
func (c *Client) Close() error {
	c.exitOnce.Do(func() { close(c.exitChan) })
	c.wg.Wait()
	return nil
}

// ParseAddrs splits a comma-separated lookupd_tcp_addresses config value.
func ParseAddrs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
