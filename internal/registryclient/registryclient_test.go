package registryclient

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestParseAddrsSplitsCommaSeparatedList(t *testing.T) {
	t.Parallel()

	addrs := ParseAddrs(" 127.0.0.1:4160 , 127.0.0.1:4161 ,")
	require.Equal(t, []string{"127.0.0.1:4160", "127.0.0.1:4161"}, addrs)
}

func TestParseAddrsWithEmptyStringReturnsNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, ParseAddrs(""))
	require.Nil(t, ParseAddrs("   "))
}

func TestRegisterLineAndUnregisterLineFormatting(t *testing.T) {
	t.Parallel()

	require.Equal(t, "REGISTER mytopic\n", registerLine("mytopic", ""))
	require.Equal(t, "REGISTER mytopic mychannel\n", registerLine("mytopic", "mychannel"))
	require.Equal(t, "UNREGISTER mytopic\n", unregisterLine("mytopic", ""))
	require.Equal(t, "UNREGISTER mytopic mychannel\n", unregisterLine("mytopic", "mychannel"))
}

// fakeRegistry accepts exactly one connection, reads the magic and
// IDENTIFY handshake, answers OK, then hands every subsequent line to
// lines for inspection.
type fakeRegistry struct {
	ln    net.Listener
	lines chan string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRegistry{ln: ln, lines: make(chan string, 64)}
	go f.serveOne(t)
	return f
}

func (f *fakeRegistry) serveOne(t *testing.T) {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(conn, magic); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := line
		if cmd == "IDENTIFY\n" {
			var sizeBuf [4]byte
			if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
				return
			}
			size := binary.BigEndian.Uint32(sizeBuf[:])
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
			writeOKFrame(conn)
			continue
		}
		f.lines <- line
	}
}

func writeOKFrame(w io.Writer) {
	body := []byte("OK")
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(4+len(body)))
	binary.BigEndian.PutUint32(header[4:8], 0)
	w.Write(header[:])
	w.Write(body)
}

func (f *fakeRegistry) addr() string { return f.ln.Addr().String() }

func (f *fakeRegistry) close() { f.ln.Close() }

func (f *fakeRegistry) expectLine(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.lines:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for line %q", want)
	}
}

func TestClientReplaysRegistrationsOnConnect(t *testing.T) {
	t.Parallel()

	fr := newFakeRegistry(t)
	defer fr.close()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c := New(fr.addr(), Identity{BroadcastAddress: "127.0.0.1", TCPPort: 4150, HTTPPort: 4151}, logger)
	c.Register("mytopic", "")

	go c.Run()
	defer c.Close()

	fr.expectLine(t, "REGISTER mytopic\n")
}

func TestClientSendsRegisterImmediatelyAfterConnect(t *testing.T) {
	t.Parallel()

	fr := newFakeRegistry(t)
	defer fr.close()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c := New(fr.addr(), Identity{BroadcastAddress: "127.0.0.1", TCPPort: 4150, HTTPPort: 4151}, logger)

	go c.Run()
	defer c.Close()

	require.Eventually(t, func() bool {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		return c.rw != nil
	}, time.Second, 10*time.Millisecond)

	c.Register("anothertopic", "achannel")
	fr.expectLine(t, "REGISTER anothertopic achannel\n")
}

func TestClientUnregisterRemovesFromReplaySet(t *testing.T) {
	t.Parallel()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c := New("127.0.0.1:1", Identity{}, logger)

	c.Register("t1", "")
	c.Register("t2", "c2")
	c.Unregister("t1", "")

	snap := c.snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, registration{"t2", "c2"}, snap[0])
}

func TestCloseStopsRunLoopWithoutConnecting(t *testing.T) {
	t.Parallel()

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	c := New("127.0.0.1:1", Identity{}, logger)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	require.NoError(t, c.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Close")
	}
}
