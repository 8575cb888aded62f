package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTimestamp = "[12:30:45 01.03.2024] "
	readTimeout   = 2 * time.Second
	quietPeriod   = 150 * time.Millisecond
)

// testClock returns a Clock frozen at 12:30:45 01.03.2024 UTC.
func testClock() *Clock {
	return &Clock{
		layout: DefaultTimeLayout,
		loc:    time.UTC,
		now: func() time.Time {
			return time.Date(2024, time.March, 1, 12, 30, 45, 0, time.UTC)
		},
	}
}

func stamped(text string) string {
	return testTimestamp + text
}

func testOptions() Options {
	return Options{
		Clock:     testClock(),
		Logger:    zap.NewNop(),
		RateLimit: RateLimitConfig{Burst: 100, RefillInterval: time.Second},
	}
}

// mockPeer records every line sent to it.
type mockPeer struct {
	mu       sync.Mutex
	received []string
	sendErr  error
	closed   int
}

func (m *mockPeer) Send(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, line)
	return nil
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockPeer) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func (m *mockPeer) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeLineConn is an in-memory LineConn. Tests push client lines with feed
// and read server lines with next.
type fakeLineConn struct {
	in        chan string
	out       chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	closeCalls int
}

func newFakeLineConn() *fakeLineConn {
	return &fakeLineConn{
		in:     make(chan string, 64),
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeLineConn) ReadLine() (string, error) {
	select {
	case line, ok := <-f.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-f.closed:
		return "", net.ErrClosed
	}
}

func (f *fakeLineConn) WriteLine(line string) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.out <- line:
		return nil
	default:
		return io.ErrShortWrite
	}
}

func (f *fakeLineConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeLineConn) RemoteAddr() string { return "fake:0" }

func (f *fakeLineConn) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeLineConn) feed(lines ...string) {
	for _, l := range lines {
		f.in <- l
	}
}

// hangUp simulates the client closing its end of the stream.
func (f *fakeLineConn) hangUp() {
	close(f.in)
}

func (f *fakeLineConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeLineConn) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-f.out:
		return line
	case <-time.After(readTimeout):
		t.Fatal("timed out waiting for a server line")
		return ""
	}
}

func (f *fakeLineConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case line := <-f.out:
		t.Fatalf("unexpected server line %q", line)
	case <-time.After(quietPeriod):
	}
}

// runFake handshakes a fake connection as name/room and runs it in the
// background. The returned channel closes when Run returns.
func runFake(t *testing.T, reg *Registry, opts Options, name, room string) (*fakeLineConn, *Connection, <-chan struct{}) {
	t.Helper()

	fc := newFakeLineConn()
	fc.feed(name, room)

	c := NewConnection(fc, reg, opts)
	require.NoError(t, c.Handshake())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run()
	}()

	require.Equal(t, stamped(name+" joined"), fc.next(t))
	return fc, c, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(readTimeout):
		t.Fatal("connection did not finish")
	}
}

// tcpClient speaks the line protocol to a Listener over loopback.
type tcpClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string, handshake ...string) *tcpClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, readTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &tcpClient{conn: conn, r: bufio.NewReader(conn)}
	for _, line := range handshake {
		c.send(t, line)
	}
	return c
}

// join dials, handshakes and waits for the client's own join notice.
func join(t *testing.T, addr, name, room string) *tcpClient {
	t.Helper()
	c := dialClient(t, addr, name, room)
	require.Equal(t, stamped(name+" joined"), c.readLine(t))
	return c
}

func (c *tcpClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(t, err)
}

func (c *tcpClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

// tryReadLine reads one line, returning false on timeout or close.
func (c *tcpClient) tryReadLine(wait time.Duration) (string, bool) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return "", false
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (c *tcpClient) expectNoLine(t *testing.T) {
	t.Helper()
	if line, ok := c.tryReadLine(quietPeriod); ok {
		t.Fatalf("unexpected line %q", line)
	}
}

// expectClosed waits for the server to close the connection.
func (c *tcpClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		if _, err := c.r.ReadString('\n'); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection was not closed by the server")
			}
			return
		}
	}
}

// startListener serves a Listener on a loopback port.
func startListener(t *testing.T, reg *Registry, opts Options) (*Listener, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := NewConfig().Sanitize()
	l := NewListener(cfg, reg, opts)

	served := make(chan error, 1)
	go func() { served <- l.Serve(ln) }()

	t.Cleanup(func() {
		_ = l.Shutdown(readTimeout)
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(readTimeout):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return l, ln.Addr().String()
}
