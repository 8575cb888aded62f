package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// Time allowed to read the next pong message from a gateway peer.
	pongWait = 60 * time.Second

	// Send pings to gateway peers with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to write a control frame.
	controlWait = 10 * time.Second
)

// LineConn is a line-oriented, bidirectional transport owned by exactly one
// Connection. ReadLine is only called from the owning goroutine; WriteLine
// and Close may be called from any goroutine.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// streamConn frames a stream socket into newline-terminated lines.
type streamConn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newStreamConn(conn net.Conn, maxLineBytes int, writeTimeout time.Duration) *streamConn {
	scanner := bufio.NewScanner(conn)
	initial := maxLineBytes + 2
	if initial > 4096 {
		initial = 4096
	}
	// +2 leaves room for the terminating "\r\n".
	scanner.Buffer(make([]byte, 0, initial), maxLineBytes+2)

	return &streamConn{
		conn:         conn,
		scanner:      scanner,
		writeTimeout: writeTimeout,
	}
}

func (s *streamConn) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return "", errors.Wrap(ErrProtocolViolation, "line too long")
			}
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (s *streamConn) WriteLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

func (s *streamConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *streamConn) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *streamConn) Close() error {
	return s.conn.Close()
}

// frameConn carries one protocol line per WebSocket text frame. It keeps the
// peer alive with pings and treats a missing pong as a dead connection.
type frameConn struct {
	conn         *websocket.Conn
	addr         string
	writeMu      sync.Mutex
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newFrameConn(conn *websocket.Conn, addr string, maxLineBytes int, writeTimeout time.Duration) *frameConn {
	conn.SetReadLimit(int64(maxLineBytes))

	f := &frameConn{
		conn:         conn,
		addr:         addr,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	f.setupReadConnection()
	go f.pingLoop()
	return f
}

// setupReadConnection configures read deadlines and the pong handler.
func (f *frameConn) setupReadConnection() {
	_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (f *frameConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				return
			}
		}
	}
}

func (f *frameConn) ReadLine() (string, error) {
	for {
		msgType, data, err := f.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", errors.Wrap(ErrProtocolViolation, "frame too large")
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func (f *frameConn) WriteLine(line string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.writeTimeout > 0 {
		if err := f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	return f.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// SetReadDeadline with a zero time restores the keepalive deadline rather
// than disabling it.
func (f *frameConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		t = time.Now().Add(pongWait)
	}
	return f.conn.SetReadDeadline(t)
}

func (f *frameConn) RemoteAddr() string {
	return f.addr
}

func (f *frameConn) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}
