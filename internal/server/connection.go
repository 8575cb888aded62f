// Package server manages individual relay sessions, handling the handshake,
// the message loop, throttling, and lifecycle control for each connection.
package server

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options configures every Connection created by a listener or gateway.
type Options struct {
	Clock            *Clock
	Logger           *zap.Logger
	RateLimit        RateLimitConfig
	LegacyHandshake  bool
	HandshakeTimeout time.Duration
}

// HandshakeError reports why a connection never registered. It matches
// ErrHandshakeFailed under errors.Is.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return ErrHandshakeFailed.Error() + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandshakeFailed) hold.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshakeFailed }

// Connection is one client session. The username, room key and log are
// owned by the goroutine running the message loop; the registered identity
// is guarded by mu because Close may run on another goroutine. Close logs
// through base, which never changes.
type Connection struct {
	id         string
	conn       LineConn
	dispatcher Dispatcher
	clock      *Clock
	limiter    *rateLimiter
	opts       Options
	base       *zap.Logger
	log        *zap.Logger

	username string
	roomKey  string

	mu       sync.Mutex
	identity string

	state     atomic.Int32
	closeOnce sync.Once
}

// NewConnection wraps an accepted transport. The connection starts in
// StateConnecting; call Handshake and then Run.
func NewConnection(conn LineConn, d Dispatcher, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock, _ = NewClock(DefaultTimeLayout, "")
	}

	id := uuid.NewString()
	base := opts.Logger.Named("conn").With(
		zap.String("conn_id", id),
		zap.String("remote", conn.RemoteAddr()),
	)
	return &Connection{
		id:         id,
		conn:       conn,
		dispatcher: d,
		clock:      opts.Clock,
		limiter:    newRateLimiter(opts.RateLimit),
		opts:       opts,
		base:       base,
		log:        base,
	}
}

// ID is the connection's unique id, used in logs.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Identity returns the username|roomKey the connection is registered under,
// or "" before registration.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Handshake reads the username and room key and registers the connection.
// On failure the connection is closed and a *HandshakeError returned.
func (c *Connection) Handshake() error {
	if c.opts.HandshakeTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	}

	name, key, err := c.readIdentity()
	if err != nil {
		c.Close()
		return &HandshakeError{Err: err}
	}

	identity := Identity(name, key)
	c.mu.Lock()
	if c.State() != StateConnecting {
		c.mu.Unlock()
		return &HandshakeError{Err: ErrConnectionClosed}
	}
	err = c.dispatcher.Add(identity, c)
	if err == nil {
		c.identity = identity
		c.state.Store(int32(StateRegistered))
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			_ = c.conn.WriteLine(c.clock.Stamp(name + " is already in this room"))
		}
		c.Close()
		return &HandshakeError{Err: err}
	}

	if c.opts.HandshakeTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	c.username, c.roomKey = name, key
	c.log = c.base.With(zap.String("user", name), zap.String("room", Hash(key)))
	c.log.Info("client registered")
	return nil
}

func (c *Connection) readIdentity() (string, string, error) {
	read := c.readField
	if c.opts.LegacyHandshake {
		read = c.readLegacyField
	}

	name, err := read()
	if err != nil {
		return "", "", errors.Wrap(err, "read username")
	}
	key, err := read()
	if err != nil {
		return "", "", errors.Wrap(err, "read room key")
	}

	if name == "" || key == "" {
		return "", "", errors.New("empty username or room key")
	}
	if strings.Contains(name, "|") || strings.Contains(key, "|") {
		return "", "", errors.New("username and room key must not contain '|'")
	}
	return name, key, nil
}

func (c *Connection) readField() (string, error) {
	line, err := c.conn.ReadLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readLegacyField reads the four-line handshake of older clients: a non-empty probe
// line is discarded and the value is taken from the line after it; an empty
// probe leaves the field empty.
func (c *Connection) readLegacyField() (string, error) {
	probe, err := c.conn.ReadLine()
	if err != nil {
		return "", err
	}
	if probe == "" {
		return "", nil
	}
	return c.readField()
}

// Run announces the join, serves the message loop until exit, end of stream
// or an error, announces the leave and closes the connection.
func (c *Connection) Run() {
	defer c.Close()

	if !c.state.CompareAndSwap(int32(StateRegistered), int32(StateRunning)) {
		c.log.Debug("connection not runnable", zap.Stringer("state", c.State()))
		return
	}

	c.announce(c.roomKey, c.username+" joined")

	err := c.loop()
	c.logExit(err)

	c.announce(c.roomKey, c.username+" left")
}

func (c *Connection) loop() error {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return err
		}

		pkt, err := ParsePacket(line)
		if err != nil {
			return err
		}

		if pkt.Message == debugPayload {
			c.log.Debug("debug packet", zap.String("name", pkt.Name), zap.String("key_hash", Hash(pkt.Key)))
		}

		adopted := c.adopt(pkt)

		if pkt.IsExit() {
			return nil
		}

		if !adopted {
			continue
		}

		if !pkt.Broadcastable() {
			continue
		}

		if !c.limiter.allow() {
			c.log.Warn("rate limit exceeded; discarding message",
				zap.Int("burst", c.limiter.cfg.Burst), zap.Duration("interval", c.limiter.cfg.RefillInterval))
			continue
		}

		c.dispatcher.Broadcast(c.roomKey, c.clock.Stamp(c.username+": "+pkt.Message))
	}
}

// adopt applies the packet's name and key to the connection, re-registering
// under the new identity when either changed. It returns false when the new
// identity is unavailable; the packet is then dropped.
func (c *Connection) adopt(pkt Packet) bool {
	if pkt.Name == c.username && pkt.Key == c.roomKey {
		return true
	}

	newIdentity := Identity(pkt.Name, pkt.Key)

	c.mu.Lock()
	if c.State() >= StateClosing {
		c.mu.Unlock()
		return false
	}
	err := c.dispatcher.Rekey(c.identity, newIdentity, c)
	if err == nil {
		c.identity = newIdentity
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("identity change rejected; packet dropped", zap.String("new_user", pkt.Name), zap.Error(err))
		return false
	}

	oldName, oldKey := c.username, c.roomKey
	c.username, c.roomKey = pkt.Name, pkt.Key
	c.log = c.base.With(zap.String("user", pkt.Name), zap.String("room", Hash(pkt.Key)))

	if oldKey != pkt.Key {
		c.announce(oldKey, oldName+" left")
		c.announce(pkt.Key, pkt.Name+" joined")
	}
	return true
}

func (c *Connection) announce(roomKey, text string) {
	c.dispatcher.Broadcast(roomKey, c.clock.Stamp(text))
}

// logExit logs why the loop ended.
func (c *Connection) logExit(err error) {
	switch {
	case err == nil:
		c.log.Info("client left")
	case errors.Is(err, ErrProtocolViolation):
		c.log.Warn("protocol violation; disconnecting", zap.Error(err))
	case c.State() >= StateClosing || isExpectedCloseError(err) || errors.Is(err, io.EOF):
		c.log.Info("client disconnected", zap.NamedError("reason", err))
	default:
		c.log.Warn("read error", zap.Error(err))
	}
}

// Send writes one line to the client.
func (c *Connection) Send(line string) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}
	return c.conn.WriteLine(line)
}

// Close releases the transport and removes the connection from the
// dispatcher. It is safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosing))
		identity := c.identity
		c.mu.Unlock()

		// c.log belongs to the loop goroutine; Close may run elsewhere.
		log := c.base
		if identity != "" {
			log = log.With(zap.String("room", Hash(roomOf(identity))))
		}

		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Warn("error closing transport", zap.Error(err))
		}
		if identity != "" {
			c.dispatcher.Remove(identity)
		}

		c.state.Store(int32(StateClosed))
		log.Debug("connection closed")
	})
	return nil
}

// Serve runs a full session on conn: handshake, then the message loop.
// It returns when the connection is closed.
func Serve(conn LineConn, d Dispatcher, opts Options) {
	c := NewConnection(conn, d, opts)
	if err := c.Handshake(); err != nil {
		c.log.Info("handshake failed", zap.Error(err))
		return
	}
	c.Run()
}
