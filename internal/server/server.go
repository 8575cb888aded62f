// Package server implements the TCP listener that accepts raw sockets and
// hands each one to its own Connection goroutine.
package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxAcceptDelay = time.Second

// connSet tracks transports that are still open, including ones that have
// not finished the handshake and so are unknown to the Registry.
type connSet struct {
	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[io.Closer]struct{})}
}

// track adds c and returns false if the set is already shut down.
func (s *connSet) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *connSet) done(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// closeAll closes every tracked transport and refuses new ones.
func (s *connSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// wait blocks until every tracked session returned or the timeout passed.
// On timeout the helper goroutine stays parked in wg.Wait until the last
// session returns; callers only time out on the way to process exit.
func (s *connSet) wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Wrap(errShutdownTimeout, "sessions still running")
	}
}

var errShutdownTimeout = errors.New("shutdown timeout reached")

// Listener owns the bound TCP socket of the line protocol.
type Listener struct {
	cfg      Config
	registry *Registry
	opts     Options
	log      *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	sessions *connSet
}

// NewListener prepares a listener for cfg.Port. Call Listen (or Serve with
// an existing net.Listener) to start it.
func NewListener(cfg Config, registry *Registry, opts Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Listener{
		cfg:      cfg,
		registry: registry,
		opts:     opts,
		log:      opts.Logger.Named("listener"),
		sessions: newConnSet(),
	}
}

// Listen binds the configured port. Failing to bind is the only fatal error
// of the relay.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr())
	if err != nil {
		return errors.Wrapf(err, "listen on %s", l.cfg.ListenAddr())
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections on ln (or the socket bound by Listen when ln is
// nil) until the listener is closed. It returns nil after Shutdown.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	if ln == nil {
		ln = l.ln
	}
	l.ln = ln
	closed := l.closed
	l.mu.Unlock()

	if ln == nil {
		return errors.New("listener not bound")
	}
	if closed {
		return nil
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.log.Warn("accept error; retrying", zap.Error(err), zap.Duration("delay", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	lc := newStreamConn(conn, l.cfg.MaxLineBytes, l.cfg.WriteTimeout)
	if !l.sessions.track(lc) {
		_ = conn.Close()
		return
	}

	l.log.Debug("client connected", zap.String("remote", lc.RemoteAddr()))
	go func() {
		defer l.sessions.done(lc)
		Serve(lc, l.registry, l.opts)
	}()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Shutdown closes the listening socket, closes every registered connection
// through the Registry, then every connection still in its handshake, and
// waits up to timeout for the sessions to return.
func (l *Listener) Shutdown(timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	l.mu.Unlock()

	l.log.Info("shutting down listener")

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			l.log.Warn("error closing listener", zap.Error(err))
		}
	}

	l.registry.CloseAll()
	l.sessions.closeAll()

	if err := l.sessions.wait(timeout); err != nil {
		l.log.Warn("listener shutdown incomplete", zap.Error(err))
		return err
	}
	l.log.Info("listener shutdown completed")
	return nil
}
