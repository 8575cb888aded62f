// Package server defines the wire packet, connection states and the error
// values shared by the connection, registry and transport code.
package server

import (
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Reserved payloads.
const (
	exitPayload  = "exit"
	debugPayload = "debug"
)

var (
	// ErrIdentityTaken is returned by Registry.Add when another live
	// connection already holds the same username|roomKey identity.
	ErrIdentityTaken = errors.New("identity already registered")

	// ErrRegistryClosed is returned by Registry.Add after CloseAll.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrHandshakeFailed wraps every reason a connection never registered.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrProtocolViolation marks an inbound line that is not name|key|message.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConnectionClosed is returned by Send on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Packet is one steady-state client line: name|key|message.
type Packet struct {
	Name    string
	Key     string
	Message string
}

// ParsePacket splits a client line into its three fields. The message is
// everything after the second pipe, so it may itself contain pipes. Name and
// key must be non-empty.
func ParsePacket(line string) (Packet, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Packet{}, errors.Wrapf(ErrProtocolViolation, "expected 3 fields, got %d", len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return Packet{}, errors.Wrap(ErrProtocolViolation, "empty name or key")
	}
	return Packet{Name: parts[0], Key: parts[1], Message: parts[2]}, nil
}

// IsExit reports whether the packet asks for a graceful disconnect.
func (p Packet) IsExit() bool {
	return p.Message == exitPayload
}

// Broadcastable reports whether the message should be relayed to the room:
// non-empty and not starting with a space (regular or no-break).
func (p Packet) Broadcastable() bool {
	if p.Message == "" {
		return false
	}
	return !strings.HasPrefix(p.Message, " ") && !strings.HasPrefix(p.Message, "\u00a0")
}

// Identity is the registry key for a user in a room.
func Identity(username, roomKey string) string {
	return username + "|" + roomKey
}

// State is a connection's lifecycle position.
type State int32

// Connection states, in lifecycle order. Closed is terminal.
const (
	StateConnecting State = iota
	StateRegistered
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "io: read/write on closed pipe") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
