// Package server tracks live connections and fans room lines out to them
// via the Registry type.
package server

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Peer is what the Registry needs from a registered connection.
type Peer interface {
	Send(line string) error
	Close() error
}

// Dispatcher is the contract a Connection uses to join, leave and talk to
// its room.
type Dispatcher interface {
	Add(identity string, peer Peer) error
	Rekey(oldIdentity, newIdentity string, peer Peer) error
	Remove(identity string)
	Broadcast(roomKey, line string) int
}

// Publisher forwards room lines beyond this process.
type Publisher interface {
	Publish(roomKey, line string) error
}

type entry struct {
	peer Peer
	room string
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Registry maps username|roomKey identities to live connections. A single
// mutex serializes inserts, removals and broadcasts, so every room observes
// broadcasts in the same order.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	closed  bool
	relay   Publisher
	log     *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]entry),
		log:     log.Named("registry"),
	}
}

// SetRelay installs a publisher that receives every local broadcast.
func (r *Registry) SetRelay(p Publisher) {
	r.mu.Lock()
	r.relay = p
	r.mu.Unlock()
}

// roomOf returns the room half of an identity.
func roomOf(identity string) string {
	if i := strings.Index(identity, "|"); i >= 0 {
		return identity[i+1:]
	}
	return ""
}

// Add registers peer under identity. It fails with ErrIdentityTaken if the
// identity is already held, and with ErrRegistryClosed after CloseAll.
func (r *Registry) Add(identity string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.entries[identity]; ok {
		return errors.Wrapf(ErrIdentityTaken, "room %s", Hash(roomOf(identity)))
	}
	r.entries[identity] = entry{peer: peer, room: roomOf(identity)}
	r.log.Debug("connection added", zap.String("room", Hash(roomOf(identity))), zap.Int("total", len(r.entries)))
	return nil
}

// Rekey moves peer from oldIdentity to newIdentity in one step. The old
// entry must belong to peer.
func (r *Registry) Rekey(oldIdentity, newIdentity string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	cur, ok := r.entries[oldIdentity]
	if !ok || cur.peer != peer {
		return errors.New("connection is not registered")
	}
	if oldIdentity == newIdentity {
		return nil
	}
	if _, taken := r.entries[newIdentity]; taken {
		return errors.Wrapf(ErrIdentityTaken, "room %s", Hash(roomOf(newIdentity)))
	}

	delete(r.entries, oldIdentity)
	r.entries[newIdentity] = entry{peer: peer, room: roomOf(newIdentity)}
	return nil
}

// Remove erases identity. Removing an absent identity is a no-op.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identity]; !ok {
		return
	}
	delete(r.entries, identity)
	r.log.Debug("connection removed", zap.String("room", Hash(roomOf(identity))), zap.Int("total", len(r.entries)))
}

// Broadcast sends line to every connection in roomKey, then hands it to the
// relay if one is installed. It returns the number of local deliveries.
func (r *Registry) Broadcast(roomKey, line string) int {
	delivered, relay := r.deliver(roomKey, line)
	if relay != nil {
		if err := relay.Publish(roomKey, line); err != nil {
			r.log.Warn("relay publish failed", zap.String("room", Hash(roomKey)), zap.Error(err))
		}
	}
	return delivered
}

// Deliver sends line to local members of roomKey only. The relay uses it for
// lines that originate on other nodes.
func (r *Registry) Deliver(roomKey, line string) int {
	delivered, _ := r.deliver(roomKey, line)
	return delivered
}

func (r *Registry) deliver(roomKey, line string) (int, Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for identity, e := range r.entries {
		if e.room != roomKey {
			continue
		}
		if err := e.peer.Send(line); err != nil {
			if isExpectedCloseError(err) {
				r.log.Debug("skipping closed recipient", zap.String("room", Hash(roomKey)), zap.Error(err))
			} else {
				r.log.Warn("delivery failed", zap.String("room", Hash(roomKey)),
					zap.String("user", identity[:len(identity)-len(e.room)-1]), zap.Error(err))
			}
			continue
		}
		delivered++
	}

	r.log.Debug("broadcast", zap.String("room", Hash(roomKey)), zap.Int("recipients", delivered), zap.String("line", line))
	return delivered, r.relay
}

// CloseAll closes every registered connection and refuses further Adds.
// The table is detached under the lock and the connections are closed right
// after, since a closing connection removes itself through Remove.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	peers := make([]Peer, 0, len(r.entries))
	for _, e := range r.entries {
		peers = append(peers, e.peer)
	}
	r.entries = make(map[string]entry)
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.Close(); err != nil && !isExpectedCloseError(err) {
			r.log.Warn("error closing connection", zap.Error(err))
		}
	}

	r.log.Info("closed all connections", zap.Int("count", len(peers)))
	return len(peers)
}

// Contains reports whether identity is registered.
func (r *Registry) Contains(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[identity]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats counts connections and distinct rooms.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make(map[string]struct{})
	for _, e := range r.entries {
		rooms[e.room] = struct{}{}
	}
	return Stats{Connections: len(r.entries), Rooms: len(rooms)}
}
