package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// natsConn is the subset of *nats.Conn the relay uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// envelope is the relay payload for one room line.
type envelope struct {
	Node string `json:"node"`
	Room string `json:"room"`
	Line string `json:"line"`
}

// Relay bridges room broadcasts between relay instances. Each instance
// publishes its local broadcasts to <prefix>.room.<hash(room)> and delivers
// lines from other instances to its local room members.
type Relay struct {
	nc     natsConn
	prefix string
	node   string
	target *Registry
	log    *zap.Logger
}

// DialRelay connects to the NATS servers in cfg.URL (comma separated).
func DialRelay(cfg NATSConfig, log *zap.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if log == nil {
		log = zap.NewNop()
	}
	rlog := log.Named("relay")

	name := cfg.Name
	if name == "" {
		name = "privatehive-relay"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				rlog.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			rlog.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}

	return newRelay(nc, cfg.SubjectPrefix, log), nil
}

func newRelay(nc natsConn, prefix string, log *zap.Logger) *Relay {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	node := uuid.NewString()
	return &Relay{
		nc:     nc,
		prefix: prefix,
		node:   node,
		log:    log.Named("relay").With(zap.String("node", node)),
	}
}

// Node is this instance's relay id.
func (r *Relay) Node() string { return r.node }

func (r *Relay) subject(roomKey string) string {
	return r.prefix + ".room." + Hash(roomKey)
}

// Start subscribes to every room subject and installs the relay on registry.
func (r *Relay) Start(registry *Registry) error {
	r.target = registry
	if _, err := r.nc.Subscribe(r.prefix+".room.*", r.handle); err != nil {
		return errors.Wrap(err, "subscribe room subjects")
	}
	registry.SetRelay(r)
	r.log.Info("relay started", zap.String("subject", r.prefix+".room.*"))
	return nil
}

// Publish sends one local room line to the other instances.
func (r *Relay) Publish(roomKey, line string) error {
	data, err := json.Marshal(envelope{Node: r.node, Room: roomKey, Line: line})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return errors.Wrap(r.nc.Publish(r.subject(roomKey), data), "publish")
}

func (r *Relay) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.log.Warn("dropping malformed relay message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Node == r.node {
		return
	}
	if !strings.HasSuffix(msg.Subject, "."+Hash(env.Room)) {
		r.log.Warn("dropping relay message with mismatched subject", zap.String("subject", msg.Subject))
		return
	}
	if r.target == nil {
		return
	}

	n := r.target.Deliver(env.Room, env.Line)
	r.log.Debug("relayed line delivered", zap.String("from", env.Node), zap.String("room", Hash(env.Room)), zap.Int("recipients", n))
}

// Close drains the subscription and the NATS connection.
func (r *Relay) Close() error {
	if r.target != nil {
		r.target.SetRelay(nil)
	}
	return errors.Wrap(r.nc.Drain(), "drain nats")
}
