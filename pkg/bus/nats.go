package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes every mirrored subject.
const DefaultSubjectPrefix = "captain"

// Responder accepts human decisions that arrive from outside the process.
type Responder interface {
	Respond(requestID, label string) error
}

// InboundResponse is the message accepted on the inbound decision subject.
type InboundResponse struct {
	RequestID string `json:"request_id"`
	Label     string `json:"label"`
}

// natsConn is the subset of *nats.Conn the mirror needs.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSMirror republishes every bus event to NATS subjects
// "<prefix>.<topic>" and feeds human decisions received on
// "<prefix>.inbound.human.response" to a Responder.
type NATSMirror struct {
	conn      natsConn
	prefix    string
	logger    *slog.Logger
	sub       *Subscription
	inbound   *nats.Subscription
	responder Responder
}

// DialNATS connects to url and returns a mirror bound to it.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSMirror, error) {
	nc, err := nats.Connect(url, nats.Name("captain"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newNATSMirror(nc, prefix, logger), nil
}

func newNATSMirror(conn natsConn, prefix string, logger *slog.Logger) *NATSMirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSMirror{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "nats"),
	}
}

// Subject returns the NATS subject for topic.
func (m *NATSMirror) Subject(topic Topic) string {
	return m.prefix + "." + string(topic)
}

// InboundSubject is where external decisions are accepted.
func (m *NATSMirror) InboundSubject() string {
	return m.prefix + ".inbound." + string(TopicHumanResponse)
}

// Attach subscribes the mirror to every topic on b and, when responder is
// non-nil, starts accepting inbound decisions.
func (m *NATSMirror) Attach(b *Bus, responder Responder) error {
	sub, err := b.SubscribeAll("nats-mirror", m.forward)
	if err != nil {
		return err
	}
	m.sub = sub
	if responder == nil {
		return nil
	}
	m.responder = responder
	inbound, err := m.conn.Subscribe(m.InboundSubject(), m.handleInbound)
	if err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", m.InboundSubject(), err)
	}
	m.inbound = inbound
	return nil
}

func (m *NATSMirror) forward(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.conn.Publish(m.Subject(ev.Topic), data)
}

func (m *NATSMirror) handleInbound(msg *nats.Msg) {
	var in InboundResponse
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		m.logger.Warn("ignoring malformed inbound decision", "error", err)
		return
	}
	if err := m.responder.Respond(in.RequestID, in.Label); err != nil {
		m.logger.Warn("inbound decision rejected", "request_id", in.RequestID, "label", in.Label, "error", err)
	}
}

// Close detaches from the bus and drains the NATS connection.
func (m *NATSMirror) Close() error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	if m.inbound != nil {
		_ = m.inbound.Unsubscribe()
	}
	return m.conn.Drain()
}
