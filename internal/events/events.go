// Package events mirrors persisted interactions onto a message bus so
// external consumers (analytics, dashboards) can follow along. The mirror
// is best-effort; losing it never affects the tutoring path.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/darasa-ai/darasa/pkg/models"
)

// Publisher emits interaction events.
type Publisher interface {
	PublishInteraction(in *models.Interaction)
	Close()
}

// Nop discards all events.
type Nop struct{}

// PublishInteraction discards the event.
func (Nop) PublishInteraction(*models.Interaction) {}

// Close is a no-op.
func (Nop) Close() {}

// NATS publishes interaction events to a NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to the bus and returns a publisher. Reconnects are
// handled by the client; publishes while disconnected are buffered.
func NewNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("darasa"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("events: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("events: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	if subject == "" {
		subject = "darasa.interactions"
	}
	return &NATS{conn: conn, subject: subject}, nil
}

// PublishInteraction mirrors one interaction. Failures are logged and
// dropped.
func (n *NATS) PublishInteraction(in *models.Interaction) {
	data, err := json.Marshal(in)
	if err != nil {
		log.Printf("events: failed to marshal interaction %s: %v", in.ID, err)
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		log.Printf("events: failed to publish interaction %s: %v", in.ID, err)
	}
}

// Close flushes and drops the connection.
func (n *NATS) Close() {
	if err := n.conn.Flush(); err != nil {
		log.Printf("events: flush failed: %v", err)
	}
	n.conn.Close()
}
