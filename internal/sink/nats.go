package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes points as JSON to <subject>.<image>.<workload>. The point
// ID travels in the Nats-Msg-Id header so a JetStream stream on the subject
// de-duplicates redeliveries.
type NATS struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func DialNATS(url, subject string, timeout time.Duration) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("imagebench"),
		nats.Timeout(timeout),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, unavailable("nats", err)
	}
	return &NATS{conn: nc, subject: subject, timeout: timeout}, nil
}

func (n *NATS) Write(ctx context.Context, p Point) error {
	if !n.conn.IsConnected() {
		return unavailable("nats", errors.New(n.conn.Status().String()))
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(n.subject, p))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, p.ID())
	if err := n.conn.PublishMsg(msg); err != nil {
		return unavailable("nats", err)
	}
	return nil
}

// Close flushes buffered points before closing the connection.
func (n *NATS) Close() error {
	err := n.conn.FlushTimeout(n.timeout)
	n.conn.Close()
	if err != nil {
		return unavailable("nats", err)
	}
	return nil
}

// Subject builds the publish subject for p under base.
func Subject(base string, p Point) string {
	return base + "." + subjectToken(p.ImageID) + "." + subjectToken(p.WorkloadID)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
