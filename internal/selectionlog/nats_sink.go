package selectionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the JetStream publish surface the sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes each batch as one JSON message on
// <prefix>.<tenant>. The batch's first entry id is the dedupe id, so a
// retried publish is not stored twice.
type NATSSink struct {
	js     Publisher
	prefix string
}

func NewNATSSink(js Publisher, subjectPrefix string) *NATSSink {
	return &NATSSink{js: js, prefix: strings.TrimSuffix(subjectPrefix, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

type natsBatch struct {
	Tenant  string  `json:"tenant"`
	Entries []Entry `json:"entries"`
}

func (s *NATSSink) Subject(tenant string) string {
	// NATS subject tokens cannot contain dots or whitespace.
	safe := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(tenant)
	return s.prefix + "." + safe
}

func (s *NATSSink) Write(ctx context.Context, tenant string, batch []Entry) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := json.Marshal(natsBatch{Tenant: tenant, Entries: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.Subject(tenant), data, jetstream.WithMsgID(batch[0].ID)); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// ConnectJetStream dials url and ensures the stream exists, capturing
// <subjectPrefix>.>. The returned connection must be drained by the caller.
func ConnectJetStream(ctx context.Context, url, stream, subjectPrefix string) (*nats.Conn, jetstream.JetStream, error) {
	conn, err := nats.Connect(url, nats.Name("taskrelay-selection-log"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{strings.TrimSuffix(subjectPrefix, ".") + ".>"},
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		conn.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return conn, js, nil
}
