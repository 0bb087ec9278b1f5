// Package msglog is the durable, ordered accept log behind the delivery
// pipeline: one JetStream stream, consumed independently by the "deliver"
// and "save" consumer groups at least once each.
package msglog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
)

const (
	// StreamName holds accepted messages awaiting push and persist.
	StreamName = "IM_MESSAGES"
	// Subject is the single accepted-entry subject.
	Subject = "im.msg.accepted"

	// ConsumerDeliver is queue-shared across gateway instances.
	ConsumerDeliver = "deliver"
	// ConsumerSave runs as a leader-gated singleton to keep msg_seq
	// assignment totally ordered per conversation.
	ConsumerSave = "save"
)

// dedupWindow lets the broker absorb hot retransmits of the same send before
// the idempotency index has caught up.
const dedupWindow = 2 * time.Minute

// Entry is one accepted message. The sender's instance and conn identify
// where the eventual ACK(saved) should be pushed first.
type Entry struct {
	ClientMsgId    string `json:"clientMsgId"`
	FromUserId     string `json:"fromUserId"`
	FromConnId     string `json:"fromConnId"`
	FromInstanceId string `json:"fromInstanceId"`
	ToUserId       string `json:"toUserId"`
	MsgType        string `json:"msgType"`
	Body           string `json:"body"`
	ClientTs       int64  `json:"clientTs"`
	AcceptedAt     int64  `json:"acceptedAt"`
}

// DedupId is the broker-level dedup key for an entry.
func (e *Entry) DedupId() string {
	return e.FromUserId + ":" + e.ClientMsgId
}

// Log wraps the stream.
type Log struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// New creates or binds the accept stream.
func New(ctx context.Context, js jetstream.JetStream) (*Log, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{Subject},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	return &Log{js: js, stream: stream}, nil
}

// Append durably records an accepted entry. The JetStream MsgID makes the
// append itself idempotent within the dedup window.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = l.js.PublishMsg(ctx, &nats.Msg{
		Subject: Subject,
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}, jetstream.WithMsgID(e.DedupId()))
	if err != nil {
		return fmt.Errorf("failed to append to message log: %w", err)
	}
	return nil
}

// Consumer creates or binds a durable consumer group on the stream.
// maxDeliver bounds redelivery of one entry; pass -1 for unlimited.
func (l *Log) Consumer(ctx context.Context, name string, maxDeliver int) (jetstream.Consumer, error) {
	cons, err := l.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", name, err)
	}
	return cons, nil
}

// DecodeEntry parses a consumed log message.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("invalid log entry: %w", err)
	}
	return &e, nil
}
