package msglog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// MsgIdBucket is the idempotency record: {fromUserId, clientMsgId} ->
// serverMsgId, written by the save worker after persist. The accept path
// uses it to short-circuit duplicates; the deliver consumer uses it to gate
// persist-before-push.
const MsgIdBucket = "IM_MSG_IDS"

// MsgIdIndex wraps the idempotency KV bucket.
type MsgIdIndex struct {
	kv jetstream.KeyValue
}

// NewMsgIdIndex creates or binds the bucket.
func NewMsgIdIndex(ctx context.Context, js jetstream.JetStream) (*MsgIdIndex, error) {
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: MsgIdBucket,
	})
	if err != nil {
		kv, err = js.KeyValue(ctx, MsgIdBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind msg-id bucket: %w", err)
		}
	}
	return &MsgIdIndex{kv: kv}, nil
}

// msgIdKey encodes both parts so client-supplied ids can never produce an
// invalid KV key.
func msgIdKey(fromUserId, clientMsgId string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fromUserId)) +
		"." + base64.RawURLEncoding.EncodeToString([]byte(clientMsgId))
}

// Lookup returns the serverMsgId recorded for a send, if any.
func (i *MsgIdIndex) Lookup(ctx context.Context, fromUserId, clientMsgId string) (string, bool, error) {
	entry, err := i.kv.Get(ctx, msgIdKey(fromUserId, clientMsgId))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up msg id: %w", err)
	}
	return string(entry.Value()), true, nil
}

// Record stores the assigned serverMsgId. Last write wins; replays always
// carry the same value.
func (i *MsgIdIndex) Record(ctx context.Context, fromUserId, clientMsgId, serverMsgId string) error {
	if _, err := i.kv.Put(ctx, msgIdKey(fromUserId, clientMsgId), []byte(serverMsgId)); err != nil {
		return fmt.Errorf("failed to record msg id: %w", err)
	}
	return nil
}
