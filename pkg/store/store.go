// Package store owns the message lifecycle contract and the persistence
// collaborator interface the pipeline calls through.
package store

import (
	"context"
	"time"
)

// Status is the monotonically advancing message state. No transition moves
// backward; REVOKED and DROPPED are terminal side exits.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusSaved     Status = "SAVED"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusRevoked   Status = "REVOKED"
	StatusDropped   Status = "DROPPED"
)

// Message is the persisted row. Identity is (FromUserId, ClientMsgId) before
// acceptance and ServerMsgId after; MsgSeq is the per-conversation ordering
// key assigned at persist time.
type Message struct {
	ServerMsgId string
	ClientMsgId string
	FromUserId  string
	ToUserId    string
	MsgType     string
	Body        string
	MsgSeq      int64
	Status      Status
	ClientTs    int64
	SavedAt     time.Time
	UpdatedAt   time.Time
}

// SaveResult reports the outcome of SaveMessage. On a replay of the same
// (FromUserId, ClientMsgId) the original ServerMsgId and MsgSeq come back
// with AlreadyExisted set; a second row is never created.
type SaveResult struct {
	ServerMsgId    string
	MsgSeq         int64
	AlreadyExisted bool
}

// MessageStore is the narrow persistence interface the pipeline consumes.
// All implementations must keep SaveMessage idempotent and every status
// update monotonic.
type MessageStore interface {
	// SaveMessage persists the message with status SAVED, assigning
	// ServerMsgId exactly once and the next per-conversation MsgSeq.
	SaveMessage(ctx context.Context, msg *Message) (SaveResult, error)

	// MarkDelivered advances SAVED -> DELIVERED for the recipient's copy.
	// Any other current status makes this a no-op.
	MarkDelivered(ctx context.Context, serverMsgId, userId string) error

	// MarkRead advances SAVED/DELIVERED -> READ.
	MarkRead(ctx context.Context, serverMsgId, userId string) error

	// MarkRevoked advances SAVED/DELIVERED -> REVOKED. Consumed by the
	// message CRUD surface, which is outside this core.
	MarkRevoked(ctx context.Context, serverMsgId string) error

	// MarkDropped advances SAVED -> DROPPED when the resend sweep gives up.
	MarkDropped(ctx context.Context, serverMsgId string) error

	// Touch bumps the row's updated_at after a resend attempt so the next
	// sweep does not race an in-flight delivery.
	Touch(ctx context.Context, serverMsgId string) error

	// ListStaleSaved returns messages still SAVED whose save time is before
	// olderThan and which have not been touched since notTouchedSince,
	// oldest first, at most limit rows.
	ListStaleSaved(ctx context.Context, olderThan, notTouchedSince time.Time, limit int) ([]*Message, error)
}
