package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema for the message rows and the per-conversation sequence counters.
// Applied with CREATE IF NOT EXISTS on startup; real migrations live with
// the ops tooling.
const schema = `
CREATE TABLE IF NOT EXISTS im_messages (
	server_msg_id TEXT PRIMARY KEY,
	client_msg_id TEXT NOT NULL,
	from_user_id  TEXT NOT NULL,
	to_user_id    TEXT NOT NULL,
	msg_type      TEXT NOT NULL DEFAULT 'text',
	body          TEXT NOT NULL,
	msg_seq       BIGINT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'SAVED',
	client_ts     BIGINT NOT NULL,
	saved_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (from_user_id, client_msg_id)
);
CREATE INDEX IF NOT EXISTS im_messages_stale_idx ON im_messages (status, saved_at);
CREATE TABLE IF NOT EXISTS im_conversations (
	conv_key TEXT PRIMARY KEY,
	last_seq BIGINT NOT NULL DEFAULT 0
);
`

// PostgresStore implements MessageStore on PostgreSQL. The unique constraint
// on (from_user_id, client_msg_id) is the idempotency record: replaying a
// send returns the original row and never creates a second one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// convKey orders the two participants so both directions share one sequence.
func convKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// SaveMessage persists with status SAVED. The sequence bump and the insert
// share one transaction; a duplicate aborts the transaction so no sequence
// gap is left behind.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) (SaveResult, error) {
	// Fast path for replays: the row already exists.
	if res, ok, err := s.lookupExisting(ctx, msg.FromUserId, msg.ClientMsgId); err != nil {
		return SaveResult{}, err
	} else if ok {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to begin save tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO im_conversations (conv_key, last_seq) VALUES ($1, 1)
		ON CONFLICT (conv_key) DO UPDATE SET last_seq = im_conversations.last_seq + 1
		RETURNING last_seq`,
		convKey(msg.FromUserId, msg.ToUserId),
	).Scan(&seq)
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to allocate msg_seq: %w", err)
	}

	serverMsgId := uuid.NewString()
	var inserted string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO im_messages
			(server_msg_id, client_msg_id, from_user_id, to_user_id, msg_type, body, msg_seq, status, client_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (from_user_id, client_msg_id) DO NOTHING
		RETURNING server_msg_id`,
		serverMsgId, msg.ClientMsgId, msg.FromUserId, msg.ToUserId,
		msg.MsgType, msg.Body, seq, StatusSaved, msg.ClientTs,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race with a concurrent save of the same send. Roll back the
		// sequence bump and return the winner's row.
		if rbErr := tx.Rollback(); rbErr != nil {
			return SaveResult{}, fmt.Errorf("failed to roll back after duplicate: %w", rbErr)
		}
		res, ok, err := s.lookupExisting(ctx, msg.FromUserId, msg.ClientMsgId)
		if err != nil {
			return SaveResult{}, err
		}
		if !ok {
			return SaveResult{}, fmt.Errorf("duplicate insert of %s/%s but no existing row", msg.FromUserId, msg.ClientMsgId)
		}
		return res, nil
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("failed to commit save tx: %w", err)
	}
	return SaveResult{ServerMsgId: inserted, MsgSeq: seq}, nil
}

func (s *PostgresStore) lookupExisting(ctx context.Context, fromUserId, clientMsgId string) (SaveResult, bool, error) {
	var res SaveResult
	err := s.db.QueryRowContext(ctx,
		`SELECT server_msg_id, msg_seq FROM im_messages WHERE from_user_id = $1 AND client_msg_id = $2`,
		fromUserId, clientMsgId,
	).Scan(&res.ServerMsgId, &res.MsgSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return SaveResult{}, false, nil
	}
	if err != nil {
		return SaveResult{}, false, fmt.Errorf("failed to look up message: %w", err)
	}
	res.AlreadyExisted = true
	return res, true, nil
}

// Status transitions are guarded in SQL so a late or replayed ack can never
// move a row backward.

func (s *PostgresStore) MarkDelivered(ctx context.Context, serverMsgId, userId string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE im_messages SET status = $1, updated_at = now()
		WHERE server_msg_id = $2 AND to_user_id = $3 AND status = $4`,
		StatusDelivered, serverMsgId, userId, StatusSaved)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, serverMsgId, userId string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE im_messages SET status = $1, updated_at = now()
		WHERE server_msg_id = $2 AND to_user_id = $3 AND status IN ($4, $5)`,
		StatusRead, serverMsgId, userId, StatusSaved, StatusDelivered)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, serverMsgId string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE im_messages SET status = $1, updated_at = now()
		WHERE server_msg_id = $2 AND status IN ($3, $4)`,
		StatusRevoked, serverMsgId, StatusSaved, StatusDelivered)
	if err != nil {
		return fmt.Errorf("failed to mark revoked: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDropped(ctx context.Context, serverMsgId string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE im_messages SET status = $1, updated_at = now()
		WHERE server_msg_id = $2 AND status = $3`,
		StatusDropped, serverMsgId, StatusSaved)
	if err != nil {
		return fmt.Errorf("failed to mark dropped: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, serverMsgId string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE im_messages SET updated_at = now() WHERE server_msg_id = $1`,
		serverMsgId)
	if err != nil {
		return fmt.Errorf("failed to touch message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStaleSaved(ctx context.Context, olderThan, notTouchedSince time.Time, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_msg_id, client_msg_id, from_user_id, to_user_id, msg_type, body, msg_seq, status, client_ts, saved_at, updated_at
		FROM im_messages
		WHERE status = $1 AND saved_at < $2 AND updated_at < $3
		ORDER BY saved_at ASC
		LIMIT $4`,
		StatusSaved, olderThan, notTouchedSince, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale saved messages: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ServerMsgId, &m.ClientMsgId, &m.FromUserId, &m.ToUserId,
			&m.MsgType, &m.Body, &m.MsgSeq, &m.Status, &m.ClientTs, &m.SavedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale message: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
