package storage

import (
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Message queue errors
var (
	ErrMessageNotFound = errors.New("message not found")
)

// Outbox message statuses.
const (
	MessageStatusPending = "pending"
	MessageStatusAcked   = "acked"
	MessageStatusExpired = "expired"
)

// OutboxMessage is one queued outbound protocol message awaiting
// acknowledgement.
type OutboxMessage struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	EntityID  string `json:"entity_id"`
	PeerID    string `json:"peer_id"`
	MsgType   string `json:"msg_type"`
	Payload   []byte `json:"payload"`

	CreatedAt   time.Time `json:"created_at"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	ExpireAt    time.Time `json:"expire_at"`
	Status      string    `json:"status"`
}

// MarkMessageSeen records an inbound message under its idempotency key
// (msg type + entity id). Returns true if this is the first delivery,
// false for a duplicate. Handlers skip duplicates entirely; a handler
// that fails releases the key again with ForgetMessageSeen so the
// sender's retry gets processed.
func (s *Storage) MarkMessageSeen(msgType, entityID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO message_inbox (msg_type, entity_id, message_id, received_at)
		 VALUES (?, ?, ?, ?)`,
		msgType, entityID, messageID, time.Now().Unix())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ForgetMessageSeen releases an idempotency key so a redelivery of the
// same message is treated as a first delivery again.
func (s *Storage) ForgetMessageSeen(msgType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM message_inbox WHERE msg_type = ? AND entity_id = ?`,
		msgType, entityID)
	return err
}

// QueueMessage adds an outbound message to the retry queue.
func (s *Storage) QueueMessage(m *OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.NextRetryAt.IsZero() {
		m.NextRetryAt = now
	}
	if m.Status == "" {
		m.Status = MessageStatusPending
	}

	_, err := s.db.Exec(
		`INSERT INTO message_outbox (message_id, entity_id, peer_id, msg_type,
			payload, created_at, retry_count, next_retry_at, expire_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.EntityID, m.PeerID, m.MsgType, m.Payload,
		m.CreatedAt.Unix(), m.RetryCount, m.NextRetryAt.Unix(),
		m.ExpireAt.Unix(), m.Status)
	return err
}

// PendingMessages returns messages due for a delivery attempt.
func (s *Storage) PendingMessages(now time.Time, limit int) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, message_id, entity_id, peer_id, msg_type, payload,
			created_at, retry_count, next_retry_at, expire_at, status
		 FROM message_outbox
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		MessageStatusPending, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var createdAt, nextRetryAt, expireAt int64
		if err := rows.Scan(&m.ID, &m.MessageID, &m.EntityID, &m.PeerID,
			&m.MsgType, &m.Payload, &createdAt, &m.RetryCount,
			&nextRetryAt, &expireAt, &m.Status); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		m.NextRetryAt = time.Unix(nextRetryAt, 0)
		m.ExpireAt = time.Unix(expireAt, 0)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// RescheduleMessage bumps the retry counter and next attempt time after a
// failed delivery. Messages past their expiry are marked expired instead.
func (s *Storage) RescheduleMessage(messageID string, nextRetry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE message_outbox SET
			retry_count = retry_count + 1,
			next_retry_at = ?,
			status = CASE WHEN expire_at <= ? THEN ? ELSE status END
		 WHERE message_id = ?`,
		nextRetry.Unix(), time.Now().Unix(), MessageStatusExpired, messageID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// AckMessage marks an outbound message delivered.
func (s *Storage) AckMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE message_outbox SET status = ?, acked_at = ? WHERE message_id = ?`,
		MessageStatusAcked, time.Now().Unix(), messageID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}
