package storage

import (
	"database/sql"
	"time"
)

// Event concepts.
const (
	ConceptOffer = "offer"
	ConceptBid   = "bid"
)

// Event types. Names follow the audit log consumers.
const (
	EventBidStateChanged      = "BID_STATE_CHANGED"
	EventAutomationConstraint = "AUTOMATION_CONSTRAINT"
	EventAutomationAccepting  = "AUTOMATION_ACCEPTING_BID"
	EventError                = "ERROR"
	EventDebugTweakApplied    = "DEBUG_TWEAK_APPLIED"
)

// EventRecord is one append-only audit log entry.
type EventRecord struct {
	ID        int64     `json:"id"`
	Concept   string    `json:"concept"`
	EntityID  string    `json:"entity_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddEvent appends an event. Events are never updated or deleted.
func (s *Storage) AddEvent(concept, entityID, eventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO events (concept, entity_id, event_type, message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		concept, entityID, eventType, message, time.Now().Unix())
	return err
}

// GetEvents returns the events for one entity, oldest first.
func (s *Storage) GetEvents(concept, entityID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, concept, entity_id, event_type, message, created_at
		 FROM events WHERE concept = ? AND entity_id = ? ORDER BY id ASC`,
		concept, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecentEvents returns the newest events across all entities.
func (s *Storage) RecentEvents(limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, concept, entity_id, event_type, message, created_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsSince returns events with an id greater than afterID, oldest
// first. Used by the websocket streamer to tail the log.
func (s *Storage) EventsSince(afterID int64, limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, concept, entity_id, event_type, message, created_at
		 FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		var e EventRecord
		var message sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Concept, &e.EntityID, &e.EventType, &message, &createdAt); err != nil {
			return nil, err
		}
		if message.Valid {
			e.Message = message.String
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}
