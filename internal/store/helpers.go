package store

import (
	"database/sql"
	"fmt"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanSessionRows scans a SessionRecord from sql.Rows.
func scanSessionRows(rows *sql.Rows) (models.SessionRecord, error) {
	var rec models.SessionRecord
	var endedAt sql.NullTime
	err := rows.Scan(&rec.ID, &rec.ScenarioID, &rec.Status, &rec.Speed, &rec.StartedAt, &endedAt)
	if err != nil {
		return rec, fmt.Errorf("scan session failed: %w", err)
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return rec, nil
}

// scanSessionRow scans a SessionRecord from a single sql.Row.
func scanSessionRow(row *sql.Row) (models.SessionRecord, error) {
	var rec models.SessionRecord
	var endedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.ScenarioID, &rec.Status, &rec.Speed, &rec.StartedAt, &endedAt)
	if err != nil {
		return rec, err
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return rec, nil
}

// scanSessionEvent scans a SessionEvent from sql.Rows.
func scanSessionEvent(rows *sql.Rows) (models.SessionEvent, error) {
	var evt models.SessionEvent
	var sender, payload sql.NullString
	err := rows.Scan(&evt.ID, &evt.SessionID, &evt.Seq, &evt.Type, &evt.MessageIndex, &sender, &payload, &evt.EmittedAt)
	if err != nil {
		return evt, fmt.Errorf("scan session event failed: %w", err)
	}
	evt.Sender = models.Sender(sender.String)
	evt.Payload = payload.String
	return evt, nil
}

// scanFlowSubmission scans a FlowSubmission from sql.Rows.
func scanFlowSubmission(rows *sql.Rows) (models.FlowSubmission, error) {
	var sub models.FlowSubmission
	var data sql.NullString
	var completedAt sql.NullTime
	err := rows.Scan(&sub.Token, &sub.SessionID, &sub.FlowID, &sub.Status, &data, &completedAt)
	if err != nil {
		return sub, fmt.Errorf("scan flow submission failed: %w", err)
	}
	sub.Data = data.String
	if completedAt.Valid {
		sub.CompletedAt = &completedAt.Time
	}
	return sub, nil
}
