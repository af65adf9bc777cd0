package db

import (
	"database/sql"
	"fmt"
)

// StageEvent is a row in the stage_events table. Year is nil for
// whole-run stages.
type StageEvent struct {
	ID        int    `json:"id"`
	RunID     string `json:"run_id"`
	Year      *int   `json:"year"`
	Stage     string `json:"stage"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// LogStageEvent inserts a stage event. year may be nil.
func (d *DB) LogStageEvent(runID string, year *int, stage, action, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO stage_events (run_id, year, stage, action, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, year, stage, action, detail,
	)
	if err != nil {
		return fmt.Errorf("log stage event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, newest first. A non-empty runID
// restricts the result to that run.
func (d *DB) RecentEvents(runID string, limit int) ([]StageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, run_id, year, stage, action, detail, timestamp FROM stage_events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var e StageEvent
		var year sql.NullInt64
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &year, &e.Stage, &e.Action, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		if year.Valid {
			y := int(year.Int64)
			e.Year = &y
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByAction tallies one run's events per action.
func (d *DB) CountByAction(runID string) (map[string]int, error) {
	rows, err := d.conn.Query(
		`SELECT action, COUNT(*) FROM stage_events WHERE run_id = ? GROUP BY action`, runID)
	if err != nil {
		return nil, fmt.Errorf("count stage events: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}
