package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendEvent appends a journal entry with a monotonically increasing per-workflow
// sequence. The sequence read and the insert share one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.WorkflowID == "" {
		return fmt.Errorf("append event %s: workflow id is required", event.Kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_events (workflow_id, execution_id, kind, step_name, agent_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.ExecutionID), event.Kind, nullStr(event.StepName),
		nullStr(event.AgentID), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns journal entries for a workflow with sequence > since, oldest first.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, execution_id, kind, step_name, agent_id, payload, timestamp, sequence
		 FROM workflow_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, stepName, agentID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &execID, &e.Kind, &stepName, &agentID,
			&payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ExecutionID = execID.String
		e.StepName = stepName.String
		e.AgentID = agentID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
