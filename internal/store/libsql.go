package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orchestra/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/orchestra.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, user_id, name, description, agents, steps, settings, status, metadata, created_at, updated_at`

// CreateWorkflow persists wf. Missing id, status and timestamps are filled in and
// written back to wf.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusPending
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = wf.CreatedAt
	}
	if wf.Agents == nil {
		wf.Agents = []string{}
	}
	if wf.Steps == nil {
		wf.Steps = []schema.Step{}
	}
	if wf.Settings == nil {
		wf.Settings = map[string]any{}
	}
	if wf.Metadata == nil {
		wf.Metadata = map[string]any{}
	}

	agents, err := encodeJSON(wf.Agents, "[]")
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	steps, err := encodeJSON(wf.Steps, "[]")
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	settings, err := encodeJSON(wf.Settings, "{}")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	metadata, err := encodeJSON(wf.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, nullStr(wf.Description), agents, steps, settings,
		string(wf.Status), metadata, wf.CreatedAt, wf.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id, userID string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND user_id = ?`, id, userID)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wf, err
}

func (s *LibSQLStore) GetWorkflowByID(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, userID string, filter WorkflowFilter) ([]*schema.Workflow, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, rowid DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := []*schema.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowStatus reads, merges and writes metadata inside one transaction so
// concurrent patches never drop each other's keys.
func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus, metadataPatch map[string]any) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw any
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM workflows WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return storeNotFound("workflow", id)
	}
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().UTC()}

	if len(metadataPatch) > 0 {
		existing, err := decodeMap(raw)
		if err != nil {
			return err
		}
		merged, err := encodeJSON(mergeMetadata(existing, metadataPatch), "{}")
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, merged)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return tx.Commit()
}

// DeleteWorkflow removes the workflow together with its schedules and event
// log in one transaction.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_events WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) CountWorkflowsByStatus(ctx context.Context, userID string) (map[schema.WorkflowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflows WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[schema.WorkflowStatus]int, len(schema.States))
	for _, st := range schema.States {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.WorkflowStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description                       sql.NullString
		agents, steps, settings, metadata any
		status                            string
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &description, &agents, &steps, &settings,
		&status, &metadata, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Status = schema.WorkflowStatus(status)

	var err error
	if wf.Agents, err = decodeList(agents); err != nil {
		return nil, fmt.Errorf("workflow %s agents: %w", wf.ID, err)
	}
	if wf.Steps, err = decodeSteps(steps); err != nil {
		return nil, fmt.Errorf("workflow %s steps: %w", wf.ID, err)
	}
	if wf.Settings, err = decodeMap(settings); err != nil {
		return nil, fmt.Errorf("workflow %s settings: %w", wf.ID, err)
	}
	if wf.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("workflow %s metadata: %w", wf.ID, err)
	}
	return wf, nil
}

// --- Handoffs ---

func (s *LibSQLStore) CreateHandoff(ctx context.Context, h *schema.Handoff) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.Status == "" {
		h.Status = schema.HandoffStatusPending
	}
	h.Timestamp = timeOrNow(h.Timestamp)

	var data any
	if h.Data != nil {
		b, err := json.Marshal(h.Data)
		if err != nil {
			return fmt.Errorf("marshal handoff data: %w", err)
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_handoffs (id, from_agent, to_agent, data, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.From, h.To, data, h.Status, h.Timestamp,
	)
	return err
}

func (s *LibSQLStore) ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*schema.Handoff, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "(from_agent = ? OR to_agent = ?)")
		args = append(args, filter.AgentID, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, from_agent, to_agent, data, status, created_at FROM agent_handoffs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handoffs []*schema.Handoff
	for rows.Next() {
		h := &schema.Handoff{}
		var data sql.NullString
		if err := rows.Scan(&h.ID, &h.From, &h.To, &data, &h.Status, &h.Timestamp); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			var v any
			if err := json.Unmarshal([]byte(data.String), &v); err != nil {
				return nil, fmt.Errorf("handoff %s data: %w", h.ID, err)
			}
			h.Data = v
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}

func (s *LibSQLStore) UpdateHandoffStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_handoffs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "handoff", id)
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *schema.Agent) error {
	var metadata any
	if len(agent.Metadata) > 0 {
		b, err := json.Marshal(agent.Metadata)
		if err != nil {
			return fmt.Errorf("marshal agent metadata: %w", err)
		}
		metadata = string(b)
	}
	agent.CreatedAt = timeOrNow(agent.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, endpoint, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, endpoint=excluded.endpoint, metadata=excluded.metadata`,
		agent.ID, agent.Name, nullStr(string(agent.Role)), nullStr(agent.Endpoint), metadata, agent.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*schema.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, endpoint, metadata, created_at FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	return a, err
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*schema.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, endpoint, metadata, created_at FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*schema.Agent, error) {
	a := &schema.Agent{}
	var role, endpoint sql.NullString
	var metadata any
	if err := row.Scan(&a.ID, &a.Name, &role, &endpoint, &metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Role = schema.Role(role.String)
	a.Endpoint = endpoint.String
	if metadata != nil {
		m, err := decodeMap(metadata)
		if err != nil {
			return nil, fmt.Errorf("agent %s metadata: %w", a.ID, err)
		}
		if len(m) > 0 {
			a.Metadata = m
		}
	}
	return a, nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	input, err := encodeJSON(sched.Input, "{}")
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, user_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.UserID, sched.CronExpression, input, boolToInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), sched.CreatedAt,
	)
	return err
}

const scheduleColumns = `id, workflow_id, user_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		input            any
		enabled          int
		lastRun, nextRun sql.NullTime
		lastStatus       sql.NullString
	)
	if err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.UserID, &sched.CronExpression, &input,
		&enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
		return nil, err
	}
	in, err := decodeMap(input)
	if err != nil {
		return nil, fmt.Errorf("schedule %s input: %w", sched.ID, err)
	}
	sched.Input = in
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OrchestraError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
