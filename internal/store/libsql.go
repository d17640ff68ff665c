package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/skein-dev/skein/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/var/lib/skein/skein.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow swallows them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
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

// --- Executions ---

const executionColumns = `id, workflow, version, definition, status, input, output, error, parent_id, schedule_id, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	def, err := json.Marshal(ex.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	input, err := marshalMapOrDefault(ex.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, nullStr(ex.Workflow), nullStr(ex.Version), string(def), string(ex.Status),
		string(input), nullRaw(ex.Output), nullRaw(ex.Error),
		nullStr(ex.ParentID), nullStr(ex.ScheduleID),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	where := "id = ?"
	args = append(args, id)
	if update.FromStatus != nil {
		where += " AND status = ?"
		args = append(args, string(*update.FromStatus))
	}

	query := fmt.Sprintf("UPDATE executions SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if update.FromStatus != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution %s is no longer %s", id, *update.FromStatus)
		}
		return nil
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		workflow, version, parentID, scheduleID sql.NullString
		defJSON, inputJSON, status              string
		outputJSON, errorJSON                   sql.NullString
		startedAt, completedAt                  sql.NullTime
	)
	err := row.Scan(&ex.ID, &workflow, &version, &defJSON, &status, &inputJSON,
		&outputJSON, &errorJSON, &parentID, &scheduleID,
		&ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Workflow = workflow.String
	ex.Version = version.String
	ex.ParentID = parentID.String
	ex.ScheduleID = scheduleID.String
	ex.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &ex.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &ex.Input)
	}
	ex.Output = rawOrNil(outputJSON)
	ex.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (execution_id, step_id, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		rec.ExecutionID, rec.StepID, string(rec.Status),
		nullRaw(rec.Output), nullRaw(rec.Error), rec.Attempts,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM step_records WHERE execution_id = ? AND step_id = ?`, executionID, stepID)
	rec, err := scanStepRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_record", executionID+"/"+stepID)
	}
	return rec, err
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM step_records WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanStepRecord(row rowScanner) (*StepRecord, error) {
	rec := &StepRecord{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&rec.ExecutionID, &rec.StepID, &status, &output, &errJSON,
		&rec.Attempts, &startedAt, &completedAt, &rec.DurationMs)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.StepStatus(status)
	rec.Output = rawOrNil(output)
	rec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE execution_id = ?`, cp.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next checkpoint sequence: %w", err)
	}
	cp.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, execution_id, sequence, reason, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ExecutionID, seq, cp.Reason, string(cp.Meta), timeOrNow(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, sequence, reason, meta, created_at
		 FROM checkpoints WHERE execution_id = ? ORDER BY sequence DESC LIMIT 1`, executionID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", executionID)
	}
	return cp, err
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, sequence, reason, meta, created_at
		 FROM checkpoints WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// PruneCheckpoints keeps the newest `keep` checkpoints of an execution and
// deletes the rest, returning the number removed.
func (s *LibSQLStore) PruneCheckpoints(ctx context.Context, executionID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE execution_id = ? AND sequence <= (
		   SELECT COALESCE(MAX(sequence), 0) - ? FROM checkpoints WHERE execution_id = ?
		 )`, executionID, keep, executionID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var meta string
	err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.Sequence, &cp.Reason, &meta, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.Meta = json.RawMessage(meta)
	return cp, nil
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	approvers, err := nullableJSONSlice(ap.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	status := ap.Status
	if status == "" {
		status = ApprovalPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, step_id, prompt, approvers, context, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.ExecutionID, ap.StepID, ap.Prompt, approvers, nullRaw(ap.Context),
		status, nullTime(ap.ExpiresAt), timeOrNow(ap.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, prompt, approvers, context, status, decided_by, decision, expires_at, created_at, resolved_at
		 FROM approvals WHERE id = ?`, id)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return ap, err
}

// ResolveApproval transitions a pending approval to its final status. A
// second resolution attempt reports NOT_FOUND since no pending row matches.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id, status, decidedBy string, decision []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, decision = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, nullStr(decidedBy), nullRaw(decision), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending approval", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Approver != "" {
		where = append(where, "approvers LIKE ?")
		args = append(args, "%\""+filter.Approver+"\"%")
	}

	query := `SELECT id, execution_id, step_id, prompt, approvers, context, status, decided_by, decision, expires_at, created_at, resolved_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*Approval, error) {
	ap := &Approval{}
	var approvers, contextJSON, decidedBy, decision sql.NullString
	var expiresAt, resolvedAt sql.NullTime
	err := row.Scan(&ap.ID, &ap.ExecutionID, &ap.StepID, &ap.Prompt, &approvers, &contextJSON,
		&ap.Status, &decidedBy, &decision, &expiresAt, &ap.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if approvers.Valid && approvers.String != "" {
		_ = json.Unmarshal([]byte(approvers.String), &ap.Approvers)
	}
	ap.Context = rawOrNil(contextJSON)
	ap.DecidedBy = decidedBy.String
	ap.Decision = rawOrNil(decision)
	if expiresAt.Valid {
		ap.ExpiresAt = &expiresAt.Time
	}
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (name, version, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		tpl.Name, tpl.Version, string(def), timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, name, version string) (*Template, error) {
	t := &Template{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, definition, created_at, updated_at
		 FROM templates WHERE name = ? AND version = ?`, name, version,
	).Scan(&t.Name, &t.Version, &defJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name+"@"+version)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, version, definition, created_at, updated_at FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t := &Template{}
		var defJSON string
		if err := rows.Scan(&t.Name, &t.Version, &defJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow, version, cron, input, enabled, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Workflow, nullStr(sched.Version), sched.Cron, nullRaw(sched.Input),
		boolToInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, version, cron, input, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Cron != nil {
		sets = append(sets, "cron = ?")
		args = append(args, *update.Cron)
	}
	if update.Input != nil {
		sets = append(sets, "input = ?")
		args = append(args, string(update.Input))
	}
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
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, workflow, version, cron, input, enabled, last_run_at, next_run_at, created_at, updated_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
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
	var version, input sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&sched.ID, &sched.Workflow, &version, &sched.Cron, &input,
		&enabled, &lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.Version = version.String
	sched.Input = rawOrNil(input)
	sched.Enabled = enabled != 0
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET
		   value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Audit events ---

// AppendEvent assigns the next per-execution sequence inside a transaction
// so concurrent appenders never interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"1=1"}
	var args []any

	// Empty type matches all events.
	if eventType != "" {
		where = []string{"event_type = ?"}
		args = append(args, eventType)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
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

func nullableJSONSlice(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
