package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/calev/orchid/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/orchid.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, version, document) VALUES (?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, string(doc),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE id = ?`, id), "definition", id)
}

func (s *LibSQLStore) GetDefinitionByName(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error) {
	return s.scanDefinition(s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE name = ? AND version = ?`, name, version),
		"definition", fmt.Sprintf("%s@%d", name, version))
}

func (s *LibSQLStore) scanDefinition(row *sql.Row, kind, id string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM definitions ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error {
	vars, err := marshalMap(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	overrides, err := marshalMap(inst.RuntimeOverrides)
	if err != nil {
		return fmt.Errorf("marshal runtime_overrides: %w", err)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create instance: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, status, current_activity_id, current_assignee, variables, runtime_overrides, retry_count, correlation_id, started_by, suspension_reason, error_message, version, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, string(inst.Status), inst.CurrentActivityID, inst.CurrentAssignee,
		vars, overrides, inst.RetryCount, inst.CorrelationID, inst.StartedBy,
		inst.SuspensionReason, inst.ErrorMessage, inst.Version,
		timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt), nullTime(inst.CompletedAt),
	)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := insertOutbox(ctx, tx, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, status, current_activity_id, current_assignee, variables, runtime_overrides, retry_count, correlation_id, started_by, suspension_reason, error_message, version, created_at, updated_at, completed_at
		 FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, notFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance, events ...*OutboxEvent) error {
	vars, err := marshalMap(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	overrides, err := marshalMap(inst.RuntimeOverrides)
	if err != nil {
		return fmt.Errorf("marshal runtime_overrides: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update instance: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, current_activity_id = ?, current_assignee = ?, variables = ?, runtime_overrides = ?, retry_count = ?, suspension_reason = ?, error_message = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP, completed_at = ?
		 WHERE id = ? AND version = ?`,
		string(inst.Status), inst.CurrentActivityID, inst.CurrentAssignee, vars, overrides,
		inst.RetryCount, inst.SuspensionReason, inst.ErrorMessage, nullTime(inst.CompletedAt),
		inst.ID, inst.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE id = ?`, inst.ID).Scan(&exists); scanErr == nil && exists == 0 {
			return notFound("instance", inst.ID)
		}
		return ErrVersionConflict
	}

	for _, ev := range events {
		if err := insertOutbox(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	query := `SELECT id, definition_id, status, current_activity_id, current_assignee, variables, runtime_overrides, retry_count, correlation_id, started_by, suspension_reason, error_message, version, created_at, updated_at, completed_at FROM instances`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		conds = append(conds, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
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

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var (
		status, vars, overrides string
		completedAt             sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &status, &inst.CurrentActivityID, &inst.CurrentAssignee,
		&vars, &overrides, &inst.RetryCount, &inst.CorrelationID, &inst.StartedBy,
		&inst.SuspensionReason, &inst.ErrorMessage, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	if err := unmarshalMap(vars, &inst.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := unmarshalMap(overrides, &inst.RuntimeOverrides); err != nil {
		return nil, fmt.Errorf("unmarshal runtime_overrides: %w", err)
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// --- Activity executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *ActivityExecution) error {
	input, err := marshalMap(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMap(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, instance_id, activity_id, status, assigned_to, input, output, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.InstanceID, exec.ActivityID, string(exec.Status), exec.AssignedTo,
		input, output, exec.ErrorMessage, timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *ActivityExecution) error {
	output, err := marshalMap(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, assigned_to = ?, output = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(exec.Status), exec.AssignedTo, output, exec.ErrorMessage, nullTime(exec.CompletedAt), exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", exec.ID)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error) {
	return s.queryExecutions(ctx,
		`SELECT id, instance_id, activity_id, status, assigned_to, input, output, error_message, started_at, completed_at
		 FROM executions WHERE instance_id = ? ORDER BY started_at ASC`, instanceID)
}

func (s *LibSQLStore) CompletedExecutions(ctx context.Context, instanceID string) ([]*ActivityExecution, error) {
	return s.queryExecutions(ctx,
		`SELECT id, instance_id, activity_id, status, assigned_to, input, output, error_message, started_at, completed_at
		 FROM executions WHERE instance_id = ? AND status = 'completed'
		 ORDER BY completed_at DESC, started_at DESC`, instanceID)
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*ActivityExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityExecution
	for rows.Next() {
		exec := &ActivityExecution{}
		var (
			status, input, output string
			completedAt           sql.NullTime
		)
		if err := rows.Scan(&exec.ID, &exec.InstanceID, &exec.ActivityID, &status, &exec.AssignedTo,
			&input, &output, &exec.ErrorMessage, &exec.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		exec.Status = schema.ExecutionStatus(status)
		if err := unmarshalMap(input, &exec.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
		if err := unmarshalMap(output, &exec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// --- Bookmarks ---

func (s *LibSQLStore) FindOrCreateBookmark(ctx context.Context, b *Bookmark) (*Bookmark, bool, error) {
	existing, err := s.FindBookmark(ctx, b.InstanceID, b.ActivityID)
	if err == nil && existing != nil && existing.Key == b.Key && existing.Type == b.Type {
		return existing, false, nil
	}
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}

	payload, err := marshalMap(b.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bookmarks (id, instance_id, activity_id, type, key, payload, due_at, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.InstanceID, b.ActivityID, string(b.Type), b.Key, payload,
		nullTime(b.DueAt), b.CorrelationID, timeOrNow(b.CreatedAt),
	)
	if err != nil {
		// A concurrent creator may have won the unique-index race; re-read.
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			existing, ferr := s.FindBookmark(ctx, b.InstanceID, b.ActivityID)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	created, err := s.GetBookmark(ctx, b.ID)
	return created, true, err
}

func (s *LibSQLStore) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	row := s.db.QueryRowContext(ctx, selectBookmark+` WHERE id = ?`, id)
	bm, err := scanBookmark(row)
	if err == sql.ErrNoRows {
		return nil, notFound("bookmark", id)
	}
	return bm, err
}

func (s *LibSQLStore) FindBookmark(ctx context.Context, instanceID, activityID string) (*Bookmark, error) {
	row := s.db.QueryRowContext(ctx,
		selectBookmark+` WHERE instance_id = ? AND activity_id = ? AND consumed = 0 ORDER BY created_at ASC LIMIT 1`,
		instanceID, activityID)
	bm, err := scanBookmark(row)
	if err == sql.ErrNoRows {
		return nil, notFound("bookmark", instanceID+"/"+activityID)
	}
	return bm, err
}

func (s *LibSQLStore) ClaimNextBookmark(ctx context.Context, typ schema.BookmarkType, workerID string, now, leaseUntil time.Time) (*Bookmark, error) {
	// Atomic conditional update: selects the oldest eligible row and claims
	// it in one statement, so concurrent claimants cannot both win.
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE bookmarks SET claimed_by = ?, lease_expires_at = ?
		 WHERE id = (
		     SELECT id FROM bookmarks
		     WHERE type = ? AND consumed = 0
		       AND (claimed_by = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)
		       AND (type != 'timer' OR (due_at IS NOT NULL AND due_at <= ?))
		     ORDER BY COALESCE(due_at, created_at) ASC LIMIT 1
		 )
		 AND consumed = 0
		 AND (claimed_by = '' OR lease_expires_at IS NULL OR lease_expires_at < ?)
		 RETURNING id`,
		workerID, leaseUntil, string(typ), now, now, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetBookmark(ctx, id)
}

func (s *LibSQLStore) TryConsumeBookmark(ctx context.Context, id, consumedBy string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bookmarks SET consumed = 1, consumed_by = ?, consumed_at = ?, claimed_by = '', lease_expires_at = NULL
		 WHERE id = ? AND consumed = 0
		   AND (claimed_by = '' OR claimed_by = ? OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?))`,
		consumedBy, now, id, consumedBy, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *LibSQLStore) ReleaseBookmarkClaim(ctx context.Context, id, claimedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bookmarks SET claimed_by = '', lease_expires_at = NULL
		 WHERE id = ? AND claimed_by = ? AND consumed = 0`,
		id, claimedBy,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

const selectBookmark = `SELECT id, instance_id, activity_id, type, key, payload, consumed, consumed_by, consumed_at, due_at, claimed_by, lease_expires_at, correlation_id, created_at FROM bookmarks`

func scanBookmark(row rowScanner) (*Bookmark, error) {
	bm := &Bookmark{}
	var (
		typ, payload                  string
		consumed                      int
		consumedAt, dueAt, leaseUntil sql.NullTime
	)
	err := row.Scan(&bm.ID, &bm.InstanceID, &bm.ActivityID, &typ, &bm.Key, &payload,
		&consumed, &bm.ConsumedBy, &consumedAt, &dueAt, &bm.ClaimedBy, &leaseUntil,
		&bm.CorrelationID, &bm.CreatedAt)
	if err != nil {
		return nil, err
	}
	bm.Type = schema.BookmarkType(typ)
	bm.Consumed = consumed == 1
	if err := unmarshalMap(payload, &bm.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if consumedAt.Valid {
		bm.ConsumedAt = &consumedAt.Time
	}
	if dueAt.Valid {
		bm.DueAt = &dueAt.Time
	}
	if leaseUntil.Valid {
		bm.LeaseExpiresAt = &leaseUntil.Time
	}
	return bm, nil
}

// --- Outbox ---

func (s *LibSQLStore) AppendOutbox(ctx context.Context, ev *OutboxEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertOutbox(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func insertOutbox(ctx context.Context, tx *sql.Tx, ev *OutboxEvent) error {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	headers, err := json.Marshal(orEmptyHeaders(ev.Headers))
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}
	if ev.Status == "" {
		ev.Status = schema.OutboxPending
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (id, type, payload, headers, attempts, next_attempt_at, status, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, payload, string(headers), ev.Attempts,
		timeOrNow(ev.NextAttemptAt), string(ev.Status), ev.CorrelationID, timeOrNow(ev.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, headers, attempts, next_attempt_at, status, claimed_by, last_error, correlation_id, created_at
		 FROM outbox WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEvent
	for rows.Next() {
		ev := &OutboxEvent{}
		var status, payload, headers string
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &headers, &ev.Attempts, &ev.NextAttemptAt,
			&status, &ev.ClaimedBy, &ev.LastError, &ev.CorrelationID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Status = schema.OutboxStatus(status)
		if err := unmarshalMap(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
		}
		if headers != "" {
			_ = json.Unmarshal([]byte(headers), &ev.Headers)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) MarkOutboxProcessing(ctx context.Context, id, claimedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'processing', claimed_by = ? WHERE id = ? AND status IN ('pending', 'failed')`,
		claimedBy, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *LibSQLStore) MarkOutboxProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'processed' WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox event", id)
}

func (s *LibSQLStore) RecordOutboxFailure(ctx context.Context, id string, nextAttempt time.Time, errMsg string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE outbox SET status = 'failed', attempts = attempts + 1, next_attempt_at = ?, last_error = ?, claimed_by = ''
		 WHERE id = ? AND status IN ('processing', 'pending', 'failed')
		 RETURNING attempts`,
		nextAttempt, errMsg, id,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, notFound("outbox event", id)
	}
	return attempts, err
}

func (s *LibSQLStore) MarkOutboxDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'dead_letter' WHERE id = ? AND status != 'processed'`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox event", id)
}

// --- Execution log ---

// AppendLog appends an entry with a monotonically increasing per-instance
// sequence, computed inside a transaction so concurrent writers cannot
// interleave sequence reads and writes.
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *ExecutionLogEntry) error {
	payload, err := marshalMap(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append log: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE instance_id = ?`,
		entry.InstanceID).Scan(&seq); err != nil {
		return fmt.Errorf("next log sequence: %w", err)
	}
	entry.Sequence = seq
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_log (instance_id, activity_id, event, payload, occurred_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, entry.ActivityID, entry.Event, payload, entry.OccurredAt, entry.Sequence,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetLog(ctx context.Context, instanceID string, since int64) ([]*ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, activity_id, event, payload, occurred_at, sequence
		 FROM execution_log WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLogEntry
	for rows.Next() {
		entry := &ExecutionLogEntry{}
		var payload string
		if err := rows.Scan(&entry.ID, &entry.InstanceID, &entry.ActivityID, &entry.Event,
			&payload, &entry.OccurredAt, &entry.Sequence); err != nil {
			return nil, err
		}
		if err := unmarshalMap(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal log payload: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) CountRecentFailures(ctx context.Context, instanceID, activityID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_log
		 WHERE instance_id = ? AND activity_id = ? AND event = ? AND occurred_at >= ?`,
		instanceID, activityID, schema.EventActivityFailed, since,
	).Scan(&count)
	return count, err
}

// --- Scheduled starts ---

func (s *LibSQLStore) CreateScheduledStart(ctx context.Context, job *ScheduledStart) error {
	vars, err := marshalMap(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_starts (id, definition_id, cron_expression, variables, started_by, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DefinitionID, job.CronExpression, vars, job.StartedBy,
		boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledStarts(ctx context.Context, enabledOnly bool) ([]*ScheduledStart, error) {
	query := `SELECT id, definition_id, cron_expression, variables, started_by, enabled, last_run_at, next_run_at, created_at FROM scheduled_starts`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledStart
	for rows.Next() {
		job := &ScheduledStart{}
		var (
			vars             string
			enabled          int
			lastRun, nextRun sql.NullTime
		)
		if err := rows.Scan(&job.ID, &job.DefinitionID, &job.CronExpression, &vars, &job.StartedBy,
			&enabled, &lastRun, &nextRun, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Enabled = enabled == 1
		if err := unmarshalMap(vars, &job.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledStartRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_starts SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun, nextRun, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled start", id)
}

// --- helpers ---

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string, out *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func orEmptyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)
