package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/taskflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/taskflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writes per entity.
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

// --- Templates ---

const templateColumns = `id, family_id, name, description, category, steps, triggers, version, is_active, created_by, execution_order, complexity, created_at, updated_at`

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	steps, triggers, order, err := marshalTemplateParts(tpl)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.FamilyID, tpl.Name, nullStr(tpl.Description), nullStr(tpl.Category),
		steps, triggers, tpl.Version, tpl.IsActive, nullStr(tpl.CreatedBy),
		order, nullStr(string(tpl.Complexity)), timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return storeConflict("template", tpl.ID)
	}
	return wrapStoreErr(err, "insert template")
}

func (s *LibSQLStore) UpdateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	steps, triggers, order, err := marshalTemplateParts(tpl)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name = ?, description = ?, category = ?, steps = ?, triggers = ?,
		 is_active = ?, execution_order = ?, complexity = ?, updated_at = ?
		 WHERE id = ?`,
		tpl.Name, nullStr(tpl.Description), nullStr(tpl.Category), steps, triggers,
		tpl.IsActive, order, nullStr(string(tpl.Complexity)), timeOrNow(tpl.UpdatedAt), tpl.ID,
	)
	if err != nil {
		return wrapStoreErr(err, "update template")
	}
	return checkRowsAffected(res, "template", tpl.ID)
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get template")
	}
	return tpl, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	var where []string
	var args []any

	if filter.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, filter.FamilyID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT ` + templateColumns + ` FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY family_id ASC, version ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list templates")
	}
	defer rows.Close()

	var out []*schema.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "scan template")
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*schema.WorkflowTemplate, error) {
	tpl := &schema.WorkflowTemplate{}
	var (
		description, category, createdBy, complexity sql.NullString
		stepsJSON, triggersJSON, orderJSON           string
	)
	if err := row.Scan(&tpl.ID, &tpl.FamilyID, &tpl.Name, &description, &category,
		&stepsJSON, &triggersJSON, &tpl.Version, &tpl.IsActive, &createdBy,
		&orderJSON, &complexity, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return nil, err
	}
	tpl.Description = description.String
	tpl.Category = category.String
	tpl.CreatedBy = createdBy.String
	tpl.Complexity = schema.Complexity(complexity.String)
	if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(triggersJSON), &tpl.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshal triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(orderJSON), &tpl.ExecutionOrder); err != nil {
		return nil, fmt.Errorf("unmarshal execution order: %w", err)
	}
	return tpl, nil
}

func marshalTemplateParts(tpl *schema.WorkflowTemplate) (steps, triggers, order string, err error) {
	b, err := json.Marshal(tpl.Steps)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal steps: %w", err)
	}
	steps = string(b)
	triggers, err = marshalSliceOrEmpty(tpl.Triggers)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal triggers: %w", err)
	}
	order, err = marshalSliceOrEmpty(tpl.ExecutionOrder)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal execution order: %w", err)
	}
	return steps, triggers, order, nil
}

// --- Executions ---

const executionColumns = `id, template_id, template_version, task_id, status, context, step_history, error, triggered_by, user_id, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	ctxJSON, history, errJSON, err := marshalExecutionParts(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TemplateID, exec.TemplateVersion, nullStr(exec.TaskID), string(exec.Status),
		ctxJSON, history, errJSON, exec.TriggeredBy, nullStr(exec.UserID),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return storeConflict("execution", exec.ID)
	}
	if isForeignKeyViolation(err) {
		return storeNotFound("template", exec.TemplateID)
	}
	return wrapStoreErr(err, "insert execution")
}

func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.Execution) error {
	ctxJSON, history, errJSON, err := marshalExecutionParts(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, context = ?, step_history = ?, error = ?,
		 started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(exec.Status), ctxJSON, history, errJSON,
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt), exec.ID,
	)
	if err != nil {
		return wrapStoreErr(err, "save execution")
	}
	return checkRowsAffected(res, "execution", exec.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get execution")
	}
	return exec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list executions")
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "scan execution")
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		taskID, errJSON, userID sql.NullString
		ctxJSON, historyJSON    string
		startedAt, completedAt  sql.NullTime
		status                  string
	)
	if err := row.Scan(&exec.ID, &exec.TemplateID, &exec.TemplateVersion, &taskID, &status,
		&ctxJSON, &historyJSON, &errJSON, &exec.TriggeredBy, &userID,
		&exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.TaskID = taskID.String
	exec.UserID = userID.String
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(ctxJSON), &exec.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &exec.StepHistory); err != nil {
		return nil, fmt.Errorf("unmarshal step history: %w", err)
	}
	if raw := rawOrNil(errJSON); raw != nil {
		exec.Error = &schema.FlowError{}
		if err := json.Unmarshal(raw, exec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func marshalExecutionParts(exec *schema.Execution) (ctxJSON, history string, errJSON any, err error) {
	c, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal context: %w", err)
	}
	history, err = marshalSliceOrEmpty(exec.StepHistory)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal step history: %w", err)
	}
	if exec.Error != nil {
		b, err := json.Marshal(exec.Error)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(b)
	}
	return string(c), history, errJSON, nil
}

// --- Trigger registrations ---

const registrationColumns = `id, template_id, type, configuration, active, created_at`

func (s *LibSQLStore) CreateRegistration(ctx context.Context, reg *schema.TriggerRegistration) error {
	cfg, err := marshalMapOrDefault(reg.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trigger_registrations (`+registrationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.TemplateID, string(reg.Type), string(cfg), reg.Active, timeOrNow(reg.CreatedAt),
	)
	if isUniqueViolation(err) {
		return storeConflict("trigger registration", reg.ID)
	}
	if isForeignKeyViolation(err) {
		return storeNotFound("template", reg.TemplateID)
	}
	return wrapStoreErr(err, "insert trigger registration")
}

func (s *LibSQLStore) GetRegistration(ctx context.Context, id string) (*schema.TriggerRegistration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM trigger_registrations WHERE id = ?`, id)
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger registration", id)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get trigger registration")
	}
	return reg, nil
}

func (s *LibSQLStore) ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*schema.TriggerRegistration, error) {
	var where []string
	var args []any

	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT ` + registrationColumns + ` FROM trigger_registrations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list trigger registrations")
	}
	defer rows.Close()

	var out []*schema.TriggerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, wrapStoreErr(err, "scan trigger registration")
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteRegistrations(ctx context.Context, templateID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_registrations WHERE template_id = ?`, templateID)
	if err != nil {
		return 0, wrapStoreErr(err, "delete trigger registrations")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStoreErr(err, "delete trigger registrations")
	}
	return int(n), nil
}

func scanRegistration(row rowScanner) (*schema.TriggerRegistration, error) {
	reg := &schema.TriggerRegistration{}
	var typ, cfgJSON string
	if err := row.Scan(&reg.ID, &reg.TemplateID, &typ, &cfgJSON, &reg.Active, &reg.CreatedAt); err != nil {
		return nil, err
	}
	reg.Type = schema.TriggerType(typ)
	if err := json.Unmarshal([]byte(cfgJSON), &reg.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return reg, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-stream sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stream := event.stream()
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream = ?`, stream,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (stream, execution_id, template_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stream, nullStr(event.ExecutionID), nullStr(event.TemplateID), nullStr(event.StepID),
		event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

const eventColumns = `id, execution_id, template_id, step_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "get events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(err, "list events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, tplID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &execID, &tplID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ExecutionID = execID.String
		e.TemplateID = tplID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=excluded.created_at`,
		key, value, time.Now().UTC(),
	)
	return wrapStoreErr(err, "store secret")
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, wrapStoreErr(err, "get secret")
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return wrapStoreErr(err, "delete secret")
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, wrapStoreErr(err, "list secrets")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapStoreErr(err, "scan secret")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

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

func wrapStoreErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrEmpty[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
