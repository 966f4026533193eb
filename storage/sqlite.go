package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/objectql/objectos-sub008/types"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	version    TEXT NOT NULL,
	body       TEXT NOT NULL,
	UNIQUE(name, version)
);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id              TEXT PRIMARY KEY,
	definition_name TEXT NOT NULL,
	status          TEXT NOT NULL,
	started_by      TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	completed_at    INTEGER,
	body            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_definition ON workflow_instances(definition_name);
CREATE TABLE IF NOT EXISTS workflow_tasks (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	assigned_to TEXT NOT NULL,
	status      TEXT NOT NULL,
	state_name  TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON workflow_tasks(instance_id);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON workflow_tasks(assigned_to, status);
`

var sqliteSortColumns = map[string]string{
	types.SortByStartedAt:      "started_at",
	types.SortByUpdatedAt:      "updated_at",
	types.SortByCompletedAt:    "completed_at",
	types.SortByDefinitionName: "definition_name",
	types.SortByStatus:         "status",
}

// SQLiteOptions configures SQLiteStorage.
type SQLiteOptions struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStorage stores JSON documents in SQLite with the filterable fields
// copied into indexed columns.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStorage opens (and migrates) the database at opts.Path.
func NewSQLiteStorage(opts SQLiteOptions, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("SQLite storage ready", zap.String("path", opts.Path))
	return &SQLiteStorage{db: db, logger: logger}, nil
}

// withTx executes fn within a transaction.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveDefinition inserts a definition version.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %s: %w", def.Name, err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM workflow_definitions WHERE name = ? AND version = ?`,
			def.Name, def.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check definition %s: %w", def.Name, err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s@%s", ErrDefinitionExists, def.Name, def.Version)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_definitions (name, version, body) VALUES (?, ?, ?)`,
			def.Name, def.Version, string(body)); err != nil {
			return fmt.Errorf("failed to insert definition %s: %w", def.Name, err)
		}
		return nil
	})
}

// GetDefinition loads a definition version; an empty version selects the
// latest one.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, name, version string) (types.WorkflowDefinition, error) {
	var row *sql.Row
	if version == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT body FROM workflow_definitions WHERE name = ? ORDER BY seq DESC LIMIT 1`, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT body FROM workflow_definitions WHERE name = ? AND version = ?`, name, version)
	}
	var def types.WorkflowDefinition
	if err := scanJSON(row, &def); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, fmt.Errorf("%w: name=%s version=%s", ErrDefinitionNotFound, name, version)
		}
		return def, fmt.Errorf("failed to load definition %s: %w", name, err)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *SQLiteStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.body FROM workflow_definitions d
		WHERE d.seq = (SELECT MAX(seq) FROM workflow_definitions WHERE name = d.name)
		ORDER BY d.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	return collectJSON[types.WorkflowDefinition](rows)
}

// SaveInstance inserts a new instance.
func (s *SQLiteStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeInstance(ctx, tx, inst, false)
	})
}

// writeInstance inserts inst; replace allows overwriting an existing row.
func writeInstance(ctx context.Context, tx *sql.Tx, inst types.WorkflowInstance, replace bool) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
	}
	var completedAt sql.NullInt64
	if inst.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: inst.CompletedAt.UnixNano(), Valid: true}
	}
	conflict := "DO NOTHING"
	if replace {
		conflict = `DO UPDATE SET
			definition_name = excluded.definition_name,
			status = excluded.status,
			started_by = excluded.started_by,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			body = excluded.body`
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_instances
			(id, definition_name, status, started_by, started_at, updated_at, completed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) `+conflict,
		inst.ID, inst.DefinitionName, string(inst.Status), inst.StartedBy,
		inst.StartedAt.UnixNano(), inst.UpdatedAt.UnixNano(), completedAt, string(body))
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}
	return checkInserted(res, replace, ErrInstanceExists, inst.ID)
}

// checkInserted reports errExists when an insert-only write touched no row.
func checkInserted(res sql.Result, replace bool, errExists error, id string) error {
	if replace {
		return nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check insert of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%s", errExists, id)
	}
	return nil
}

// GetInstance loads an instance by id.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error) {
	return getInstance(s.db.QueryRowContext(ctx, `SELECT body FROM workflow_instances WHERE id = ?`, id), id)
}

func getInstance(row *sql.Row, id string) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	if err := scanJSON(row, &inst); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, fmt.Errorf("%w: id=%s", ErrInstanceNotFound, id)
		}
		return inst, fmt.Errorf("failed to load instance %s: %w", id, err)
	}
	return inst, nil
}

// UpdateInstance applies patch inside a transaction.
func (s *SQLiteStorage) UpdateInstance(ctx context.Context, id string, patch types.InstancePatch) (types.WorkflowInstance, error) {
	var updated types.WorkflowInstance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(tx.QueryRowContext(ctx, `SELECT body FROM workflow_instances WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		patch.Apply(&inst)
		if err := writeInstance(ctx, tx, inst, true); err != nil {
			return err
		}
		updated = inst
		return nil
	})
	return updated, err
}

// QueryInstances filters, sorts and pages in SQL.
func (s *SQLiteStorage) QueryInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.StartedBy != "" {
		where = append(where, "started_by = ?")
		args = append(args, filter.StartedBy)
	}
	if filter.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}

	query := "SELECT body FROM workflow_instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	column, ok := sqliteSortColumns[filter.SortBy]
	if !ok {
		column = "started_at"
	}
	direction := "ASC"
	if strings.EqualFold(string(filter.SortOrder), string(types.SortDesc)) {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id ASC", column, direction)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Skip > 0 {
		query += " LIMIT -1"
	}
	if filter.Skip > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return collectJSON[types.WorkflowInstance](rows)
}

// SaveTask inserts a new task.
func (s *SQLiteStorage) SaveTask(ctx context.Context, task types.WorkflowTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeTask(ctx, tx, task, false)
	})
}

func writeTask(ctx context.Context, tx *sql.Tx, task types.WorkflowTask, replace bool) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	conflict := "DO NOTHING"
	if replace {
		conflict = `DO UPDATE SET
			assigned_to = excluded.assigned_to,
			status = excluded.status,
			state_name = excluded.state_name,
			body = excluded.body`
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_tasks (id, instance_id, assigned_to, status, state_name, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) `+conflict,
		task.ID, task.InstanceID, task.AssignedTo, string(task.Status), task.StateName,
		task.CreatedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return checkInserted(res, replace, ErrTaskExists, task.ID)
}

// GetTask loads a task by id.
func (s *SQLiteStorage) GetTask(ctx context.Context, id string) (types.WorkflowTask, error) {
	return getTask(s.db.QueryRowContext(ctx, `SELECT body FROM workflow_tasks WHERE id = ?`, id), id)
}

func getTask(row *sql.Row, id string) (types.WorkflowTask, error) {
	var task types.WorkflowTask
	if err := scanJSON(row, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
		}
		return task, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return task, nil
}

// UpdateTask applies patch inside a transaction.
func (s *SQLiteStorage) UpdateTask(ctx context.Context, id string, patch types.TaskPatch) (types.WorkflowTask, error) {
	var updated types.WorkflowTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(tx.QueryRowContext(ctx, `SELECT body FROM workflow_tasks WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		patch.Apply(&task)
		if err := writeTask(ctx, tx, task, true); err != nil {
			return err
		}
		updated = task
		return nil
	})
	return updated, err
}

// QueryTasks returns tasks matching filter ordered by creation time.
func (s *SQLiteStorage) QueryTasks(ctx context.Context, filter types.TaskFilter) ([]types.WorkflowTask, error) {
	var where []string
	var args []interface{}
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.StateName != "" {
		where = append(where, "state_name = ?")
		args = append(args, filter.StateName)
	}
	query := "SELECT body FROM workflow_tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return collectJSON[types.WorkflowTask](rows)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	s.logger.Info("Closing SQLite storage")
	return s.db.Close()
}

func scanJSON(row *sql.Row, v interface{}) error {
	var body string
	if err := row.Scan(&body); err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), v)
}

func collectJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	result := make([]T, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var item T
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}
