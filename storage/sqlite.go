package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stef9github/flowcore/types"
)

// SQLiteStorage is a Storage backed by SQLite through database/sql.
//
// It expects an *sql.DB opened with a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
//
// Per-instance serialization relies on SQLite's single-writer model:
// Mutate runs inside one write transaction, so the second of two racing
// callers re-reads the committed row. SQLITE_BUSY surfaces as
// ErrTransient for the engine's retry loop.
type SQLiteStorage struct {
	db *sql.DB
}

// Ensure SQLiteStorage implements Storage.
var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage initializes the required schema in the given database
// and returns a new SQLiteStorage.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS definitions (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			category TEXT,
			organization_id INTEGER NOT NULL DEFAULT 0,
			initial_state TEXT NOT NULL,
			states BLOB NOT NULL,
			transitions BLOB NOT NULL,
			business_rules BLOB,
			is_active INTEGER NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY,
			definition_id INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			entity_type TEXT,
			title TEXT,
			current_state TEXT NOT NULL,
			previous_state TEXT,
			context_data BLOB,
			status TEXT NOT NULL,
			assigned_to TEXT,
			organization_id INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0,
			due_date INTEGER NOT NULL DEFAULT 0,
			progress REAL NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_assigned
			ON instances (assigned_to, status, created_at);
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY,
			instance_id INTEGER NOT NULL,
			from_state TEXT,
			to_state TEXT NOT NULL,
			action TEXT NOT NULL,
			triggered_by TEXT,
			trigger_type TEXT NOT NULL,
			comment TEXT,
			action_metadata BLOB,
			context_snapshot BLOB,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			was_successful INTEGER NOT NULL,
			error_message TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_instance
			ON history (instance_id, created_at);`,
	)
	return err
}

// encodeJSON marshals v for a BLOB column; nil maps become NULL.
func encodeJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// sqliteErr maps driver failures onto the storage error taxonomy.
// Busy and locked conditions are retryable.
func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// SaveDefinition inserts or replaces a definition row.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	states, err := encodeJSON(def.States)
	if err != nil {
		return err
	}
	transitions, err := encodeJSON(def.Transitions)
	if err != nil {
		return err
	}
	var ruleBlob []byte
	if def.BusinessRules != nil {
		if ruleBlob, err = encodeJSON(def.BusinessRules); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO definitions
			(id, name, version, category, organization_id, initial_state, states, transitions, business_rules, is_active, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, def.Category, def.OrganizationID,
		def.InitialState, states, transitions, ruleBlob,
		boolToInt(def.IsActive), def.UsageCount,
	)
	return sqliteErr(err)
}

// GetDefinition retrieves a definition by ID.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, category, organization_id, initial_state, states, transitions, business_rules, is_active, usage_count
		FROM definitions WHERE id = ?`, id)
	return scanDefinition(row, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner, id uint64) (types.Definition, error) {
	var def types.Definition
	var category, initialState sql.NullString
	var states, transitions, ruleBlob []byte
	var isActive int

	err := row.Scan(&def.ID, &def.Name, &def.Version, &category, &def.OrganizationID,
		&initialState, &states, &transitions, &ruleBlob, &isActive, &def.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Definition{}, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	} else if err != nil {
		return types.Definition{}, sqliteErr(err)
	}

	def.Category = category.String
	def.InitialState = initialState.String
	def.IsActive = isActive != 0
	if def.States, err = decodeJSON[[]types.State](states); err != nil {
		return types.Definition{}, err
	}
	if def.Transitions, err = decodeJSON[[]types.Transition](transitions); err != nil {
		return types.Definition{}, err
	}
	if def.BusinessRules, err = decodeJSON[map[string]types.RuleSpec](ruleBlob); err != nil {
		return types.Definition{}, err
	}
	return def, nil
}

// CreateInstance inserts the instance, its creation entry and the usage
// count increment in one transaction.
func (s *SQLiteStorage) CreateInstance(ctx context.Context, inst types.Instance, entry types.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE definitions SET usage_count = usage_count + 1 WHERE id = ?`, inst.DefinitionID)
	if err != nil {
		return sqliteErr(err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, inst.DefinitionID)
	}

	if err := insertInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return sqliteErr(tx.Commit())
}

func insertInstance(ctx context.Context, tx *sql.Tx, inst types.Instance) error {
	contextData, err := encodeJSON(inst.ContextData)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances
			(id, definition_id, entity_id, entity_type, title, current_state, previous_state,
			 context_data, status, assigned_to, organization_id, created_by,
			 started_at, completed_at, due_date, progress, error_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.EntityID, inst.EntityType, inst.Title,
		inst.CurrentState, inst.PreviousState, contextData, inst.Status,
		inst.AssignedTo, inst.OrganizationID, inst.CreatedBy,
		inst.StartedAt, inst.CompletedAt, inst.DueDate, inst.ProgressPercentage,
		inst.ErrorCount, inst.LastError, inst.CreatedAt, inst.UpdatedAt,
	)
	return sqliteErr(err)
}

func updateInstance(ctx context.Context, tx *sql.Tx, inst types.Instance) error {
	contextData, err := encodeJSON(inst.ContextData)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE instances SET
			current_state = ?, previous_state = ?, context_data = ?, status = ?,
			assigned_to = ?, completed_at = ?, due_date = ?, progress = ?,
			error_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		inst.CurrentState, inst.PreviousState, contextData, inst.Status,
		inst.AssignedTo, inst.CompletedAt, inst.DueDate, inst.ProgressPercentage,
		inst.ErrorCount, inst.LastError, inst.UpdatedAt, inst.ID,
	)
	if err != nil {
		return sqliteErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry types.HistoryEntry) error {
	metadata, err := encodeJSON(entry.ActionMetadata)
	if err != nil {
		return err
	}
	snapshot, err := encodeJSON(entry.ContextSnapshot)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history
			(id, instance_id, from_state, to_state, action, triggered_by, trigger_type,
			 comment, action_metadata, context_snapshot, duration_ms, was_successful, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, entry.FromState, entry.ToState, entry.Action,
		entry.TriggeredBy, entry.TriggerType, entry.Comment, metadata, snapshot,
		entry.DurationMs, boolToInt(entry.WasSuccessful), entry.ErrorMessage, entry.CreatedAt,
	)
	return sqliteErr(err)
}

// GetInstance retrieves an instance by ID.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectInstanceColumns+` WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	}
	return inst, err
}

const selectInstanceColumns = `
	SELECT id, definition_id, entity_id, entity_type, title, current_state, previous_state,
	       context_data, status, assigned_to, organization_id, created_by,
	       started_at, completed_at, due_date, progress, error_count, last_error, created_at, updated_at
	FROM instances`

func scanInstance(row rowScanner) (types.Instance, error) {
	var inst types.Instance
	var entityType, title, previousState, assignedTo, createdBy, lastError sql.NullString
	var contextData []byte

	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.EntityID, &entityType, &title,
		&inst.CurrentState, &previousState, &contextData, &inst.Status,
		&assignedTo, &inst.OrganizationID, &createdBy,
		&inst.StartedAt, &inst.CompletedAt, &inst.DueDate, &inst.ProgressPercentage,
		&inst.ErrorCount, &lastError, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return types.Instance{}, err
	}

	inst.EntityType = entityType.String
	inst.Title = title.String
	inst.PreviousState = previousState.String
	inst.AssignedTo = assignedTo.String
	inst.CreatedBy = createdBy.String
	inst.LastError = lastError.String
	if inst.ContextData, err = decodeJSON[map[string]interface{}](contextData); err != nil {
		return types.Instance{}, err
	}
	return inst, nil
}

// Mutate runs fn against the instance row inside a single write
// transaction. SQLite's single-writer locking serializes racing callers.
func (s *SQLiteStorage) Mutate(ctx context.Context, instanceID uint64, fn MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectInstanceColumns+` WHERE id = ?`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
	} else if err != nil {
		return sqliteErr(err)
	}

	entry, fnErr := fn(&inst)
	if entry == nil {
		return fnErr
	}

	if err := updateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, *entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr(err)
	}
	return fnErr
}

// ListInstances returns matching instances ordered newest-created-first.
func (s *SQLiteStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	query := selectInstanceColumns
	var args []interface{}
	var clauses []string

	if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.OrganizationID != 0 {
		clauses = append(clauses, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite accepts OFFSET only after a LIMIT clause; -1 means no limit.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ListHistory returns up to limit entries for an instance, newest first.
func (s *SQLiteStorage) ListHistory(ctx context.Context, instanceID uint64, limit int) ([]types.HistoryEntry, error) {
	query := `
		SELECT id, instance_id, from_state, to_state, action, triggered_by, trigger_type,
		       comment, action_metadata, context_snapshot, duration_ms, was_successful, error_message, created_at
		FROM history WHERE instance_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{instanceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var entry types.HistoryEntry
		var fromState, triggeredBy, comment, errorMessage sql.NullString
		var metadata, snapshot []byte
		var wasSuccessful int

		if err := rows.Scan(&entry.ID, &entry.InstanceID, &fromState, &entry.ToState,
			&entry.Action, &triggeredBy, &entry.TriggerType, &comment, &metadata,
			&snapshot, &entry.DurationMs, &wasSuccessful, &errorMessage, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.FromState = fromState.String
		entry.TriggeredBy = triggeredBy.String
		entry.Comment = comment.String
		entry.ErrorMessage = errorMessage.String
		entry.WasSuccessful = wasSuccessful != 0
		if entry.ActionMetadata, err = decodeJSON[map[string]interface{}](metadata); err != nil {
			return nil, err
		}
		if entry.ContextSnapshot, err = decodeJSON[map[string]interface{}](snapshot); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
