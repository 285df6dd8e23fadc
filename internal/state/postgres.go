package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the Postgres table. The primary key on (workflow_id,
// version) is the exclusive-publish guarantee.
const Schema = `CREATE TABLE IF NOT EXISTS corvid_workflow_versions (
	workflow_id TEXT        NOT NULL,
	version     INTEGER     NOT NULL,
	status      TEXT        NOT NULL,
	record      JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workflow_id, version)
)`

const pgUniqueViolation = "23505"

// PostgresStore appends one row per version. A concurrent writer for the
// same version hits the primary key and gets failure.ErrVersionConflict.
type PostgresStore struct {
	db   *pgxpool.Pool
	opts options
}

// NewPostgresStore returns a store on db. Call EnsureSchema once before use.
func NewPostgresStore(db *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, opts: buildOptions(opts)}
}

// EnsureSchema creates the versions table if it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("creating corvid schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *PostgresStore) insert(ctx context.Context, st WorkflowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding workflow %s v%d: %w", st.id, st.version, err)
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO corvid_workflow_versions (workflow_id, version, status, record) VALUES ($1, $2, $3, $4)`,
		st.id, st.version, string(st.status), data)
	return err
}

// Create implements Store.
func (p *PostgresStore) Create(ctx context.Context, workflowID string, metadata map[string]string) (WorkflowState, error) {
	st := newState(workflowID, metadata, p.opts.now())
	if err := p.insert(ctx, st); err != nil {
		if isUniqueViolation(err) {
			return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrAlreadyExists)
		}
		return WorkflowState{}, fmt.Errorf("creating workflow %s: %w", workflowID, err)
	}
	p.opts.debug("workflow created", "workflow", workflowID)
	return st, nil
}

// Update implements Store.
func (p *PostgresStore) Update(ctx context.Context, workflowID string, patch Patch, expectedVersion int) (WorkflowState, error) {
	latest, err := p.Get(ctx, workflowID)
	if err != nil {
		return WorkflowState{}, err
	}
	next, err := successor(latest, patch, expectedVersion, p.opts.now())
	if err != nil {
		return WorkflowState{}, err
	}
	if err := p.insert(ctx, next); err != nil {
		if isUniqueViolation(err) {
			return WorkflowState{}, lostRace(workflowID, next.version)
		}
		return WorkflowState{}, fmt.Errorf("updating workflow %s: %w", workflowID, err)
	}
	p.opts.debug("workflow updated", "workflow", workflowID, "version", next.version)
	return next, nil
}

// MarkStepCompleted implements Store.
func (p *PostgresStore) MarkStepCompleted(ctx context.Context, workflowID, stepID string, result StepResult) (WorkflowState, error) {
	return markStepCompleted(ctx, p, workflowID, stepID, result)
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, workflowID string) (WorkflowState, error) {
	var data []byte
	err := p.db.QueryRow(ctx,
		`SELECT record FROM corvid_workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`,
		workflowID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return WorkflowState{}, fmt.Errorf("reading workflow %s: %w", workflowID, err)
	}
	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return WorkflowState{}, fmt.Errorf("decoding workflow %s: %w", workflowID, err)
	}
	return st, nil
}

// History implements Store.
func (p *PostgresStore) History(ctx context.Context, workflowID string) ([]WorkflowState, error) {
	rows, err := p.db.Query(ctx,
		`SELECT record FROM corvid_workflow_versions WHERE workflow_id = $1 ORDER BY version ASC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s history: %w", workflowID, err)
	}
	defer rows.Close()

	var out []WorkflowState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning workflow %s history: %w", workflowID, err)
		}
		var st WorkflowState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decoding workflow %s history: %w", workflowID, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading workflow %s history: %w", workflowID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	return out, nil
}

// List implements Store.
func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT DISTINCT workflow_id FROM corvid_workflow_versions ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return ids, nil
}

// Archive implements Store.
func (p *PostgresStore) Archive(ctx context.Context, workflowID string, keepLast int) (int, error) {
	if err := validateKeepLast(keepLast); err != nil {
		return 0, err
	}
	latest, err := p.Get(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	tag, err := p.db.Exec(ctx,
		`DELETE FROM corvid_workflow_versions WHERE workflow_id = $1 AND version <= $2`,
		workflowID, latest.version-keepLast)
	if err != nil {
		return 0, fmt.Errorf("archiving workflow %s: %w", workflowID, err)
	}
	return int(tag.RowsAffected()), nil
}
