package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-automations/services/condition"
)

// PostgresRepository handles scheduled-workflow persistence in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgresRepository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// InitSchema creates the workflow tables if they do not exist.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id                 UUID PRIMARY KEY,
			org_id             UUID NOT NULL,
			name               TEXT NOT NULL DEFAULT '',
			version            INTEGER NOT NULL DEFAULT 1,
			status             TEXT NOT NULL DEFAULT 'draft',
			trigger_type       TEXT NOT NULL DEFAULT 'manual',
			entity_type        TEXT NOT NULL DEFAULT '',
			trigger_conditions JSONB,
			schedule_config    JSONB,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_scheduled_runs (
			workflow_id UUID PRIMARY KEY REFERENCES workflows(id) ON DELETE CASCADE,
			last_run_at TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id               UUID PRIMARY KEY,
			org_id           UUID NOT NULL,
			workflow_id      UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			workflow_version INTEGER NOT NULL DEFAULT 1,
			entity_type      TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			completed_at     TIMESTAMPTZ,
			metadata         JSONB NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS workflows_scheduled_idx
			ON workflows (status, trigger_type);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts a sample scheduled workflow if it does not already exist.
func (r *PostgresRepository) Seed(ctx context.Context) error {
	conditionsJSON, err := json.Marshal(sampleTriggerConditions)
	if err != nil {
		return fmt.Errorf("marshal seed conditions: %w", err)
	}
	scheduleJSON, err := json.Marshal(sampleSchedule)
	if err != nil {
		return fmt.Errorf("marshal seed schedule: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, org_id, name, status, trigger_type, entity_type, trigger_conditions, schedule_config)
		VALUES ($1, $2, $3, 'active', 'scheduled', 'submissions', $4::jsonb, $5::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, SampleWorkflowID, SampleOrgID, "Pending Submission Follow-up", string(conditionsJSON), string(scheduleJSON))
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// ListActive returns active workflows whose trigger type is "scheduled".
func (r *PostgresRepository) ListActive(ctx context.Context) ([]Definition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, org_id::text, name, version, entity_type,
		       COALESCE(trigger_conditions::text, ''), COALESCE(schedule_config::text, '')
		FROM workflows
		WHERE status = 'active' AND trigger_type = 'scheduled'
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var conditionsJSON, scheduleJSON string
		if err := rows.Scan(&def.ID, &def.OrgID, &def.Name, &def.Version, &def.EntityType, &conditionsJSON, &scheduleJSON); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		// A definition with unreadable config still flows through the tick so the
		// problem shows up in its result instead of hiding the whole batch.
		tc, err := condition.ParseTriggerConditions([]byte(conditionsJSON))
		if err != nil {
			def.ConfigError = err.Error()
		}
		def.TriggerConditions = tc
		if strings.TrimSpace(scheduleJSON) != "" {
			if err := json.Unmarshal([]byte(scheduleJSON), &def.Schedule); err != nil {
				def.ConfigError = fmt.Sprintf("parse schedule config: %v", err)
			}
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	return defs, nil
}

// LastRun returns the last recorded firing time of a workflow.
func (r *PostgresRepository) LastRun(ctx context.Context, workflowID string) (time.Time, bool, error) {
	var last time.Time
	err := r.db.QueryRow(ctx, `
		SELECT last_run_at FROM workflow_scheduled_runs WHERE workflow_id = $1
	`, workflowID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last run: %w", err)
	}
	return last, true, nil
}

// CreateExecutions inserts executions with one multi-row INSERT.
func (r *PostgresRepository) CreateExecutions(ctx context.Context, execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}

	const cols = 9
	values := make([]string, 0, len(execs))
	args := make([]any, 0, len(execs)*cols)
	for i, ex := range execs {
		metaJSON, err := json.Marshal(ex.Metadata)
		if err != nil {
			return fmt.Errorf("marshal execution metadata: %w", err)
		}
		n := i * cols
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::jsonb)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9))
		args = append(args, ex.ID, ex.OrgID, ex.WorkflowID, ex.WorkflowVersion,
			ex.EntityType, ex.EntityID, ex.Status, ex.StartedAt, string(metaJSON))
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO workflow_executions
			(id, org_id, workflow_id, workflow_version, entity_type, entity_id, status, started_at, metadata)
		VALUES `+strings.Join(values, ", "), args...)
	if err != nil {
		return fmt.Errorf("insert executions: %w", err)
	}
	return nil
}

// RecordRun upserts last_run_at for a workflow.
func (r *PostgresRepository) RecordRun(ctx context.Context, workflowID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO workflow_scheduled_runs (workflow_id, last_run_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (workflow_id) DO UPDATE
		SET last_run_at = EXCLUDED.last_run_at, updated_at = NOW()
	`, workflowID, at)
	if err != nil {
		return fmt.Errorf("upsert run record: %w", err)
	}
	return nil
}

// InitDB creates the schema and optionally seeds sample data.
func InitDB(ctx context.Context, pool *pgxpool.Pool, seed bool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	if !seed {
		return nil
	}
	return repo.Seed(ctx)
}

const (
	SampleWorkflowID = "5c1f3a52-7d1e-4c8a-9a4e-2f0b6d9e1a01"
	SampleOrgID      = "0b7c2d4e-1111-4a2b-8c3d-000000000001"
)

var sampleTriggerConditions = condition.TriggerConditions{
	Conditions: []condition.TriggerCondition{
		{Field: "status", Operator: condition.OpEq, Value: condition.String("pending")},
	},
	Logic: "and",
}

var sampleSchedule = ScheduleConfig{Cron: "0 9 * * mon-fri", Timezone: "America/New_York"}
