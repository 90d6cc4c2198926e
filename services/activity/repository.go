package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-automations/services/condition"
	"crm-automations/services/entity"
)

// PostgresRepository handles activity persistence in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgresRepository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// InitSchema creates the activity tables if they do not exist.
func (r *PostgresRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS activity_patterns (
			id                      UUID PRIMARY KEY,
			code                    TEXT UNIQUE,
			name                    TEXT NOT NULL,
			activity_type           TEXT NOT NULL DEFAULT 'task',
			priority                TEXT NOT NULL DEFAULT 'normal',
			target_days             INTEGER NOT NULL DEFAULT 0,
			auto_complete           BOOLEAN NOT NULL DEFAULT FALSE,
			auto_complete_condition JSONB
		);

		CREATE TABLE IF NOT EXISTS activity_pattern_successors (
			id                   UUID PRIMARY KEY,
			pattern_id           UUID NOT NULL REFERENCES activity_patterns(id) ON DELETE CASCADE,
			successor_pattern_id UUID NOT NULL REFERENCES activity_patterns(id) ON DELETE CASCADE,
			sort_order           INTEGER NOT NULL DEFAULT 0,
			condition_type       TEXT NOT NULL DEFAULT 'always',
			condition_field      TEXT,
			condition_value      JSONB,
			delay_days           INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS activities (
			id                      UUID PRIMARY KEY,
			org_id                  UUID,
			subject                 TEXT NOT NULL DEFAULT '',
			activity_type           TEXT NOT NULL DEFAULT 'task',
			priority                TEXT NOT NULL DEFAULT 'normal',
			status                  TEXT NOT NULL DEFAULT 'open',
			entity_type             TEXT NOT NULL,
			entity_id               TEXT NOT NULL,
			pattern_id              UUID REFERENCES activity_patterns(id) ON DELETE SET NULL,
			assigned_to             UUID,
			due_date                TIMESTAMPTZ,
			auto_complete           BOOLEAN NOT NULL DEFAULT FALSE,
			auto_complete_condition JSONB,
			predecessor_activity_id UUID REFERENCES activities(id) ON DELETE SET NULL,
			auto_created            BOOLEAN NOT NULL DEFAULT FALSE,
			auto_completed          BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at            TIMESTAMPTZ,
			outcome                 TEXT,
			outcome_notes           TEXT,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS activity_history (
			id          UUID PRIMARY KEY,
			activity_id UUID NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
			org_id      UUID,
			action      TEXT NOT NULL,
			from_status TEXT,
			to_status   TEXT,
			notes       TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS activities_pending_idx
			ON activities (status, entity_type, entity_id);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts a sample pattern chain if it does not already exist.
func (r *PostgresRepository) Seed(ctx context.Context) error {
	followUpCondition, err := json.Marshal(condition.StatusIn("accepted", "rejected"))
	if err != nil {
		return fmt.Errorf("marshal seed condition: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range []struct {
		id, code, name, activityType string
		targetDays                   int
		cond                         any
	}{
		{SampleFollowUpPatternID, "SUBMISSION_FOLLOW_UP", "Follow up on submission", "call", 1, string(followUpCondition)},
		{SampleDebriefPatternID, "SUBMISSION_DEBRIEF", "Debrief candidate", "call", 2, nil},
		{SampleOfferPatternID, "OFFER_PACK", "Send offer pack", "email", 0, nil},
	} {
		batch.Queue(`
			INSERT INTO activity_patterns (id, code, name, activity_type, target_days, auto_complete_condition)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			ON CONFLICT (id) DO NOTHING
		`, p.id, p.code, p.name, p.activityType, p.targetDays, p.cond)
	}
	batch.Queue(`
		INSERT INTO activity_pattern_successors (id, pattern_id, successor_pattern_id, sort_order, condition_type, delay_days)
		VALUES ('7d0c5a10-2b1e-4f7a-9c11-000000000001', $1, $2, 0, 'always', 1)
		ON CONFLICT (id) DO NOTHING
	`, SampleFollowUpPatternID, SampleDebriefPatternID)
	batch.Queue(`
		INSERT INTO activity_pattern_successors (id, pattern_id, successor_pattern_id, sort_order, condition_type, condition_field, condition_value)
		VALUES ('7d0c5a10-2b1e-4f7a-9c11-000000000002', $1, $2, 1, 'field_equals', 'status', '"accepted"'::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, SampleFollowUpPatternID, SampleOfferPatternID)

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed activity patterns: %w", err)
	}
	return nil
}

// ListPending returns open activities with an auto-complete flag or condition.
func (r *PostgresRepository) ListPending(ctx context.Context, target *entity.Ref, limit int) ([]Activity, error) {
	query := `
		SELECT id::text, COALESCE(org_id::text, ''), subject, activity_type, priority, status,
		       entity_type, entity_id, COALESCE(pattern_id::text, ''), COALESCE(assigned_to::text, ''),
		       auto_complete, COALESCE(auto_complete_condition::text, '')
		FROM activities
		WHERE status = ANY($1)
		  AND (auto_complete OR auto_complete_condition IS NOT NULL)`
	args := []any{OpenStatuses, limit}
	if target != nil {
		query += ` AND entity_type = $3 AND entity_id = $4`
		args = append(args, target.Type, target.ID)
	}
	query += ` ORDER BY created_at, id LIMIT $2`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending activities: %w", err)
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var a Activity
		var conditionJSON string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Subject, &a.ActivityType, &a.Priority, &a.Status,
			&a.EntityType, &a.EntityID, &a.PatternID, &a.AssignedTo, &a.AutoComplete, &conditionJSON); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		cond, err := condition.Parse([]byte(conditionJSON))
		if err != nil {
			a.ConfigError = err.Error()
		}
		a.AutoCompleteCondition = cond
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending activities: %w", err)
	}
	return activities, nil
}

// Complete marks an activity completed if it is still open.
func (r *PostgresRepository) Complete(ctx context.Context, activityID string, at time.Time, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE activities
		SET status = $2, completed_at = $3, auto_completed = TRUE,
		    outcome = $4, outcome_notes = $5, updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, activityID, StatusCompleted, at, outcomeAutoCompleted, reason, OpenStatuses)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// AddHistory inserts an activity_history row.
func (r *PostgresRepository) AddHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO activity_history (id, activity_id, org_id, action, from_status, to_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActivityID, nullIfEmpty(entry.OrgID), entry.Action, entry.FromStatus, entry.ToStatus, entry.Notes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// Successors returns the successors of a pattern joined with their target pattern.
func (r *PostgresRepository) Successors(ctx context.Context, patternID string) ([]Successor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id::text, s.pattern_id::text, s.sort_order, s.condition_type,
		       COALESCE(s.condition_field, ''), COALESCE(s.condition_value::text, 'null'), s.delay_days,
		       p.id::text, COALESCE(p.code, ''), p.name, p.activity_type, p.priority, p.target_days,
		       p.auto_complete, COALESCE(p.auto_complete_condition::text, '')
		FROM activity_pattern_successors s
		JOIN activity_patterns p ON p.id = s.successor_pattern_id
		WHERE s.pattern_id = $1
		ORDER BY s.sort_order, s.id
	`, patternID)
	if err != nil {
		return nil, fmt.Errorf("list successors: %w", err)
	}
	defer rows.Close()

	var successors []Successor
	for rows.Next() {
		var s Successor
		var valueJSON, conditionJSON string
		if err := rows.Scan(&s.ID, &s.PatternID, &s.SortOrder, &s.ConditionType,
			&s.ConditionField, &valueJSON, &s.DelayDays,
			&s.Next.ID, &s.Next.Code, &s.Next.Name, &s.Next.ActivityType, &s.Next.Priority, &s.Next.TargetDays,
			&s.Next.AutoComplete, &conditionJSON); err != nil {
			return nil, fmt.Errorf("scan successor: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &s.ConditionValue); err != nil {
			return nil, fmt.Errorf("decode successor %s condition value: %w", s.ID, err)
		}
		if s.Next.AutoCompleteCondition, err = condition.Parse([]byte(conditionJSON)); err != nil {
			return nil, fmt.Errorf("decode pattern %s condition: %w", s.Next.ID, err)
		}
		successors = append(successors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list successors: %w", err)
	}
	return successors, nil
}

// CreateActivity inserts a new activity row.
func (r *PostgresRepository) CreateActivity(ctx context.Context, a Activity) error {
	var conditionJSON any
	if a.AutoCompleteCondition != nil {
		data, err := json.Marshal(a.AutoCompleteCondition)
		if err != nil {
			return fmt.Errorf("marshal auto-complete condition: %w", err)
		}
		conditionJSON = string(data)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO activities
			(id, org_id, subject, activity_type, priority, status, entity_type, entity_id, pattern_id,
			 assigned_to, due_date, auto_complete, auto_complete_condition, predecessor_activity_id, auto_created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)
	`, a.ID, nullIfEmpty(a.OrgID), a.Subject, a.ActivityType, a.Priority, a.Status, a.EntityType, a.EntityID,
		nullIfEmpty(a.PatternID), nullIfEmpty(a.AssignedTo), a.DueDate, a.AutoComplete, conditionJSON,
		nullIfEmpty(a.PredecessorActivityID), a.AutoCreated)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
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
	SampleFollowUpPatternID = "3a9e6c1d-5b2f-4e8a-8d7c-000000000001"
	SampleDebriefPatternID  = "3a9e6c1d-5b2f-4e8a-8d7c-000000000002"
	SampleOfferPatternID    = "3a9e6c1d-5b2f-4e8a-8d7c-000000000003"
)
