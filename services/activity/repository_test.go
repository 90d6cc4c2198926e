package activity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-automations/services/condition"
	"crm-automations/services/entity"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRepository_InitSchemaAndSeed(t *testing.T) {
	pool := getTestPool(t)
	ctx := context.Background()

	require.NoError(t, InitDB(ctx, pool, true))
	// Running again should be idempotent
	require.NoError(t, InitDB(ctx, pool, true))

	successors, err := NewRepository(pool).Successors(ctx, SampleFollowUpPatternID)
	require.NoError(t, err)
	require.Len(t, successors, 2)
	assert.Equal(t, GateAlways, successors[0].ConditionType)
	assert.Equal(t, SampleDebriefPatternID, successors[0].Next.ID)
	assert.Equal(t, 2, successors[0].Next.TargetDays)
	assert.Equal(t, 1, successors[0].DelayDays)
	assert.Equal(t, GateFieldEquals, successors[1].ConditionType)
	assert.Equal(t, condition.String("accepted"), successors[1].ConditionValue)
}

func TestRepository_CompleteLifecycle(t *testing.T) {
	pool := getTestPool(t)
	ctx := context.Background()
	require.NoError(t, InitDB(ctx, pool, true))
	repo := NewRepository(pool)

	entityID := uuid.New().String()
	cond := condition.StatusIn("accepted")
	a := Activity{
		ID:                    uuid.New().String(),
		OrgID:                 uuid.New().String(),
		Subject:               "Follow up",
		ActivityType:          "call",
		Priority:              "normal",
		Status:                StatusOpen,
		EntityType:            "submissions",
		EntityID:              entityID,
		PatternID:             SampleFollowUpPatternID,
		AutoCompleteCondition: &cond,
	}
	require.NoError(t, repo.CreateActivity(ctx, a))

	pending, err := repo.ListPending(ctx, &entity.Ref{Type: "submissions", ID: entityID}, BatchLimit)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Empty(t, pending[0].ConfigError)
	require.NotNil(t, pending[0].AutoCompleteCondition)
	assert.Equal(t, condition.TypeStatusIn, pending[0].AutoCompleteCondition.Type)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.Complete(ctx, a.ID, now, reasonConditionMet))
	assert.ErrorIs(t, repo.Complete(ctx, a.ID, now, reasonConditionMet), ErrNotOpen)

	require.NoError(t, repo.AddHistory(ctx, HistoryEntry{
		ID: uuid.New().String(), ActivityID: a.ID, OrgID: a.OrgID, Action: historyAutoCompleted,
		FromStatus: StatusOpen, ToStatus: StatusCompleted, Notes: reasonConditionMet, CreatedAt: now,
	}))

	pending, err = repo.ListPending(ctx, &entity.Ref{Type: "submissions", ID: entityID}, BatchLimit)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var outcome string
	var autoCompleted bool
	err = pool.QueryRow(ctx, `SELECT outcome, auto_completed FROM activities WHERE id = $1`, a.ID).Scan(&outcome, &autoCompleted)
	require.NoError(t, err)
	assert.Equal(t, "auto_completed", outcome)
	assert.True(t, autoCompleted)
}
