package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crm-automations/pkg/lock"
	"crm-automations/pkg/metrics"
	"crm-automations/services/entity"
)

const leaseTTL = 2 * time.Minute

// Repository abstracts scheduled-workflow persistence for testability.
type Repository interface {
	// ListActive returns active definitions with a scheduled trigger.
	ListActive(ctx context.Context) ([]Definition, error)
	// LastRun returns the last recorded firing; ok is false when none exists.
	LastRun(ctx context.Context, workflowID string) (last time.Time, ok bool, err error)
	// CreateExecutions inserts all executions in a single statement.
	CreateExecutions(ctx context.Context, execs []Execution) error
	// RecordRun upserts the run record of a definition.
	RecordRun(ctx context.Context, workflowID string, at time.Time) error
}

// Engine decides which scheduled workflows are due and queues their executions.
type Engine struct {
	repo    Repository
	records entity.Store
	lease   lock.Locker
}

// NewEngine creates an Engine. Without a Locker the per-minute run record is the
// only guard against duplicate firings.
func NewEngine(repo Repository, records entity.Store, lease lock.Locker) *Engine {
	return &Engine{repo: repo, records: records, lease: lease}
}

// RunTick processes every active definition against now. The returned error is
// fatal (definitions could not be loaded); per-definition failures are reported
// in the TickReport.
func (e *Engine) RunTick(ctx context.Context, now time.Time) (report *TickReport, err error) {
	start := time.Now()
	defer func() { metrics.ObserveTick("scheduled_workflows", time.Since(start), err) }()

	defs, err := e.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	slog.Info("Processing scheduled workflows", "count", len(defs), "now", now.UTC().Format(time.RFC3339))

	report = &TickReport{ProcessedAt: now, Results: make([]DefinitionResult, 0, len(defs))}
	for _, def := range defs {
		res := e.processDefinition(ctx, def, now)
		metrics.RecordScheduledResult(res.Status, res.ExecutionsCreated)
		report.add(res)
	}
	return report, nil
}

func (e *Engine) processDefinition(ctx context.Context, def Definition, now time.Time) DefinitionResult {
	res := DefinitionResult{WorkflowID: def.ID, WorkflowName: def.Name}
	skip := func(reason string) DefinitionResult {
		res.Status = StatusSkipped
		res.Reason = reason
		return res
	}
	fail := func(err error) DefinitionResult {
		slog.Error("Scheduled workflow failed", "workflowId", def.ID, "error", err)
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}

	if def.ConfigError != "" {
		return fail(errors.New(def.ConfigError))
	}

	sched, err := ParseSchedule(def.Schedule.Cron)
	if err != nil {
		slog.Warn("Skipping scheduled workflow with invalid cron", "workflowId", def.ID, "error", err)
		return skip(err.Error())
	}
	local := now.In(resolveLocation(def.Schedule.Timezone))

	last, ok, err := e.repo.LastRun(ctx, def.ID)
	if err != nil {
		return fail(fmt.Errorf("load last run: %w", err))
	}
	if ok && minuteKey(last) == minuteKey(now) {
		return skip("already ran this minute")
	}

	if !sched.Matches(local) {
		return skip("not due")
	}

	kind, err := entity.ParseKind(def.EntityType)
	if err != nil {
		return fail(err)
	}
	preds, err := entity.Compile(def.TriggerConditions.Tree())
	if err != nil {
		return fail(fmt.Errorf("compile trigger conditions: %w", err))
	}

	// Until executions are written a failure hands the lease back, so a retry
	// in the same minute can still fire.
	release := func() {}
	if e.lease != nil {
		key := fmt.Sprintf("scheduled-workflow:%s:%d", def.ID, minuteKey(now))
		acquired, err := e.lease.Acquire(ctx, key, leaseTTL)
		if err != nil {
			return fail(err)
		}
		if !acquired {
			return skip("already ran this minute")
		}
		release = func() {
			if err := e.lease.Release(ctx, key); err != nil {
				slog.Warn("Failed to release lease", "workflowId", def.ID, "error", err)
			}
		}
	}

	records, err := e.records.Find(ctx, kind, preds, MaxMatchesPerTick)
	if err != nil {
		release()
		return fail(fmt.Errorf("query %s: %w", kind.Table(), err))
	}

	execs := make([]Execution, 0, len(records))
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			slog.Warn("Matched record has no id", "workflowId", def.ID, "entityType", def.EntityType)
			continue
		}
		execs = append(execs, Execution{
			ID:              uuid.New().String(),
			OrgID:           def.OrgID,
			WorkflowID:      def.ID,
			WorkflowVersion: def.Version,
			EntityType:      def.EntityType,
			EntityID:        id,
			Status:          ExecutionStatusInProgress,
			StartedAt:       now,
			Metadata: map[string]any{
				"trigger":       "scheduled",
				"workflow_name": def.Name,
				"cron":          def.Schedule.Cron,
				"timezone":      def.Schedule.Timezone,
				"scheduled_for": now.UTC().Format(time.RFC3339),
			},
		})
	}

	if len(execs) > 0 {
		if err := e.repo.CreateExecutions(ctx, execs); err != nil {
			release()
			return fail(fmt.Errorf("create executions: %w", err))
		}
	}
	if err := e.repo.RecordRun(ctx, def.ID, now); err != nil {
		return fail(fmt.Errorf("record run: %w", err))
	}

	slog.Info("Scheduled workflow triggered", "workflowId", def.ID, "executions", len(execs))
	res.Status = StatusTriggered
	res.ExecutionsCreated = len(execs)
	return res
}
