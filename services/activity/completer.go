package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crm-automations/pkg/metrics"
	"crm-automations/services/condition"
	"crm-automations/services/entity"
)

// ErrNotOpen is returned by Repository.Complete when the activity already left the open set.
var ErrNotOpen = errors.New("activity is no longer open")

// Repository abstracts activity persistence for testability.
type Repository interface {
	// ListPending returns up to limit open activities carrying an auto-complete flag or
	// condition, optionally restricted to one entity.
	ListPending(ctx context.Context, target *entity.Ref, limit int) ([]Activity, error)
	// Complete marks an open activity completed. It returns ErrNotOpen when the
	// activity is no longer in an open status.
	Complete(ctx context.Context, activityID string, at time.Time, reason string) error
	// AddHistory appends an audit row.
	AddHistory(ctx context.Context, entry HistoryEntry) error
	// Successors returns the successors of a pattern ordered by sort order.
	Successors(ctx context.Context, patternID string) ([]Successor, error)
	// CreateActivity inserts a new activity.
	CreateActivity(ctx context.Context, a Activity) error
}

// Completer auto-completes activities whose entity satisfies their completion rule.
type Completer struct {
	repo    Repository
	records entity.Store
}

// NewCompleter creates a Completer.
func NewCompleter(repo Repository, records entity.Store) *Completer {
	return &Completer{repo: repo, records: records}
}

type group struct {
	ref        entity.Ref
	activities []Activity
}

// RunTick examines pending activities against the current state of their entities.
// A nil target runs a full sweep. The returned error is fatal (activities could not
// be loaded); per-activity failures are reported in the CompletionReport.
func (c *Completer) RunTick(ctx context.Context, now time.Time, target *entity.Ref) (report *CompletionReport, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveTick("activity_auto_complete", time.Since(start), err)
		if report != nil {
			metrics.RecordActivityTick(report.AutoCompleted, report.SuccessorsCreated, report.Errors)
		}
	}()

	pending, err := c.repo.ListPending(ctx, target, BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list pending activities: %w", err)
	}
	slog.Info("Processing activity auto-complete", "count", len(pending), "targeted", target != nil)

	report = &CompletionReport{ProcessedAt: now, Processed: len(pending), ErrorDetails: []ErrorDetail{}}
	for _, g := range groupByEntity(pending) {
		c.processGroup(ctx, g, now, report)
	}
	return report, nil
}

// groupByEntity groups activities by entity reference in first-seen order.
func groupByEntity(activities []Activity) []*group {
	index := make(map[entity.Ref]*group)
	var groups []*group
	for _, a := range activities {
		ref := entity.Ref{Type: a.EntityType, ID: a.EntityID}
		g, ok := index[ref]
		if !ok {
			g = &group{ref: ref}
			index[ref] = g
			groups = append(groups, g)
		}
		g.activities = append(g.activities, a)
	}
	return groups
}

func (c *Completer) processGroup(ctx context.Context, g *group, now time.Time, report *CompletionReport) {
	kind, err := entity.ParseKind(g.ref.Type)
	if err != nil {
		slog.Warn("Entity not found", "entity", g.ref.String(), "error", err)
		return
	}
	rec, err := c.records.Get(ctx, kind, g.ref.ID)
	if err != nil {
		for _, a := range g.activities {
			report.fail(a.ID, fmt.Errorf("load %s: %w", g.ref, err))
		}
		return
	}
	if rec == nil {
		slog.Warn("Entity not found", "entity", g.ref.String())
		return
	}

	for _, a := range g.activities {
		if a.ConfigError != "" {
			report.fail(a.ID, errors.New(a.ConfigError))
			continue
		}
		reason, ok := completionReason(a, rec)
		if !ok {
			continue
		}
		c.complete(ctx, a, rec, now, reason, report)
	}
}

// completionReason reports whether a should complete given its entity snapshot.
func completionReason(a Activity, rec condition.Record) (string, bool) {
	if a.AutoCompleteCondition != nil {
		if condition.Evaluate(*a.AutoCompleteCondition, rec) {
			return reasonConditionMet, true
		}
		return "", false
	}
	if a.AutoComplete {
		if status := rec.Status(); terminalEntityStatuses[status] {
			return "Entity status changed to " + status, true
		}
	}
	return "", false
}

func (c *Completer) complete(ctx context.Context, a Activity, rec condition.Record, now time.Time, reason string, report *CompletionReport) {
	if err := c.repo.Complete(ctx, a.ID, now, reason); err != nil {
		slog.Error("Failed to auto-complete activity", "activityId", a.ID, "error", err)
		report.fail(a.ID, fmt.Errorf("complete activity: %w", err))
		return
	}
	report.AutoCompleted++
	slog.Info("Activity auto-completed", "activityId", a.ID, "reason", reason)

	// The activity is completed from here on; later failures are reported but do
	// not stop the remaining steps.
	err := c.repo.AddHistory(ctx, HistoryEntry{
		ID:         uuid.New().String(),
		ActivityID: a.ID,
		OrgID:      a.OrgID,
		Action:     historyAutoCompleted,
		FromStatus: a.Status,
		ToStatus:   StatusCompleted,
		Notes:      reason,
		CreatedAt:  now,
	})
	if err != nil {
		slog.Error("Failed to record activity history", "activityId", a.ID, "error", err)
		report.fail(a.ID, fmt.Errorf("record history: %w", err))
	}

	if a.PatternID == "" {
		return
	}
	successors, err := c.repo.Successors(ctx, a.PatternID)
	if err != nil {
		report.fail(a.ID, fmt.Errorf("load successors of pattern %s: %w", a.PatternID, err))
		return
	}
	for _, s := range successors {
		if !gateOpen(s, rec) {
			continue
		}
		next := successorActivity(a, s, now)
		if err := c.repo.CreateActivity(ctx, next); err != nil {
			slog.Error("Failed to create successor activity", "activityId", a.ID, "patternId", s.Next.ID, "error", err)
			report.fail(a.ID, fmt.Errorf("create successor %s: %w", s.Next.ID, err))
			continue
		}
		report.SuccessorsCreated++
	}
}

// gateOpen evaluates a successor's gating condition against the entity snapshot.
func gateOpen(s Successor, rec condition.Record) bool {
	switch s.ConditionType {
	case GateAlways:
		return true
	case GateFieldEquals:
		return condition.Evaluate(condition.FieldEquals(s.ConditionField, s.ConditionValue), rec)
	default:
		slog.Warn("Unknown successor condition type", "successorId", s.ID, "type", s.ConditionType)
		return false
	}
}

func successorActivity(pred Activity, s Successor, now time.Time) Activity {
	due := now.AddDate(0, 0, s.Next.TargetDays+s.DelayDays)
	return Activity{
		ID:                    uuid.New().String(),
		OrgID:                 pred.OrgID,
		Subject:               s.Next.Name,
		ActivityType:          s.Next.ActivityType,
		Priority:              s.Next.Priority,
		Status:                StatusOpen,
		EntityType:            pred.EntityType,
		EntityID:              pred.EntityID,
		PatternID:             s.Next.ID,
		AssignedTo:            pred.AssignedTo,
		DueDate:               &due,
		AutoComplete:          s.Next.AutoComplete,
		AutoCompleteCondition: s.Next.AutoCompleteCondition,
		PredecessorActivityID: pred.ID,
		AutoCreated:           true,
	}
}
