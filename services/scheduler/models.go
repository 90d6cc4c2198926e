package scheduler

import (
	"time"

	"crm-automations/services/condition"
)

// MaxMatchesPerTick caps the records matched for one definition in one tick.
const MaxMatchesPerTick = 1000

// Result statuses.
const (
	StatusTriggered = "triggered"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// ExecutionStatusInProgress is the initial status of every execution created by a tick.
const ExecutionStatusInProgress = "in_progress"

// Definition is an active scheduled workflow.
type Definition struct {
	ID                string                      `json:"id"`
	OrgID             string                      `json:"orgId"`
	Name              string                      `json:"name"`
	Version           int                         `json:"version"`
	EntityType        string                      `json:"entityType"`
	TriggerConditions condition.TriggerConditions `json:"triggerConditions"`
	Schedule          ScheduleConfig              `json:"scheduleConfig"`

	// ConfigError is set when the stored conditions or schedule could not be decoded.
	ConfigError string `json:"-"`
}

// ScheduleConfig holds the cron expression and the zone it is evaluated in.
type ScheduleConfig struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// Execution is one workflow run queued for a matched record.
type Execution struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"orgId"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	EntityType      string         `json:"entityType"`
	EntityID        string         `json:"entityId"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DefinitionResult is the outcome of one definition in a tick.
type DefinitionResult struct {
	WorkflowID        string `json:"workflowId"`
	WorkflowName      string `json:"workflowName"`
	Status            string `json:"status"`
	ExecutionsCreated int    `json:"executionsCreated,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

// TickReport summarises a tick for observability.
type TickReport struct {
	ProcessedAt time.Time          `json:"processedAt"`
	Processed   int                `json:"processed"`
	Triggered   int                `json:"triggered"`
	Skipped     int                `json:"skipped"`
	Errors      int                `json:"errors"`
	Results     []DefinitionResult `json:"results"`
}

func (r *TickReport) add(res DefinitionResult) {
	r.Processed++
	switch res.Status {
	case StatusTriggered:
		r.Triggered++
	case StatusSkipped:
		r.Skipped++
	case StatusError:
		r.Errors++
	}
	r.Results = append(r.Results, res)
}
