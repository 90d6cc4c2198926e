package activity

import (
	"time"

	"crm-automations/services/condition"
)

// BatchLimit caps the activities examined in one tick.
const BatchLimit = 100

// Activity statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusScheduled  = "scheduled"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// OpenStatuses are the statuses an activity can be auto-completed from.
var OpenStatuses = []string{StatusOpen, StatusInProgress, StatusScheduled}

// terminalEntityStatuses complete a flag-only activity when its entity reaches one of them.
var terminalEntityStatuses = map[string]bool{
	"completed": true,
	"closed":    true,
	"accepted":  true,
	"placed":    true,
	"hired":     true,
}

// Successor gating types.
const (
	GateAlways      = "always"
	GateFieldEquals = "field_equals"
)

const (
	outcomeAutoCompleted = "auto_completed"
	historyAutoCompleted = "auto_completed"
	reasonConditionMet   = "Auto-complete condition met"
)

// Activity is a task attached to a business entity.
type Activity struct {
	ID                    string               `json:"id"`
	OrgID                 string               `json:"orgId"`
	Subject               string               `json:"subject"`
	ActivityType          string               `json:"activityType"`
	Priority              string               `json:"priority"`
	Status                string               `json:"status"`
	EntityType            string               `json:"entityType"`
	EntityID              string               `json:"entityId"`
	PatternID             string               `json:"patternId,omitempty"`
	AssignedTo            string               `json:"assignedTo,omitempty"`
	DueDate               *time.Time           `json:"dueDate,omitempty"`
	AutoComplete          bool                 `json:"autoComplete"`
	AutoCompleteCondition *condition.Condition `json:"autoCompleteCondition,omitempty"`
	PredecessorActivityID string               `json:"predecessorActivityId,omitempty"`
	AutoCreated           bool                 `json:"autoCreated"`

	// ConfigError is set when the stored auto-complete condition could not be decoded.
	ConfigError string `json:"-"`
}

// Pattern is a reusable activity template.
type Pattern struct {
	ID                    string
	Code                  string
	Name                  string
	ActivityType          string
	Priority              string
	TargetDays            int
	AutoComplete          bool
	AutoCompleteCondition *condition.Condition
}

// Successor links a pattern to a follow-on pattern.
type Successor struct {
	ID             string
	PatternID      string
	SortOrder      int
	ConditionType  string
	ConditionField string
	ConditionValue condition.Value
	DelayDays      int
	Next           Pattern
}

// HistoryEntry is one row of an activity's audit trail.
type HistoryEntry struct {
	ID         string
	ActivityID string
	OrgID      string
	Action     string
	FromStatus string
	ToStatus   string
	Notes      string
	CreatedAt  time.Time
}

// ErrorDetail describes a failure scoped to one activity.
type ErrorDetail struct {
	ActivityID string `json:"activityId"`
	Error      string `json:"error"`
}

// CompletionReport summarises a tick for observability.
type CompletionReport struct {
	ProcessedAt       time.Time     `json:"processedAt"`
	Processed         int           `json:"processed"`
	AutoCompleted     int           `json:"autoCompleted"`
	SuccessorsCreated int           `json:"successorsCreated"`
	Errors            int           `json:"errors"`
	ErrorDetails      []ErrorDetail `json:"errorDetails"`
}

func (r *CompletionReport) fail(activityID string, err error) {
	r.Errors++
	r.ErrorDetails = append(r.ErrorDetails, ErrorDetail{ActivityID: activityID, Error: err.Error()})
}
