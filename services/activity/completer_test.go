package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-automations/services/condition"
	"crm-automations/services/entity"
)

// stubRepo implements Repository in memory. ListPending honours the open-status
// filter so completed activities drop out of later ticks.
type stubRepo struct {
	mu            sync.Mutex
	activities    []Activity
	listErr       error
	lastTarget    *entity.Ref
	lastLimit     int
	completeErr   map[string]error
	reasons       map[string]string
	history       []HistoryEntry
	historyErr    error
	successors    map[string][]Successor
	successorsErr error
	created       []Activity
	createErr     map[string]error
}

func newStubRepo(activities ...Activity) *stubRepo {
	return &stubRepo{
		activities:  activities,
		completeErr: map[string]error{},
		reasons:     map[string]string{},
		successors:  map[string][]Successor{},
		createErr:   map[string]error{},
	}
}

func (r *stubRepo) ListPending(_ context.Context, target *entity.Ref, limit int) ([]Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTarget, r.lastLimit = target, limit
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []Activity
	for _, a := range r.activities {
		if a.Status == StatusCompleted || a.Status == StatusCancelled {
			continue
		}
		if !a.AutoComplete && a.AutoCompleteCondition == nil {
			continue
		}
		if target != nil && (a.EntityType != target.Type || a.EntityID != target.ID) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *stubRepo) Complete(_ context.Context, activityID string, _ time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.completeErr[activityID]; err != nil {
		return err
	}
	for i := range r.activities {
		if r.activities[i].ID != activityID {
			continue
		}
		if r.activities[i].Status == StatusCompleted {
			return ErrNotOpen
		}
		r.activities[i].Status = StatusCompleted
		r.reasons[activityID] = reason
		return nil
	}
	return ErrNotOpen
}

func (r *stubRepo) AddHistory(_ context.Context, entry HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.historyErr != nil {
		return r.historyErr
	}
	r.history = append(r.history, entry)
	return nil
}

func (r *stubRepo) Successors(_ context.Context, patternID string) ([]Successor, error) {
	if r.successorsErr != nil {
		return nil, r.successorsErr
	}
	return r.successors[patternID], nil
}

func (r *stubRepo) CreateActivity(_ context.Context, a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.createErr[a.PatternID]; err != nil {
		return err
	}
	r.created = append(r.created, a)
	return nil
}

// countingStore records every Get call.
type countingStore struct {
	*entity.MemoryStore
	gets []string
}

func (s *countingStore) Get(ctx context.Context, kind entity.Kind, id string) (condition.Record, error) {
	s.gets = append(s.gets, kind.String()+"/"+id)
	return s.MemoryStore.Get(ctx, kind, id)
}

func newStore() *countingStore {
	store := entity.NewMemoryStore()
	store.Add(entity.Submission,
		condition.RecordFromMap(map[string]any{"id": "sub-1", "status": "accepted", "stage": "offer"}),
		condition.RecordFromMap(map[string]any{"id": "sub-2", "status": "pending"}),
	)
	store.Add(entity.Placement, condition.RecordFromMap(map[string]any{"id": "pl-1", "status": "placed"}))
	store.Add(entity.Candidate, condition.RecordFromMap(map[string]any{"id": "cand-1", "status": "hired"}))
	return &countingStore{MemoryStore: store}
}

func flagActivity(id, entityType, entityID string) Activity {
	return Activity{
		ID:           id,
		OrgID:        "org-1",
		Subject:      "Check in " + id,
		Status:       StatusOpen,
		EntityType:   entityType,
		EntityID:     entityID,
		AssignedTo:   "user-7",
		AutoComplete: true,
	}
}

func conditionActivity(id, entityType, entityID string, c condition.Condition) Activity {
	a := flagActivity(id, entityType, entityID)
	a.AutoComplete = false
	a.AutoCompleteCondition = &c
	return a
}

var tickTime = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func TestCompleter_FlagCompletesOnTerminalStatus(t *testing.T) {
	a := flagActivity("act-1", "placements", "pl-1")
	a.Status = StatusInProgress
	repo := newStubRepo(a)

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, "Entity status changed to placed", repo.reasons["act-1"])

	require.Len(t, repo.history, 1)
	h := repo.history[0]
	assert.Equal(t, "act-1", h.ActivityID)
	assert.Equal(t, "auto_completed", h.Action)
	assert.Equal(t, StatusInProgress, h.FromStatus)
	assert.Equal(t, StatusCompleted, h.ToStatus)
	assert.Equal(t, "Entity status changed to placed", h.Notes)
	assert.Equal(t, tickTime, h.CreatedAt)
}

func TestCompleter_FlagIgnoresNonTerminalStatus(t *testing.T) {
	repo := newStubRepo(flagActivity("act-1", "submissions", "sub-2"))

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.AutoCompleted)
	assert.Empty(t, repo.history)
}

func TestCompleter_ConditionTakesPrecedenceOverFlag(t *testing.T) {
	unmet := conditionActivity("unmet", "candidates", "cand-1", condition.FieldEquals("status", condition.String("placed")))
	unmet.AutoComplete = true
	met := conditionActivity("met", "submissions", "sub-1", condition.AllOf(
		condition.StatusIn("accepted", "rejected"),
		condition.FieldEquals("stage", condition.String("offer")),
	))
	repo := newStubRepo(unmet, met)

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.NotContains(t, repo.reasons, "unmet", "hired is terminal but the explicit condition fails")
	assert.Equal(t, "Auto-complete condition met", repo.reasons["met"])
}

func TestCompleter_OneFetchPerEntity(t *testing.T) {
	repo := newStubRepo(
		flagActivity("a1", "submissions", "sub-1"),
		flagActivity("a2", "placements", "pl-1"),
		flagActivity("a3", "submissions", "sub-1"),
		flagActivity("a4", "submissions", "sub-1"),
	)
	store := newStore()

	report, err := NewCompleter(repo, store).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 4, report.AutoCompleted)
	assert.Equal(t, []string{"submission/sub-1", "placement/pl-1"}, store.gets)
}

func TestCompleter_MissingOrUnknownEntityIsSkipped(t *testing.T) {
	repo := newStubRepo(
		flagActivity("unknown-type", "invoices", "inv-1"),
		flagActivity("missing", "submissions", "sub-404"),
		flagActivity("ok", "placements", "pl-1"),
	)

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, 0, report.Errors)
	assert.Empty(t, report.ErrorDetails)
}

func TestCompleter_CompanyAliasResolvesToAccounts(t *testing.T) {
	store := newStore()
	store.Add(entity.Account, condition.RecordFromMap(map[string]any{"id": "co-1", "status": "closed"}))
	repo := newStubRepo(flagActivity("act-1", "company", "co-1"))

	report, err := NewCompleter(repo, store).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, "Entity status changed to closed", repo.reasons["act-1"])
}

func TestCompleter_SuccessorGating(t *testing.T) {
	a := flagActivity("act-1", "placements", "pl-1")
	a.PatternID = "pattern-root"
	repo := newStubRepo(a)
	repo.successors["pattern-root"] = []Successor{
		{ID: "s1", ConditionType: GateAlways, DelayDays: 1,
			Next: Pattern{ID: "pattern-debrief", Name: "Debrief", ActivityType: "call", Priority: "high", TargetDays: 2}},
		{ID: "s2", ConditionType: GateFieldEquals, ConditionField: "status", ConditionValue: condition.String("withdrawn"),
			Next: Pattern{ID: "pattern-rescue", Name: "Rescue", TargetDays: 1}},
		{ID: "s3", ConditionType: "sometimes",
			Next: Pattern{ID: "pattern-unknown", Name: "Unknown gate"}},
	}

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, 1, report.SuccessorsCreated)
	require.Len(t, repo.created, 1)

	next := repo.created[0]
	assert.NotEmpty(t, next.ID)
	assert.Equal(t, "pattern-debrief", next.PatternID)
	assert.Equal(t, "Debrief", next.Subject)
	assert.Equal(t, "call", next.ActivityType)
	assert.Equal(t, "high", next.Priority)
	assert.Equal(t, StatusOpen, next.Status)
	assert.Equal(t, "org-1", next.OrgID)
	assert.Equal(t, "placements", next.EntityType)
	assert.Equal(t, "pl-1", next.EntityID)
	assert.Equal(t, "user-7", next.AssignedTo)
	assert.Equal(t, "act-1", next.PredecessorActivityID)
	assert.True(t, next.AutoCreated)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, tickTime.AddDate(0, 0, 3), *next.DueDate)
}

func TestCompleter_FieldEqualsGateOpens(t *testing.T) {
	a := flagActivity("act-1", "submissions", "sub-1")
	a.PatternID = "p"
	repo := newStubRepo(a)
	repo.successors["p"] = []Successor{
		{ID: "s1", ConditionType: GateFieldEquals, ConditionField: "stage", ConditionValue: condition.String("offer"),
			Next: Pattern{ID: "offer-pack", Name: "Send offer pack"}},
	}

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.SuccessorsCreated)
	assert.Equal(t, tickTime, *repo.created[0].DueDate)
}

func TestCompleter_ErrorsAreIsolatedPerActivity(t *testing.T) {
	repo := newStubRepo(
		flagActivity("broken", "submissions", "sub-1"),
		flagActivity("sibling", "submissions", "sub-1"),
	)
	repo.completeErr["broken"] = errors.New("deadlock detected")

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.ErrorDetails, 1)
	assert.Equal(t, "broken", report.ErrorDetails[0].ActivityID)
	assert.Contains(t, report.ErrorDetails[0].Error, "deadlock detected")
	assert.Contains(t, repo.reasons, "sibling")
}

func TestCompleter_LostGuardIsAnError(t *testing.T) {
	repo := newStubRepo(flagActivity("act-1", "placements", "pl-1"))
	repo.completeErr["act-1"] = ErrNotOpen

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, report.AutoCompleted)
	assert.Equal(t, 1, report.Errors)
	assert.Contains(t, report.ErrorDetails[0].Error, "no longer open")
	assert.Empty(t, repo.history)
}

func TestCompleter_FollowUpFailuresStillCountCompletion(t *testing.T) {
	a := flagActivity("act-1", "placements", "pl-1")
	a.PatternID = "p"
	repo := newStubRepo(a)
	repo.historyErr = errors.New("history table missing")
	repo.successors["p"] = []Successor{
		{ID: "s1", ConditionType: GateAlways, Next: Pattern{ID: "bad"}},
		{ID: "s2", ConditionType: GateAlways, Next: Pattern{ID: "good"}},
	}
	repo.createErr["bad"] = errors.New("foreign key violation")

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoCompleted)
	assert.Equal(t, 1, report.SuccessorsCreated)
	assert.Equal(t, 2, report.Errors)
	require.Len(t, repo.created, 1)
	assert.Equal(t, "good", repo.created[0].PatternID)
}

func TestCompleter_CompletedActivitiesAreNotReprocessed(t *testing.T) {
	a := flagActivity("act-1", "placements", "pl-1")
	a.PatternID = "p"
	repo := newStubRepo(a)
	repo.successors["p"] = []Successor{{ID: "s1", ConditionType: GateAlways, Next: Pattern{ID: "next"}}}
	completer := NewCompleter(repo, newStore())

	first, err := completer.RunTick(context.Background(), tickTime, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AutoCompleted)

	second, err := completer.RunTick(context.Background(), tickTime.Add(time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.AutoCompleted)
	assert.Len(t, repo.created, 1)
	assert.Len(t, repo.history, 1)
}

func TestCompleter_TargetedMode(t *testing.T) {
	repo := newStubRepo(
		flagActivity("a1", "placements", "pl-1"),
		flagActivity("a2", "candidates", "cand-1"),
	)
	target := &entity.Ref{Type: "candidates", ID: "cand-1"}

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, target)

	require.NoError(t, err)
	assert.Equal(t, target, repo.lastTarget)
	assert.Equal(t, BatchLimit, repo.lastLimit)
	assert.Equal(t, 1, report.Processed)
	assert.Contains(t, repo.reasons, "a2")
	assert.NotContains(t, repo.reasons, "a1")
}

func TestCompleter_ConfigAndStoreErrors(t *testing.T) {
	broken := flagActivity("broken-config", "placements", "pl-1")
	broken.ConfigError = "decode condition: unexpected end of JSON input"
	repo := newStubRepo(broken, flagActivity("ok", "placements", "pl-1"))

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, "broken-config", report.ErrorDetails[0].ActivityID)
	assert.Equal(t, 1, report.AutoCompleted)

	store := newStore()
	store.Err = errors.New("connection reset")
	repo = newStubRepo(flagActivity("a1", "placements", "pl-1"), flagActivity("a2", "placements", "pl-1"))

	report, err = NewCompleter(repo, store).RunTick(context.Background(), tickTime, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Errors)
	assert.Equal(t, 0, report.AutoCompleted)
}

func TestCompleter_ListFailureIsFatal(t *testing.T) {
	repo := newStubRepo()
	repo.listErr = errors.New("connection refused")

	report, err := NewCompleter(repo, newStore()).RunTick(context.Background(), tickTime, nil)

	require.Error(t, err)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGroupByEntity_FirstSeenOrder(t *testing.T) {
	groups := groupByEntity([]Activity{
		flagActivity("a1", "jobs", "j-2"),
		flagActivity("a2", "jobs", "j-1"),
		flagActivity("a3", "jobs", "j-2"),
	})

	require.Len(t, groups, 2)
	assert.Equal(t, "j-2", groups[0].ref.ID)
	assert.Len(t, groups[0].activities, 2)
	assert.Equal(t, "j-1", groups[1].ref.ID)
}
