// Package entity provides typed access to the CRM business records that
// automations read: submissions, candidates, jobs, accounts, placements and campaigns.
package entity

import (
	"fmt"
	"strings"
)

// Kind is the closed set of entity types automations can reference.
type Kind int

const (
	Submission Kind = iota + 1
	Candidate
	Job
	Account
	Placement
	Campaign
)

// Kinds lists every known kind.
var Kinds = []Kind{Submission, Candidate, Job, Account, Placement, Campaign}

// ParseKind maps an entity type string (singular or plural, any case) to a Kind.
// "company" and "companies" are accepted as aliases for Account.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "submission", "submissions":
		return Submission, nil
	case "candidate", "candidates":
		return Candidate, nil
	case "job", "jobs":
		return Job, nil
	case "account", "accounts", "company", "companies":
		return Account, nil
	case "placement", "placements":
		return Placement, nil
	case "campaign", "campaigns":
		return Campaign, nil
	default:
		return 0, fmt.Errorf("unknown entity type %q", s)
	}
}

// Table returns the collection holding records of this kind.
func (k Kind) Table() string {
	switch k {
	case Submission:
		return "submissions"
	case Candidate:
		return "candidates"
	case Job:
		return "jobs"
	case Account:
		return "companies"
	case Placement:
		return "placements"
	case Campaign:
		return "campaigns"
	default:
		panic(fmt.Sprintf("entity: invalid kind %d", int(k)))
	}
}

func (k Kind) String() string {
	switch k {
	case Submission:
		return "submission"
	case Candidate:
		return "candidate"
	case Job:
		return "job"
	case Account:
		return "account"
	case Placement:
		return "placement"
	case Campaign:
		return "campaign"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Ref points at a single entity record using the raw type string stored on activities.
type Ref struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

func (r Ref) String() string { return r.Type + "/" + r.ID }
