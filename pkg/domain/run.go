package domain

import (
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a bulk edit run.
type RunStatus string

const (
	RunStatusNew                 RunStatus = "NEW"
	RunStatusDataModification    RunStatus = "DATA_MODIFICATION"
	RunStatusReviewChanges       RunStatus = "REVIEW_CHANGES"
	RunStatusApplyChanges        RunStatus = "APPLY_CHANGES"
	RunStatusCompleted           RunStatus = "COMPLETED"
	RunStatusCompletedWithErrors RunStatus = "COMPLETED_WITH_ERRORS"
	RunStatusFailed              RunStatus = "FAILED"
)

func (s RunStatus) String() string { return string(s) }

// IsValid reports whether s is a known status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusNew, RunStatusDataModification, RunStatusReviewChanges, RunStatusApplyChanges,
		RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedWithErrors || s == RunStatusFailed
}

var allowedTransitions = map[RunStatus][]RunStatus{
	RunStatusNew:              {RunStatusDataModification},
	RunStatusDataModification: {RunStatusReviewChanges},
	RunStatusReviewChanges:    {RunStatusApplyChanges},
	RunStatusApplyChanges:     {RunStatusCompleted, RunStatusCompletedWithErrors},
}

// CanTransition reports whether a run may move from s to next. Any non-terminal status may fail.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunStatusFailed {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Counts holds the aggregate counters of a run phase.
type Counts struct {
	Total     int64 `json:"total"`
	Matched   int64 `json:"matched"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
	Warnings  int64 `json:"warnings"`
}

// Artifacts links a run to its final files in object storage.
type Artifacts struct {
	IdentifiersFile string `json:"identifiers_file,omitempty"`
	MatchedCSV      string `json:"matched_csv,omitempty"`
	MatchedJSON     string `json:"matched_json,omitempty"`
	MatchedMarc     string `json:"matched_marc,omitempty"`
	PreviewCSV      string `json:"preview_csv,omitempty"`
	ModifiedJSON    string `json:"modified_json,omitempty"`
	ModifiedMarc    string `json:"modified_marc,omitempty"`
	ChangedCSV      string `json:"changed_csv,omitempty"`
	ChangedJSON     string `json:"changed_json,omitempty"`
	ChangedMarc     string `json:"changed_marc,omitempty"`
	ErrorsCSV       string `json:"errors_csv,omitempty"`
}

// Run is the aggregate root of one bulk edit operation.
type Run struct {
	ID             string         `json:"id"`
	EntityType     EntityType     `json:"entity_type"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Status         RunStatus      `json:"status"`
	Counts         Counts         `json:"counts"`
	Artifacts      Artifacts      `json:"artifacts"`
	Tenant         string         `json:"tenant"`
	UserID         string         `json:"user_id"`
	Username       string         `json:"username"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Validate checks the fields required to start a run.
func (r Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if !r.EntityType.IsValid() {
		return fmt.Errorf("unsupported entity type %q", r.EntityType)
	}
	if r.IdentifierType == "" {
		return fmt.Errorf("identifier type is required")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	return nil
}

// Transition moves the run to next, stamping the end time on terminal statuses.
func (r *Run) Transition(next RunStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	if next.IsTerminal() {
		ended := now.UTC()
		r.EndedAt = &ended
	}
	return nil
}
