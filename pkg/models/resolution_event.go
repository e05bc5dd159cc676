package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

type ResolutionAction string

const (
	ActionMerge ResolutionAction = "merge"
)

// ResolutionEvent is an immutable audit record of a resolution decision.
type ResolutionEvent struct {
	ID            string                         `json:"id" db:"id"`
	HappenedAt    time.Time                      `json:"happened_at" db:"happened_at"`
	Actor         string                         `json:"actor" db:"actor"`
	Action        ResolutionAction               `json:"action" db:"action"`
	FromPersonID  *string                        `json:"from_person_id,omitempty" db:"from_person_id"`
	ToPersonID    *string                        `json:"to_person_id,omitempty" db:"to_person_id"`
	Reason        string                         `json:"reason" db:"reason"`
	ScoreSnapshot database.JSONB[map[string]any] `json:"score_snapshot" db:"score_snapshot"`
}

// MergeRequest asks for source to be absorbed into target.
type MergeRequest struct {
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required,nefield=SourceID"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
}

// MergeResult reports what a merge moved.
type MergeResult struct {
	Target        *Person          `json:"target"`
	Event         *ResolutionEvent `json:"event"`
	ClaimsMoved   int64            `json:"claims_moved"`
	ClaimsDropped int64            `json:"claims_dropped"`
	Links         LinkCounts       `json:"links"`
}
