package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// ClaimUniqueConstraint enforces one claim per (person_id, source, canonical).
const ClaimUniqueConstraint = "uq_identity_per_platform"

// IdentityClaim ties a canonical value to a person, scoped to the source that observed it.
type IdentityClaim struct {
	ID         string                         `json:"id" db:"id"`
	PersonID   string                         `json:"person_id" db:"person_id"`
	Source     string                         `json:"source" db:"source"`
	Kind       string                         `json:"kind" db:"kind"`
	Value      string                         `json:"value" db:"value"`
	Canonical  string                         `json:"canonical" db:"canonical"`
	Confidence float64                        `json:"confidence" db:"confidence"`
	FirstSeen  time.Time                      `json:"first_seen" db:"first_seen"`
	LastSeen   time.Time                      `json:"last_seen" db:"last_seen"`
	Extra      database.JSONB[map[string]any] `json:"extra" db:"extra"`
}

// ClaimSnapshot is the mutable part of a claim, captured before an update.
type ClaimSnapshot struct {
	Kind       string  `json:"kind"`
	Value      string  `json:"value"`
	Canonical  string  `json:"canonical"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

func (c *IdentityClaim) Snapshot() ClaimSnapshot {
	return ClaimSnapshot{
		Kind:       c.Kind,
		Value:      c.Value,
		Canonical:  c.Canonical,
		Source:     c.Source,
		Confidence: c.Confidence,
	}
}

// CreateClaimRequest adds one identity to an existing person.
type CreateClaimRequest struct {
	PersonID   string   `json:"person_id" validate:"required"`
	Kind       string   `json:"kind" validate:"required,identity_kind"`
	Value      string   `json:"value" validate:"required,max=500"`
	Source     string   `json:"source,omitempty" validate:"omitempty,identity_source"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// UpdateClaimRequest changes an existing claim. At least one of Value, Confidence, Source is required.
type UpdateClaimRequest struct {
	PersonID   string   `json:"person_id" validate:"required"`
	ClaimID    string   `json:"claim_id" validate:"required"`
	Value      *string  `json:"value,omitempty" validate:"omitempty,max=500"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Source     *string  `json:"source,omitempty" validate:"omitempty,identity_source"`
}

func (r UpdateClaimRequest) IsEmpty() bool {
	return r.Value == nil && r.Confidence == nil && r.Source == nil
}

// ClaimChanges lists the fields an update actually applied.
type ClaimChanges struct {
	Value      *string  `json:"value,omitempty"`
	Canonical  *string  `json:"canonical,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     *string  `json:"source,omitempty"`
}

type ClaimUpdateResult struct {
	Claim    *IdentityClaim `json:"claim"`
	Original ClaimSnapshot  `json:"original"`
	Changes  ClaimChanges   `json:"changes"`
}

type ClaimRemovalResult struct {
	Removed ClaimSnapshot `json:"removed"`
	ClaimID string        `json:"claim_id"`
}
