package models

import (
	"time"

	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
)

const (
	MetaMergedInto = "merged_into"
	MetaMergedAt   = "merged_at"
	MetaSource     = "source"
)

// Person is a deduplicated human identity. It is never hard-deleted; a person absorbed by a
// merge carries merged_into in Extra.
type Person struct {
	ID          string                         `json:"id" db:"id"`
	DisplayName string                         `json:"display_name" db:"display_name"`
	Org         *string                        `json:"org,omitempty" db:"org"`
	CreatedAt   time.Time                      `json:"created_at" db:"created_at"`
	MergedFrom  pq.StringArray                 `json:"merged_from" db:"merged_from"`
	Extra       database.JSONB[map[string]any] `json:"extra" db:"extra"`
}

// MergedInto returns the id of the person that absorbed this one.
func (p *Person) MergedInto() string {
	if p.Extra.Data == nil {
		return ""
	}
	id, _ := p.Extra.Data[MetaMergedInto].(string)
	return id
}

func (p *Person) IsMerged() bool {
	return p.MergedInto() != ""
}

// HasPlaceholderName reports whether the display name may be backfilled.
func (p *Person) HasPlaceholderName() bool {
	return p.DisplayName == "" || p.DisplayName == UnknownDisplayName
}

// CreatePersonRequest is the interactive create-contact command.
type CreatePersonRequest struct {
	DisplayName string            `json:"display_name" validate:"required,max=200"`
	Org         *string           `json:"org,omitempty" validate:"omitempty,max=200"`
	Identities  []IdentityRequest `json:"identities,omitempty"`
}

// IdentityRequest is one identity supplied to a manual write.
type IdentityRequest struct {
	Kind       string   `json:"kind" validate:"required,identity_kind"`
	Value      string   `json:"value" validate:"required,max=500"`
	Source     string   `json:"source,omitempty" validate:"omitempty,identity_source"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// SkippedIdentity explains why an identity in a create request was not stored.
type SkippedIdentity struct {
	Identity IdentityRequest `json:"identity"`
	Reason   string          `json:"reason"`
}

type CreatePersonResult struct {
	Person  *Person           `json:"person"`
	Claims  []*IdentityClaim  `json:"claims"`
	Skipped []SkippedIdentity `json:"skipped,omitempty"`
}

type NameChange struct {
	PersonID  string    `json:"person_id"`
	OldName   string    `json:"old_name"`
	NewName   string    `json:"new_name"`
	UpdatedAt time.Time `json:"updated_at"`
}
