package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Message, media and document ids point into external stores.

type PersonMessage struct {
	PersonID   string  `json:"person_id" db:"person_id"`
	MessageID  string  `json:"message_id" db:"message_id"`
	Role       string  `json:"role" db:"role"`
	Confidence float64 `json:"confidence" db:"confidence"`
}

type PersonMedia struct {
	PersonID   string                         `json:"person_id" db:"person_id"`
	MediaID    string                         `json:"media_id" db:"media_id"`
	Evidence   database.JSONB[map[string]any] `json:"evidence" db:"evidence"`
	Confidence float64                        `json:"confidence" db:"confidence"`
}

type PersonDocument struct {
	PersonID   string  `json:"person_id" db:"person_id"`
	DocumentID string  `json:"document_id" db:"document_id"`
	Role       string  `json:"role" db:"role"`
	Confidence float64 `json:"confidence" db:"confidence"`
}

// PersonEvent is a dated life event attached to a person.
type PersonEvent struct {
	ID         string                         `json:"id" db:"id"`
	PersonID   string                         `json:"person_id" db:"person_id"`
	HappenedAt time.Time                      `json:"happened_at" db:"happened_at"`
	Kind       string                         `json:"kind" db:"kind"`
	Summary    string                         `json:"summary" db:"summary"`
	SourceRef  *string                        `json:"source_ref,omitempty" db:"source_ref"`
	Extra      database.JSONB[map[string]any] `json:"extra" db:"extra"`
}

// LinkCounts tallies dependent links moved by a merge. Dropped links were already present on the target.
type LinkCounts struct {
	MessagesMoved    int64 `json:"messages_moved"`
	MessagesDropped  int64 `json:"messages_dropped"`
	MediaMoved       int64 `json:"media_moved"`
	MediaDropped     int64 `json:"media_dropped"`
	DocumentsMoved   int64 `json:"documents_moved"`
	DocumentsDropped int64 `json:"documents_dropped"`
	EventsMoved      int64 `json:"events_moved"`
}
