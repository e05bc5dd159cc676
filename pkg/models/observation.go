package models

// Observation is one identity signal emitted by an ingestion adapter.
// Kind may be empty, in which case it is inferred from the value.
type Observation struct {
	Source     string         `json:"source" validate:"required"`
	Kind       string         `json:"kind,omitempty" validate:"omitempty,identity_kind"`
	Value      string         `json:"value" validate:"required"`
	Canonical  string         `json:"canonical,omitempty"`
	Confidence *float64       `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Extra      map[string]any `json:"extra,omitempty"`
	// DisplayName is the name hint used if the observation creates a person.
	DisplayName string `json:"display_name,omitempty"`
}

// ConfidenceOr returns the observation confidence or def when absent.
func (o Observation) ConfidenceOr(def float64) float64 {
	if o.Confidence == nil {
		return def
	}
	return *o.Confidence
}

// LinkOptions narrows and decorates a find-or-create call.
type LinkOptions struct {
	DisplayNameHint string
	// AllowedSources restricts matching to claims from these sources. Empty means any.
	AllowedSources []string
	// Extra is stored on a newly created person.
	Extra map[string]any
}

// LinkResult is the outcome of a find-or-create call.
type LinkResult struct {
	Person *Person `json:"person"`
	IsNew  bool    `json:"is_new"`
	// MatchCount is the number of matching claims on the chosen person (0 when new).
	MatchCount int `json:"match_count"`
}

// ObserveResult is the outcome of the ingestion upsert path.
type ObserveResult struct {
	Person       *Person        `json:"person"`
	Claim        *IdentityClaim `json:"claim"`
	PersonIsNew  bool           `json:"person_is_new"`
	ClaimCreated bool           `json:"claim_created"`
}
