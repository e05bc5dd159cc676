package models

import "sort"

// IdentityKind is the semantic type of an identity value
type IdentityKind string

const (
	KindEmail       IdentityKind = "email"
	KindPhone       IdentityKind = "phone"
	KindDisplayName IdentityKind = "display_name"
	KindUsername    IdentityKind = "username"
	KindContactID   IdentityKind = "contact_id"
	KindAlias       IdentityKind = "alias"
	KindMemoryURL   IdentityKind = "memory_url"
	KindPersonUUID  IdentityKind = "person_uuid"

	// KindName is accepted by the normalizer as a synonym of display_name; it is never stored.
	KindName IdentityKind = "name"
)

// Source is the origin channel an observation came from
type Source string

const (
	SourceContacts Source = "contacts"
	SourceIMessage Source = "imessage"
	SourceEmail    Source = "email"
	SourceManual   Source = "manual"
	SourceLifeMD   Source = "life.md"
	SourcePhotos   Source = "photos"
)

var allowedKinds = map[IdentityKind]struct{}{
	KindEmail:       {},
	KindPhone:       {},
	KindDisplayName: {},
	KindUsername:    {},
	KindContactID:   {},
	KindAlias:       {},
	KindMemoryURL:   {},
	KindPersonUUID:  {},
}

var allowedSources = map[Source]struct{}{
	SourceContacts: {},
	SourceIMessage: {},
	SourceEmail:    {},
	SourceManual:   {},
	SourceLifeMD:   {},
	SourcePhotos:   {},
}

func (k IdentityKind) IsAllowed() bool {
	_, ok := allowedKinds[k]
	return ok
}

func (s Source) IsAllowed() bool {
	_, ok := allowedSources[s]
	return ok
}

// AllowedKinds returns the closed set of storable kinds, sorted.
func AllowedKinds() []string {
	out := make([]string, 0, len(allowedKinds))
	for k := range allowedKinds {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// AllowedSources returns the closed set of sources, sorted.
func AllowedSources() []string {
	out := make([]string, 0, len(allowedSources))
	for s := range allowedSources {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}

const (
	MaxDisplayNameLength = 200
	MaxValueLength       = 500
	MaxAliasLength       = 100

	// DefaultManualConfidence applies to interactive writes that omit a confidence.
	DefaultManualConfidence = 0.9
	// DefaultObservedConfidence applies to ingested observations that omit a confidence.
	DefaultObservedConfidence = 1.0

	// UnknownDisplayName is the sentinel for persons created without a name hint.
	UnknownDisplayName = "Unknown"
)

// IdentityKey is the (kind, canonical) pair used to look up matching claims.
type IdentityKey struct {
	Kind      string
	Canonical string
}
