// Package claims is the validated write path for persons and their identity claims.
package claims

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/validation"
)

const updateSavepoint = "claim_update"

type PersonStore interface {
	Create(ctx context.Context, p *models.Person) error
	Get(ctx context.Context, id string) (*models.Person, error)
	GetForUpdate(ctx context.Context, id string) (*models.Person, error)
	UpdateDisplayName(ctx context.Context, id, name string) error
}

type ClaimStore interface {
	FindByTriple(ctx context.Context, personID, source, canonical string) (*models.IdentityClaim, error)
	GetForUpdate(ctx context.Context, personID, claimID string) (*models.IdentityClaim, error)
	Insert(ctx context.Context, c *models.IdentityClaim) error
	Update(ctx context.Context, c *models.IdentityClaim) error
	Delete(ctx context.Context, personID, claimID string) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Service applies interactive writes. Unlike ingestion it never overwrites an existing claim;
// duplicates come back as conflicts for the caller to decide on.
type Service struct {
	persons   PersonStore
	claims    ClaimStore
	tx        TxRunner
	validator *validation.Validator
	publisher events.Publisher
	logger    ectologger.Logger
}

func NewService(persons PersonStore, claims ClaimStore, tx TxRunner, validator *validation.Validator, publisher events.Publisher, logger ectologger.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		persons:   persons,
		claims:    claims,
		tx:        tx,
		validator: validator,
		publisher: publisher,
		logger:    logger,
	}
}

// CreatePerson creates a person with the given identities. Invalid or repeated identities are skipped
// and reported; they never fail the person.
func (s *Service) CreatePerson(ctx context.Context, req models.CreatePersonRequest) (*models.CreatePersonResult, error) {
	ctx, span := tracing.StartSpan(ctx, "claims.Service.CreatePerson")
	defer span.End()

	name, err := s.validator.DisplayName(req.DisplayName)
	if err != nil {
		return nil, s.record("create_person", err)
	}
	req.DisplayName = name
	if err := s.validator.Struct(req); err != nil {
		return nil, s.record("create_person", err)
	}

	result := &models.CreatePersonResult{}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		person := &models.Person{
			DisplayName: name,
			Org:         req.Org,
			Extra:       database.NewJSONB(map[string]any{models.MetaSource: string(models.SourceManual)}),
		}
		if err := s.persons.Create(ctx, person); err != nil {
			return err
		}
		result.Person = person

		type slot struct{ source, canonical string }
		seen := map[slot]struct{}{}
		for _, ir := range req.Identities {
			id, err := s.validator.Identity(ir.Kind, ir.Value, ir.Source, ir.Confidence)
			if err != nil {
				result.Skipped = append(result.Skipped, models.SkippedIdentity{Identity: ir, Reason: err.Error()})
				continue
			}
			key := slot{string(id.Source), id.Canonical}
			if _, dup := seen[key]; dup {
				result.Skipped = append(result.Skipped, models.SkippedIdentity{Identity: ir, Reason: "duplicate identity in request"})
				continue
			}
			seen[key] = struct{}{}

			claim := newClaim(person.ID, id)
			if err := s.claims.Insert(ctx, claim); err != nil {
				return err
			}
			result.Claims = append(result.Claims, claim)
		}
		return nil
	})
	if err != nil {
		return nil, s.record("create_person", err)
	}
	s.record("create_person", nil)

	evts := []events.Event{{Type: events.PersonCreated, PersonID: result.Person.ID, Person: result.Person}}
	for _, c := range result.Claims {
		evts = append(evts, events.Event{Type: events.ClaimCreated, PersonID: result.Person.ID, Claim: c})
	}
	s.publisher.Emit(ctx, evts...)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"person_id": result.Person.ID,
		"claims":    len(result.Claims),
		"skipped":   len(result.Skipped),
	}).Info("Created person")

	return result, nil
}

// CreateClaim adds one identity to a person. An identity already held on the same source is a
// conflict, whether found up front or reported by the store's unique constraint.
func (s *Service) CreateClaim(ctx context.Context, req models.CreateClaimRequest) (*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "claims.Service.CreateClaim")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return nil, s.record("create_claim", err)
	}
	id, err := s.validator.Identity(req.Kind, req.Value, req.Source, req.Confidence)
	if err != nil {
		return nil, s.record("create_claim", err)
	}

	claim := newClaim(req.PersonID, id)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.persons.Get(ctx, req.PersonID); err != nil {
			return err
		}

		existing, err := s.claims.FindByTriple(ctx, req.PersonID, string(id.Source), id.Canonical)
		if err != nil {
			return err
		}
		if existing != nil {
			metrics.RecordConflict("precheck")
			return alreadyExists(existing)
		}

		if err := s.claims.Insert(ctx, claim); err != nil {
			if clerrors.IsConflict(err) {
				metrics.RecordConflict("commit")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.record("create_claim", err)
	}
	s.record("create_claim", nil)

	s.publisher.Emit(ctx, events.Event{Type: events.ClaimCreated, PersonID: claim.PersonID, Claim: claim})
	return claim, nil
}

// UpdateClaim changes value, confidence or source of a claim while holding its row lock. A change that
// would collide with another claim is rejected before writing; a collision that only shows at write
// time rolls back the savepoint and comes back as the same structured conflict.
func (s *Service) UpdateClaim(ctx context.Context, req models.UpdateClaimRequest) (*models.ClaimUpdateResult, error) {
	ctx, span := tracing.StartSpan(ctx, "claims.Service.UpdateClaim")
	defer span.End()

	if req.IsEmpty() {
		return nil, s.record("update_claim", clerrors.NewValidationError("changes", "at least one of value, confidence or source must be provided"))
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, s.record("update_claim", err)
	}

	var result *models.ClaimUpdateResult
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		claim, err := s.claims.GetForUpdate(ctx, req.PersonID, req.ClaimID)
		if err != nil {
			return err
		}
		original := claim.Snapshot()

		next, changes, err := s.apply(claim, req)
		if err != nil {
			return err
		}

		if next.Source != original.Source || next.Canonical != original.Canonical {
			occupant, err := s.claims.FindByTriple(ctx, next.PersonID, next.Source, next.Canonical)
			if err != nil {
				return err
			}
			if occupant != nil && occupant.ID != next.ID {
				metrics.RecordConflict("precheck")
				return collision(occupant.ID, next)
			}
		}

		err = s.tx.RunInSavepoint(ctx, updateSavepoint, func(ctx context.Context) error {
			return s.claims.Update(ctx, next)
		})
		if err != nil {
			if clerrors.IsConflict(err) {
				metrics.RecordConflict("commit")
				s.logger.WithContext(ctx).WithFields(map[string]any{
					"claim_id":  next.ID,
					"person_id": next.PersonID,
				}).Warn("Claim update lost a uniqueness race")
				return collision("", next).WithCause(err)
			}
			return err
		}

		result = &models.ClaimUpdateResult{Claim: next, Original: original, Changes: changes}
		return nil
	})
	if err != nil {
		return nil, s.record("update_claim", err)
	}
	s.record("update_claim", nil)

	s.publisher.Emit(ctx, events.Event{Type: events.ClaimUpdated, PersonID: result.Claim.PersonID, Claim: result.Claim})
	return result, nil
}

// apply validates the requested changes against the current claim and returns the updated copy.
func (s *Service) apply(claim *models.IdentityClaim, req models.UpdateClaimRequest) (*models.IdentityClaim, models.ClaimChanges, error) {
	next := *claim
	var changes models.ClaimChanges

	if req.Value != nil {
		canonical, err := s.validator.Canonical(models.IdentityKind(claim.Kind), *req.Value)
		if err != nil {
			return nil, changes, err
		}
		value := strings.TrimSpace(*req.Value)
		if value != claim.Value {
			next.Value = value
			changes.Value = &next.Value
		}
		if canonical != claim.Canonical {
			next.Canonical = canonical
			changes.Canonical = &next.Canonical
		}
	}

	if req.Confidence != nil {
		c, err := s.validator.Confidence(req.Confidence, claim.Confidence)
		if err != nil {
			return nil, changes, err
		}
		if c != claim.Confidence {
			next.Confidence = c
			changes.Confidence = &next.Confidence
		}
	}

	if req.Source != nil {
		src, err := s.validator.ExplicitSource(*req.Source)
		if err != nil {
			return nil, changes, err
		}
		if string(src) != claim.Source {
			next.Source = string(src)
			changes.Source = &next.Source
		}
	}

	next.LastSeen = time.Now().UTC()
	return &next, changes, nil
}

// RemoveClaim deletes a claim and returns what it held.
func (s *Service) RemoveClaim(ctx context.Context, personID, claimID string) (*models.ClaimRemovalResult, error) {
	ctx, span := tracing.StartSpan(ctx, "claims.Service.RemoveClaim")
	defer span.End()

	if personID == "" {
		return nil, s.record("remove_claim", clerrors.NewValidationError("person_id", "person_id is required"))
	}
	if claimID == "" {
		return nil, s.record("remove_claim", clerrors.NewValidationError("claim_id", "claim_id is required"))
	}

	var removed *models.IdentityClaim
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		claim, err := s.claims.GetForUpdate(ctx, personID, claimID)
		if err != nil {
			return err
		}
		if err := s.claims.Delete(ctx, personID, claimID); err != nil {
			return err
		}
		removed = claim
		return nil
	})
	if err != nil {
		return nil, s.record("remove_claim", err)
	}
	s.record("remove_claim", nil)

	s.publisher.Emit(ctx, events.Event{Type: events.ClaimRemoved, PersonID: personID, Claim: removed})
	return &models.ClaimRemovalResult{Removed: removed.Snapshot(), ClaimID: removed.ID}, nil
}

// UpdatePersonName replaces a person's display name.
func (s *Service) UpdatePersonName(ctx context.Context, personID, name string) (*models.NameChange, error) {
	ctx, span := tracing.StartSpan(ctx, "claims.Service.UpdatePersonName")
	defer span.End()

	newName, err := s.validator.DisplayName(name)
	if err != nil {
		return nil, s.record("update_person_name", err)
	}

	var change *models.NameChange
	var person *models.Person
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.persons.GetForUpdate(ctx, personID)
		if err != nil {
			return err
		}
		if err := s.persons.UpdateDisplayName(ctx, personID, newName); err != nil {
			return err
		}
		change = &models.NameChange{PersonID: personID, OldName: p.DisplayName, NewName: newName, UpdatedAt: time.Now().UTC()}
		p.DisplayName = newName
		person = p
		return nil
	})
	if err != nil {
		return nil, s.record("update_person_name", err)
	}
	s.record("update_person_name", nil)

	s.publisher.Emit(ctx, events.Event{Type: events.PersonUpdated, PersonID: personID, Person: person})
	return change, nil
}

// record counts the outcome of a write and passes err through.
func (s *Service) record(op string, err error) error {
	result := "ok"
	if err != nil {
		result = string(clerrors.KindOf(err))
	}
	metrics.RecordClaimWrite(op, result)
	return err
}

func newClaim(personID string, id validation.Identity) *models.IdentityClaim {
	return &models.IdentityClaim{
		PersonID:   personID,
		Source:     string(id.Source),
		Kind:       string(id.Kind),
		Value:      id.Value,
		Canonical:  id.Canonical,
		Confidence: id.Confidence,
	}
}

func alreadyExists(existing *models.IdentityClaim) *clerrors.ResolutionError {
	return clerrors.NewConflictError(models.ClaimUniqueConstraint,
		"identity '%s' already exists for this person on source '%s' (claim %s)",
		existing.Canonical, existing.Source, existing.ID).WithField("canonical")
}

func collision(occupantID string, next *models.IdentityClaim) *clerrors.ResolutionError {
	msg := "another claim already holds '%s' on source '%s' for this person"
	args := []any{next.Canonical, next.Source}
	if occupantID != "" {
		msg += " (claim %s)"
		args = append(args, occupantID)
	}
	return clerrors.NewConflictError(models.ClaimUniqueConstraint, msg, args...).WithField("canonical")
}
