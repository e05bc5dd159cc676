// Package merging consolidates duplicate persons into one, keeping the absorbed record for history.
package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type PersonStore interface {
	GetForUpdate(ctx context.Context, id string) (*models.Person, error)
	UpdateMergedFrom(ctx context.Context, id string, mergedFrom []string) error
	MergeExtra(ctx context.Context, id string, extra map[string]any) error
}

type ClaimStore interface {
	CountByPerson(ctx context.Context, personID string) (int, error)
	Reassign(ctx context.Context, fromPerson, toPerson string) (moved, dropped int64, err error)
}

type LinkStore interface {
	Reassign(ctx context.Context, fromPerson, toPerson string) (models.LinkCounts, error)
}

type AuditStore interface {
	Create(ctx context.Context, e *models.ResolutionEvent) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Merger struct {
	persons   PersonStore
	claims    ClaimStore
	links     LinkStore
	audit     AuditStore
	tx        TxRunner
	publisher events.Publisher
	logger    ectologger.Logger
}

func NewMerger(persons PersonStore, claims ClaimStore, links LinkStore, audit AuditStore, tx TxRunner, publisher events.Publisher, logger ectologger.Logger) *Merger {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Merger{
		persons:   persons,
		claims:    claims,
		links:     links,
		audit:     audit,
		tx:        tx,
		publisher: publisher,
		logger:    logger,
	}
}

// Merge moves everything source owns onto target, records the audit event and marks source as
// merged into target. All of it commits together or not at all.
func (m *Merger) Merge(ctx context.Context, req models.MergeRequest) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Merger.Merge")
	defer span.End()

	if req.SourceID == "" {
		return nil, m.fail(clerrors.NewValidationError("source_id", "source person id is required"))
	}
	if req.TargetID == "" {
		return nil, m.fail(clerrors.NewValidationError("target_id", "target person id is required"))
	}
	if req.SourceID == req.TargetID {
		return nil, m.fail(clerrors.NewValidationError("target_id", "cannot merge person %s into itself", req.SourceID).WithConstraint("distinct"))
	}
	if req.Actor == "" {
		req.Actor = appctx.GetActor(ctx)
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id": req.SourceID,
		"target_id": req.TargetID,
		"actor":     req.Actor,
	})
	log.Info("Merging persons")

	var result *models.MergeResult
	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		// Lock in id order so two merges over the same pair cannot deadlock.
		first, second := req.SourceID, req.TargetID
		if second < first {
			first, second = second, first
		}
		locked := map[string]*models.Person{}
		for _, id := range []string{first, second} {
			p, err := m.persons.GetForUpdate(ctx, id)
			if err != nil {
				if clerrors.IsNotFound(err) {
					field := "source_id"
					if id == req.TargetID {
						field = "target_id"
					}
					return clerrors.NewNotFoundError("person %s does not exist", id).WithField(field).WithCause(err)
				}
				return err
			}
			locked[id] = p
		}
		source, target := locked[req.SourceID], locked[req.TargetID]

		if into := source.MergedInto(); into != "" {
			return clerrors.NewConflictError("already_merged", "person %s was already merged into %s", source.ID, into).WithField("source_id")
		}
		if into := target.MergedInto(); into != "" {
			return clerrors.NewConflictError("already_merged", "target person %s was merged into %s", target.ID, into).WithField("target_id")
		}

		sourceClaims, err := m.claims.CountByPerson(ctx, source.ID)
		if err != nil {
			return err
		}
		targetClaims, err := m.claims.CountByPerson(ctx, target.ID)
		if err != nil {
			return err
		}

		moved, dropped, err := m.claims.Reassign(ctx, source.ID, target.ID)
		if err != nil {
			return err
		}
		links, err := m.links.Reassign(ctx, source.ID, target.ID)
		if err != nil {
			return err
		}

		mergedFrom := mergedHistory(target.MergedFrom, source)
		if err := m.persons.UpdateMergedFrom(ctx, target.ID, mergedFrom); err != nil {
			return err
		}
		target.MergedFrom = mergedFrom

		evt := &models.ResolutionEvent{
			Actor:        req.Actor,
			Action:       models.ActionMerge,
			FromPersonID: &source.ID,
			ToPersonID:   &target.ID,
			Reason:       req.Reason,
			ScoreSnapshot: database.NewJSONB(map[string]any{
				"source_claims": sourceClaims,
				"target_claims": targetClaims,
			}),
		}
		if err := m.audit.Create(ctx, evt); err != nil {
			return err
		}

		mergedAt := time.Now().UTC().Format(time.RFC3339Nano)
		if err := m.persons.MergeExtra(ctx, source.ID, map[string]any{
			models.MetaMergedInto: target.ID,
			models.MetaMergedAt:   mergedAt,
		}); err != nil {
			return err
		}
		if source.Extra.Data == nil {
			source.Extra = database.NewJSONB(map[string]any{})
		}
		source.Extra.Data[models.MetaMergedInto] = target.ID
		source.Extra.Data[models.MetaMergedAt] = mergedAt

		result = &models.MergeResult{
			Target:        target,
			Event:         evt,
			ClaimsMoved:   moved,
			ClaimsDropped: dropped,
			Links:         links,
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Merge failed")
		return nil, m.fail(err)
	}
	metrics.RecordMerge("ok")

	log.WithFields(map[string]any{
		"claims_moved":   result.ClaimsMoved,
		"claims_dropped": result.ClaimsDropped,
	}).Info("Merge completed")

	m.publisher.Emit(ctx, events.Event{
		Type:         events.PersonMerged,
		PersonID:     result.Target.ID,
		FromPersonID: req.SourceID,
		Actor:        req.Actor,
		Person:       result.Target,
	})
	return result, nil
}

// mergedHistory appends source and everything previously merged into it, without repeats.
func mergedHistory(existing []string, source *models.Person) []string {
	out := make([]string, 0, len(existing)+1+len(source.MergedFrom))
	seen := map[string]struct{}{}
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range existing {
		add(id)
	}
	add(source.ID)
	for _, id := range source.MergedFrom {
		add(id)
	}
	return out
}

func (m *Merger) fail(err error) error {
	metrics.RecordMerge(string(clerrors.KindOf(err)))
	return err
}
