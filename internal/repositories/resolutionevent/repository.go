package resolutionevent

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "resolution_events"

var columns = []string{"id", "happened_at", "actor", "action", "from_person_id", "to_person_id", "reason", "score_snapshot"}

// Repository appends audit events. Events are never updated or deleted.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Create(ctx context.Context, e *models.ResolutionEvent) error {
	ctx, span := tracing.StartSpan(ctx, "resolutionevent.Repository.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.HappenedAt.IsZero() {
		e.HappenedAt = time.Now().UTC()
	}
	if e.ScoreSnapshot.Data == nil {
		e.ScoreSnapshot = database.NewJSONB(map[string]any{})
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(e.ID, e.HappenedAt, e.Actor, string(e.Action), e.FromPersonID, e.ToPersonID, e.Reason, e.ScoreSnapshot)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"action": e.Action}).Error("Failed to record resolution event")
		return clerrors.NewStorageError(err, "failed to record resolution event")
	}
	return nil
}

// ListByPerson returns events where the person was either side, oldest first.
func (r *Repository) ListByPerson(ctx context.Context, personID string) ([]*models.ResolutionEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "resolutionevent.Repository.ListByPerson")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Or(sb.Equal("from_person_id", personID), sb.Equal("to_person_id", personID)))
	sb.OrderBy("happened_at", "id")

	query, args := sb.Build()
	var events []*models.ResolutionEvent
	if err := r.db.Conn(ctx).SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list resolution events")
		return nil, clerrors.NewStorageError(err, "failed to list resolution events")
	}
	return events, nil
}
