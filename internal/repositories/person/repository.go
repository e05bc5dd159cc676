package person

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "persons"

var columns = []string{"id", "display_name", "org", "created_at", "merged_from", "extra"}

// Repository persists persons. Every method runs on the transaction bound to ctx when there is one.
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

// Create inserts p, assigning a sortable id and creation time when missing.
func (r *Repository) Create(ctx context.Context, p *models.Person) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.Create")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.MergedFrom == nil {
		p.MergedFrom = pq.StringArray{}
	}
	if p.Extra.Data == nil {
		p.Extra = database.NewJSONB(map[string]any{})
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(p.ID, p.DisplayName, p.Org, p.CreatedAt, p.MergedFrom, p.Extra)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create person")
		return clerrors.NewStorageError(err, "failed to create person")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"person_id": p.ID}).Debug("Created person")
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.Get")
	defer span.End()

	return r.get(ctx, id, false)
}

// GetForUpdate reads the person and locks its row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, id, true)
}

func (r *Repository) get(ctx context.Context, id string, lock bool) (*models.Person, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	if lock {
		query = database.ForUpdate(query)
	}

	var p models.Person
	if err := r.db.Conn(ctx).GetContext(ctx, &p, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("person %s not found", id).WithField("person_id")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get person")
		return nil, clerrors.NewStorageError(err, "failed to get person")
	}
	return &p, nil
}

// GetMany returns the persons with the given ids. Missing ids are skipped.
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.GetMany")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.In("id", sqlArgs(ids)...))
	sb.OrderBy("id")

	query, args := sb.Build()
	var persons []*models.Person
	if err := r.db.Conn(ctx).SelectContext(ctx, &persons, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get persons")
		return nil, clerrors.NewStorageError(err, "failed to get persons")
	}
	return persons, nil
}

// SearchByDisplayName returns persons whose display name contains q, case-insensitively.
func (r *Repository) SearchByDisplayName(ctx context.Context, q string, limit int) ([]*models.Person, error) {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.SearchByDisplayName")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.ILike("display_name", "%"+q+"%"))
	sb.OrderBy("created_at")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var persons []*models.Person
	if err := r.db.Conn(ctx).SelectContext(ctx, &persons, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to search persons by display name")
		return nil, clerrors.NewStorageError(err, "failed to search persons")
	}
	return persons, nil
}

func (r *Repository) UpdateDisplayName(ctx context.Context, id, name string) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.UpdateDisplayName")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("display_name", name))
	ub.Where(ub.Equal("id", id))

	return r.exec(ctx, id, "failed to update display name", ub.Build)
}

func (r *Repository) UpdateMergedFrom(ctx context.Context, id string, mergedFrom []string) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.UpdateMergedFrom")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("merged_from", pq.StringArray(mergedFrom)))
	ub.Where(ub.Equal("id", id))

	return r.exec(ctx, id, "failed to update merged_from", ub.Build)
}

// MergeExtra shallow-merges extra into the stored metadata map.
func (r *Repository) MergeExtra(ctx context.Context, id string, extra map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "person.Repository.MergeExtra")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set("extra = extra || " + ub.Var(database.NewJSONB(extra)))
	ub.Where(ub.Equal("id", id))

	return r.exec(ctx, id, "failed to update person metadata", ub.Build)
}

func (r *Repository) exec(ctx context.Context, id, msg string, build func() (string, []any)) error {
	query, args := build()
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"person_id": id}).Error(msg)
		return clerrors.NewStorageError(err, "%s", msg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return clerrors.NewNotFoundError("person %s not found", id).WithField("person_id")
	}
	return nil
}

func sqlArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
