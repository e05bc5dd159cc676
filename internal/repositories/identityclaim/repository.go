package identityclaim

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "identity_claims"

var columns = []string{"id", "person_id", "source", "kind", "value", "canonical", "confidence", "first_seen", "last_seen", "extra"}

// Repository persists identity claims. The (person_id, source, canonical) unique constraint is
// reported as a ConflictError naming uq_identity_per_platform.
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

// LockIdentities takes a transaction-scoped advisory lock per (kind, canonical) key, in sorted
// order, so concurrent resolvers of the same identity serialize instead of both creating a person.
func (r *Repository) LockIdentities(ctx context.Context, keys []models.IdentityKey) error {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.LockIdentities")
	defer span.End()

	if _, ok := database.FromContext(ctx); !ok {
		return clerrors.NewStorageError(nil, "identity locks require a transaction")
	}

	lockKeys := make([]int64, 0, len(keys))
	seen := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		key := database.AdvisoryKey(k.Kind, k.Canonical)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		lockKeys = append(lockKeys, key)
	}
	sort.Slice(lockKeys, func(i, j int) bool { return lockKeys[i] < lockKeys[j] })

	conn := r.db.Conn(ctx)
	for _, key := range lockKeys {
		if err := database.AdvisoryXactLock(ctx, conn, key); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to acquire identity lock")
			return clerrors.NewStorageError(err, "failed to acquire identity lock")
		}
	}
	return nil
}

// FindMatches returns every claim whose (kind, canonical) is one of keys, optionally restricted to sources.
func (r *Repository) FindMatches(ctx context.Context, keys []models.IdentityKey, sources []string) ([]*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.FindMatches")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, sb.And(sb.Equal("kind", k.Kind), sb.Equal("canonical", k.Canonical)))
	}
	sb.Where(sb.Or(pairs...))
	if len(sources) > 0 {
		sb.Where(sb.In("source", stringArgs(sources)...))
	}
	sb.OrderBy("person_id", "id")

	return r.selectClaims(ctx, sb.Build, "failed to find matching claims")
}

// FindByIdentity returns all claims holding canonical for kind, optionally on a single source.
func (r *Repository) FindByIdentity(ctx context.Context, kind, canonical, source string) ([]*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.FindByIdentity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("kind", kind), sb.Equal("canonical", canonical))
	if source != "" {
		sb.Where(sb.Equal("source", source))
	}
	sb.OrderBy("first_seen")

	return r.selectClaims(ctx, sb.Build, "failed to find claims by identity")
}

// SearchDisplayNames returns display_name claims whose canonical value contains q.
func (r *Repository) SearchDisplayNames(ctx context.Context, q string, limit int) ([]*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.SearchDisplayNames")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("kind", string(models.KindDisplayName)), sb.ILike("canonical", "%"+q+"%"))
	sb.OrderBy("first_seen")
	if limit > 0 {
		sb.Limit(limit)
	}

	return r.selectClaims(ctx, sb.Build, "failed to search display name claims")
}

func (r *Repository) ListByPerson(ctx context.Context, personID string) ([]*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.ListByPerson")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("person_id", personID))
	sb.OrderBy("first_seen", "id")

	return r.selectClaims(ctx, sb.Build, "failed to list claims")
}

// FindByTriple returns the claim occupying (person, source, canonical), or nil when the slot is free.
func (r *Repository) FindByTriple(ctx context.Context, personID, source, canonical string) (*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.FindByTriple")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("person_id", personID),
		sb.Equal("source", source),
		sb.Equal("canonical", canonical),
	)

	query, args := sb.Build()
	var claim models.IdentityClaim
	if err := r.db.Conn(ctx).GetContext(ctx, &claim, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up claim")
		return nil, clerrors.NewStorageError(err, "failed to look up claim")
	}
	return &claim, nil
}

func (r *Repository) Get(ctx context.Context, personID, claimID string) (*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Get")
	defer span.End()

	return r.get(ctx, personID, claimID, false)
}

// GetForUpdate reads the claim and holds its row lock until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, personID, claimID string) (*models.IdentityClaim, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, personID, claimID, true)
}

func (r *Repository) get(ctx context.Context, personID, claimID string, lock bool) (*models.IdentityClaim, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", claimID), sb.Equal("person_id", personID))

	query, args := sb.Build()
	if lock {
		query = database.ForUpdate(query)
	}

	var claim models.IdentityClaim
	if err := r.db.Conn(ctx).GetContext(ctx, &claim, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("identity claim %s not found for person %s", claimID, personID).WithField("claim_id")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get claim")
		return nil, clerrors.NewStorageError(err, "failed to get claim")
	}
	return &claim, nil
}

// Insert creates c. A collision on the uniqueness constraint yields a ConflictError.
func (r *Repository) Insert(ctx context.Context, c *models.IdentityClaim) error {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Insert")
	defer span.End()

	prepare(c)

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(c.ID, c.PersonID, c.Source, c.Kind, c.Value, c.Canonical, c.Confidence, c.FirstSeen, c.LastSeen, c.Extra)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return r.writeError(ctx, err, c, "failed to insert claim")
	}
	return nil
}

// Upsert inserts c or, when (person, source, canonical) is taken, refreshes the stored claim:
// value and kind are replaced, confidence only rises, last_seen moves forward and extra is merged.
// It reports whether a new row was created and fills c with the stored state.
func (r *Repository) Upsert(ctx context.Context, c *models.IdentityClaim) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Upsert")
	defer span.End()

	prepare(c)

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(c.ID, c.PersonID, c.Source, c.Kind, c.Value, c.Canonical, c.Confidence, c.FirstSeen, c.LastSeen, c.Extra)
	ib.OnConflictUpdate([]string{"person_id", "source", "canonical"},
		database.Excluded("value"),
		database.Excluded("kind"),
		"confidence = GREATEST(identity_claims.confidence, EXCLUDED.confidence)",
		"last_seen = GREATEST(identity_claims.last_seen, EXCLUDED.last_seen)",
		"extra = identity_claims.extra || EXCLUDED.extra",
	)
	ib.SQL("RETURNING " + strings.Join(columns, ", ") + ", (xmax = 0) AS inserted")

	query, args := ib.Build()
	var row struct {
		models.IdentityClaim
		Inserted bool `db:"inserted"`
	}
	if err := r.db.Conn(ctx).GetContext(ctx, &row, query, args...); err != nil {
		return false, r.writeError(ctx, err, c, "failed to upsert claim")
	}

	*c = row.IdentityClaim
	return row.Inserted, nil
}

// Update writes the mutable fields of c back to its row.
func (r *Repository) Update(ctx context.Context, c *models.IdentityClaim) error {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("source", c.Source),
		ub.Assign("value", c.Value),
		ub.Assign("canonical", c.Canonical),
		ub.Assign("confidence", c.Confidence),
		ub.Assign("last_seen", c.LastSeen),
	)
	ub.Where(ub.Equal("id", c.ID), ub.Equal("person_id", c.PersonID))

	query, args := ub.Build()
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return r.writeError(ctx, err, c, "failed to update claim")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return clerrors.NewNotFoundError("identity claim %s not found for person %s", c.ID, c.PersonID).WithField("claim_id")
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, personID, claimID string) error {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal("id", claimID), db.Equal("person_id", personID))

	query, args := db.Build()
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete claim")
		return clerrors.NewStorageError(err, "failed to delete claim")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return clerrors.NewNotFoundError("identity claim %s not found for person %s", claimID, personID).WithField("claim_id")
	}
	return nil
}

// TouchLastSeen moves last_seen forward on the given claims.
func (r *Repository) TouchLastSeen(ctx context.Context, claimIDs []string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.TouchLastSeen")
	defer span.End()

	if len(claimIDs) == 0 {
		return nil
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set("last_seen = GREATEST(last_seen, " + ub.Var(at) + ")")
	ub.Where(ub.In("id", stringArgs(claimIDs)...))

	query, args := ub.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to refresh last_seen")
		return clerrors.NewStorageError(err, "failed to refresh last_seen")
	}
	return nil
}

func (r *Repository) CountByPerson(ctx context.Context, personID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.CountByPerson")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)
	sb.Where(sb.Equal("person_id", personID))

	query, args := sb.Build()
	var count int
	if err := r.db.Conn(ctx).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count claims")
		return 0, clerrors.NewStorageError(err, "failed to count claims")
	}
	return count, nil
}

// Reassign moves every claim of fromPerson to toPerson. Claims whose (source, canonical) the target
// already holds are dropped instead of moved.
func (r *Repository) Reassign(ctx context.Context, fromPerson, toPerson string) (moved, dropped int64, err error) {
	ctx, span := tracing.StartSpan(ctx, "identityclaim.Repository.Reassign")
	defer span.End()

	conn := r.db.Conn(ctx)

	res, err := conn.ExecContext(ctx, `DELETE FROM identity_claims src
		USING identity_claims dst
		WHERE src.person_id = $1 AND dst.person_id = $2
		AND dst.source = src.source AND dst.canonical = src.canonical`, fromPerson, toPerson)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop duplicate claims before merge")
		return 0, 0, clerrors.NewStorageError(err, "failed to drop duplicate claims")
	}
	dropped, _ = res.RowsAffected()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("person_id", toPerson))
	ub.Where(ub.Equal("person_id", fromPerson))

	query, args := ub.Build()
	res, err = conn.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reassign claims")
		return 0, dropped, clerrors.NewStorageError(err, "failed to reassign claims")
	}
	moved, _ = res.RowsAffected()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"from_person_id": fromPerson,
		"to_person_id":   toPerson,
		"moved":          moved,
		"dropped":        dropped,
	}).Info("Reassigned claims")
	return moved, dropped, nil
}

func (r *Repository) selectClaims(ctx context.Context, build func() (string, []any), msg string) ([]*models.IdentityClaim, error) {
	query, args := build()
	var claims []*models.IdentityClaim
	if err := r.db.Conn(ctx).SelectContext(ctx, &claims, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(msg)
		return nil, clerrors.NewStorageError(err, "%s", msg)
	}
	return claims, nil
}

func (r *Repository) writeError(ctx context.Context, err error, c *models.IdentityClaim, msg string) error {
	fields := map[string]any{
		"person_id": c.PersonID,
		"source":    c.Source,
		"canonical": c.Canonical,
	}
	if database.IsUniqueViolation(err, models.ClaimUniqueConstraint) {
		r.logger.WithContext(ctx).WithFields(fields).Warn("Claim collides with an existing claim")
		return clerrors.NewConflictError(models.ClaimUniqueConstraint,
			"person %s already has %s '%s' on %s", c.PersonID, c.Kind, c.Canonical, c.Source).
			WithField("canonical").
			WithCause(err)
	}
	r.logger.WithContext(ctx).WithError(err).WithFields(fields).Error(msg)
	return clerrors.NewStorageError(err, "%s", msg)
}

func prepare(c *models.IdentityClaim) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = c.FirstSeen
	}
	if c.Extra.Data == nil {
		c.Extra = database.NewJSONB(map[string]any{})
	}
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
