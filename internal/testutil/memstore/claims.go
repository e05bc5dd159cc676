package memstore

import (
	"context"
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Claims mirrors the identity claim repository, including the (person, source, canonical) constraint.
type Claims struct{ s *Store }

func (s *Store) Claims() *Claims { return &Claims{s: s} }

// LockIdentities only checks that a transaction is open; the store lock already serializes transactions.
func (r *Claims) LockIdentities(ctx context.Context, _ []models.IdentityKey) error {
	if !r.s.inTx(ctx) {
		return clerrors.NewStorageError(nil, "identity locks require a transaction")
	}
	return nil
}

func (r *Claims) FindMatches(ctx context.Context, keys []models.IdentityKey, sources []string) ([]*models.IdentityClaim, error) {
	want := make(map[models.IdentityKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	allowed := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		allowed[s] = struct{}{}
	}

	var out []*models.IdentityClaim
	err := r.s.do(ctx, "claims.FindMatches", func(st *state) error {
		out = st.sortedClaims(func(c *models.IdentityClaim) bool {
			if _, ok := want[models.IdentityKey{Kind: c.Kind, Canonical: c.Canonical}]; !ok {
				return false
			}
			if len(allowed) > 0 {
				_, ok := allowed[c.Source]
				return ok
			}
			return true
		})
		return nil
	})
	return out, err
}

func (r *Claims) FindByIdentity(ctx context.Context, kind, canonical, source string) ([]*models.IdentityClaim, error) {
	var out []*models.IdentityClaim
	err := r.s.do(ctx, "claims.FindByIdentity", func(st *state) error {
		out = st.sortedClaims(func(c *models.IdentityClaim) bool {
			return c.Kind == kind && c.Canonical == canonical && (source == "" || c.Source == source)
		})
		return nil
	})
	return out, err
}

func (r *Claims) SearchDisplayNames(ctx context.Context, q string, limit int) ([]*models.IdentityClaim, error) {
	var out []*models.IdentityClaim
	err := r.s.do(ctx, "claims.SearchDisplayNames", func(st *state) error {
		out = st.sortedClaims(func(c *models.IdentityClaim) bool {
			return c.Kind == string(models.KindDisplayName) && containsFold(c.Canonical, q)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *Claims) ListByPerson(ctx context.Context, personID string) ([]*models.IdentityClaim, error) {
	var out []*models.IdentityClaim
	err := r.s.do(ctx, "claims.ListByPerson", func(st *state) error {
		out = st.sortedClaims(func(c *models.IdentityClaim) bool { return c.PersonID == personID })
		return nil
	})
	return out, err
}

func (r *Claims) FindByTriple(ctx context.Context, personID, source, canonical string) (*models.IdentityClaim, error) {
	var out *models.IdentityClaim
	err := r.s.do(ctx, "claims.FindByTriple", func(st *state) error {
		if r.s.hidden > 0 {
			r.s.hidden--
			return nil
		}
		if c := st.occupied(personID, source, canonical, ""); c != nil {
			out = cloneClaim(c)
		}
		return nil
	})
	return out, err
}

func (r *Claims) Get(ctx context.Context, personID, claimID string) (*models.IdentityClaim, error) {
	var out *models.IdentityClaim
	err := r.s.do(ctx, "claims.Get", func(st *state) error {
		c, ok := st.claims[claimID]
		if !ok || c.PersonID != personID {
			return clerrors.NewNotFoundError("identity claim %s not found for person %s", claimID, personID).WithField("claim_id")
		}
		out = cloneClaim(c)
		return nil
	})
	return out, err
}

func (r *Claims) GetForUpdate(ctx context.Context, personID, claimID string) (*models.IdentityClaim, error) {
	return r.Get(ctx, personID, claimID)
}

func (r *Claims) Insert(ctx context.Context, c *models.IdentityClaim) error {
	return r.s.do(ctx, "claims.Insert", func(st *state) error {
		if _, ok := st.persons[c.PersonID]; !ok {
			return clerrors.NewNotFoundError("person %s not found", c.PersonID).WithField("person_id")
		}
		if st.occupied(c.PersonID, c.Source, c.Canonical, "") != nil {
			return conflict(c)
		}
		prepare(st, c)
		st.claims[c.ID] = cloneClaim(c)
		return nil
	})
}

func (r *Claims) Upsert(ctx context.Context, c *models.IdentityClaim) (bool, error) {
	var inserted bool
	err := r.s.do(ctx, "claims.Upsert", func(st *state) error {
		existing := st.occupied(c.PersonID, c.Source, c.Canonical, "")
		if existing == nil {
			if _, ok := st.persons[c.PersonID]; !ok {
				return clerrors.NewNotFoundError("person %s not found", c.PersonID).WithField("person_id")
			}
			prepare(st, c)
			st.claims[c.ID] = cloneClaim(c)
			inserted = true
			return nil
		}

		existing.Value = c.Value
		existing.Kind = c.Kind
		if c.Confidence > existing.Confidence {
			existing.Confidence = c.Confidence
		}
		if now := st.tick(); now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		for k, v := range c.Extra.Data {
			existing.Extra.Data[k] = v
		}
		*c = *cloneClaim(existing)
		return nil
	})
	return inserted, err
}

func (r *Claims) Update(ctx context.Context, c *models.IdentityClaim) error {
	return r.s.do(ctx, "claims.Update", func(st *state) error {
		existing, ok := st.claims[c.ID]
		if !ok || existing.PersonID != c.PersonID {
			return clerrors.NewNotFoundError("identity claim %s not found for person %s", c.ID, c.PersonID).WithField("claim_id")
		}
		if st.occupied(c.PersonID, c.Source, c.Canonical, c.ID) != nil {
			return conflict(c)
		}
		existing.Source = c.Source
		existing.Value = c.Value
		existing.Canonical = c.Canonical
		existing.Confidence = c.Confidence
		existing.LastSeen = c.LastSeen
		return nil
	})
}

func (r *Claims) Delete(ctx context.Context, personID, claimID string) error {
	return r.s.do(ctx, "claims.Delete", func(st *state) error {
		c, ok := st.claims[claimID]
		if !ok || c.PersonID != personID {
			return clerrors.NewNotFoundError("identity claim %s not found for person %s", claimID, personID).WithField("claim_id")
		}
		delete(st.claims, claimID)
		return nil
	})
}

func (r *Claims) TouchLastSeen(ctx context.Context, claimIDs []string, at time.Time) error {
	return r.s.do(ctx, "claims.TouchLastSeen", func(st *state) error {
		for _, id := range claimIDs {
			if c, ok := st.claims[id]; ok && at.After(c.LastSeen) {
				c.LastSeen = at
			}
		}
		return nil
	})
}

func (r *Claims) CountByPerson(ctx context.Context, personID string) (int, error) {
	var n int
	err := r.s.do(ctx, "claims.CountByPerson", func(st *state) error {
		for _, c := range st.claims {
			if c.PersonID == personID {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Reassign drops source claims whose (source, canonical) the target already holds, then moves the rest.
func (r *Claims) Reassign(ctx context.Context, fromPerson, toPerson string) (moved, dropped int64, err error) {
	err = r.s.do(ctx, "claims.Reassign", func(st *state) error {
		for id, c := range st.claims {
			if c.PersonID == fromPerson && st.occupied(toPerson, c.Source, c.Canonical, "") != nil {
				delete(st.claims, id)
				dropped++
			}
		}
		for _, c := range st.claims {
			if c.PersonID == fromPerson {
				c.PersonID = toPerson
				moved++
			}
		}
		return nil
	})
	return moved, dropped, err
}

func prepare(st *state, c *models.IdentityClaim) {
	if c.ID == "" {
		c.ID = newID()
	}
	now := st.tick()
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
