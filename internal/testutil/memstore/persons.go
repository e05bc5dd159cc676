package memstore

import (
	"context"
	"sort"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Persons mirrors the person repository.
type Persons struct{ s *Store }

func (s *Store) Persons() *Persons { return &Persons{s: s} }

func (r *Persons) Create(ctx context.Context, p *models.Person) error {
	return r.s.do(ctx, "persons.Create", func(st *state) error {
		if p.ID == "" {
			p.ID = newID()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = st.tick()
		}
		if p.MergedFrom == nil {
			p.MergedFrom = []string{}
		}
		if p.Extra.Data == nil {
			p.Extra = database.NewJSONB(map[string]any{})
		}
		st.persons[p.ID] = clonePerson(p)
		return nil
	})
}

func (r *Persons) Get(ctx context.Context, id string) (*models.Person, error) {
	var out *models.Person
	err := r.s.do(ctx, "persons.Get", func(st *state) error {
		p, ok := st.persons[id]
		if !ok {
			return clerrors.NewNotFoundError("person %s not found", id).WithField("person_id")
		}
		out = clonePerson(p)
		return nil
	})
	return out, err
}

func (r *Persons) GetForUpdate(ctx context.Context, id string) (*models.Person, error) {
	return r.Get(ctx, id)
}

func (r *Persons) GetMany(ctx context.Context, ids []string) ([]*models.Person, error) {
	var out []*models.Person
	err := r.s.do(ctx, "persons.GetMany", func(st *state) error {
		for _, id := range ids {
			if p, ok := st.persons[id]; ok {
				out = append(out, clonePerson(p))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (r *Persons) SearchByDisplayName(ctx context.Context, q string, limit int) ([]*models.Person, error) {
	var out []*models.Person
	err := r.s.do(ctx, "persons.SearchByDisplayName", func(st *state) error {
		for _, p := range st.persons {
			if containsFold(p.DisplayName, q) {
				out = append(out, clonePerson(p))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *Persons) UpdateDisplayName(ctx context.Context, id, name string) error {
	return r.update(ctx, "persons.UpdateDisplayName", id, func(p *models.Person) { p.DisplayName = name })
}

func (r *Persons) UpdateMergedFrom(ctx context.Context, id string, mergedFrom []string) error {
	return r.update(ctx, "persons.UpdateMergedFrom", id, func(p *models.Person) {
		p.MergedFrom = append([]string(nil), mergedFrom...)
	})
}

func (r *Persons) MergeExtra(ctx context.Context, id string, extra map[string]any) error {
	return r.update(ctx, "persons.MergeExtra", id, func(p *models.Person) {
		for k, v := range extra {
			p.Extra.Data[k] = v
		}
	})
}

func (r *Persons) update(ctx context.Context, op, id string, fn func(p *models.Person)) error {
	return r.s.do(ctx, op, func(st *state) error {
		p, ok := st.persons[id]
		if !ok {
			return clerrors.NewNotFoundError("person %s not found", id).WithField("person_id")
		}
		fn(p)
		return nil
	})
}
