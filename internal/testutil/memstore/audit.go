package memstore

import (
	"context"
	"sort"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Audit mirrors the resolution event repository.
type Audit struct{ s *Store }

func (s *Store) Audit() *Audit { return &Audit{s: s} }

func (r *Audit) Create(ctx context.Context, e *models.ResolutionEvent) error {
	return r.s.do(ctx, "audit.Create", func(st *state) error {
		if e.ID == "" {
			e.ID = newID()
		}
		if e.HappenedAt.IsZero() {
			e.HappenedAt = st.tick()
		}
		if e.ScoreSnapshot.Data == nil {
			e.ScoreSnapshot = database.NewJSONB(map[string]any{})
		}
		cp := *e
		st.events = append(st.events, &cp)
		return nil
	})
}

func (r *Audit) ListByPerson(ctx context.Context, personID string) ([]*models.ResolutionEvent, error) {
	var out []*models.ResolutionEvent
	err := r.s.do(ctx, "audit.ListByPerson", func(st *state) error {
		for _, e := range st.events {
			if (e.FromPersonID != nil && *e.FromPersonID == personID) || (e.ToPersonID != nil && *e.ToPersonID == personID) {
				cp := *e
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

// Links mirrors the person link repository.
type Links struct{ s *Store }

func (s *Store) Links() *Links { return &Links{s: s} }

func (r *Links) LinkMessage(ctx context.Context, link models.PersonMessage) error {
	return r.s.do(ctx, "links.LinkMessage", func(st *state) error {
		if err := st.requirePerson(link.PersonID); err != nil {
			return err
		}
		k := linkKey{link.PersonID, link.MessageID, link.Role}
		if _, ok := st.messages[k]; !ok {
			st.messages[k] = link
		}
		return nil
	})
}

func (r *Links) LinkMedia(ctx context.Context, link models.PersonMedia) error {
	return r.s.do(ctx, "links.LinkMedia", func(st *state) error {
		if err := st.requirePerson(link.PersonID); err != nil {
			return err
		}
		k := linkKey{personID: link.PersonID, refID: link.MediaID}
		if _, ok := st.media[k]; !ok {
			st.media[k] = link
		}
		return nil
	})
}

func (r *Links) LinkDocument(ctx context.Context, link models.PersonDocument) error {
	return r.s.do(ctx, "links.LinkDocument", func(st *state) error {
		if err := st.requirePerson(link.PersonID); err != nil {
			return err
		}
		k := linkKey{link.PersonID, link.DocumentID, link.Role}
		if _, ok := st.documents[k]; !ok {
			st.documents[k] = link
		}
		return nil
	})
}

func (r *Links) AddEvent(ctx context.Context, e *models.PersonEvent) error {
	return r.s.do(ctx, "links.AddEvent", func(st *state) error {
		if err := st.requirePerson(e.PersonID); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = newID()
		}
		if e.HappenedAt.IsZero() {
			e.HappenedAt = st.tick()
		}
		st.lifeEvts = append(st.lifeEvts, *e)
		return nil
	})
}

func (r *Links) ListMessages(ctx context.Context, personID string) ([]models.PersonMessage, error) {
	var out []models.PersonMessage
	err := r.s.do(ctx, "links.ListMessages", func(st *state) error {
		for k, v := range st.messages {
			if k.personID == personID {
				out = append(out, v)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
		return nil
	})
	return out, err
}

func (r *Links) ListMedia(ctx context.Context, personID string) ([]models.PersonMedia, error) {
	var out []models.PersonMedia
	err := r.s.do(ctx, "links.ListMedia", func(st *state) error {
		for k, v := range st.media {
			if k.personID == personID {
				out = append(out, v)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].MediaID < out[j].MediaID })
		return nil
	})
	return out, err
}

func (r *Links) ListDocuments(ctx context.Context, personID string) ([]models.PersonDocument, error) {
	var out []models.PersonDocument
	err := r.s.do(ctx, "links.ListDocuments", func(st *state) error {
		for k, v := range st.documents {
			if k.personID == personID {
				out = append(out, v)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
		return nil
	})
	return out, err
}

func (r *Links) ListEvents(ctx context.Context, personID string) ([]models.PersonEvent, error) {
	var out []models.PersonEvent
	err := r.s.do(ctx, "links.ListEvents", func(st *state) error {
		for _, e := range st.lifeEvts {
			if e.PersonID == personID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (r *Links) Reassign(ctx context.Context, fromPerson, toPerson string) (models.LinkCounts, error) {
	var counts models.LinkCounts
	err := r.s.do(ctx, "links.Reassign", func(st *state) error {
		counts.MessagesMoved, counts.MessagesDropped = moveLinks(st.messages, fromPerson, toPerson, func(l *models.PersonMessage) { l.PersonID = toPerson })
		counts.MediaMoved, counts.MediaDropped = moveLinks(st.media, fromPerson, toPerson, func(l *models.PersonMedia) { l.PersonID = toPerson })
		counts.DocumentsMoved, counts.DocumentsDropped = moveLinks(st.documents, fromPerson, toPerson, func(l *models.PersonDocument) { l.PersonID = toPerson })
		for i := range st.lifeEvts {
			if st.lifeEvts[i].PersonID == fromPerson {
				st.lifeEvts[i].PersonID = toPerson
				counts.EventsMoved++
			}
		}
		return nil
	})
	return counts, err
}

func moveLinks[T any](m map[linkKey]T, from, to string, retarget func(*T)) (moved, dropped int64) {
	for k, v := range m {
		if k.personID != from {
			continue
		}
		delete(m, k)
		nk := linkKey{to, k.refID, k.role}
		if _, ok := m[nk]; ok {
			dropped++
			continue
		}
		retarget(&v)
		m[nk] = v
		moved++
	}
	return moved, dropped
}

func (st *state) requirePerson(id string) error {
	if _, ok := st.persons[id]; !ok {
		return clerrors.NewNotFoundError("person %s does not exist", id).WithField("person_id")
	}
	return nil
}
