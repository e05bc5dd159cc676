// Package memstore is an in-memory stand-in for the postgres repositories. It serializes every
// transaction behind one mutex and restores a snapshot when a transaction or savepoint fails, which is
// enough to reproduce the constraint and rollback behavior the engines rely on.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

type txKey struct{}

type linkKey struct {
	personID string
	refID    string
	role     string
}

type state struct {
	persons   map[string]*models.Person
	claims    map[string]*models.IdentityClaim
	events    []*models.ResolutionEvent
	messages  map[linkKey]models.PersonMessage
	media     map[linkKey]models.PersonMedia
	documents map[linkKey]models.PersonDocument
	lifeEvts  []models.PersonEvent
	last      time.Time
}

// Store holds all tables. Use the Persons, Claims, Audit and Links views as repositories.
type Store struct {
	mu    sync.Mutex
	st    *state
	fails map[string]error
	// hidden counts FindByTriple calls that report a free slot regardless of contents.
	hidden int
}

func New() *Store {
	return &Store{
		st: &state{
			persons:   map[string]*models.Person{},
			claims:    map[string]*models.IdentityClaim{},
			messages:  map[linkKey]models.PersonMessage{},
			media:     map[linkKey]models.PersonMedia{},
			documents: map[linkKey]models.PersonDocument{},
		},
		fails: map[string]error{},
	}
}

// FailOn makes the named operation (e.g. "audit.Create") return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, op)
		return
	}
	s.fails[op] = err
}

// HidePrecheck makes the next n FindByTriple calls miss, as if a concurrent writer had not committed yet.
func (s *Store) HidePrecheck(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = n
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn under the store lock unless ctx already holds it through RunInTx.
func (s *Store) do(ctx context.Context, op string, fn func(st *state) error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err := s.fails[op]; err != nil {
		return err
	}
	return fn(s.st)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !s.inTx(ctx) {
		return fmt.Errorf("savepoint %s requires an open transaction", name)
	}
	snapshot := s.st.clone()
	if err := fn(ctx); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (st *state) clone() *state {
	out := &state{
		persons:   make(map[string]*models.Person, len(st.persons)),
		claims:    make(map[string]*models.IdentityClaim, len(st.claims)),
		events:    append([]*models.ResolutionEvent(nil), st.events...),
		messages:  make(map[linkKey]models.PersonMessage, len(st.messages)),
		media:     make(map[linkKey]models.PersonMedia, len(st.media)),
		documents: make(map[linkKey]models.PersonDocument, len(st.documents)),
		lifeEvts:  append([]models.PersonEvent(nil), st.lifeEvts...),
		last:      st.last,
	}
	for k, v := range st.persons {
		out.persons[k] = clonePerson(v)
	}
	for k, v := range st.claims {
		out.claims[k] = cloneClaim(v)
	}
	for k, v := range st.messages {
		out.messages[k] = v
	}
	for k, v := range st.media {
		out.media[k] = v
	}
	for k, v := range st.documents {
		out.documents[k] = v
	}
	return out
}

func clonePerson(p *models.Person) *models.Person {
	c := *p
	c.MergedFrom = append([]string(nil), p.MergedFrom...)
	c.Extra = database.NewJSONB(cloneMap(p.Extra.Data))
	if p.Org != nil {
		org := *p.Org
		c.Org = &org
	}
	return &c
}

func cloneClaim(cl *models.IdentityClaim) *models.IdentityClaim {
	c := *cl
	c.Extra = database.NewJSONB(cloneMap(cl.Extra.Data))
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Counts reports table sizes.
func (s *Store) Counts() (persons, claims, events int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.persons), len(s.st.claims), len(s.st.events)
}

// AllClaims returns every claim ordered by insertion.
func (s *Store) AllClaims() []*models.IdentityClaim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.sortedClaims(func(*models.IdentityClaim) bool { return true })
}

func (st *state) sortedClaims(keep func(*models.IdentityClaim) bool) []*models.IdentityClaim {
	out := make([]*models.IdentityClaim, 0)
	for _, c := range st.claims {
		if keep(c) {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *state) occupied(personID, source, canonical, exceptID string) *models.IdentityClaim {
	for _, c := range st.claims {
		if c.ID != exceptID && c.PersonID == personID && c.Source == source && c.Canonical == canonical {
			return c
		}
	}
	return nil
}

// tick returns the current time, strictly after any time it returned before.
func (st *state) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(st.last) {
		now = st.last.Add(time.Nanosecond)
	}
	st.last = now
	return now
}

func conflict(c *models.IdentityClaim) error {
	return clerrors.NewConflictError(models.ClaimUniqueConstraint,
		"identity claim already exists for person %s on source %s", c.PersonID, c.Source).
		WithField("canonical")
}

func containsFold(s, q string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(q))
}
