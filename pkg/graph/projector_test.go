package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeWriter struct {
	batches [][]Statement
	err     error
}

func (w *fakeWriter) ExecuteWrite(_ context.Context, stmts []Statement) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, stmts)
	return nil
}

func newTestProjector(w Writer) *Projector {
	return NewProjector(w, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestStatementsFor(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	claim := &models.IdentityClaim{ID: "c1", PersonID: "p1", Source: "contacts", Kind: "email", Value: "A@x.com", Canonical: "a@x.com", Confidence: 0.9, LastSeen: ts}

	tests := []struct {
		name    string
		evt     events.Event
		queries []string
	}{
		{"person created", events.Event{Type: events.PersonCreated, PersonID: "p1", Person: &models.Person{ID: "p1", DisplayName: "Ada"}}, []string{upsertPerson}},
		{"person renamed", events.Event{Type: events.PersonUpdated, PersonID: "p1", Person: &models.Person{ID: "p1", DisplayName: "Ada L"}}, []string{upsertPerson}},
		{"claim created", events.Event{Type: events.ClaimCreated, PersonID: "p1", Claim: claim}, []string{upsertClaim}},
		{"claim updated", events.Event{Type: events.ClaimUpdated, PersonID: "p1", Claim: claim}, []string{dropStaleClaim, upsertClaim}},
		{"claim removed", events.Event{Type: events.ClaimRemoved, PersonID: "p1", Claim: claim}, []string{removeClaim}},
		{"merge", events.Event{Type: events.PersonMerged, PersonID: "p2", FromPersonID: "p1", Actor: "reviewer"}, []string{mergePersons, moveClaims}},
		{"missing payload", events.Event{Type: events.ClaimCreated, PersonID: "p1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.evt.Timestamp = ts
			stmts := statementsFor(tt.evt)
			require.Len(t, stmts, len(tt.queries))
			for i, q := range tt.queries {
				assert.Equal(t, q, stmts[i].Cypher)
			}
		})
	}

	t.Run("merge parameters point from source to target", func(t *testing.T) {
		stmts := statementsFor(events.Event{Type: events.PersonMerged, PersonID: "p2", FromPersonID: "p1", Actor: "reviewer", Timestamp: ts})
		assert.Equal(t, "p1", stmts[0].Params["from_id"])
		assert.Equal(t, "p2", stmts[0].Params["to_id"])
		assert.Equal(t, "2024-03-01T12:00:00Z", stmts[0].Params["ts"])
	})

	t.Run("claim parameters carry the identity key", func(t *testing.T) {
		stmts := statementsFor(events.Event{Type: events.ClaimCreated, PersonID: "p1", Claim: claim})
		assert.Equal(t, "email", stmts[0].Params["kind"])
		assert.Equal(t, "a@x.com", stmts[0].Params["canonical"])
		assert.Equal(t, "contacts", stmts[0].Params["source"])
	})
}

func TestProjectorHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("writes all statements in one batch", func(t *testing.T) {
		w := &fakeWriter{}
		p := newTestProjector(w)
		assert.Equal(t, "graph", p.Name())

		err := p.Handle(ctx, []events.Event{
			{Type: events.PersonCreated, PersonID: "p1", Person: &models.Person{ID: "p1"}},
			{Type: events.ClaimCreated, PersonID: "p1", Claim: &models.IdentityClaim{ID: "c1", PersonID: "p1"}},
		})
		require.NoError(t, err)
		require.Len(t, w.batches, 1)
		assert.Len(t, w.batches[0], 2)
	})

	t.Run("nothing to project skips the write", func(t *testing.T) {
		w := &fakeWriter{}
		require.NoError(t, newTestProjector(w).Handle(ctx, []events.Event{{Type: events.ClaimRemoved}}))
		assert.Empty(t, w.batches)
	})

	t.Run("returns write failures", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("bolt: connection refused")}
		err := newTestProjector(w).Handle(ctx, []events.Event{{Type: events.PersonMerged, PersonID: "p2", FromPersonID: "p1"}})
		assert.ErrorContains(t, err, "connection refused")
	})
}
