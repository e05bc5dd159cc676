package merging

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil/memstore"
	appctx "github.com/Ramsey-B/clover/pkg/context"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fixture struct {
	store    *memstore.Store
	merger   *Merger
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := memstore.New()
	rec := &events.Recorder{}
	return &fixture{
		store:    store,
		recorder: rec,
		merger:   NewMerger(store.Persons(), store.Claims(), store.Links(), store.Audit(), store, rec, logger),
	}
}

func (f *fixture) person(t *testing.T, name string, claims ...[2]string) *models.Person {
	t.Helper()
	ctx := context.Background()
	p := &models.Person{DisplayName: name}
	require.NoError(t, f.store.Persons().Create(ctx, p))
	for _, c := range claims {
		require.NoError(t, f.store.Claims().Insert(ctx, &models.IdentityClaim{
			PersonID: p.ID, Source: c[0], Kind: "email", Value: c[1], Canonical: c[1], Confidence: 1,
		}))
	}
	return p
}

func TestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("moves claims and links and records one event", func(t *testing.T) {
		f := newFixture(t)
		src := f.person(t, "Source", [2]string{"email", "a@x.com"}, [2]string{"contacts", "a@x.com"})
		dst := f.person(t, "Target", [2]string{"email", "b@x.com"})

		links := f.store.Links()
		require.NoError(t, links.LinkMessage(ctx, models.PersonMessage{PersonID: src.ID, MessageID: "m1", Role: "sender", Confidence: 1}))
		require.NoError(t, links.LinkMessage(ctx, models.PersonMessage{PersonID: src.ID, MessageID: "m2", Role: "sender", Confidence: 1}))
		require.NoError(t, links.LinkMessage(ctx, models.PersonMessage{PersonID: dst.ID, MessageID: "m2", Role: "sender", Confidence: 1}))
		require.NoError(t, links.LinkMedia(ctx, models.PersonMedia{PersonID: src.ID, MediaID: "photo-1", Confidence: 0.8}))
		require.NoError(t, links.LinkDocument(ctx, models.PersonDocument{PersonID: src.ID, DocumentID: "d1", Role: "author", Confidence: 1}))
		require.NoError(t, links.AddEvent(ctx, &models.PersonEvent{PersonID: src.ID, Kind: "birthday", Summary: "born"}))

		res, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: src.ID, TargetID: dst.ID, Actor: "reviewer", Reason: "same email owner"})
		require.NoError(t, err)

		assert.Equal(t, int64(2), res.ClaimsMoved)
		assert.Zero(t, res.ClaimsDropped)
		assert.Equal(t, int64(1), res.Links.MessagesMoved)
		assert.Equal(t, int64(1), res.Links.MessagesDropped)
		assert.Equal(t, int64(1), res.Links.MediaMoved)
		assert.Equal(t, int64(1), res.Links.DocumentsMoved)
		assert.Equal(t, int64(1), res.Links.EventsMoved)

		for _, c := range f.store.AllClaims() {
			assert.Equal(t, dst.ID, c.PersonID)
		}
		srcClaims, err := f.store.Claims().CountByPerson(ctx, src.ID)
		require.NoError(t, err)
		assert.Zero(t, srcClaims)

		msgs, err := links.ListMessages(ctx, dst.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		target, err := f.store.Persons().Get(ctx, dst.ID)
		require.NoError(t, err)
		assert.Contains(t, []string(target.MergedFrom), src.ID)

		absorbed, err := f.store.Persons().Get(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, dst.ID, absorbed.MergedInto())
		assert.NotEmpty(t, absorbed.Extra.Data[models.MetaMergedAt])

		evts, err := f.store.Audit().ListByPerson(ctx, src.ID)
		require.NoError(t, err)
		require.Len(t, evts, 1)
		assert.Equal(t, models.ActionMerge, evts[0].Action)
		assert.Equal(t, "reviewer", evts[0].Actor)
		assert.Equal(t, "same email owner", evts[0].Reason)
		assert.Equal(t, 2, evts[0].ScoreSnapshot.Data["source_claims"])
		assert.Equal(t, 1, evts[0].ScoreSnapshot.Data["target_claims"])

		require.Len(t, f.recorder.Events, 1)
		assert.Equal(t, events.PersonMerged, f.recorder.Events[0].Type)
		assert.Equal(t, src.ID, f.recorder.Events[0].FromPersonID)
	})

	t.Run("returns and publishes the source of a fresh merge", func(t *testing.T) {
		f := newFixture(t)
		src := f.person(t, "Bob Jones")
		dst := f.person(t, "Robert Smith")

		var res *models.MergeResult
		require.NotPanics(t, func() {
			var err error
			res, err = f.merger.Merge(appctx.SetActor(ctx, "cli-user"), models.MergeRequest{SourceID: src.ID, TargetID: dst.ID})
			require.NoError(t, err)
		})

		assert.Equal(t, dst.ID, res.Target.ID)
		require.NotNil(t, res.Event.FromPersonID)
		assert.Equal(t, src.ID, *res.Event.FromPersonID)
		assert.Equal(t, "cli-user", res.Event.Actor)

		require.Len(t, f.recorder.Events, 1)
		published := f.recorder.Events[0]
		assert.Equal(t, events.PersonMerged, published.Type)
		assert.Equal(t, src.ID, published.FromPersonID)
		assert.Equal(t, dst.ID, published.PersonID)
		assert.Equal(t, "cli-user", published.Actor)
	})

	t.Run("drops claims the target already holds", func(t *testing.T) {
		f := newFixture(t)
		src := f.person(t, "Source", [2]string{"email", "same@x.com"}, [2]string{"email", "only@x.com"})
		dst := f.person(t, "Target", [2]string{"email", "same@x.com"})

		res, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: src.ID, TargetID: dst.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.ClaimsMoved)
		assert.Equal(t, int64(1), res.ClaimsDropped)
		assert.Len(t, f.store.AllClaims(), 2)
		assert.Equal(t, appctx.SystemActor, res.Event.Actor)
	})

	t.Run("carries forward earlier merges", func(t *testing.T) {
		f := newFixture(t)
		a := f.person(t, "A")
		b := f.person(t, "B")
		c := f.person(t, "C")

		_, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: a.ID, TargetID: b.ID})
		require.NoError(t, err)
		res, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: b.ID, TargetID: c.ID})
		require.NoError(t, err)

		assert.Equal(t, []string{b.ID, a.ID}, []string(res.Target.MergedFrom))
	})

	t.Run("rejects a repeat merge", func(t *testing.T) {
		f := newFixture(t)
		src := f.person(t, "Source", [2]string{"email", "a@x.com"})
		dst := f.person(t, "Target")

		_, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: src.ID, TargetID: dst.ID})
		require.NoError(t, err)
		_, err = f.merger.Merge(ctx, models.MergeRequest{SourceID: src.ID, TargetID: dst.ID})
		require.Error(t, err)
		assert.True(t, clerrors.IsConflict(err))

		_, _, auditEvents := f.store.Counts()
		assert.Equal(t, 1, auditEvents)
		target, err := f.store.Persons().Get(ctx, dst.ID)
		require.NoError(t, err)
		assert.Len(t, target.MergedFrom, 1)
	})

	t.Run("rejects merging into an absorbed person", func(t *testing.T) {
		f := newFixture(t)
		a := f.person(t, "A")
		b := f.person(t, "B")
		c := f.person(t, "C")
		_, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: b.ID, TargetID: c.ID})
		require.NoError(t, err)

		_, err = f.merger.Merge(ctx, models.MergeRequest{SourceID: a.ID, TargetID: b.ID})
		re, ok := clerrors.As(err)
		require.True(t, ok)
		assert.Equal(t, "target_id", re.Field)
	})

	t.Run("names the failed precondition", func(t *testing.T) {
		f := newFixture(t)
		p := f.person(t, "P")

		tests := []struct {
			name  string
			req   models.MergeRequest
			kind  clerrors.Kind
			field string
		}{
			{"same person", models.MergeRequest{SourceID: p.ID, TargetID: p.ID}, clerrors.KindValidation, "target_id"},
			{"missing source", models.MergeRequest{SourceID: "zzz-missing", TargetID: p.ID}, clerrors.KindNotFound, "source_id"},
			{"missing target", models.MergeRequest{SourceID: p.ID, TargetID: "zzz-missing"}, clerrors.KindNotFound, "target_id"},
			{"empty source", models.MergeRequest{TargetID: p.ID}, clerrors.KindValidation, "source_id"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.merger.Merge(ctx, tt.req)
				re, ok := clerrors.As(err)
				require.True(t, ok)
				assert.Equal(t, tt.kind, re.Kind)
				assert.Equal(t, tt.field, re.Field)
			})
		}
	})

	t.Run("audit failure rolls back the whole merge", func(t *testing.T) {
		f := newFixture(t)
		src := f.person(t, "Source", [2]string{"email", "a@x.com"})
		dst := f.person(t, "Target")
		require.NoError(t, f.store.Links().LinkMessage(ctx, models.PersonMessage{PersonID: src.ID, MessageID: "m1", Role: "sender"}))
		f.store.FailOn("audit.Create", clerrors.NewStorageError(nil, "audit table unavailable"))

		_, err := f.merger.Merge(ctx, models.MergeRequest{SourceID: src.ID, TargetID: dst.ID})
		assert.True(t, clerrors.IsStorage(err))

		claims := f.store.AllClaims()
		require.Len(t, claims, 1)
		assert.Equal(t, src.ID, claims[0].PersonID)

		msgs, err := f.store.Links().ListMessages(ctx, src.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		target, err := f.store.Persons().Get(ctx, dst.ID)
		require.NoError(t, err)
		assert.Empty(t, target.MergedFrom)
		absorbed, err := f.store.Persons().Get(ctx, src.ID)
		require.NoError(t, err)
		assert.False(t, absorbed.IsMerged())
		assert.Empty(t, f.recorder.Events)
	})
}

func TestMergedHistory(t *testing.T) {
	src := &models.Person{ID: "s", MergedFrom: []string{"x", "t0"}}
	assert.Equal(t, []string{"t0", "s", "x"}, mergedHistory([]string{"t0"}, src))
}
