package identityclaim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newTestRepository(t *testing.T) (*Repository, database.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db := database.NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), logger)
	return NewRepository(db, logger), db, mock
}

func claimRows() *sqlmock.Rows {
	return sqlmock.NewRows(columns)
}

func TestInsert(t *testing.T) {
	t.Run("assigns id and timestamps", func(t *testing.T) {
		repo, _, mock := newTestRepository(t)
		mock.ExpectExec("INSERT INTO identity_claims").WillReturnResult(sqlmock.NewResult(0, 1))

		c := &models.IdentityClaim{PersonID: "p1", Source: "email", Kind: "email", Value: "A@B.com", Canonical: "a@b.com", Confidence: 1}
		require.NoError(t, repo.Insert(context.Background(), c))

		assert.NotEmpty(t, c.ID)
		assert.False(t, c.FirstSeen.IsZero())
		assert.Equal(t, c.FirstSeen, c.LastSeen)
		assert.NotNil(t, c.Extra.Data)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation becomes a conflict", func(t *testing.T) {
		repo, _, mock := newTestRepository(t)
		mock.ExpectExec("INSERT INTO identity_claims").
			WillReturnError(&pq.Error{Code: "23505", Constraint: models.ClaimUniqueConstraint})

		err := repo.Insert(context.Background(), &models.IdentityClaim{PersonID: "p1", Source: "email", Kind: "email", Canonical: "a@b.com"})
		require.Error(t, err)
		assert.True(t, clerrors.IsConflict(err))
		re, _ := clerrors.As(err)
		assert.Equal(t, models.ClaimUniqueConstraint, re.Constraint)
		assert.True(t, database.IsUniqueViolation(err, models.ClaimUniqueConstraint))
	})

	t.Run("other failures are storage errors", func(t *testing.T) {
		repo, _, mock := newTestRepository(t)
		mock.ExpectExec("INSERT INTO identity_claims").WillReturnError(fmt.Errorf("connection reset"))

		err := repo.Insert(context.Background(), &models.IdentityClaim{PersonID: "p1"})
		assert.True(t, clerrors.IsStorage(err))
	})
}

func TestUpsert(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(append(append([]string{}, columns...), "inserted")).
		AddRow("c1", "p1", "email", "email", "a@b.com", "a@b.com", 0.9, now, now, []byte(`{"thread":"x"}`), false)
	mock.ExpectQuery(`INSERT INTO identity_claims .* ON CONFLICT \(person_id, source, canonical\) DO UPDATE SET .*GREATEST\(identity_claims.confidence, EXCLUDED.confidence\).* RETURNING`).
		WillReturnRows(rows)

	c := &models.IdentityClaim{PersonID: "p1", Source: "email", Kind: "email", Value: "a@b.com", Canonical: "a@b.com", Confidence: 0.5}
	inserted, err := repo.Upsert(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, 0.9, c.Confidence)
	assert.Equal(t, "x", c.Extra.Data["thread"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTriple(t *testing.T) {
	t.Run("free slot", func(t *testing.T) {
		repo, _, mock := newTestRepository(t)
		mock.ExpectQuery("SELECT .* FROM identity_claims WHERE person_id = \\$1 AND source = \\$2 AND canonical = \\$3").
			WithArgs("p1", "email", "a@b.com").
			WillReturnRows(claimRows())

		claim, err := repo.FindByTriple(context.Background(), "p1", "email", "a@b.com")
		require.NoError(t, err)
		assert.Nil(t, claim)
	})

	t.Run("occupied slot", func(t *testing.T) {
		repo, _, mock := newTestRepository(t)
		now := time.Now()
		mock.ExpectQuery("SELECT .* FROM identity_claims").
			WillReturnRows(claimRows().AddRow("c1", "p1", "email", "email", "a@b.com", "a@b.com", 1.0, now, now, []byte(`{}`)))

		claim, err := repo.FindByTriple(context.Background(), "p1", "email", "a@b.com")
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, "c1", claim.ID)
	})
}

func TestGetForUpdate(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	mock.ExpectQuery("SELECT .* FROM identity_claims WHERE id = \\$1 AND person_id = \\$2 FOR UPDATE").
		WithArgs("c1", "p1").
		WillReturnRows(claimRows())

	_, err := repo.GetForUpdate(context.Background(), "p1", "c1")
	assert.True(t, clerrors.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMatches(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	mock.ExpectQuery(`SELECT .* FROM identity_claims WHERE \(\(kind = \$1 AND canonical = \$2\) OR \(kind = \$3 AND canonical = \$4\)\) AND source IN \(\$5\)`).
		WithArgs("email", "a@b.com", "phone", "+14155552671", "contacts").
		WillReturnRows(claimRows())

	claims, err := repo.FindMatches(context.Background(), []models.IdentityKey{
		{Kind: "email", Canonical: "a@b.com"},
		{Kind: "phone", Canonical: "+14155552671"},
	}, []string{"contacts"})
	require.NoError(t, err)
	assert.Empty(t, claims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockIdentities(t *testing.T) {
	t.Run("requires a transaction", func(t *testing.T) {
		repo, _, _ := newTestRepository(t)
		err := repo.LockIdentities(context.Background(), []models.IdentityKey{{Kind: "email", Canonical: "a@b.com"}})
		assert.True(t, clerrors.IsStorage(err))
	})

	t.Run("locks each distinct key in ascending order", func(t *testing.T) {
		repo, db, mock := newTestRepository(t)
		keys := []models.IdentityKey{
			{Kind: "email", Canonical: "a@b.com"},
			{Kind: "phone", Canonical: "+14155552671"},
			{Kind: "email", Canonical: "a@b.com"},
		}
		k1 := database.AdvisoryKey("email", "a@b.com")
		k2 := database.AdvisoryKey("phone", "+14155552671")
		if k2 < k1 {
			k1, k2 = k2, k1
		}

		mock.ExpectBegin()
		mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(k1).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(k2).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := db.RunInTx(context.Background(), func(ctx context.Context) error {
			return repo.LockIdentities(ctx, keys)
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReassign(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	mock.ExpectExec("DELETE FROM identity_claims src USING identity_claims dst").
		WithArgs("src", "dst").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE identity_claims SET person_id = \\$1 WHERE person_id = \\$2").
		WithArgs("dst", "src").
		WillReturnResult(sqlmock.NewResult(0, 3))

	moved, dropped, err := repo.Reassign(context.Background(), "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved)
	assert.Equal(t, int64(1), dropped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	mock.ExpectExec("DELETE FROM identity_claims WHERE id = \\$1 AND person_id = \\$2").
		WithArgs("c1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "p1", "c1")
	assert.True(t, clerrors.IsNotFound(err))
}

func TestTouchLastSeen(t *testing.T) {
	repo, _, mock := newTestRepository(t)
	at := time.Now().UTC()
	mock.ExpectExec(`UPDATE identity_claims SET last_seen = GREATEST\(last_seen, \$1\) WHERE id IN \(\$2, \$3\)`).
		WithArgs(at, "c1", "c2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.TouchLastSeen(context.Background(), []string{"c1", "c2"}, at))
	require.NoError(t, repo.TouchLastSeen(context.Background(), nil, at))
	require.NoError(t, mock.ExpectationsWereMet())
}
