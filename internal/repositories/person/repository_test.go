package person

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewRepository(database.NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), logger), logger), mock
}

func TestCreate(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectExec("INSERT INTO persons \\(id, display_name, org, created_at, merged_from, extra\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := &models.Person{DisplayName: "Jane"}
	require.NoError(t, repo.Create(context.Background(), p))
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())
	assert.NotNil(t, p.MergedFrom)
	assert.NotNil(t, p.Extra.Data)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery("SELECT .* FROM persons WHERE id = \\$1").
			WithArgs("p1").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("p1", "Jane", nil, time.Now(), "{p0}", []byte(`{"merged_into":"p9"}`)))

		p, err := repo.Get(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, "Jane", p.DisplayName)
		assert.Nil(t, p.Org)
		assert.Equal(t, []string{"p0"}, []string(p.MergedFrom))
		assert.True(t, p.IsMerged())
		assert.Equal(t, "p9", p.MergedInto())
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery("SELECT .* FROM persons WHERE id = \\$1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows(columns))

		_, err := repo.GetForUpdate(context.Background(), "nope")
		assert.True(t, clerrors.IsNotFound(err))
	})
}

func TestSearchByDisplayName(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery("SELECT .* FROM persons WHERE display_name ILIKE \\$1 ORDER BY created_at LIMIT").
		WillReturnRows(sqlmock.NewRows(columns))

	persons, err := repo.SearchByDisplayName(context.Background(), "jan", 10)
	require.NoError(t, err)
	assert.Empty(t, persons)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdates(t *testing.T) {
	t.Run("display name on missing person", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec("UPDATE persons SET display_name = \\$1 WHERE id = \\$2").
			WithArgs("Jane", "p1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.True(t, clerrors.IsNotFound(repo.UpdateDisplayName(context.Background(), "p1", "Jane")))
	})

	t.Run("merge extra", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec("UPDATE persons SET extra = extra \\|\\| \\$1 WHERE id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MergeExtra(context.Background(), "p1", map[string]any{models.MetaMergedInto: "p2"}))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("merged_from", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec("UPDATE persons SET merged_from = \\$1 WHERE id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateMergedFrom(context.Background(), "p1", []string{"p2", "p3"}))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
