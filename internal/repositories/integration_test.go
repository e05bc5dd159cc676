//go:build integration

package repositories_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/internal/repositories/identityclaim"
	"github.com/Ramsey-B/clover/internal/repositories/person"
	"github.com/Ramsey-B/clover/internal/repositories/personlink"
	"github.com/Ramsey-B/clover/internal/repositories/resolutionevent"
	"github.com/Ramsey-B/clover/pkg/claims"
	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/validation"
)

type engines struct {
	db       database.DB
	claims   *identityclaim.Repository
	links    *personlink.Repository
	resolver *resolver.Resolver
	writes   *claims.Service
	merger   *merging.Merger
}

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "clover",
				"POSTGRES_PASSWORD": "clover",
				"POSTGRES_DB":       "clover",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	conn, err := sqlx.Connect("postgres", fmt.Sprintf("postgres://clover:clover@%s:%s/clover?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func setup(t *testing.T) *engines {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test")
	}

	conn := startPostgres(t)
	logger := getTestLogger()

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(conn.DB, "clover"))

	db := database.NewDatabaseInstance(conn, logger)
	persons := person.NewRepository(db, logger)
	claimRepo := identityclaim.NewRepository(db, logger)
	links := personlink.NewRepository(db, logger)
	audit := resolutionevent.NewRepository(db, logger)
	norm := normalizers.New("US")

	return &engines{
		db:       db,
		claims:   claimRepo,
		links:    links,
		resolver: resolver.New(persons, claimRepo, db, norm, events.Nop{}, logger),
		writes:   claims.NewService(persons, claimRepo, db, validation.New(norm), events.Nop{}, logger),
		merger:   merging.NewMerger(persons, claimRepo, links, audit, db, events.Nop{}, logger),
	}
}

func count(t *testing.T, db database.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.GetContext(context.Background(), &n, "SELECT count(*) FROM "+table))
	return n
}

func TestPostgresResolution(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	t.Run("repeat observations resolve to one person", func(t *testing.T) {
		obs := []models.Observation{{Source: "contacts", Kind: "email", Value: "Repeat@Example.com"}}
		first, err := e.resolver.LinkOrCreate(ctx, obs, models.LinkOptions{DisplayNameHint: "Repeat"})
		require.NoError(t, err)
		second, err := e.resolver.LinkOrCreate(ctx, obs, models.LinkOptions{})
		require.NoError(t, err)

		assert.True(t, first.IsNew)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.Person.ID, second.Person.ID)

		held, err := e.claims.ListByPerson(ctx, first.Person.ID)
		require.NoError(t, err)
		assert.Len(t, held, 1)
	})

	t.Run("concurrent first sightings create one person", func(t *testing.T) {
		before := count(t, e.db, "persons")
		obs := []models.Observation{{Source: "imessage", Kind: "phone", Value: "+1 415 555 0199"}}

		const workers = 12
		ids := make([]string, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := e.resolver.LinkOrCreate(ctx, obs, models.LinkOptions{})
				errs[i] = err
				if err == nil {
					ids[i] = res.Person.ID
				}
			}(i)
		}
		wg.Wait()

		for i := range errs {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
		assert.Equal(t, before+1, count(t, e.db, "persons"))
	})

	t.Run("duplicate manual claim hits the unique constraint", func(t *testing.T) {
		created, err := e.writes.CreatePerson(ctx, models.CreatePersonRequest{DisplayName: "Dup Tester"})
		require.NoError(t, err)

		req := models.CreateClaimRequest{PersonID: created.Person.ID, Kind: "email", Value: "dup@example.com", Source: "manual"}
		_, err = e.writes.CreateClaim(ctx, req)
		require.NoError(t, err)

		_, err = e.writes.CreateClaim(ctx, req)
		re, ok := clerrors.As(err)
		require.True(t, ok)
		assert.Equal(t, clerrors.KindConflict, re.Kind)

		// the storage constraint itself rejects a write that skips the pre-check
		err = e.claims.Insert(ctx, &models.IdentityClaim{
			PersonID: created.Person.ID, Source: "manual", Kind: "email",
			Value: "DUP@example.com", Canonical: "dup@example.com", Confidence: 1,
			Extra: database.NewJSONB(map[string]any{}),
		})
		re, ok = clerrors.As(err)
		require.True(t, ok)
		assert.Equal(t, models.ClaimUniqueConstraint, re.Constraint)
	})

	t.Run("merge moves claims and links and follows the survivor", func(t *testing.T) {
		src, err := e.resolver.LinkOrCreate(ctx, []models.Observation{{Source: "email", Kind: "email", Value: "src@example.com"}}, models.LinkOptions{DisplayNameHint: "Source"})
		require.NoError(t, err)
		dst, err := e.resolver.LinkOrCreate(ctx, []models.Observation{{Source: "email", Kind: "email", Value: "dst@example.com"}}, models.LinkOptions{DisplayNameHint: "Target"})
		require.NoError(t, err)
		require.NoError(t, e.links.LinkMessage(ctx, models.PersonMessage{PersonID: src.Person.ID, MessageID: "msg-1", Role: "sender", Confidence: 1}))

		res, err := e.merger.Merge(ctx, models.MergeRequest{SourceID: src.Person.ID, TargetID: dst.Person.ID, Actor: "integration"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.ClaimsMoved)
		assert.Equal(t, int64(1), res.Links.MessagesMoved)

		held, err := e.claims.ListByPerson(ctx, dst.Person.ID)
		require.NoError(t, err)
		assert.Len(t, held, 2)

		survivor, err := e.resolver.ResolveSelector(ctx, models.Selector{ID: src.Person.ID})
		require.NoError(t, err)
		assert.Equal(t, dst.Person.ID, survivor.ID)

		_, err = e.merger.Merge(ctx, models.MergeRequest{SourceID: src.Person.ID, TargetID: dst.Person.ID})
		assert.True(t, clerrors.IsConflict(err))
	})
}
