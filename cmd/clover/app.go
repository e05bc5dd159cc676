package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/identityclaim"
	"github.com/Ramsey-B/clover/internal/repositories/person"
	"github.com/Ramsey-B/clover/internal/repositories/personlink"
	"github.com/Ramsey-B/clover/internal/repositories/resolutionevent"
	"github.com/Ramsey-B/clover/pkg/claims"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/validation"
)

// app holds the wired engines over one postgres pool.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger
	sqlx   *sqlx.DB
	db     database.DB

	emitter    *events.Emitter
	normalizer *normalizers.Normalizer
	validator  *validation.Validator
	resolver   *resolver.Resolver
	claims     *claims.Service
	merger     *merging.Merger
}

func dsn(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)
}

func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.DatabaseDriver, dsn(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

// newApp wires repositories into the engines. Sinks are added to the emitter by the caller.
func newApp(cfg *config.Config, logger ectologger.Logger) (*app, error) {
	conn, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	db := database.NewDatabaseInstance(conn, logger)

	persons := person.NewRepository(db, logger)
	claimRepo := identityclaim.NewRepository(db, logger)
	links := personlink.NewRepository(db, logger)
	audit := resolutionevent.NewRepository(db, logger)

	norm := normalizers.New(cfg.DefaultRegion)
	v := validation.New(norm)
	emitter := events.NewEmitter(logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		sqlx:       conn,
		db:         db,
		emitter:    emitter,
		normalizer: norm,
		validator:  v,
		resolver:   resolver.New(persons, claimRepo, db, norm, emitter, logger),
		claims:     claims.NewService(persons, claimRepo, db, v, emitter, logger),
		merger:     merging.NewMerger(persons, claimRepo, links, audit, db, emitter, logger),
	}, nil
}

func (a *app) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.db.PingContext(ctx)
}

func (a *app) migrate(version uint, force int) error {
	svc := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             version,
		Force:               force,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return svc.MigratePostgres(a.sqlx.DB, a.cfg.DatabaseName)
}

func (a *app) close() error {
	return a.sqlx.Close()
}
