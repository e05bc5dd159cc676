package personlink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// linkTable describes an association table keyed by person_id plus the columns in keyCols.
type linkTable struct {
	name    string
	keyCols []string
	cols    []string
}

var (
	messages  = linkTable{name: "person_messages", keyCols: []string{"message_id", "role"}, cols: []string{"message_id", "role", "confidence"}}
	media     = linkTable{name: "person_media", keyCols: []string{"media_id"}, cols: []string{"media_id", "evidence", "confidence"}}
	documents = linkTable{name: "person_documents", keyCols: []string{"document_id", "role"}, cols: []string{"document_id", "role", "confidence"}}
)

var eventColumns = []string{"id", "person_id", "happened_at", "kind", "summary", "source_ref", "extra"}

// Repository persists the associations between persons and externally stored messages, media,
// documents and life events.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// LinkMessage records the person's role on a message. Re-linking the same (message, role) is a no-op.
func (r *Repository) LinkMessage(ctx context.Context, link models.PersonMessage) error {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.LinkMessage")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(messages.name)
	ib.Cols("person_id", "message_id", "role", "confidence")
	ib.Values(link.PersonID, link.MessageID, link.Role, link.Confidence)
	ib.OnConflictDoNothing()

	return r.exec(ctx, ib.Build, "failed to link message")
}

func (r *Repository) LinkMedia(ctx context.Context, link models.PersonMedia) error {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.LinkMedia")
	defer span.End()

	if link.Evidence.Data == nil {
		link.Evidence = database.NewJSONB(map[string]any{})
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(media.name)
	ib.Cols("person_id", "media_id", "evidence", "confidence")
	ib.Values(link.PersonID, link.MediaID, link.Evidence, link.Confidence)
	ib.OnConflictDoNothing()

	return r.exec(ctx, ib.Build, "failed to link media")
}

func (r *Repository) LinkDocument(ctx context.Context, link models.PersonDocument) error {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.LinkDocument")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(documents.name)
	ib.Cols("person_id", "document_id", "role", "confidence")
	ib.Values(link.PersonID, link.DocumentID, link.Role, link.Confidence)
	ib.OnConflictDoNothing()

	return r.exec(ctx, ib.Build, "failed to link document")
}

func (r *Repository) AddEvent(ctx context.Context, e *models.PersonEvent) error {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.AddEvent")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.HappenedAt.IsZero() {
		e.HappenedAt = time.Now().UTC()
	}
	if e.Extra.Data == nil {
		e.Extra = database.NewJSONB(map[string]any{})
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("person_events")
	ib.Cols(eventColumns...)
	ib.Values(e.ID, e.PersonID, e.HappenedAt, e.Kind, e.Summary, e.SourceRef, e.Extra)

	return r.exec(ctx, ib.Build, "failed to add person event")
}

func (r *Repository) ListMessages(ctx context.Context, personID string) ([]models.PersonMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.ListMessages")
	defer span.End()

	var out []models.PersonMessage
	err := r.list(ctx, &out, messages.name, []string{"person_id", "message_id", "role", "confidence"}, personID, "message_id")
	return out, err
}

func (r *Repository) ListMedia(ctx context.Context, personID string) ([]models.PersonMedia, error) {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.ListMedia")
	defer span.End()

	var out []models.PersonMedia
	err := r.list(ctx, &out, media.name, []string{"person_id", "media_id", "evidence", "confidence"}, personID, "media_id")
	return out, err
}

func (r *Repository) ListDocuments(ctx context.Context, personID string) ([]models.PersonDocument, error) {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.ListDocuments")
	defer span.End()

	var out []models.PersonDocument
	err := r.list(ctx, &out, documents.name, []string{"person_id", "document_id", "role", "confidence"}, personID, "document_id")
	return out, err
}

func (r *Repository) ListEvents(ctx context.Context, personID string) ([]models.PersonEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.ListEvents")
	defer span.End()

	var out []models.PersonEvent
	err := r.list(ctx, &out, "person_events", eventColumns, personID, "happened_at")
	return out, err
}

// Reassign moves every link of fromPerson to toPerson. Links the target already has are dropped.
func (r *Repository) Reassign(ctx context.Context, fromPerson, toPerson string) (models.LinkCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "personlink.Repository.Reassign")
	defer span.End()

	var counts models.LinkCounts
	var err error

	if counts.MessagesMoved, counts.MessagesDropped, err = r.reassignTable(ctx, messages, fromPerson, toPerson); err != nil {
		return counts, err
	}
	if counts.MediaMoved, counts.MediaDropped, err = r.reassignTable(ctx, media, fromPerson, toPerson); err != nil {
		return counts, err
	}
	if counts.DocumentsMoved, counts.DocumentsDropped, err = r.reassignTable(ctx, documents, fromPerson, toPerson); err != nil {
		return counts, err
	}

	ub := database.NewUpdateBuilder()
	ub.Update("person_events")
	ub.Set(ub.Assign("person_id", toPerson))
	ub.Where(ub.Equal("person_id", fromPerson))

	query, args := ub.Build()
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reassign person events")
		return counts, clerrors.NewStorageError(err, "failed to reassign person events")
	}
	counts.EventsMoved, _ = res.RowsAffected()

	return counts, nil
}

// reassignTable copies the source links onto the target, skipping ones it already has, then removes
// the source rows.
func (r *Repository) reassignTable(ctx context.Context, t linkTable, fromPerson, toPerson string) (moved, dropped int64, err error) {
	conn := r.db.Conn(ctx)

	cols := strings.Join(t.cols, ", ")
	query := fmt.Sprintf(
		"INSERT INTO %s (person_id, %s) SELECT $1, %s FROM %s WHERE person_id = $2 ON CONFLICT (person_id, %s) DO NOTHING",
		t.name, cols, cols, t.name, strings.Join(t.keyCols, ", "),
	)
	args := []any{toPerson, fromPerson}

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": t.name}).Error("Failed to copy links to merge target")
		return 0, 0, clerrors.NewStorageError(err, "failed to reassign %s", t.name)
	}
	moved, _ = res.RowsAffected()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(t.name)
	db.Where(db.Equal("person_id", fromPerson))

	query, args = db.Build()
	res, err = conn.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": t.name}).Error("Failed to remove merged links")
		return moved, 0, clerrors.NewStorageError(err, "failed to reassign %s", t.name)
	}
	removed, _ := res.RowsAffected()

	return moved, removed - moved, nil
}

func (r *Repository) list(ctx context.Context, dest any, table string, cols []string, personID, orderBy string) error {
	sb := database.NewSelectBuilder()
	sb.Select(cols...)
	sb.From(table)
	sb.Where(sb.Equal("person_id", personID))
	sb.OrderBy(orderBy)

	query, args := sb.Build()
	if err := r.db.Conn(ctx).SelectContext(ctx, dest, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table}).Error("Failed to list links")
		return clerrors.NewStorageError(err, "failed to list %s", table)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, build func() (string, []any), msg string) error {
	query, args := build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		if database.IsForeignKeyViolation(err) {
			return clerrors.NewNotFoundError("%s: person does not exist", msg).WithField("person_id")
		}
		r.logger.WithContext(ctx).WithError(err).Error(msg)
		return clerrors.NewStorageError(err, "%s", msg)
	}
	return nil
}
