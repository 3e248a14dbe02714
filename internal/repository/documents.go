package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okezie-m/studypipe/constants"
	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/entity"
)

// ErrStaleStatus means the document's status changed under the caller before
// its conditional transition landed. Transitions never read-modify-write
// without this compare step.
var ErrStaleStatus = errors.New("document status changed concurrently")

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	// Transition moves a document from->to, appending a history row in the
	// same transaction. ErrStaleStatus when the document is no longer in
	// `from`.
	Transition(ctx context.Context, id uuid.UUID, from, to constants.DocumentStatus) error
	// SetParseOutcome records the parse stage's metadata while the document
	// is still in parsing; the OCR decision is resolved exactly once here.
	SetParseOutcome(ctx context.Context, id uuid.UUID, needsOCR bool, pageCount int) error
	// MarkFailed moves a non-terminal document sideways into failed, storing
	// the terminally failed job's error.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	// ResetForRetry moves a failed document back to the stage that failed,
	// clearing last_error.
	ResetForRetry(ctx context.Context, id uuid.UUID, to constants.DocumentStatus) error
	History(ctx context.Context, id uuid.UUID) ([]*entity.StatusChange, error)
	ListRecent(ctx context.Context, limit int) ([]*entity.Document, error)
}

type documentRepo struct {
	db  *DB
	log *slog.Logger
}

func NewDocumentRepository(db *DB, log *slog.Logger) DocumentRepository {
	if log == nil {
		log = slog.Default()
	}
	return &documentRepo{db: db, log: log}
}

const documentColumns = `id, user_id, title, source_uri, content_type, status,
	needs_ocr, page_count, last_error, created_at, updated_at`

func (r *documentRepo) Create(ctx context.Context, doc *entity.Document) error {
	now := time.Now().UTC()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.Status = constants.DocUploaded
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := r.db.rebind(`INSERT INTO documents
		(id, user_id, title, source_uri, content_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.sqldb.ExecContext(ctx, query,
		doc.ID.String(), doc.UserID.String(), doc.Title, doc.SourceURI,
		doc.ContentType, string(doc.Status), toMillis(now), toMillis(now))
	if err != nil {
		r.log.Error("documents.create.failed", "document_id", doc.ID, "error", err)
		return err
	}
	r.log.Info("documents.created", "document_id", doc.ID, "user_id", doc.UserID)
	return nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	query := r.db.rebind(`SELECT ` + documentColumns + ` FROM documents WHERE id = ?`)
	doc, err := scanDocument(r.db.sqldb.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return doc, err
}

func (r *documentRepo) Transition(ctx context.Context, id uuid.UUID, from, to constants.DocumentStatus) error {
	return r.transition(ctx, id, from, to, func(tx *sql.Tx, now time.Time) (sql.Result, error) {
		query := r.db.rebind(`UPDATE documents
			SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		return tx.ExecContext(ctx, query, string(to), toMillis(now), id.String(), string(from))
	})
}

func (r *documentRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if constants.IsTerminalDocumentStatus(doc.Status) {
		return ErrStaleStatus
	}
	return r.transition(ctx, id, doc.Status, constants.DocFailed, func(tx *sql.Tx, now time.Time) (sql.Result, error) {
		query := r.db.rebind(`UPDATE documents
			SET status = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		return tx.ExecContext(ctx, query,
			string(constants.DocFailed), lastError, toMillis(now), id.String(), string(doc.Status))
	})
}

func (r *documentRepo) ResetForRetry(ctx context.Context, id uuid.UUID, to constants.DocumentStatus) error {
	return r.transition(ctx, id, constants.DocFailed, to, func(tx *sql.Tx, now time.Time) (sql.Result, error) {
		query := r.db.rebind(`UPDATE documents
			SET status = ?, last_error = NULL, updated_at = ?
			WHERE id = ? AND status = 'failed'`)
		return tx.ExecContext(ctx, query, string(to), toMillis(now), id.String())
	})
}

// transition runs the conditional status update and, when it wins, appends
// the history row in the same transaction so no observer ever sees a status
// without its history entry.
func (r *documentRepo) transition(ctx context.Context, id uuid.UUID, from, to constants.DocumentStatus, update func(tx *sql.Tx, now time.Time) (sql.Result, error)) error {
	now := time.Now().UTC()
	tx, err := r.db.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := update(tx, now)
	if err != nil {
		r.log.Error("documents.transition.failed", "document_id", id, "from", from, "to", to, "error", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStaleStatus
	}

	histQuery := r.db.rebind(`INSERT INTO document_status_history
		(id, document_id, from_status, to_status, at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, histQuery,
		uuid.New().String(), id.String(), string(from), string(to), toMillis(now)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.log.Info("documents.transitioned", "document_id", id, "from", from, "to", to)
	return nil
}

func (r *documentRepo) SetParseOutcome(ctx context.Context, id uuid.UUID, needsOCR bool, pageCount int) error {
	now := time.Now().UTC()
	flag := 0
	if needsOCR {
		flag = 1
	}
	query := r.db.rebind(`UPDATE documents
		SET needs_ocr = ?, page_count = ?, updated_at = ?
		WHERE id = ? AND status = 'parsing' AND needs_ocr IS NULL`)
	res, err := r.db.sqldb.ExecContext(ctx, query,
		flag, pageCount, toMillis(now), id.String())
	if err != nil {
		r.log.Error("documents.parse_outcome.failed", "document_id", id, "error", err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Already resolved by an earlier run of the same parse job; the
		// decision is made once and never re-evaluated.
		return nil
	}
	r.log.Info("documents.parse_outcome", "document_id", id, "needs_ocr", needsOCR, "page_count", pageCount)
	return nil
}

func (r *documentRepo) History(ctx context.Context, id uuid.UUID) ([]*entity.StatusChange, error) {
	query := r.db.rebind(`SELECT document_id, from_status, to_status, at
		FROM document_status_history
		WHERE document_id = ?
		ORDER BY at ASC, id ASC`)
	rows, err := r.db.sqldb.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*entity.StatusChange
	for rows.Next() {
		var (
			docID, from, to string
			at              int64
		)
		if err := rows.Scan(&docID, &from, &to, &at); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(docID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, &entity.StatusChange{
			DocumentID: parsed,
			From:       constants.DocumentStatus(from),
			To:         constants.DocumentStatus(to),
			At:         fromMillis(at),
		})
	}
	return changes, rows.Err()
}

func (r *documentRepo) ListRecent(ctx context.Context, limit int) ([]*entity.Document, error) {
	if limit <= 0 {
		limit = 500
	}
	query := r.db.rebind(`SELECT ` + documentColumns + ` FROM documents
		ORDER BY created_at DESC
		LIMIT ?`)
	rows, err := r.db.sqldb.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row rowScanner) (*entity.Document, error) {
	var (
		id, userID, status   string
		needsOCR, pageCount  sql.NullInt64
		lastErr              sql.NullString
		createdAt, updatedAt int64
		doc                  entity.Document
	)
	err := row.Scan(&id, &userID, &doc.Title, &doc.SourceURI, &doc.ContentType,
		&status, &needsOCR, &pageCount, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	doc.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	doc.UserID, err = uuid.Parse(userID)
	if err != nil {
		return nil, err
	}
	doc.Status = constants.DocumentStatus(status)
	doc.NeedsOCR = fromNullBoolInt(needsOCR)
	doc.PageCount = fromNullInt(pageCount)
	doc.LastError = fromNullString(lastErr)
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)
	return &doc, nil
}
