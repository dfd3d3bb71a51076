package repo

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"ariex/internal/domain"
)

const documentColumns = "id,agreement_id,todo_id,kind,name,upload_status,acceptance_status,signed,signed_at,temporary,created_at,updated_at"

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var todoID, acceptance, signedAt sql.NullString
	var signed, temporary int
	err := row.Scan(&d.ID, &d.AgreementID, &todoID, &d.Kind, &d.Name, &d.UploadStatus, &acceptance, &signed, &signedAt, &temporary, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.TodoID = stringPtr(todoID)
	d.AcceptanceStatus = stringPtr(acceptance)
	d.SignedAt = stringPtr(signedAt)
	d.Signed = signed == 1
	d.Temporary = temporary == 1
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(id,agreement_id,todo_id,kind,name,upload_status,acceptance_status,signed,signed_at,temporary,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AgreementID, nullableStringPtr(d.TodoID), d.Kind, d.Name, d.UploadStatus, nullableStringPtr(d.AcceptanceStatus),
		boolInt(d.Signed), nullableStringPtr(d.SignedAt), boolInt(d.Temporary), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE documents SET todo_id=?, name=?, upload_status=?, acceptance_status=?, signed=?, signed_at=?, temporary=?, updated_at=? WHERE id=?`,
		nullableStringPtr(d.TodoID), d.Name, d.UploadStatus, nullableStringPtr(d.AcceptanceStatus),
		boolInt(d.Signed), nullableStringPtr(d.SignedAt), boolInt(d.Temporary), d.UpdatedAt, d.ID))
}

func (r Repo) GetDocument(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(r.q(tx).QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

// DocumentForTodo returns the most recently updated document pointing at a todo.
func (r Repo) DocumentForTodo(ctx context.Context, tx *sql.Tx, todoID string) (domain.Document, error) {
	return scanDocument(r.q(tx).QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE todo_id=? ORDER BY updated_at DESC, id DESC LIMIT 1`, todoID))
}

type DocumentFilters struct {
	AgreementID      string
	Kind             string
	AcceptanceStatus string
	IncludeTemporary bool
}

func (r Repo) ListDocuments(ctx context.Context, tx *sql.Tx, f DocumentFilters) ([]domain.Document, error) {
	qb := sq.Select(documentColumns).From("documents").OrderBy("created_at", "id")
	if f.AgreementID != "" {
		qb = qb.Where(sq.Eq{"agreement_id": f.AgreementID})
	}
	if f.Kind != "" {
		qb = qb.Where(sq.Eq{"kind": f.Kind})
	}
	if f.AcceptanceStatus != "" {
		qb = qb.Where(sq.Eq{"acceptance_status": f.AcceptanceStatus})
	}
	if !f.IncludeTemporary {
		qb = qb.Where(sq.Eq{"temporary": 0})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryDocuments(ctx, tx, query, args...)
}

// ListTemporaryDocuments returns saga leftovers created before cutoff.
func (r Repo) ListTemporaryDocuments(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Document, error) {
	query, args, err := sq.Select(documentColumns).From("documents").
		Where(sq.Eq{"temporary": 1}).
		Where(sq.Lt{"created_at": cutoff}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryDocuments(ctx, tx, query, args...)
}

func (r Repo) DeleteDocument(ctx context.Context, tx *sql.Tx, id string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id))
}

func (r Repo) queryDocuments(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocumentFile(ctx context.Context, tx *sql.Tx, f domain.DocumentFile) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO document_files(id,document_id,name,content_type,size,storage_key,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.DocumentID, f.Name, nullable(f.ContentType), f.Size, f.StorageKey, f.CreatedAt)
	return err
}

func (r Repo) DeleteDocumentFiles(ctx context.Context, tx *sql.Tx, documentID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM document_files WHERE document_id=?`, documentID)
	return err
}

func (r Repo) ListDocumentFiles(ctx context.Context, tx *sql.Tx, documentIDs ...string) ([]domain.DocumentFile, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select("id,document_id,name,COALESCE(content_type,''),size,storage_key,created_at").
		From("document_files").
		Where(sq.Eq{"document_id": documentIDs}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentFile
	for rows.Next() {
		var f domain.DocumentFile
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.Name, &f.ContentType, &f.Size, &f.StorageKey, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
