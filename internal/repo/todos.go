package repo

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"ariex/internal/domain"
)

func (r Repo) InsertTodoList(ctx context.Context, tx *sql.Tx, l domain.TodoList) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO todo_lists(id,agreement_id,name,position,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.AgreementID, l.Name, l.Position, l.CreatedAt)
	return err
}

func (r Repo) ListTodoLists(ctx context.Context, tx *sql.Tx, agreementID string) ([]domain.TodoList, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,agreement_id,name,position,created_at FROM todo_lists WHERE agreement_id=? ORDER BY position, created_at`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TodoList
	for rows.Next() {
		var l domain.TodoList
		if err := rows.Scan(&l.ID, &l.AgreementID, &l.Name, &l.Position, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// DefaultTodoList returns the first list of an agreement.
func (r Repo) DefaultTodoList(ctx context.Context, tx *sql.Tx, agreementID string) (domain.TodoList, error) {
	var l domain.TodoList
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,agreement_id,name,position,created_at FROM todo_lists WHERE agreement_id=? ORDER BY position, created_at LIMIT 1`, agreementID).
		Scan(&l.ID, &l.AgreementID, &l.Name, &l.Position, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

const todoColumns = "id,todo_list_id,agreement_id,title,COALESCE(description,''),kind,status,position,created_at,updated_at"

func scanTodo(row rowScanner) (domain.Todo, error) {
	var t domain.Todo
	err := row.Scan(&t.ID, &t.TodoListID, &t.AgreementID, &t.Title, &t.Description, &t.Kind, &t.Status, &t.Position, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTodo(ctx context.Context, tx *sql.Tx, t domain.Todo) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO todos(id,todo_list_id,agreement_id,title,description,kind,status,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TodoListID, t.AgreementID, t.Title, nullable(t.Description), t.Kind, t.Status, t.Position, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTodo(ctx context.Context, tx *sql.Tx, id string) (domain.Todo, error) {
	return scanTodo(r.q(tx).QueryRowContext(ctx, `SELECT `+todoColumns+` FROM todos WHERE id=?`, id))
}

func (r Repo) UpdateTodoStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `UPDATE todos SET status=?, updated_at=? WHERE id=?`, status, now, id))
}

func (r Repo) DeleteTodo(ctx context.Context, tx *sql.Tx, id string) error {
	return affectedOrNotFound(r.q(tx).ExecContext(ctx, `DELETE FROM todos WHERE id=?`, id))
}

type TodoFilters struct {
	AgreementID string
	ListID      string
	Kind        string
	Statuses    []string
}

func (r Repo) ListTodos(ctx context.Context, tx *sql.Tx, f TodoFilters) ([]domain.Todo, error) {
	qb := sq.Select(todoColumns).From("todos").OrderBy("position", "created_at", "id")
	if f.AgreementID != "" {
		qb = qb.Where(sq.Eq{"agreement_id": f.AgreementID})
	}
	if f.ListID != "" {
		qb = qb.Where(sq.Eq{"todo_list_id": f.ListID})
	}
	if f.Kind != "" {
		qb = qb.Where(sq.Eq{"kind": f.Kind})
	}
	if len(f.Statuses) > 0 {
		qb = qb.Where(sq.Eq{"status": f.Statuses})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextTodoPosition returns one past the highest position in a list.
func (r Repo) NextTodoPosition(ctx context.Context, tx *sql.Tx, listID string) (int, error) {
	var pos int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM todos WHERE todo_list_id=?`, listID).Scan(&pos)
	return pos, err
}
