package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"ariex/internal/domain"
)

const userColumns = "id,email,COALESCE(name,''),role,created_at"

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,email,name,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), nullable(u.Name), u.Role, u.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrConflict
	}
	return err
}

// EnsureUser inserts the user unless the id already exists.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id,email,name,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), nullable(u.Name), u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	qb := sq.Select(userColumns).From("users").OrderBy("created_at DESC", "id DESC")
	if role != "" {
		qb = qb.Where(sq.Eq{"role": role})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
