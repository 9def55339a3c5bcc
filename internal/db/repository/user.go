package repository

import (
	"context"
	"database/sql"

	"notebook-builder/internal/domain"
)

// Compile-time check.
var _ domain.UserRepository = (*UserRepo)(nil)

// UserRepo implements domain.UserRepository using SQLite.
type UserRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewUserRepo creates a UserRepo.
func NewUserRepo(write, read *sql.DB) *UserRepo {
	return &UserRepo{write: write, read: read}
}

// Create inserts a user.
func (r *UserRepo) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	id := u.ID
	if id == "" {
		id = domain.NewID()
	}
	_, err := r.write.ExecContext(ctx,
		`INSERT INTO users (id, github_username, github_token, email) VALUES (?, ?, ?, ?)`,
		id, u.GithubUsername, u.GithubToken, u.Email)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.get(ctx, r.write, id)
}

// GetByID returns the user with the given id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := r.get(ctx, r.read, id)
	if isNotFound(err) {
		return nil, domain.ErrNotFound("user %q not found", id)
	}
	return u, err
}

func (r *UserRepo) get(ctx context.Context, q *sql.DB, id string) (*domain.User, error) {
	var u domain.User
	var createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, github_username, github_token, email, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.GithubUsername, &u.GithubToken, &u.Email, &createdAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
