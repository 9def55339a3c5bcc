package repository

import (
	"context"
	"database/sql"

	"notebook-builder/internal/domain"
)

// Compile-time check.
var _ domain.ModelRepository = (*ModelRepo)(nil)

// ModelRepo implements domain.ModelRepository using SQLite.
type ModelRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewModelRepo creates a ModelRepo.
func NewModelRepo(write, read *sql.DB) *ModelRepo {
	return &ModelRepo{write: write, read: read}
}

// Create inserts a model. An empty status becomes Draft.
func (r *ModelRepo) Create(ctx context.Context, m *domain.Model) (*domain.Model, error) {
	id := m.ID
	if id == "" {
		id = domain.NewID()
	}
	status := m.Status
	if status == "" {
		status = domain.ModelStatusDraft
	}
	_, err := r.write.ExecContext(ctx,
		`INSERT INTO models (id, user_id, name, active_build_id, git_commit, branch, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, m.UserID, m.Name, nullString(m.ActiveBuildID), nullString(m.Commit), nullString(m.Branch), string(status))
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.get(ctx, r.write, id)
}

// GetByID returns the model with the given id.
func (r *ModelRepo) GetByID(ctx context.Context, id string) (*domain.Model, error) {
	m, err := r.get(ctx, r.read, id)
	if isNotFound(err) {
		return nil, domain.ErrNotFound("model %q not found", id)
	}
	return m, err
}

func (r *ModelRepo) get(ctx context.Context, q *sql.DB, id string) (*domain.Model, error) {
	var (
		m                      domain.Model
		status                 string
		active, commit, branch sql.NullString
		createdAt, updatedAt   string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, name, active_build_id, git_commit, branch, status, created_at, updated_at
		 FROM models WHERE id = ?`, id).
		Scan(&m.ID, &m.UserID, &m.Name, &active, &commit, &branch, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}
	m.ActiveBuildID = stringPtr(active)
	m.Commit = stringPtr(commit)
	m.Branch = stringPtr(branch)
	m.Status = domain.ModelStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// Update applies the non-nil fields of upd to the model.
func (r *ModelRepo) Update(ctx context.Context, id string, upd domain.ModelUpdate) error {
	var set setClause
	if upd.ActiveBuildID != nil {
		set.add("active_build_id", *upd.ActiveBuildID)
	}
	if upd.Commit != nil {
		set.add("git_commit", *upd.Commit)
	}
	if upd.Branch != nil {
		set.add("branch", *upd.Branch)
	}
	if upd.Status != nil {
		set.add("status", string(*upd.Status))
	}
	if set.empty() {
		return nil
	}
	set.add("updated_at", now())

	res, err := r.write.ExecContext(ctx, `UPDATE models SET `+set.sql()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil {
		return mapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound("model %q not found", id)
	}
	return nil
}
