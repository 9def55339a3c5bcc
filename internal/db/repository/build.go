package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"notebook-builder/internal/domain"
)

// Compile-time check.
var _ domain.BuildRepository = (*BuildRepo)(nil)

// BuildRepo implements domain.BuildRepository using SQLite.
type BuildRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewBuildRepo creates a BuildRepo over a write and a read pool. Both may be
// the same handle.
func NewBuildRepo(write, read *sql.DB) *BuildRepo {
	return &BuildRepo{write: write, read: read}
}

const buildColumns = `id, model_id, user_id, status, repo_owner, repo_name, branch, git_commit,
	notebook_path, input_schema, output_schema, image_size_mb, image_uri, function_arn,
	build_log, duration_s, worker_server, created_at, updated_at`

// Create inserts a new build record. An empty ID is assigned; an empty status
// becomes NotStarted.
func (r *BuildRepo) Create(ctx context.Context, b *domain.BuildJob) (*domain.BuildJob, error) {
	id := b.ID
	if id == "" {
		id = domain.NewID()
	}
	status := b.Status
	if status == "" {
		status = domain.BuildStatusNotStarted
	}
	in, err := encodeSchema(b.InputSchema)
	if err != nil {
		return nil, err
	}
	out, err := encodeSchema(b.OutputSchema)
	if err != nil {
		return nil, err
	}

	_, err = r.write.ExecContext(ctx, `INSERT INTO builds
		(id, model_id, user_id, status, repo_owner, repo_name, branch, git_commit, notebook_path, input_schema, output_schema)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, b.ModelID, b.UserID, string(status), b.Source.Owner, b.Source.Repository,
		b.Source.Branch, nullString(b.Source.Commit), b.Source.NotebookPath, in, out)
	if err != nil {
		return nil, mapDBError(err)
	}
	return r.get(ctx, r.write, id)
}

// GetByID returns the build with the given id.
func (r *BuildRepo) GetByID(ctx context.Context, id string) (*domain.BuildJob, error) {
	b, err := r.get(ctx, r.read, id)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound("build %q not found", id)
		}
		return nil, err
	}
	return b, nil
}

func (r *BuildRepo) get(ctx context.Context, q *sql.DB, id string) (*domain.BuildJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err != nil {
		return nil, mapDBError(err)
	}
	return b, nil
}

// List returns builds matching filter, newest first, and the total match count.
func (r *BuildRepo) List(ctx context.Context, filter domain.BuildFilter) ([]domain.BuildJob, int64, error) {
	var where []string
	var args []any
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.ModelID != nil {
		where = append(where, "model_id = ?")
		args = append(args, *filter.ModelID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count builds: %w", err)
	}

	pageArgs := append(append([]any(nil), args...), filter.Page.Limit(), filter.Page.Offset())
	rows, err := r.read.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds`+cond+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.BuildJob
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *b)
	}
	return out, total, rows.Err()
}

// Update applies the non-nil fields of upd to the build.
func (r *BuildRepo) Update(ctx context.Context, id string, upd domain.BuildUpdate) error {
	if upd.IsEmpty() {
		return nil
	}
	set, err := buildSet(upd)
	if err != nil {
		return err
	}
	res, err := r.write.ExecContext(ctx, `UPDATE builds SET `+set.sql()+` WHERE id = ?`, append(set.args, id)...)
	if err != nil {
		return mapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound("build %q not found", id)
	}
	return nil
}

// UpdateIfStatus applies upd in a single statement guarded by the current
// status, so concurrent callers cannot both win the same transition.
func (r *BuildRepo) UpdateIfStatus(ctx context.Context, id string, from []domain.BuildStatus, upd domain.BuildUpdate) (bool, error) {
	if len(from) == 0 || upd.IsEmpty() {
		return false, domain.ErrValidation("conditional update of %q needs statuses and fields", id)
	}
	set, err := buildSet(upd)
	if err != nil {
		return false, err
	}
	args := append(append([]any(nil), set.args...), id)
	marks := make([]string, len(from))
	for i, st := range from {
		marks[i] = "?"
		args = append(args, string(st))
	}
	res, err := r.write.ExecContext(ctx,
		`UPDATE builds SET `+set.sql()+` WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return false, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional update of %q: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = r.write.QueryRowContext(ctx, `SELECT 1 FROM builds WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotFound("build %q not found", id)
	}
	return false, mapDBError(err)
}

func buildSet(upd domain.BuildUpdate) (setClause, error) {
	var set setClause
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return set, domain.ErrValidation("unknown build status %q", *upd.Status)
		}
		set.add("status", string(*upd.Status))
	}
	if upd.InputSchema != nil {
		v, err := encodeSchema(upd.InputSchema)
		if err != nil {
			return set, err
		}
		set.add("input_schema", v)
	}
	if upd.OutputSchema != nil {
		v, err := encodeSchema(upd.OutputSchema)
		if err != nil {
			return set, err
		}
		set.add("output_schema", v)
	}
	if upd.ImageSizeMB != nil {
		set.add("image_size_mb", *upd.ImageSizeMB)
	}
	if upd.ImageURI != nil {
		set.add("image_uri", *upd.ImageURI)
	}
	if upd.FunctionARN != nil {
		set.add("function_arn", *upd.FunctionARN)
	}
	if upd.BuildLog != nil {
		set.add("build_log", *upd.BuildLog)
	}
	if upd.Duration != nil {
		set.add("duration_s", *upd.Duration)
	}
	if upd.WorkerServer != nil {
		set.add("worker_server", *upd.WorkerServer)
	}
	set.add("updated_at", now())
	return set, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(s scanner) (*domain.BuildJob, error) {
	var (
		b                     domain.BuildJob
		status                string
		commit                sql.NullString
		inSchema, outSchema   sql.NullString
		sizeMB                sql.NullInt64
		imageURI, functionARN sql.NullString
		buildLog, worker      sql.NullString
		duration              sql.NullFloat64
		createdAt, updatedAt  string
	)
	err := s.Scan(&b.ID, &b.ModelID, &b.UserID, &status, &b.Source.Owner, &b.Source.Repository,
		&b.Source.Branch, &commit, &b.Source.NotebookPath, &inSchema, &outSchema, &sizeMB,
		&imageURI, &functionARN, &buildLog, &duration, &worker, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BuildStatus(status)
	b.Source.Commit = stringPtr(commit)
	if b.InputSchema, err = decodeSchema(inSchema); err != nil {
		return nil, err
	}
	if b.OutputSchema, err = decodeSchema(outSchema); err != nil {
		return nil, err
	}
	b.ImageSizeMB = int64Ptr(sizeMB)
	b.ImageURI = stringPtr(imageURI)
	b.FunctionARN = stringPtr(functionARN)
	b.BuildLog = stringPtr(buildLog)
	b.Duration = float64Ptr(duration)
	b.WorkerServer = stringPtr(worker)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}
