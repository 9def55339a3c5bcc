package app

import (
	"context"
	"errors"
	"fmt"

	"notebook-builder/internal/domain"
)

// Submission describes a build to register without the website in front of
// the job record store. Missing users are created from the GitHub fields.
type Submission struct {
	UserID         string
	GithubUsername string
	GithubToken    string
	Email          string
	ModelID        string // empty creates a draft model named after the notebook
	Source         domain.SourceRef
	InputSchema    domain.FieldSchema
	OutputSchema   domain.FieldSchema
}

// SubmitBuild records a NotStarted build for s, creating its owner and model
// as needed. The build is started by a client session, not here.
func SubmitBuild(ctx context.Context, repos Repos, s Submission) (*domain.BuildJob, error) {
	if s.Source.Owner == "" || s.Source.Repository == "" || s.Source.NotebookPath == "" {
		return nil, domain.ErrValidation("source must name owner, repository and notebook path")
	}

	user, err := ensureUser(ctx, repos.Users, s)
	if err != nil {
		return nil, err
	}

	modelID := s.ModelID
	if modelID == "" {
		m, err := repos.Models.Create(ctx, &domain.Model{
			UserID: user.ID,
			Name:   s.Source.NotebookStem(),
			Branch: nonEmpty(s.Source.Branch),
			Commit: s.Source.Commit,
			Status: domain.ModelStatusDraft,
		})
		if err != nil {
			return nil, fmt.Errorf("create model: %w", err)
		}
		modelID = m.ID
	}

	b, err := repos.Builds.Create(ctx, &domain.BuildJob{
		ModelID:      modelID,
		UserID:       user.ID,
		Status:       domain.BuildStatusNotStarted,
		Source:       s.Source,
		InputSchema:  s.InputSchema,
		OutputSchema: s.OutputSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	return b, nil
}

func ensureUser(ctx context.Context, users domain.UserRepository, s Submission) (*domain.User, error) {
	if s.UserID != "" {
		u, err := users.GetByID(ctx, s.UserID)
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			return u, err
		}
	}
	if s.GithubUsername == "" {
		return nil, domain.ErrValidation("unknown user %q and no GitHub username to create one", s.UserID)
	}
	u, err := users.Create(ctx, &domain.User{
		ID:             s.UserID,
		GithubUsername: s.GithubUsername,
		GithubToken:    s.GithubToken,
		Email:          s.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
