package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// BuildStatus is the lifecycle state of a build job as persisted in the job
// record store.
type BuildStatus string

// Build status constants.
const (
	BuildStatusNotStarted BuildStatus = "NotStarted"
	BuildStatusQueued     BuildStatus = "Queued"
	BuildStatusStarted    BuildStatus = "Started"
	BuildStatusError      BuildStatus = "Error"
	BuildStatusCancelled  BuildStatus = "Cancelled"
	BuildStatusFinished   BuildStatus = "Finished"
)

// IsTerminal reports whether no further transitions are expected.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusError, BuildStatusCancelled, BuildStatusFinished:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusNotStarted, BuildStatusQueued, BuildStatusStarted,
		BuildStatusError, BuildStatusCancelled, BuildStatusFinished:
		return true
	}
	return false
}

// Restartable lists the statuses a start request may move to Queued from.
// Queued and Started builds already have an execution.
var Restartable = []BuildStatus{
	BuildStatusNotStarted, BuildStatusError, BuildStatusCancelled, BuildStatusFinished,
}

// Unfinished lists the statuses of builds that have not ended.
var Unfinished = []BuildStatus{BuildStatusNotStarted, BuildStatusQueued, BuildStatusStarted}

// ModelStatus is the publication state of the model a build belongs to.
type ModelStatus string

// Model status constants.
const (
	ModelStatusDraft   ModelStatus = "Draft"
	ModelStatusPublic  ModelStatus = "Public"
	ModelStatusDeleted ModelStatus = "Deleted"
)

// SourceRef identifies the notebook a build is produced from.
type SourceRef struct {
	Owner        string
	Repository   string
	Branch       string
	Commit       *string
	NotebookPath string
}

// Ref returns the git reference to fetch: the pinned commit when present,
// otherwise the branch.
func (s SourceRef) Ref() string {
	if s.Commit != nil && *s.Commit != "" {
		return *s.Commit
	}
	return s.Branch
}

// NotebookStem returns the notebook file name without directory or extension.
func (s SourceRef) NotebookStem() string {
	base := path.Base(s.NotebookPath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// String renders the reference as owner/repo@ref:path.
func (s SourceRef) String() string {
	return fmt.Sprintf("%s/%s@%s:%s", s.Owner, s.Repository, s.Ref(), s.NotebookPath)
}

// BuildJob is one request to turn a notebook into a deployed function.
type BuildJob struct {
	ID           string
	ModelID      string
	UserID       string
	Status       BuildStatus
	Source       SourceRef
	InputSchema  FieldSchema
	OutputSchema FieldSchema
	ImageSizeMB  *int64
	ImageURI     *string
	FunctionARN  *string
	BuildLog     *string
	Duration     *float64 // seconds
	WorkerServer *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BuildUpdate carries a partial update of a build record. Nil fields are left
// untouched.
type BuildUpdate struct {
	Status       *BuildStatus
	InputSchema  FieldSchema
	OutputSchema FieldSchema
	ImageSizeMB  *int64
	ImageURI     *string
	FunctionARN  *string
	BuildLog     *string
	Duration     *float64
	WorkerServer *string
}

// IsEmpty reports whether the update would change nothing.
func (u BuildUpdate) IsEmpty() bool {
	return u.Status == nil && u.InputSchema == nil && u.OutputSchema == nil &&
		u.ImageSizeMB == nil && u.ImageURI == nil && u.FunctionARN == nil &&
		u.BuildLog == nil && u.Duration == nil && u.WorkerServer == nil
}

// BuildFilter narrows a build listing.
type BuildFilter struct {
	UserID  *string
	ModelID *string
	Status  *BuildStatus
	Page    PageRequest
}

// Model is the deployable unit a build produces a version of.
type Model struct {
	ID            string
	UserID        string
	Name          string
	ActiveBuildID *string
	Commit        *string
	Branch        *string
	Status        ModelStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ModelUpdate carries a partial update of a model record.
type ModelUpdate struct {
	ActiveBuildID *string
	Commit        *string
	Branch        *string
	Status        *ModelStatus
}

// User is the owner of builds and the recipient of outcome notifications.
type User struct {
	ID             string
	GithubUsername string
	GithubToken    string
	Email          string
	CreatedAt      time.Time
}
