package domain

import (
	"context"
	"time"
)

// BuildRepository persists build job records.
// Implemented by repository.BuildRepo.
type BuildRepository interface {
	Create(ctx context.Context, b *BuildJob) (*BuildJob, error)
	GetByID(ctx context.Context, id string) (*BuildJob, error)
	List(ctx context.Context, filter BuildFilter) ([]BuildJob, int64, error)
	Update(ctx context.Context, id string, upd BuildUpdate) error
	// UpdateIfStatus applies upd only while the build's status is one of
	// from, and reports whether it did.
	UpdateIfStatus(ctx context.Context, id string, from []BuildStatus, upd BuildUpdate) (bool, error)
}

// ModelRepository persists the models builds are attached to.
type ModelRepository interface {
	Create(ctx context.Context, m *Model) (*Model, error)
	GetByID(ctx context.Context, id string) (*Model, error)
	Update(ctx context.Context, id string, upd ModelUpdate) error
}

// UserRepository resolves build owners.
type UserRepository interface {
	Create(ctx context.Context, u *User) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
}

// ObjectStore reads and writes whole objects addressed by URI
// (s3://, gs://, az://, file://).
// Implemented by storage.Router.
type ObjectStore interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, uri string, data []byte) error
	PresignGet(ctx context.Context, uri string, expiry time.Duration) (string, error)
}

// NotebookSource fetches a single notebook file on behalf of a user.
// Implemented by source.GitHub.
type NotebookSource interface {
	FetchNotebook(ctx context.Context, user *User, ref SourceRef) ([]byte, error)
}

// BuildNotification is the content of the outcome message sent to the build
// owner.
type BuildNotification struct {
	Build   *BuildJob
	User    *User
	Outcome BuildStatus
	LogURL  string
}

// Notifier delivers build outcome notifications.
// Implemented by notify.SES.
type Notifier interface {
	NotifyBuild(ctx context.Context, n BuildNotification) error
}

// RegistryCredential authenticates the container engine against one image
// registry.
type RegistryCredential struct {
	Username      string
	Password      string
	ServerAddress string
}
