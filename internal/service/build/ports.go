package build

import (
	"context"
	"io"
	"time"

	"notebook-builder/internal/container"
	"notebook-builder/internal/domain"
)

// ContainerEngine builds, runs and pushes images.
// Implemented by container.Engine.
type ContainerEngine interface {
	Build(ctx context.Context, opts container.BuildOptions) error
	ImageSize(ctx context.Context, ref string) (int64, error)
	Login(ctx context.Context, cred domain.RegistryCredential) error
	Tag(ctx context.Context, source, target string) error
	Push(ctx context.Context, ref string, cred domain.RegistryCredential, out io.Writer) error
	Prune(ctx context.Context, ref string) error
	KillByImage(ctx context.Context, image string) error
	Run(ctx context.Context, opts container.RunOptions) (string, error)
	RemoveContainer(ctx context.Context, id string) error
}

// RegistryAuthenticator issues registry credentials. The private credential's
// ServerAddress is the registry images are pushed to.
// Implemented by cloud.Registry.
type RegistryAuthenticator interface {
	PrivateCredential(ctx context.Context) (domain.RegistryCredential, error)
	PublicCredential(ctx context.Context) (domain.RegistryCredential, error)
}

// FunctionPlatform manages serverless functions.
// Implemented by cloud.Functions.
type FunctionPlatform interface {
	// LookupFunction returns the ARN of the named function and whether it
	// exists.
	LookupFunction(ctx context.Context, name string) (string, bool, error)
	DeleteFunction(ctx context.Context, name string) error
	// CreateFunction returns domain.ErrFunctionNotReady or
	// domain.ErrFunctionExists for the matching platform errors.
	CreateFunction(ctx context.Context, spec domain.FunctionSpec) (string, error)
	// UpdateImage points an existing function at imageURI and waits up to
	// maxWait for the update to land.
	UpdateImage(ctx context.Context, name, imageURI string, maxWait time.Duration) error
	// WaitActive waits up to maxWait for the function to become active and
	// returns domain.ErrActivationPending when it did not.
	WaitActive(ctx context.Context, name string, maxWait time.Duration) error
	// Invoke calls the function synchronously and returns its response
	// payload.
	Invoke(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// Recorder receives build metrics.
// Implemented by metrics.Build.
type Recorder interface {
	BuildStarted()
	BuildFinished(status domain.BuildStatus, elapsed time.Duration)
	StageFinished(stage string, elapsed time.Duration)
	PushRetried()
}

type nopRecorder struct{}

func (nopRecorder) BuildStarted()                                   {}
func (nopRecorder) BuildFinished(domain.BuildStatus, time.Duration) {}
func (nopRecorder) StageFinished(string, time.Duration)             {}
func (nopRecorder) PushRetried()                                    {}
