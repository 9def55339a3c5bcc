// Package app wires configuration, stores and adapters into the worker node,
// the per-build executor and the dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"

	"notebook-builder/internal/cloud"
	"notebook-builder/internal/config"
	"notebook-builder/internal/db"
	"notebook-builder/internal/db/repository"
	"notebook-builder/internal/domain"
	"notebook-builder/internal/notify"
	"notebook-builder/internal/queue"
	"notebook-builder/internal/storage"
)

// Deps holds what main() provides.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

// Repos are the job record store repositories.
type Repos struct {
	Builds *repository.BuildRepo
	Models *repository.ModelRepo
	Users  *repository.UserRepo
}

// Base is the infrastructure shared by every role: the job record store,
// the AWS configuration and the object store.
type Base struct {
	Store   *db.Store
	Repos   Repos
	AWS     aws.Config
	Objects *storage.Router

	closers []io.Closer
}

// OpenBase opens the job record store, applies migrations and builds the
// object store router.
func OpenBase(ctx context.Context, deps Deps) (*Base, error) {
	cfg := deps.Cfg

	store, err := db.OpenStore(cfg.MetaDBPath, 4)
	if err != nil {
		return nil, fmt.Errorf("open job record store: %w", err)
	}
	b := &Base{Store: store, closers: []io.Closer{store}}
	if err := db.Migrate(store.Write); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("migrate job record store: %w", err)
	}
	b.Repos = Repos{
		Builds: repository.NewBuildRepo(store.Write, store.Read),
		Models: repository.NewModelRepo(store.Write, store.Read),
		Users:  repository.NewUserRepo(store.Write, store.Read),
	}

	b.AWS, err = cloud.LoadConfig(ctx, cfg.AWS)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	objects, closers, err := NewObjectStore(ctx, cfg, b.AWS, deps.Logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Objects = objects
	b.closers = append(b.closers, closers...)
	return b, nil
}

// Close releases everything OpenBase opened.
func (b *Base) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

// NewObjectStore registers s3:// and file:// always, gs:// when a
// credentials file is configured or the log bucket is a GCS bucket, and az://
// when an Azure account is configured.
func NewObjectStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*storage.Router, []io.Closer, error) {
	r := storage.NewRouter()
	r.Register("s3", storage.NewS3(awsCfg, cfg.AWS.Endpoint))
	r.Register("file", storage.Local{})

	var closers []io.Closer
	if cfg.Storage.GCSCredentialsFile != "" || strings.HasPrefix(cfg.AWS.LogBucket, "gs://") {
		gcs, err := storage.NewGCS(ctx, cfg.Storage.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		r.Register("gs", gcs)
		closers = append(closers, gcs)
	}
	if cfg.Storage.AzureAccountName != "" {
		az, err := storage.NewAzure(cfg.Storage.AzureAccountName, cfg.Storage.AzureAccountKey)
		if err != nil {
			return nil, nil, err
		}
		r.Register("az", az)
	}
	logger.Debug("object store ready", "schemes", r.Schemes())
	return r, closers, nil
}

// NewNotifier sends outcome e-mail through SES when a sender is configured
// and logs the outcome otherwise.
func NewNotifier(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) domain.Notifier {
	if cfg.AWS.SenderEmail == "" {
		return notify.Log{Logger: logger.With("component", "notify")}
	}
	return notify.NewSES(awsCfg, cfg.AWS.SenderEmail, cfg.WebsiteURL)
}

// Topology returns the broker names for this process.
func Topology(cfg *config.Config) queue.Topology {
	return queue.Topology{
		StartQueue:     cfg.Broker.StartQueue,
		CancelQueue:    cfg.Broker.CancelQueue,
		CancelExchange: cfg.Broker.CancelExchange,
		NodeID:         cfg.Worker.NodeID,
	}
}
