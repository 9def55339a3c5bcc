package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notebook-builder/internal/app"
	"notebook-builder/internal/db"
	"notebook-builder/internal/domain"
	"notebook-builder/internal/metrics"
	"notebook-builder/internal/service/build"
	"notebook-builder/internal/worker"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "builder",
		Short:         "Build notebooks into deployed functions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newExecJobCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "builder version %s (commit: %s)\n", version, commit)
		},
	})
	return root
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume build jobs and run them",
		Long: "Consumes start and cancel messages from the broker and runs up to " +
			"BROKER_PREFETCH builds at once. On SIGTERM, or when the load balancer " +
			"drains this instance, it stops taking jobs and exits once running builds end.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateWorker(); err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate own executable: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			reg := metrics.NewRegistry()
			node, err := app.NewWorkerNode(ctx, app.Deps{Cfg: cfg, Logger: logger},
				metrics.NewBuild(reg), metrics.NewDispatch(reg), self, nil)
			if err != nil {
				return err
			}
			defer node.Close() //nolint:errcheck

			if err := node.Drain.Start(ctx); err != nil {
				return err
			}
			defer node.Drain.Stop()

			g, gctx := errgroup.WithContext(ctx)
			httpCtx, stopHTTP := context.WithCancel(gctx)
			defer stopHTTP()
			srv := app.NewServer(cfg, app.NewRouter(cfg, app.RouterDeps{Metrics: reg, Healthy: node.Healthy}, logger))

			g.Go(func() error {
				defer stopHTTP()
				return node.Node.Run(gctx)
			})
			g.Go(func() error {
				return app.Serve(httpCtx, srv, cfg, 5*time.Second, logger)
			})
			return g.Wait()
		},
	}
}

func newExecJobCmd() *cobra.Command {
	var (
		buildID    string
		slot       int
		replyQueue string
		queuedAt   string
	)
	cmd := &cobra.Command{
		Use:    "exec-job",
		Short:  "Run one build in this process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := app.LoadConfig()
			if err != nil {
				return &exitError{code: worker.ExitFailed, err: err}
			}
			logger = logger.With("build_id", buildID, "slot", slot)
			job := build.Job{BuildID: buildID, Slot: slot}
			if queuedAt != "" {
				if job.QueuedAt, err = time.Parse(time.RFC3339Nano, queuedAt); err != nil {
					return &exitError{code: worker.ExitFailed, err: fmt.Errorf("parse --queued-at: %w", err)}
				}
			}

			// Cancellation arrives through the node's flag store, not signals.
			status, err := app.RunJob(context.Background(), app.Deps{Cfg: cfg, Logger: logger}, job, replyQueue)
			if err != nil {
				logger.Error("build job failed", "status", status, "error", err)
				return &exitError{code: worker.ExitFailed, err: err}
			}
			if code := worker.ExitCodeFor(status); code != worker.ExitFinished {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build-id", "", "Build to run")
	cmd.Flags().IntVar(&slot, "slot", 0, "Slot index; selects the smoke test port")
	cmd.Flags().StringVar(&replyQueue, "reply-queue", "", "Queue receiving progress events")
	cmd.Flags().StringVar(&queuedAt, "queued-at", "", "When the build was queued (RFC 3339); older cancel flags are ignored")
	_ = cmd.MarkFlagRequired("build-id")
	_ = cmd.MarkFlagRequired("reply-queue")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply job record store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := app.LoadConfig()
			if err != nil {
				return err
			}
			store, err := db.OpenStore(cfg.MetaDBPath, 1)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := db.Migrate(store.Write); err != nil {
				return err
			}
			logger.Info("job record store migrated", "path", cfg.MetaDBPath)
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		s       app.Submission
		commit  string
		inputs  map[string]string
		outputs map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a build without starting it",
		Long: "Creates a NotStarted build (and its user and model when missing) in the " +
			"job record store and prints its id. Start it with buildctl start <id>.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if commit != "" {
				s.Source.Commit = &commit
			}
			var err error
			if s.InputSchema, err = parseSchema(inputs); err != nil {
				return err
			}
			if s.OutputSchema, err = parseSchema(outputs); err != nil {
				return err
			}
			if s.GithubToken == "" {
				s.GithubToken = os.Getenv("GITHUB_TOKEN")
			}

			cfg, logger, err := app.LoadConfig()
			if err != nil {
				return err
			}
			base, err := app.OpenBase(cmd.Context(), app.Deps{Cfg: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer base.Close() //nolint:errcheck

			b, err := app.SubmitBuild(cmd.Context(), base.Repos, s)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), b.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.UserID, "user-id", "", "Owner of the build")
	f.StringVar(&s.GithubUsername, "github-user", "", "GitHub login, used when the user does not exist yet")
	f.StringVar(&s.GithubToken, "github-token", "", "GitHub token stored for a new user (default $GITHUB_TOKEN)")
	f.StringVar(&s.Email, "email", "", "Notification address stored for a new user")
	f.StringVar(&s.ModelID, "model-id", "", "Existing model; a draft model is created when empty")
	f.StringVar(&s.Source.Owner, "owner", "", "Repository owner")
	f.StringVar(&s.Source.Repository, "repo", "", "Repository name")
	f.StringVar(&s.Source.Branch, "branch", "main", "Branch")
	f.StringVar(&commit, "commit", "", "Commit to pin instead of the branch head")
	f.StringVar(&s.Source.NotebookPath, "notebook", "", "Notebook path inside the repository")
	f.StringToStringVar(&inputs, "input", nil, "Input fields as name=Text|PIL|OpenCV")
	f.StringToStringVar(&outputs, "output", nil, "Output fields as name=Text|PIL|OpenCV")
	return cmd
}

func parseSchema(fields map[string]string) (domain.FieldSchema, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	schema := make(domain.FieldSchema, len(fields))
	for name, t := range fields {
		ft := domain.FieldType(t)
		switch ft {
		case domain.FieldTypeText, domain.FieldTypePIL, domain.FieldTypeOpenCV:
			schema[name] = ft
		default:
			return nil, domain.ErrValidation("field %q has unsupported type %q", name, t)
		}
	}
	return schema, nil
}
