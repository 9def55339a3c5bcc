// Package buildctl implements the buildctl command, which starts, follows and
// cancels notebook builds through a dispatcher.
package buildctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"notebook-builder/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

// ErrBuildFailed is returned when a followed build ends in Error.
type ErrBuildFailed struct {
	BuildID string
	Message string
}

func (e *ErrBuildFailed) Error() string {
	return fmt.Sprintf("build %s failed: %s", e.BuildID, e.Message)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd(os.Stdout)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type options struct {
	host       string
	token      string
	output     string
	profile    string
	configPath string
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "buildctl",
		Short:         "Start and follow notebook builds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig(opts.configPath)
			if err != nil {
				// The config file is optional.
				cfg = &UserConfig{Profiles: map[string]Profile{}}
			}
			p := cfg.ActiveProfile(opts.profile)

			// flag > env > profile > default
			resolve := func(flag, env, fromProfile string, dst *string) {
				if cmd.Flags().Changed(flag) {
					return
				}
				if v := os.Getenv(env); v != "" {
					*dst = v
				} else if fromProfile != "" {
					*dst = fromProfile
				}
			}
			resolve("host", "BUILDCTL_HOST", p.Host, &opts.host)
			resolve("token", "BUILDCTL_TOKEN", p.Token, &opts.token)
			resolve("output", "BUILDCTL_OUTPUT", p.Output, &opts.output)
			return validateOutputFormat(opts.output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "http://localhost:8080", "Dispatcher URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "JWT presented to the dispatcher")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "auto", "Output format (auto, raw, text, json)")
	rootCmd.PersistentFlags().StringVarP(&opts.profile, "profile", "p", "", "Config profile to use")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", ConfigPath(), "Config file")

	rootCmd.AddCommand(newStartCmd(opts, stdout))
	rootCmd.AddCommand(newCancelCmd(opts, stdout))
	rootCmd.AddCommand(newConfigCmd(opts, stdout))
	rootCmd.AddCommand(newVersionCmd(stdout))
	return rootCmd
}

func validateOutputFormat(f string) error {
	switch f {
	case "auto", "raw", "text", "json":
		return nil
	}
	return fmt.Errorf("unsupported output format %q: use auto, raw, text or json", f)
}

// rendererFor picks the renderer for format. auto is raw on a terminal and
// text otherwise.
func rendererFor(format string, w io.Writer) Renderer {
	switch format {
	case "json":
		return JSONRenderer{W: w}
	case "raw":
		return RawRenderer{W: w}
	case "text":
		return LineRenderer{W: w}
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return RawRenderer{W: w}
	}
	return LineRenderer{W: w}
}

func newStartCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "start <build-id>",
		Short: "Start a build and follow its progress",
		Long: "Queues the build, or attaches to it when it is already running, and " +
			"prints progress until the build ends.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &Client{Host: opts.host, Token: opts.token}
			out := &Outcome{Renderer: rendererFor(opts.output, stdout)}
			if err := client.Run(cmd.Context(), domain.CommandStart, args[0], out.Render); err != nil {
				return err
			}
			if out.Final != nil && out.Final.State == domain.ProgressError {
				return &ErrBuildFailed{BuildID: args[0], Message: out.Final.Message}
			}
			return nil
		},
	}
}

func newCancelCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Ask the worker running a build to cancel it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &Client{Host: opts.host, Token: opts.token}
			render := rendererFor(opts.output, stdout)
			if err := client.Run(cmd.Context(), domain.CommandCancel, args[0], render.Render); err != nil {
				return err
			}
			if opts.output != "json" {
				_, _ = fmt.Fprintf(stdout, "Cancellation requested for %s\n", args[0])
			}
			return nil
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(stdout, "buildctl version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
