package buildctl

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(opts *options, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration profiles",
	}
	cmd.AddCommand(newConfigShowCmd(opts, stdout))
	cmd.AddCommand(newConfigSetProfileCmd(opts, stdout))
	cmd.AddCommand(newConfigUseProfileCmd(opts, stdout))
	return cmd
}

func newConfigShowCmd(opts *options, stdout io.Writer) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig(opts.configPath)
			if err != nil {
				return err
			}
			if !reveal {
				for name, p := range cfg.Profiles {
					p.Token = maskSecret(p.Token)
					cfg.Profiles[name] = p
				}
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, _ = stdout.Write(data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show tokens unmasked")
	return cmd
}

func newConfigSetProfileCmd(opts *options, stdout io.Writer) *cobra.Command {
	var (
		host   string
		token  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("output") {
				if err := validateOutputFormat(output); err != nil {
					return err
				}
			}
			cfg, err := LoadUserConfig(opts.configPath)
			if err != nil {
				cfg = &UserConfig{CurrentProfile: "default", Profiles: map[string]Profile{}}
			}
			name := args[0]
			p := cfg.Profiles[name]
			if cmd.Flags().Changed("host") {
				p.Host = host
			}
			if cmd.Flags().Changed("token") {
				p.Token = token
			}
			if cmd.Flags().Changed("output") {
				p.Output = output
			}
			cfg.Profiles[name] = p
			if err := SaveUserConfig(opts.configPath, cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Profile %q saved to %s\n", name, opts.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Dispatcher URL")
	cmd.Flags().StringVar(&token, "token", "", "JWT")
	cmd.Flags().StringVar(&output, "output", "", "Default output format")
	return cmd
}

func newConfigUseProfileCmd(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Make a profile the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig(opts.configPath)
			if err != nil {
				return err
			}
			if _, ok := cfg.Profiles[args[0]]; !ok {
				return fmt.Errorf("profile %q not found", args[0])
			}
			cfg.CurrentProfile = args[0]
			if err := SaveUserConfig(opts.configPath, cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Switched to profile %q\n", args[0])
			return nil
		},
	}
}
