// Package app provides the commands of the gitbridge binary.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/gitbridge/internal/config"
	"github.com/stacklok/gitbridge/internal/versions"
)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "gitbridge",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Read-only git access to project directories",
		Long: `gitbridge serves every project directory of a document editing platform as a
read-only git repository over smart HTTP. Each fetch first snapshots the project
into a bare mirror, so clients always receive the current state of the project.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newTokensCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// loadConfig builds the configuration from the command's flags, the
// environment and the optional config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(out, string(output))
				return err
			case "yaml":
				return yaml.NewEncoder(out).Encode(info)
			case "":
				_, err := fmt.Fprintf(out, "gitbridge %s (commit %s, built %s, %s, %s)\n",
					info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
				return err
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
		},
	}
	cmd.Flags().String("format", "", "Output format (json, yaml)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration resulting from flags, environment and config file as YAML, with secrets redacted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			return enc.Close()
		},
	}
}
