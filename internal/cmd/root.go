// Package cmd implements the node-rotator command line
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/cli-runtime/pkg/genericclioptions"

	"node-rotator/internal/config"
	"node-rotator/internal/logger"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string
	BuildTime string
	GoVersion string
}

// options are the flags shared by every sub-command
type options struct {
	configFile   string
	role         string
	resume       string
	drainTimeout time.Duration
	profile      string
	region       string
	logLevel     string
	logFormat    string

	kubeFlags *genericclioptions.ConfigFlags
}

// NewRootCmd creates the node-rotator command. Running it without a
// sub-command rotates the selected roles.
func NewRootCmd(info BuildInfo) *cobra.Command {
	rootCmd, _ := newRootCmd(info)
	return rootCmd
}

func newRootCmd(info BuildInfo) (*cobra.Command, *options) {
	opts := &options{kubeFlags: genericclioptions.NewConfigFlags(true)}

	rootCmd := &cobra.Command{
		Use:   "node-rotator",
		Short: "Replace the instances behind Kubernetes nodes without losing capacity",
		Long: `node-rotator marks every node of a role for retirement, doubles the auto scaling
group, waits for the replacements to become Ready, then drains and terminates the
marked nodes one at a time before shrinking the group back to its original size.

An interrupted rotation is continued with --role ROLE --resume MARKER.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runRotate(cmd.Context(), cfg, opts.kubeFlags, info)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "",
		fmt.Sprintf("path to a TOML configuration file (default ./%s when present)", config.DefaultConfigFile))
	flags.StringVar(&opts.profile, "profile", "", "named AWS profile to use")
	flags.StringVar(&opts.region, "region", "", "AWS region of the auto scaling groups")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json or text")
	opts.kubeFlags.AddFlags(flags)

	rootCmd.Flags().StringVar(&opts.role, "role", config.RoleBoth,
		"nodes to rotate: control-plane, worker or both")
	rootCmd.Flags().StringVar(&opts.resume, "resume", "",
		"continue the interrupted rotation carrying this marker (requires a single --role)")
	rootCmd.Flags().DurationVar(&opts.drainTimeout, "drain-timeout", config.Default().DrainTimeout,
		"how long to wait for a node to drain before terminating it anyway")

	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newVersionCmd(info))

	return rootCmd, opts
}

// loadConfig layers the command line over the file and environment
// configuration and validates the result
func (o *options) loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}

	if flags.Changed("role") {
		cfg.Role = o.role
	}
	if flags.Changed("resume") {
		cfg.ResumeMarker = o.resume
	}
	if flags.Changed("drain-timeout") {
		cfg.DrainTimeout = o.drainTimeout
	}
	if flags.Changed("profile") {
		cfg.AWSProfile = o.profile
	}
	if flags.Changed("region") {
		cfg.AWSRegion = o.region
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetGlobalConfig(level, cfg.LogFormat)
	return cfg, nil
}
