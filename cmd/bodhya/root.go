package main

import (
	"github.com/spf13/cobra"
)

type globalOptions struct {
	ConfigPath string
	Profile    string
	WorkDir    string
	LogLevel   string
	JSON       bool
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "bodhya",
		Short: "Local-first task orchestration",
		Long: `Bodhya routes natural-language tasks to domain agents that work inside a
sandboxed working directory, using locally installed models first.

Configuration is read from --config (YAML), an optional profile overlay and
BODHYA_* environment variables. A .env file in the current directory is
loaded before anything else.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (YAML)")
	flags.StringVar(&opts.Profile, "profile", "", "config profile overlay (config.<profile>.yaml)")
	flags.StringVarP(&opts.WorkDir, "workdir", "w", "", "working directory agents are confined to (overrides tools.work_dir)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.JSON, "json", false, "JSON output")

	root.AddCommand(
		newRunCmd(opts),
		newModelsCmd(opts),
		newToolsCmd(opts),
		newHistoryCmd(opts),
		newAgentsCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(opts),
	)
	return root
}
