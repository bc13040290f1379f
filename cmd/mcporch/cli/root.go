package cli

import (
	"github.com/effective-security/mcporch/config"
	"github.com/spf13/cobra"
)

// NewRootCmd returns the mcporch command.
func NewRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcporch",
		Short:         "mcporch: orchestrate MCP tool providers with a language model.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(app.Out)
			cmd.SetErr(app.Err)
			if err := app.configureLogging(); err != nil {
				return err
			}
			return app.validateOutput()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.ConfigPath, "config", "", "path to the config file, "+config.PathEnv+" or "+config.DefaultPath+" by default")
	flags.StringVarP(&app.Output, "output", "o", app.Output, "output format: text, json, yaml or toml")
	flags.StringVar(&app.LogLevel, "log-level", app.LogLevel, "log level: debug, info, warning or error")
	flags.BoolVarP(&app.Verbose, "verbose", "v", false, "print the orchestration events")
	flags.BoolVar(&app.Stats, "stats", false, "print the run stats after each query")

	cmd.AddCommand(
		newQueryCmd(app),
		newChatCmd(app),
		newToolsCmd(app),
		newResourcesCmd(app),
	)
	return cmd
}
