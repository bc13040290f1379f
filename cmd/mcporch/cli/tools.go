package cli

import (
	"fmt"
	"io"

	"github.com/effective-security/mcporch/registry"
	"github.com/effective-security/mcporch/session"
	"github.com/spf13/cobra"
)

// ToolInfo describes an available tool
type ToolInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolsOutput is the structured output of the tools command
type ToolsOutput struct {
	Providers map[string]string `json:"providers" yaml:"providers"`
	Tools     []ToolInfo        `json:"tools,omitempty" yaml:"tools,omitempty"`
}

func newToolsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Connect the providers and list the available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withSession(cmd.Context(), func(mgr *session.Manager, id string, statuses map[string]string) error {
				tools, err := mgr.Tools(id)
				if err != nil {
					return err
				}
				out := &ToolsOutput{Providers: statuses}
				for _, t := range tools {
					info := ToolInfo{Name: t.Name()}
					if t.Function != nil {
						info.Description = t.Function.Description
					}
					out.Tools = append(out.Tools, info)
				}

				return app.print(out, func(w io.Writer) {
					printStatuses(w, statuses)
					fmt.Fprintf(w, "\n%d tools available\n", len(out.Tools))
					for _, t := range out.Tools {
						fmt.Fprintf(w, "- %s: %s\n", t.Name, t.Description)
					}
				})
			})
		},
	}
}

func newResourcesCmd(app *App) *cobra.Command {
	var uri, providerName string

	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the provider resources, or read one with --uri",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return app.withSession(ctx, func(mgr *session.Manager, id string, _ map[string]string) error {
				if uri != "" {
					content, err := mgr.ReadResource(ctx, id, providerName, uri)
					if err != nil {
						return err
					}
					return app.print(content, func(w io.Writer) {
						for _, c := range content {
							fmt.Fprintln(w, c.Text)
						}
					})
				}

				list, err := mgr.Resources(ctx, id)
				if err != nil {
					return err
				}
				return app.print(list, func(w io.Writer) {
					printResources(w, list)
				})
			})
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "URI of the resource to read")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider of the resource, required with --uri")
	cmd.MarkFlagsRequiredTogether("uri", "provider")
	return cmd
}

func printResources(w io.Writer, list []registry.ProviderResources) {
	for _, pr := range list {
		if pr.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", pr.Provider, pr.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %d resources\n", pr.Provider, len(pr.Resources))
		for _, r := range pr.Resources {
			fmt.Fprintf(w, "- %s (%s)\n", r.URI, r.Name)
		}
	}
}
