package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/session"
	"github.com/spf13/cobra"
)

// QueryOutput is the structured output of the query command
type QueryOutput struct {
	SessionID string               `json:"session_id" yaml:"session_id"`
	Providers map[string]string    `json:"providers" yaml:"providers"`
	Result    *orchestrator.Result `json:"result" yaml:"result"`
	Summary   string               `json:"summary,omitempty" yaml:"summary,omitempty"`
}

func newQueryCmd(app *App) *cobra.Command {
	var mode string
	var summary bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one query and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := strings.Join(args, " ")

			return app.withSession(ctx, func(mgr *session.Manager, id string, statuses map[string]string) error {
				res, err := mgr.ProcessQuery(ctx, id, text, orchestrator.ParseMode(mode))
				if err != nil {
					return err
				}
				app.printStats(id)

				out := &QueryOutput{
					SessionID: id,
					Providers: statuses,
					Result:    res,
				}
				if summary {
					out.Summary = mgr.GenerateSummary(ctx, id, res)
				}

				return app.print(out, func(w io.Writer) {
					printStatuses(w, statuses)
					fmt.Fprintln(w)
					printResult(w, res)
					if out.Summary != "" {
						fmt.Fprintf(w, "\nSummary:\n%s\n", out.Summary)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(orchestrator.ModeFlat), "orchestration mode: flat or multi-step")
	cmd.Flags().BoolVar(&summary, "summary", false, "print a summary of the response")
	return cmd
}
