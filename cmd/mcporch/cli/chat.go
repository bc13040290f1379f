package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/encoding"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/session"
	"github.com/spf13/cobra"
)

// chatMode returns multi-step when the text asks for it
func chatMode(text string) orchestrator.Mode {
	if strings.Contains(strings.ToLower(text), string(orchestrator.ModeMultiStep)) {
		return orchestrator.ModeMultiStep
	}
	return orchestrator.ModeFlat
}

func newChatCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session, one query per line",
		Long: `Start an interactive session, one query per line.
A query that mentions "multi-step" runs in the multi-step mode.
Type "exit" or "quit" to end the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return app.withSession(ctx, func(mgr *session.Manager, id string, statuses map[string]string) error {
				if app.Output == encoding.ModeText {
					printStatuses(app.Out, statuses)
				} else if err := app.print(statuses, nil); err != nil {
					return err
				}

				scanner := bufio.NewScanner(app.In)
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for {
					if app.Output == encoding.ModeText {
						fmt.Fprint(app.Out, "\n> ")
					}
					if !scanner.Scan() {
						break
					}
					text := strings.TrimSpace(scanner.Text())
					if text == "" {
						continue
					}
					if text == "exit" || text == "quit" {
						break
					}

					res, err := mgr.ProcessQuery(ctx, id, text, chatMode(text))
					if err != nil {
						return err
					}
					app.printStats(id)
					err = app.print(res, func(w io.Writer) {
						printResult(w, res)
					})
					if err != nil {
						return err
					}
				}
				return errors.Wrap(scanner.Err(), "failed to read input")
			})
		},
	}
}
