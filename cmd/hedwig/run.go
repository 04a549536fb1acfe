package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
	"github.com/sahan-penakalapati/hedwig/pkg/escalation"
)

func (c *cli) runCommand() *cobra.Command {
	var (
		thread string
		yes    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Answer one prompt and exit",
		Long: "Answer one prompt and exit. Confirmations are asked on the terminal\n" +
			"unless --yes is given; once input is closed they are denied.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{fmt.Errorf("run needs a prompt")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var channel escalation.Channel = escalation.NewTerminalChannel(c.stdin, c.stderr)
			if yes {
				channel = escalation.StaticChannel{Answer: escalation.Approve}
			}
			return c.withApp(cmd, func(a *app.App) error {
				reply, err := a.Ask(cmd.Context(), thread, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(c.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(reply)
				}
				printReply(c.stdout, reply)
				_, _ = fmt.Fprintf(c.stdout, "%sthread %s%s\n", colorGray, reply.ThreadID, colorReset)
				return nil
			}, app.WithChannel(channel))
		},
	}
	cmd.Flags().StringVar(&thread, "thread", "", "continue an existing thread")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every confirmation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the reply as JSON")
	return cmd
}
