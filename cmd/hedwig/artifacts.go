package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
)

func (c *cli) artifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "artifacts",
		Aliases: []string{"files"},
		Short:   "List, open and delete artifacts",
	}
	cmd.AddCommand(c.artifactsListCommand(), c.artifactsOpenCommand(), c.artifactsDeleteCommand())
	return cmd
}

func (c *cli) artifactsListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List a thread's artifacts",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				if _, err := a.Thread(cmd.Context(), args[0]); err != nil {
					return err
				}
				recs := a.Artifacts(args[0])
				if asJSON {
					return json.NewEncoder(c.stdout).Encode(recs)
				}
				if len(recs) == 0 {
					_, _ = fmt.Fprintln(c.stdout, "No artifacts.")
					return nil
				}
				tw := newTable(c.stdout, "ID", "Name", "Type", "Size", "Created", "Tool")
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.DisplayName(), r.Type, humanize.Bytes(uint64(r.SizeBytes)), humanize.Time(r.CreatedAt), r.Tool})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) artifactsOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open <artifact-id>",
		Short: "Open an artifact with the desktop handler",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				return a.OpenArtifact(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) artifactsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <artifact-id>",
		Short: "Delete an artifact record and its file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				if err := a.DeleteArtifact(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "Deleted artifact %s\n", args[0])
				return nil
			})
		},
	}
}
