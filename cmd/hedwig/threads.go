package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
)

func (c *cli) threadsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List, inspect, delete and export threads",
	}
	cmd.AddCommand(c.threadsListCommand(), c.threadsShowCommand(), c.threadsDeleteCommand(), c.threadsExportCommand())
	return cmd
}

func (c *cli) threadsListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recent first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				list, err := a.Threads(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(c.stdout).Encode(list)
				}
				if len(list) == 0 {
					_, _ = fmt.Fprintln(c.stdout, "No threads.")
					return nil
				}
				tw := newTable(c.stdout, "ID", "Title", "Messages", "Updated", "Last message")
				for _, t := range list {
					title := truncate(t.Title, 40)
					if t.Corrupt {
						title = colorRed + "(unreadable snapshot)" + colorReset
					}
					tw.AppendRow(table.Row{t.ID, title, t.MessageCount, t.UpdatedAt.Local().Format(time.DateTime), truncate(t.LastMessage, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) threadsShowCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print a thread's messages",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				st, err := a.Thread(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(c.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				_, _ = fmt.Fprintf(c.stdout, "%s%s%s  %s\n", colorBold, st.ID, colorReset, st.Title)
				for _, m := range st.Messages {
					_, _ = fmt.Fprintf(c.stdout, "\n%s[%s] %s%s\n%s\n", colorGray, m.Time.Local().Format(time.DateTime), m.Role, colorReset, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) threadsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread-id>",
		Short: "Delete a thread and its artifacts",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				if err := a.DeleteThread(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "Deleted thread %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) threadsExportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <thread-id>",
		Short: "Write a zip of a thread and its artifact files",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if out == "" {
				out = id + ".zip"
			}
			return c.withApp(cmd, func(a *app.App) (err error) {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
					if err != nil {
						_ = os.Remove(out)
					}
				}()
				if err := a.ExportThread(cmd.Context(), id, f); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "Exported %s to %s\n", id, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "zip file to write (default <thread-id>.zip)")
	return cmd
}
