package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sahan-penakalapati/hedwig/pkg/app"
	"github.com/sahan-penakalapati/hedwig/pkg/config"
)

func (c *cli) initCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := c.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.Default().Write(path, force); err != nil {
				if errors.Is(err, config.ErrExists) {
					return usageError{fmt.Errorf("%w (use --force to overwrite)", err)}
				}
				return err
			}
			_, _ = fmt.Fprintf(c.stdout, "%sWrote%s %s\n", colorGreen, colorReset, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func (c *cli) cleanupCommand() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete threads idle for longer than the retention period",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				keep := a.Config().Artifacts.CleanupDays
				if cmd.Flags().Changed("days") {
					keep = days
				}
				if keep <= 0 {
					_, _ = fmt.Fprintln(c.stdout, "Cleanup disabled (retention is 0 days).")
					return nil
				}
				rep, err := a.Cleanup(cmd.Context(), keep)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "Scanned %d threads idle since %s: deleted %d, skipped %d, failed %d\n",
					rep.Scanned, rep.Cutoff.Local().Format("2006-01-02"), len(rep.Deleted), len(rep.Skipped), len(rep.Failed))
				ids := make([]string, 0, len(rep.Failed))
				for id := range rep.Failed {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					_, _ = fmt.Fprintf(c.stdout, "  %s%s: %v%s\n", colorRed, id, rep.Failed[id], colorReset)
				}
				if len(rep.Failed) > 0 {
					return fmt.Errorf("cleanup: %d threads could not be deleted", len(rep.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "keep threads active within this many days (default artifacts.cleanup_days)")
	return cmd
}

func (c *cli) toolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools and their risk tiers",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				tw := newTable(c.stdout, "Tool", "Tier", "Summary")
				for _, d := range a.Tools() {
					tw.AppendRow(table.Row{d.Name, d.Tier, d.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func (c *cli) auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(c.auditExportCommand(), &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the audit trail",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				r, ok := a.Audit()
				if !ok {
					return fmt.Errorf("audit backend %q cannot be read back", a.Config().Audit.Backend)
				}
				n, err := r.Verify(cmd.Context())
				if err != nil {
					_, _ = fmt.Fprintf(c.stdout, "%sFAIL%s after %d entries\n", colorRed, colorReset, n)
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "%sOK%s %d entries, head %s\n", colorGreen, colorReset, n, r.Head())
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) auditExportCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <thread-id>",
		Short: "Write an evidence pack of a thread's audit entries and snapshots",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if out == "" {
				out = id + "-audit.zip"
			}
			return c.withApp(cmd, func(a *app.App) error {
				var buf bytes.Buffer
				sum, err := a.ExportAudit(cmd.Context(), id, &buf)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o600); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "Exported audit of %s to %s (sha256 %s)\n", id, out, sum)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "zip file to write (default <thread-id>-audit.zip)")
	return cmd
}
