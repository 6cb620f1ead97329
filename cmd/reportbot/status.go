package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"reportbot/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the triggers the stored reports would install",
	Long: "Restore every active report into a local trigger table without starting\n" +
		"the cron loop, then print it together with the execution pool settings.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath, app.WithOfflineTelegram(), app.WithSchedulingEnabled())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Scheduling().RestoreAll(cmd.Context()); err != nil {
			return err
		}
		if err := a.Housekeeping().Register(); err != nil {
			return err
		}
		writeStatus(cmd.OutOrStdout(), a.Status())
		return nil
	},
}

var branchesCmd = &cobra.Command{
	Use:   "branches [project]",
	Short: "List cached repository branches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath, app.WithOfflineTelegram())
		if err != nil {
			return err
		}
		defer a.Close()

		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		bs, err := a.Store().ListBranches(cmd.Context(), project)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, b := range bs {
			fmt.Fprintf(out, "%s\t%s\n", b.Project, b.Name)
		}
		if len(bs) == 0 {
			fmt.Fprintln(out, "no cached branches (run housekeeping to refresh)")
		}
		return nil
	},
}

func writeStatus(out io.Writer, st app.Status) {
	e := st.Engine
	fmt.Fprintf(out, "pool: workers=%d queue=%d/%d in_flight=%d dropped=%d\n",
		e.Workers, e.QueueLen, e.QueueCap, e.InFlight, e.Dropped)
	fmt.Fprintf(out, "triggers: %d\n", len(st.Triggers))
	for _, t := range st.Triggers {
		next := "-"
		if !t.Next.IsZero() {
			next = t.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  %-24s %-8s %-22s next=%s", t.ID, t.Kind, t.Trigger, next)
		if t.SkipPending > 0 {
			fmt.Fprintf(out, " skip=%d", t.SkipPending)
		}
		fmt.Fprintln(out)
	}
}
