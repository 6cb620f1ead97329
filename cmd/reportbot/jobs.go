package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"reportbot/internal/app"
	"reportbot/internal/report"
	"reportbot/internal/storage"
)

var (
	nextCount    int
	sendTo       string
	historyJob   string
	historyLimit int
)

var nextCmd = &cobra.Command{
	Use:   "next <report-id>",
	Short: "Print the upcoming fire times of a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath, app.WithOfflineTelegram())
		if err != nil {
			return err
		}
		defer a.Close()

		def, err := a.Store().FindDefinition(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		spec, err := a.Scheduling().Compile(def)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s, %s)\n", def.ID, def.Status, spec)
		times := spec.Upcoming(time.Now(), nextCount)
		if len(times) == 0 {
			fmt.Fprintln(out, "  no upcoming fire times")
			return nil
		}
		for _, t := range times {
			fmt.Fprintf(out, "  %s\n", t.In(spec.Location()).Format(time.RFC3339))
		}
		return nil
	},
}

var sendNowCmd = &cobra.Command{
	Use:   "send-now <report-id>",
	Short: "Run a report immediately",
	Long: "Run a report immediately and record its history. With --to the report is\n" +
		"only previewed into that destination and no history is written.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if sendTo != "" {
			if err := a.Scheduling().SendNow(ctx, args[0], sendTo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[0], sendTo)
			return nil
		}
		h, err := a.Scheduling().RunOnce(ctx, args[0])
		if h != nil {
			printHistory(cmd, *h)
		}
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent execution histories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath, app.WithOfflineTelegram())
		if err != nil {
			return err
		}
		defer a.Close()

		hs, err := a.Store().ListHistories(cmd.Context(), storage.HistoryFilter{JobID: historyJob, Limit: historyLimit})
		if err != nil {
			return err
		}
		for _, h := range hs {
			printHistory(cmd, h)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and compile every stored recurrence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cfgPath, app.WithOfflineTelegram())
		if err != nil {
			return err
		}
		defer a.Close()
		return validateDefinitions(cmd.Context(), cmd, a)
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of fire times to print")
	sendNowCmd.Flags().StringVar(&sendTo, "to", "", "preview destination (\"<chatID>\", \"<chatID>/<thread>\" or \"@channel\")")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "only histories of this report")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")
}

func validateDefinitions(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	defs, err := a.Store().FindDefinitionsByType(ctx, report.Types()...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	var errs []error
	for _, def := range defs {
		if _, err := a.Scheduling().Compile(def); err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", def.ID, err)
			errs = append(errs, errors.Wrapf(err, "report %s", def.ID))
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", def.ID)
	}
	fmt.Fprintf(out, "%d definitions, %d invalid\n", len(defs), len(errs))
	return errors.Join(errs...)
}

func printHistory(cmd *cobra.Command, h report.History) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s  %s  delivered=%d\n",
		h.CreatedAt.Format(time.RFC3339), h.Status, h.JobID, h.ID, len(h.DeliveryReceipts))
}
