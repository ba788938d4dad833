package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		journal   string
		model     string
		runID     string
		component string
		events    bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled runs, passes and events",
		Long: `Read the SQLite journal written by run --journal or watch --journal.

Without filters the most recent runs are listed. --run or --component
lists passes instead, and --events lists the event timeline of a run.`,
		Example: `  lazyflow history --journal runs.db
  lazyflow history --journal runs.db --run 3f2a... --events
  lazyflow history --journal runs.db --component t`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openJournal(ctx, journal)
			if err != nil {
				return err
			}
			defer store.Close()

			switch {
			case events:
				list, err := store.GetEvents(ctx, runID, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(list)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTYPE\tCOMPONENT\tMESSAGE")
				for _, e := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05.000"), e.Type, e.Component, e.Message)
				}
				return tw.Flush()

			case runID != "" || component != "":
				passes, err := store.ListPasses(ctx, stores.PassFilter{
					RunID:     runID,
					Model:     model,
					Component: component,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(passes)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WHEN\tCOMPONENT\tPASS\tOUTCOME\tCOMPUTED\tDURATION\tERROR")
				for _, p := range passes {
					errMsg := ""
					if p.Error != nil {
						errMsg = *p.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\t%s\t%s\n",
						humanize.Time(p.StartedAt), p.Component, p.Invocation, p.Outcome, p.Computed, p.Duration, errMsg)
				}
				return tw.Flush()

			default:
				runs, err := store.ListRuns(ctx, model, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tMODEL\tSTATUS\tSTARTED\tSOURCE")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Model, r.Status, humanize.Time(r.StartedAt), r.Source)
				}
				return tw.Flush()
			}
		},
	}

	cmd.Flags().StringVar(&journal, "journal", "lazyflow.db", "SQLite journal database")
	cmd.Flags().StringVar(&model, "model", "", "only this model")
	cmd.Flags().StringVar(&runID, "run", "", "only this run")
	cmd.Flags().StringVar(&component, "component", "", "only passes of this component")
	cmd.Flags().BoolVar(&events, "events", false, "list events instead of passes")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of rows (0 for all)")

	return cmd
}
