package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		times       int
		sets        []string
		journal     string
		events      bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run MODEL",
		Short: "Run a model and print its ports",
		Long: `Load a model file, apply --set assignments and run its workflow.

Each run executes every component in workflow order. Components whose
inputs and consumed outputs are all valid are skipped, so a second run
without new assignments computes nothing.`,
		Example: `  # Run once
  lazyflow run model.yaml

  # Override an input and run twice, journaling passes
  lazyflow run model.yaml --set t.a=3 --times 2 --journal runs.db

  # Print the event timeline
  lazyflow run model.hcl --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if times < 1 {
				return fmt.Errorf("--times must be at least 1")
			}

			s, err := openSession(cmd.Context(), args[0], sessionOptions{
				journal:     journal,
				events:      events,
				metricsAddr: metricsAddr,
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.applySets(s.model, sets); err != nil {
				return err
			}

			log.Info().
				Str("model", s.model.Name()).
				Int("components", len(s.model.Components())).
				Int("times", times).
				Msg("Running model")

			runs := make([][]passReport, 0, times)
			var runErr error
			for i := 0; i < times && runErr == nil; i++ {
				var results []*engine.PassResult
				results, runErr = s.runModel(s.model)
				runs = append(runs, reportPasses(results))
				if !jsonOutput {
					fmt.Printf("run %d:\n", i+1)
					printPasses(os.Stdout, results)
				}
			}

			if jsonOutput {
				out := map[string]interface{}{
					"model": s.model.Name(),
					"runs":  runs,
					"ports": s.model.Status(),
				}
				if runErr != nil {
					out["error"] = runErr.Error()
				}
				if err := printJSON(out); err != nil {
					return err
				}
			} else {
				fmt.Println()
				if err := printStatus(os.Stdout, s.model.Status()); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&times, "times", 1, "number of times to run the workflow")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "assign an input before running (path=value, repeatable)")
	cmd.Flags().StringVar(&journal, "journal", "", "SQLite database recording runs, passes and events")
	cmd.Flags().BoolVar(&events, "events", false, "print the event timeline to stderr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}
