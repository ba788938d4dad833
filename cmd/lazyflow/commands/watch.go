package commands

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/config"
	"github.com/lazyflow/lazyflow/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		sets        []string
		journal     string
		events      bool
		metricsAddr string
		delay       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch MODEL",
		Short: "Re-run a model whenever its files change",
		Long: `Run a model, then watch the model file and the Starlark files beside it.
Every change rebuilds the model, re-applies --set assignments and runs
it again. Invalid edits are reported and the previous model is kept.`,
		Example: `  lazyflow watch model.yaml
  lazyflow watch model.yaml --journal runs.db --metrics-addr :9464`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], sessionOptions{
				journal:     journal,
				events:      events,
				metricsAddr: metricsAddr,
			})
			if err != nil {
				return err
			}
			defer s.Close()

			var mu sync.Mutex
			runOnce := func(m *engine.Model) error {
				mu.Lock()
				defer mu.Unlock()
				if err := s.applySets(m, sets); err != nil {
					return err
				}
				results, err := s.runModel(m)
				fmt.Printf("%s: %s\n", time.Now().Format("15:04:05"), m.Name())
				printPasses(os.Stdout, results)
				if err != nil {
					return err
				}
				return printStatus(os.Stdout, m.Status())
			}

			if err := runOnce(s.model); err != nil {
				log.Error().Err(err).Msg("Initial run failed")
			}

			reload := func(ctx context.Context, m *engine.Model, _ *config.ModelConfig) error {
				_ = s.tel.Events.PublishModelReloaded(ctx, m.Name(), s.path)
				return runOnce(m)
			}
			if err := s.loader.Watch(s.ctx, s.path, delay, reload, s.engineOpts...); err != nil {
				return err
			}

			<-s.ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "assign an input before every run (path=value, repeatable)")
	cmd.Flags().StringVar(&journal, "journal", "", "SQLite database recording runs, passes and events")
	cmd.Flags().BoolVar(&events, "events", false, "print the event timeline to stderr")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&delay, "delay", config.DefaultWatchDelay, "wait this long for writes to settle")

	return cmd
}
