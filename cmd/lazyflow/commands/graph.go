package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		out  string
		sets []string
		run  bool
	)

	cmd := &cobra.Command{
		Use:   "graph MODEL",
		Short: "Render a model as a Graphviz DOT graph",
		Long: `Render the components, ports and connections of a model as DOT.
Ports are colored by validity, so rendering after --run shows which
values are current.`,
		Example: `  lazyflow graph model.yaml | dot -Tsvg > model.svg
  lazyflow graph model.yaml --run --out model.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), args[0], sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.applySets(s.model, sets); err != nil {
				return err
			}
			if run {
				if _, err := s.runModel(s.model); err != nil {
					return err
				}
			}

			dot := engine.ToDOT(s.model)
			if out == "" {
				fmt.Print(dot)
				return nil
			}
			if err := os.WriteFile(out, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			log.Info().Str("file", out).Msg("Graph written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write DOT to this file instead of stdout")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "assign an input before rendering (path=value, repeatable)")
	cmd.Flags().BoolVar(&run, "run", false, "run the workflow before rendering")

	return cmd
}
