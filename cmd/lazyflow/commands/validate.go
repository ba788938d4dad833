package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate MODEL...",
		Short: "Validate model files",
		Long: `Validate model files without running them.

This command checks:
  - YAML or HCL syntax
  - Field values (port types, durations, names)
  - Component kinds, including installed plugins
  - Connections: port existence, direction, double-fed inputs
  - Assignments and workflow references`,
		Example: `  # Validate one model
  lazyflow validate model.yaml

  # Validate several, reporting as JSON
  lazyflow validate --json a.yaml b.hcl`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := newLoader()
			if err != nil {
				return err
			}

			report := make(map[string][]config.ValidationError)
			failed := 0
			for _, path := range args {
				log.Debug().Str("path", path).Msg("Validating model")

				cfg, err := loader.LoadFile(cmd.Context(), path)
				if err == nil {
					err = loader.Validate(cfg)
				}
				if err == nil {
					report[path] = []config.ValidationError{}
					if !jsonOutput {
						fmt.Printf("%s: ok\n", path)
					}
					continue
				}

				failed++
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					verrs = config.ValidationErrors{{File: path, Message: err.Error(), Severity: "error"}}
				}
				report[path] = verrs
				if !jsonOutput {
					for _, e := range verrs {
						fmt.Println(e.Error())
					}
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d model(s) failed validation", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}
