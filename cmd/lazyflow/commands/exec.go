package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazyflow/lazyflow/pkg/extcode"
)

func newExecCommand() *cobra.Command {
	var (
		timeout time.Duration
		dir     string
		stdin   string
		stdout  string
		stderr  string
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- COMMAND...",
		Short: "Run an external command the way extcode components do",
		Long: `Run a shell command with a timeout, in an explicit working directory,
with optional file redirection. The command's exit status is reported;
a timeout or non-zero exit makes lazyflow exit non-zero.

Use --stderr STDOUT to merge standard error into standard output.`,
		Example: `  lazyflow exec --timeout 5s -- make test
  lazyflow exec --dir work --stdout run.out --stderr STDOUT -- ./solver input.dat`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			if stderr == "STDOUT" {
				stderr = extcode.STDOUT
			}
			ctx := log.Logger.WithContext(cmd.Context())

			res, err := extcode.ExecuteWithTimeout(ctx, extcode.Command{
				Line:    line,
				WorkDir: dir,
				Timeout: timeout,
				Stdin:   stdin,
				Stdout:  stdout,
				Stderr:  stderr,
			})
			if res != nil {
				if jsonOutput {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				} else {
					if stdout == "" && res.Stdout != "" {
						fmt.Print(res.Stdout)
					}
					log.Info().
						Int("return_code", res.ReturnCode).
						Bool("timed_out", res.TimedOut).
						Dur("duration", res.Duration).
						Msg("Command finished")
				}
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "kill the command after this long (0 for no limit)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().StringVar(&stdin, "stdin", "", "read standard input from this file")
	cmd.Flags().StringVar(&stdout, "stdout", "", "write standard output to this file")
	cmd.Flags().StringVar(&stderr, "stderr", "", "write standard error to this file, or STDOUT")

	return cmd
}
