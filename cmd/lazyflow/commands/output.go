package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// passReport is the JSON form of an engine.PassResult.
type passReport struct {
	Component  string        `json:"component"`
	Invocation int           `json:"invocation"`
	Outcome    string        `json:"outcome"`
	Computed   []string      `json:"computed"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

func reportPasses(results []*engine.PassResult) []passReport {
	out := make([]passReport, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		rep := passReport{
			Component:  r.Component,
			Invocation: r.Invocation,
			Outcome:    r.Outcome(),
			Computed:   r.Computed,
			Duration:   r.Duration,
		}
		if r.Err != nil {
			rep.Error = r.Err.Error()
		}
		out = append(out, rep)
	}
	return out
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPasses(w io.Writer, results []*engine.PassResult) {
	for _, r := range reportPasses(results) {
		switch r.Outcome {
		case "skipped":
			fmt.Fprintf(w, "  %s: up to date\n", r.Component)
		case "error":
			fmt.Fprintf(w, "  %s (pass %d): failed\n", r.Component, r.Invocation)
		default:
			fmt.Fprintf(w, "  %s (pass %d): computed %s in %s\n",
				r.Component, r.Invocation, strings.Join(r.Computed, ", "), r.Duration.Round(time.Microsecond))
		}
	}
}

func printStatus(w io.Writer, ports []engine.PortStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tDIR\tTYPE\tVALUE\tVALID\tCONNECTED")
	for _, p := range ports {
		valid := "no"
		if p.Valid {
			valid = "yes"
		}
		connected := ""
		if p.Connected {
			connected = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\n", p.Path, p.Direction, p.Type, formatGo(p.Value), valid, connected)
	}
	return tw.Flush()
}

func formatGo(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%g", x)
	case string:
		return fmt.Sprintf("%q", x)
	default:
		return fmt.Sprint(x)
	}
}
