// Package report formats sweep results into comparison tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/weiihann/changebench/bench"
)

// Generate writes a markdown table of drift per node configuration and
// pattern.
func Generate(w io.Writer, r *bench.SweepReport) error {
	if r == nil || len(r.Results) == 0 {
		return errors.New("no results to report")
	}

	failures := r.Failures()

	// Header.
	fmt.Fprintln(w, "## Min-change drift")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run `%s`\n", r.RunID)
	fmt.Fprintln(w)

	if len(failures) == 0 {
		fmt.Fprintln(w, "Runs: **all completed**")
	} else {
		fmt.Fprintf(w, "Runs: **%d FAILED**\n", len(failures))
	}

	fmt.Fprintln(w)

	// Table header.
	header := []string{"Node"}
	rule := []string{"------"}
	for _, p := range r.Patterns {
		header = append(header, p.String())
		rule = append(rule, strings.Repeat("-", len(p.String())))
	}
	header = append(header, "Elapsed")
	rule = append(rule, "---------")

	fmt.Fprintln(w, "| "+strings.Join(header, " | ")+" |")
	fmt.Fprintln(w, "|"+strings.Join(rule, "|")+"|")

	for _, label := range r.Labels() {
		cells := []string{label}

		var elapsed int64
		for _, p := range r.Patterns {
			res, ok := r.Get(label, p)
			elapsed += res.ElapsedMs
			cells = append(cells, formatDrift(res, ok))
		}
		cells = append(cells, formatMs(elapsed))

		fmt.Fprintln(w, "| "+strings.Join(cells, " | ")+" |")
	}

	fmt.Fprintln(w)

	// Lowest drift per pattern.
	for _, p := range r.Patterns {
		if best, ok := lowestDrift(r, p); ok {
			fmt.Fprintf(w, "Lowest %s drift: %s (%d)\n", p, best.Label, best.Drift)
		}
	}

	if len(failures) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "### Failures")
	fmt.Fprintln(w)

	for _, f := range failures {
		fmt.Fprintf(w, "- %s / %s (node %d): %s\n", f.Label, f.Pattern, f.Node, f.Error)
	}

	return nil
}

// GenerateJSON writes the report as JSON to w.
func GenerateJSON(w io.Writer, r *bench.SweepReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}

func formatDrift(res bench.DriftResult, ok bool) string {
	switch {
	case !ok:
		return "-"
	case res.Status == bench.Failed:
		return "FAILED"
	case res.Drift > 0:
		return "+" + strconv.FormatInt(res.Drift, 10)
	default:
		return strconv.FormatInt(res.Drift, 10)
	}
}

func lowestDrift(r *bench.SweepReport, p bench.Pattern) (bench.DriftResult, bool) {
	var (
		best  bench.DriftResult
		found bool
	)

	for _, res := range r.Results {
		if res.Pattern != p || res.Status != bench.Completed {
			continue
		}

		if !found || res.Drift < best.Drift {
			best = res
			found = true
		}
	}

	return best, found
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}

	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}
