package bench

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the state of one (subject, pattern) pair.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
)

var statusNames = map[Status]string{
	Pending:   "pending",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}

	return errors.Errorf("unknown status %q", text)
}

// DriftResult is the outcome of one pattern on one subject.
type DriftResult struct {
	Pattern   Pattern `json:"pattern"`
	Node      int     `json:"node"`
	Label     string  `json:"label"`
	Drift     int64   `json:"drift"`
	Status    Status  `json:"status"`
	Error     string  `json:"error,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// SweepReport holds every result of a sweep in the order they ran.
type SweepReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Patterns   []Pattern     `json:"patterns"`
	Results    []DriftResult `json:"results"`
}

// Get returns the result for a node label and pattern.
func (r *SweepReport) Get(label string, p Pattern) (DriftResult, bool) {
	for _, res := range r.Results {
		if res.Label == label && res.Pattern == p {
			return res, true
		}
	}

	return DriftResult{}, false
}

// Labels returns the node labels in the order they first ran.
func (r *SweepReport) Labels() []string {
	var labels []string

	seen := make(map[string]bool)
	for _, res := range r.Results {
		if !seen[res.Label] {
			seen[res.Label] = true
			labels = append(labels, res.Label)
		}
	}

	return labels
}

// Failures returns the failed pairs.
func (r *SweepReport) Failures() []DriftResult {
	var failed []DriftResult
	for _, res := range r.Results {
		if res.Status == Failed {
			failed = append(failed, res)
		}
	}

	return failed
}

type resultKey struct {
	label   string
	pattern Pattern
}

// sweepBuilder accumulates results. A key can only be added once.
type sweepBuilder struct {
	report SweepReport
	seen   map[resultKey]bool
}

func newSweepBuilder(runID string, started time.Time, patterns []Pattern) *sweepBuilder {
	return &sweepBuilder{
		report: SweepReport{
			RunID:     runID,
			StartedAt: started,
			Patterns:  append([]Pattern(nil), patterns...),
		},
		seen: make(map[resultKey]bool),
	}
}

func (b *sweepBuilder) add(res DriftResult) error {
	key := resultKey{label: res.Label, pattern: res.Pattern}
	if b.seen[key] {
		return errors.Errorf("duplicate result for %s on %q", res.Pattern, res.Label)
	}

	b.seen[key] = true
	b.report.Results = append(b.report.Results, res)

	return nil
}

func (b *sweepBuilder) build(finished time.Time) *SweepReport {
	report := b.report
	report.FinishedAt = finished
	report.Results = append([]DriftResult(nil), b.report.Results...)

	return &report
}
