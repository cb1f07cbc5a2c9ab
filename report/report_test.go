package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/weiihann/changebench/bench"
)

func sampleReport() *bench.SweepReport {
	return &bench.SweepReport{
		RunID:    "3f1c",
		Patterns: bench.AllPatterns,
		Results: []bench.DriftResult{
			{Pattern: bench.ChunkedSend, Node: 1, Label: "minchange=10", Drift: 42, Status: bench.Completed, ElapsedMs: 1500},
			{Pattern: bench.ChunkedSend, Node: 2, Label: "minchange=1", Drift: 7, Status: bench.Completed, ElapsedMs: 300},
			{Pattern: bench.PingPong, Node: 1, Label: "minchange=10", Drift: -3, Status: bench.Completed, ElapsedMs: 500},
			{Pattern: bench.PingPong, Node: 2, Label: "minchange=1", Status: bench.Failed, Error: "insufficient funds", ElapsedMs: 200},
		},
	}
}

func TestGenerate(t *testing.T) {
	var buf bytes.Buffer
	if err := Generate(&buf, sampleReport()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"Run `3f1c`",
		"| Node | chunked-send | ping-pong | Elapsed |",
		"| minchange=10 | +42 | -3 | 2.00s |",
		"| minchange=1 | +7 | FAILED | 500ms |",
		"Runs: **1 FAILED**",
		"Lowest chunked-send drift: minchange=1 (7)",
		"Lowest ping-pong drift: minchange=10 (-3)",
		"- minchange=1 / ping-pong (node 2): insufficient funds",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestGenerateAllCompleted(t *testing.T) {
	r := sampleReport()
	r.Results = r.Results[:3]

	var buf bytes.Buffer
	if err := Generate(&buf, r); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "all completed") {
		t.Error("expected 'all completed' without failures")
	}
	if strings.Contains(output, "Failures") {
		t.Error("unexpected failure section")
	}
	if !strings.Contains(output, "| minchange=1 | +7 | - |") {
		t.Error("expected '-' for a pair that did not run")
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Generate(&buf, nil); err == nil {
		t.Error("expected error for nil report")
	}
	if err := Generate(&buf, &bench.SweepReport{}); err == nil {
		t.Error("expected error for empty report")
	}
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := GenerateJSON(&buf, sampleReport()); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	var parsed bench.SweepReport
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if len(parsed.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(parsed.Results))
	}
	if parsed.Results[3].Status != bench.Failed {
		t.Errorf("status = %s, want failed", parsed.Results[3].Status)
	}
	if !strings.Contains(buf.String(), `"pattern": "ping-pong"`) {
		t.Error("expected patterns encoded by name")
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0ms"},
		{999, "999ms"},
		{1000, "1.00s"},
		{1500, "1.50s"},
	}

	for _, tt := range tests {
		got := formatMs(tt.input)
		if got != tt.want {
			t.Errorf("formatMs(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatDrift(t *testing.T) {
	tests := []struct {
		res  bench.DriftResult
		ok   bool
		want string
	}{
		{bench.DriftResult{Drift: 3, Status: bench.Completed}, true, "+3"},
		{bench.DriftResult{Drift: 0, Status: bench.Completed}, true, "0"},
		{bench.DriftResult{Drift: -2, Status: bench.Completed}, true, "-2"},
		{bench.DriftResult{Status: bench.Failed}, true, "FAILED"},
		{bench.DriftResult{}, false, "-"},
	}

	for _, tt := range tests {
		got := formatDrift(tt.res, tt.ok)
		if got != tt.want {
			t.Errorf("formatDrift(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}
