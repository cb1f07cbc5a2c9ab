package workload

import "fmt"

// DataFormatError reports a dataset line that is not a valid amount literal.
type DataFormatError struct {
	Path string
	Line int
	Text string
	Err  error
}

func (e *DataFormatError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}

	return fmt.Sprintf("%s:%d: invalid amount %q: %v", e.Path, e.Line, e.Text, e.Err)
}

func (e *DataFormatError) Unwrap() error {
	return e.Err
}

// RunnerConfigError reports a dataset or runner setting that is inconsistent
// with what the benchmark expects, such as a dataset of the wrong length or
// a batch size above the node's output ceiling.
type RunnerConfigError struct {
	Setting string
	Want    string
	Got     string
}

func (e *RunnerConfigError) Error() string {
	return fmt.Sprintf("runner config: %s: want %s, got %s", e.Setting, e.Want, e.Got)
}
