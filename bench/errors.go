package bench

import "fmt"

// InvariantViolation reports node state that contradicts an expected
// post-condition. It aborts the current (node, pattern) run only.
type InvariantViolation struct {
	Check    string
	Node     int
	Pattern  string
	Expected string
	Observed string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: node %d: %s violated: expected %s, observed %s",
		e.Pattern, e.Node, e.Check, e.Expected, e.Observed)
}
