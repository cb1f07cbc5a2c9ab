// Package workload loads recorded amount sequences for the change benchmark.
// A dataset consists of three plain-text files sharing a prefix: one decimal
// literal per line in <prefix>.receive, <prefix>.send and <prefix>.all.
package workload

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/amount"
)

// Sequence is an ordered, immutable list of signed amounts. Negative values
// are outgoing spends, non-negative values are incoming receives.
type Sequence struct {
	values []btcutil.Amount
}

// NewSequence copies values into a Sequence.
func NewSequence(values ...btcutil.Amount) Sequence {
	return Sequence{values: append([]btcutil.Amount(nil), values...)}
}

// Len returns the number of elements.
func (s Sequence) Len() int {
	return len(s.values)
}

// At returns the i-th element.
func (s Sequence) At(i int) btcutil.Amount {
	return s.values[i]
}

// Values returns a copy of the elements.
func (s Sequence) Values() []btcutil.Amount {
	return append([]btcutil.Amount(nil), s.values...)
}

// Sum returns the total of all elements.
func (s Sequence) Sum() btcutil.Amount {
	var total btcutil.Amount
	for _, v := range s.values {
		total += v
	}

	return total
}

// MinBalance returns the lowest running balance reached while replaying the
// sequence from zero. It is never positive.
func (s Sequence) MinBalance() btcutil.Amount {
	var bal, low btcutil.Amount
	for _, v := range s.values {
		bal += v
		low = min(low, bal)
	}

	return low
}

// Prefix returns the first n elements, or the whole sequence when n is
// non-positive or exceeds its length.
func (s Sequence) Prefix(n int) Sequence {
	if n <= 0 || n >= len(s.values) {
		return s
	}

	return Sequence{values: s.values[:n:n]}
}

// Chunks splits the sequence into consecutive batches of size n. The last
// batch holds the remainder. n must be positive.
func (s Sequence) Chunks(n int) []Sequence {
	if n <= 0 {
		panic("workload: chunk size must be positive")
	}

	chunks := make([]Sequence, 0, (len(s.values)+n-1)/n)
	for i := 0; i < len(s.values); i += n {
		end := min(i+n, len(s.values))
		chunks = append(chunks, Sequence{values: s.values[i:end:end]})
	}

	return chunks
}

// Parse reads one decimal literal per line. Blank lines are skipped. name is
// used for error reporting only.
func Parse(r io.Reader, name string) (Sequence, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var values []btcutil.Amount

	lineNum := 0
	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		v, err := amount.Parse(line)
		if err != nil {
			return Sequence{}, &DataFormatError{
				Path: name,
				Line: lineNum,
				Text: line,
				Err:  err,
			}
		}

		values = append(values, v)
	}

	if err := scanner.Err(); err != nil {
		return Sequence{}, &DataFormatError{Path: name, Line: lineNum, Err: err}
	}

	return Sequence{values: values}, nil
}

// Load parses the file at path.
func Load(path string) (Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sequence{}, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()

	return Parse(f, path)
}

// FilterDust drops every element exactly equal to dust.
func FilterDust(s Sequence, dust btcutil.Amount) Sequence {
	kept := make([]btcutil.Amount, 0, len(s.values))
	for _, v := range s.values {
		if v != dust {
			kept = append(kept, v)
		}
	}

	return Sequence{values: kept}
}

// DeriveCombined front-loads two corrections onto the combined sequence: a
// fee reserve of one satoshi per planned send, followed by the negated
// minimum running balance of all. Every running balance of the result is
// non-negative.
func DeriveCombined(all Sequence, sends int) Sequence {
	values := make([]btcutil.Amount, 0, len(all.values)+2)
	values = append(values,
		btcutil.Amount(sends)*amount.Satoshi,
		-all.MinBalance(),
	)
	values = append(values, all.values...)

	return Sequence{values: values}
}
