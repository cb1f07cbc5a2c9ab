package bench

// DriftAccumulator tracks the unspent-output count a run is expected to end
// with, so the drift is the observed count minus that expectation.
type DriftAccumulator struct {
	expected int64
}

// NewDriftAccumulator starts from the count observed before the workload.
func NewDriftAccumulator(initial int64) *DriftAccumulator {
	return &DriftAccumulator{expected: initial}
}

// Blocks discounts n generated blocks, one coinbase output each.
func (d *DriftAccumulator) Blocks(n int64) {
	d.expected += n
}

// ReceiveRound discounts a receive round trip: two confirmation blocks and
// the output-count change observed across the miner's payment.
func (d *DriftAccumulator) ReceiveRound(before, after int64) {
	d.expected += 2 + after - before
}

// Expected returns the expected final count so far.
func (d *DriftAccumulator) Expected() int64 {
	return d.expected
}

// Drift returns observed minus expected.
func (d *DriftAccumulator) Drift(observed int64) int64 {
	return observed - d.expected
}
