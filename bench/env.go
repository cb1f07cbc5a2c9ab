package bench

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/workload"
)

// Config holds the sweep's tuning constants.
type Config struct {
	// ReceiveBatch is the number of outputs per sendmany in ChunkedSend.
	ReceiveBatch int `yaml:"receive_batch"`
	// SendBatch is the number of spends between blocks in ChunkedSend.
	SendBatch int `yaml:"send_batch"`
	// MaxOutputsPerTx is the node's ceiling on outputs per broadcast.
	MaxOutputsPerTx int `yaml:"max_outputs_per_tx"`
	// ConfirmBlocks confirm the bulk receive.
	ConfirmBlocks int `yaml:"confirm_blocks"`
	// InitialBlocks fund the miner before the sweep.
	InitialBlocks int `yaml:"initial_blocks"`
	// WipeBlocks confirm the wipe after each run.
	WipeBlocks int `yaml:"wipe_blocks"`
}

// DefaultConfig returns the reference benchmark settings.
func DefaultConfig() Config {
	return Config{
		ReceiveBatch:    2750,
		SendBatch:       25,
		MaxOutputsPerTx: 3000,
		ConfirmBlocks:   10,
		InitialBlocks:   151,
		WipeBlocks:      10,
	}
}

// Validate rejects batch sizes the benchmark cannot run with.
func (c Config) Validate() error {
	fail := func(setting, want string, got int) error {
		return &workload.RunnerConfigError{Setting: setting, Want: want, Got: strconv.Itoa(got)}
	}

	switch {
	case c.ReceiveBatch <= 0:
		return fail("receive batch", "> 0", c.ReceiveBatch)
	case c.MaxOutputsPerTx > 0 && c.ReceiveBatch > c.MaxOutputsPerTx:
		return fail("receive batch", "<= "+strconv.Itoa(c.MaxOutputsPerTx), c.ReceiveBatch)
	case c.SendBatch <= 0:
		return fail("send batch", "> 0", c.SendBatch)
	case c.SendBatch >= c.ReceiveBatch:
		return fail("send batch", "< "+strconv.Itoa(c.ReceiveBatch), c.SendBatch)
	case c.ConfirmBlocks <= 0:
		return fail("confirm blocks", "> 0", c.ConfirmBlocks)
	case c.WipeBlocks <= 0:
		return fail("wipe blocks", "> 0", c.WipeBlocks)
	case c.InitialBlocks < 0:
		return fail("initial blocks", ">= 0", c.InitialBlocks)
	}

	return nil
}

// Env is what runners share: the topology and a logger.
type Env struct {
	Topology *harness.Topology
	Logger   *slog.Logger
}

// Miner returns the block producer.
func (e *Env) Miner() *harness.Node {
	return e.Topology.Miner()
}

// GenerateAndSync has the miner produce blocks, bracketed by sync
// barriers.
func (e *Env) GenerateAndSync(ctx context.Context, blocks int) error {
	if err := e.Topology.SyncAll(ctx); err != nil {
		return err
	}

	if _, err := e.Miner().Client.Generate(blocks); err != nil {
		return errors.Wrapf(err, "generate %d blocks", blocks)
	}

	return e.Topology.SyncAll(ctx)
}

// TxOuts reads the unspent-output set size as seen by n.
func (e *Env) TxOuts(n *harness.Node) (int64, error) {
	info, err := n.Client.GetTxOutSetInfo()
	if err != nil {
		return 0, err
	}

	return info.TxOuts, nil
}
