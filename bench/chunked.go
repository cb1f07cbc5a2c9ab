package bench

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/workload"
)

// ChunkedSendRunner receives the receive sequence in sendmany batches, then
// spends the send sequence back to the miner, one block per send batch.
type ChunkedSendRunner struct {
	env          *Env
	receive      workload.Sequence
	send         workload.Sequence
	receiveBatch int
	sendBatch    int
	confirm      int
}

func (r *ChunkedSendRunner) Run(ctx context.Context, subject *harness.Node) (int64, error) {
	check := Checker{Scope: ChunkedSend.String()}
	miner := r.env.Miner()
	logger := r.env.Logger.With(
		slog.String("pattern", ChunkedSend.String()),
		slog.Int("node", subject.Index),
	)

	batches := r.receive.Chunks(r.receiveBatch)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		amounts := make(map[string]btcutil.Amount, batch.Len())
		for _, v := range batch.Values() {
			addr, err := subject.Client.GetNewAddress()
			if err != nil {
				return 0, err
			}
			amounts[addr] = v
		}

		if _, err := miner.Client.SendMany("", amounts); err != nil {
			return 0, errors.Wrapf(err, "receive batch %d/%d of %s", i+1, len(batches), amount.Format(batch.Sum()))
		}
	}

	if err := r.env.GenerateAndSync(ctx, r.confirm); err != nil {
		return 0, err
	}

	if err := check.MempoolEmpty(miner); err != nil {
		return 0, err
	}

	if err := check.UnspentCount(subject, r.receive.Len()); err != nil {
		return 0, err
	}

	if err := check.BalanceEquals(subject, r.receive.Sum()); err != nil {
		return 0, err
	}

	before, err := r.env.TxOuts(subject)
	if err != nil {
		return 0, err
	}

	drift := NewDriftAccumulator(before)
	logger.Info("receives confirmed",
		slog.Int("outputs", r.receive.Len()),
		slog.Int64("txouts", before),
	)

	sent := 0
	for i, batch := range r.send.Chunks(r.sendBatch) {
		for _, s := range batch.Values() {
			if err := ctx.Err(); err != nil {
				return 0, err
			}

			addr, err := miner.Client.GetNewAddress()
			if err != nil {
				return 0, err
			}

			if _, err := subject.Client.SendToAddress(addr, -s); err != nil {
				return 0, errors.Wrapf(err, "send %d (%s) in batch %d", sent, amount.Format(-s), i+1)
			}
			sent++
		}

		if err := r.env.GenerateAndSync(ctx, 1); err != nil {
			return 0, err
		}
		drift.Blocks(1)
	}

	if err := check.MempoolEmpty(subject); err != nil {
		return 0, err
	}

	after, err := r.env.TxOuts(subject)
	if err != nil {
		return 0, err
	}

	logger.Info("sends confirmed",
		slog.Int("sends", sent),
		slog.Int64("txouts", after),
		slog.Int64("expected", drift.Expected()),
	)

	return drift.Drift(after), nil
}
