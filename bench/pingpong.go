package bench

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/workload"
)

// PingPongRunner replays the combined sequence: negative amounts are spends
// to the miner, the rest are receives on one reused subject address, each
// bracketed by a confirmation block on either side.
type PingPongRunner struct {
	env      *Env
	combined workload.Sequence
}

func (r *PingPongRunner) Run(ctx context.Context, subject *harness.Node) (int64, error) {
	check := Checker{Scope: PingPong.String()}
	miner := r.env.Miner()
	logger := r.env.Logger.With(
		slog.String("pattern", PingPong.String()),
		slog.Int("node", subject.Index),
	)

	receiveAddr, err := subject.Client.GetNewAddress()
	if err != nil {
		return 0, err
	}

	if err := check.MempoolEmpty(subject); err != nil {
		return 0, err
	}

	initial, err := r.env.TxOuts(subject)
	if err != nil {
		return 0, err
	}

	drift := NewDriftAccumulator(initial)

	for i, a := range r.combined.Values() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if a < 0 {
			addr, err := miner.Client.GetNewAddress()
			if err != nil {
				return 0, err
			}

			if _, err := subject.Client.SendToAddress(addr, -a); err != nil {
				return 0, errors.Wrapf(err, "element %d: spend %s", i, amount.Format(-a))
			}

			continue
		}

		if err := r.env.GenerateAndSync(ctx, 1); err != nil {
			return 0, err
		}

		if err := check.MempoolEmpty(subject); err != nil {
			return 0, errors.Wrapf(err, "element %d", i)
		}

		before, err := r.env.TxOuts(subject)
		if err != nil {
			return 0, err
		}

		// Nodes reject zero-value payments; the round's blocks still count.
		if a > 0 {
			if _, err := miner.Client.SendToAddress(receiveAddr, a); err != nil {
				return 0, errors.Wrapf(err, "element %d: receive %s", i, amount.Format(a))
			}
		}

		if err := r.env.GenerateAndSync(ctx, 1); err != nil {
			return 0, err
		}

		after, err := r.env.TxOuts(subject)
		if err != nil {
			return 0, err
		}

		drift.ReceiveRound(before, after)
		logger.Debug("receive round",
			slog.Int("element", i),
			slog.String("amount", amount.Format(a)),
			slog.Int64("expected", drift.Expected()),
		)
	}

	if err := r.env.GenerateAndSync(ctx, 1); err != nil {
		return 0, err
	}

	if err := check.MempoolEmpty(subject); err != nil {
		return 0, err
	}
	drift.Blocks(1)

	final, err := r.env.TxOuts(subject)
	if err != nil {
		return 0, err
	}

	logger.Info("sequence replayed",
		slog.Int("elements", r.combined.Len()),
		slog.Int64("txouts", final),
		slog.Int64("expected", drift.Expected()),
	)

	return drift.Drift(final), nil
}
