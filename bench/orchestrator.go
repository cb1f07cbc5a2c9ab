package bench

import (
	"context"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/node"
	"github.com/weiihann/changebench/workload"
)

// Orchestrator runs every pattern on every subject, wiping the subject back
// to the miner after each run.
type Orchestrator struct {
	env      *Env
	dataset  *workload.Dataset
	cfg      Config
	patterns []Pattern
}

// NewOrchestrator validates cfg and the subjects' labels. Patterns run in
// the given order, AllPatterns when empty.
func NewOrchestrator(
	topo *harness.Topology,
	ds *workload.Dataset,
	cfg Config,
	patterns []Pattern,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(patterns) == 0 {
		patterns = AllPatterns
	}

	seenPattern := make(map[Pattern]bool)
	for _, p := range patterns {
		if _, ok := runnerFactories[p]; !ok {
			return nil, errors.Errorf("no runner for pattern %s", p)
		}
		if seenPattern[p] {
			return nil, errors.Errorf("pattern %s listed twice", p)
		}
		seenPattern[p] = true
	}

	if len(topo.Subjects()) == 0 {
		return nil, errors.New("no subject nodes")
	}

	seenLabel := make(map[string]int)
	for _, s := range topo.Subjects() {
		if prev, ok := seenLabel[s.Label()]; ok {
			return nil, errors.Errorf("nodes %d and %d share label %q", prev, s.Index, s.Label())
		}
		seenLabel[s.Label()] = s.Index
	}

	return &Orchestrator{
		env:      &Env{Topology: topo, Logger: logger},
		dataset:  ds,
		cfg:      cfg,
		patterns: append([]Pattern(nil), patterns...),
	}, nil
}

// Run funds the miner, then runs each pattern on each subject. A failed
// pair is recorded and the sweep moves on. Only a failure to fund the
// miner or a cancelled context stops the sweep early.
func (o *Orchestrator) Run(ctx context.Context) (*SweepReport, error) {
	logger := o.env.Logger
	builder := newSweepBuilder(uuid.New().String(), time.Now().UTC(), o.patterns)

	logger.InfoContext(ctx, "starting sweep",
		slog.String("run_id", builder.report.RunID),
		slog.Int("subjects", len(o.env.Topology.Subjects())),
		slog.Int("initial_blocks", o.cfg.InitialBlocks),
	)

	if o.cfg.InitialBlocks > 0 {
		if err := o.env.GenerateAndSync(ctx, o.cfg.InitialBlocks); err != nil {
			return nil, errors.Wrap(err, "fund miner")
		}
	}

	for _, p := range o.patterns {
		runner, err := NewRunner(p, o.env, o.dataset, o.cfg)
		if err != nil {
			return nil, err
		}

		for _, subject := range o.env.Topology.Subjects() {
			if err := ctx.Err(); err != nil {
				return builder.build(time.Now().UTC()), err
			}

			res := o.runPair(ctx, p, runner, subject)
			if err := builder.add(res); err != nil {
				return nil, err
			}
		}
	}

	report := builder.build(time.Now().UTC())

	logger.InfoContext(ctx, "sweep complete",
		slog.String("run_id", report.RunID),
		slog.Int("results", len(report.Results)),
		slog.Int("failed", len(report.Failures())),
	)

	return report, nil
}

func (o *Orchestrator) runPair(
	ctx context.Context,
	p Pattern,
	runner Runner,
	subject *harness.Node,
) DriftResult {
	logger := o.env.Logger.With(
		slog.String("pattern", p.String()),
		slog.Int("node", subject.Index),
		slog.String("label", subject.Label()),
	)

	res := DriftResult{
		Pattern: p,
		Node:    subject.Index,
		Label:   subject.Label(),
		Status:  Pending,
	}

	res.Status = Running
	logger.InfoContext(ctx, "run started")

	start := time.Now()

	drift, runErr := runner.Run(ctx, subject)
	if runErr != nil {
		res.Status = Failed
		res.Error = runErr.Error()
		logger.ErrorContext(ctx, "run failed", slog.String("error", runErr.Error()))
	} else {
		res.Status = Completed
		res.Drift = drift
		logger.InfoContext(ctx, "run completed", slog.Int64("drift", drift))
	}

	if err := o.wipe(ctx, p, subject); err != nil {
		logger.ErrorContext(ctx, "wipe failed", slog.String("error", err.Error()))

		wipeErr := errors.Wrap(err, "wipe")
		if res.Status == Failed {
			res.Error += "; " + wipeErr.Error()
		} else {
			res.Status = Failed
			res.Drift = 0
			res.Error = wipeErr.Error()
		}
	}

	res.ElapsedMs = time.Since(start).Milliseconds()

	return res
}

// wipe sends the subject's entire balance to the miner in one transaction
// spending every unspent output, confirms it and asserts the subject is
// empty.
func (o *Orchestrator) wipe(ctx context.Context, p Pattern, subject *harness.Node) error {
	check := Checker{Scope: p.String()}
	miner := o.env.Miner()

	utxos, err := subject.Client.ListUnspent(0)
	if err != nil {
		return err
	}

	if len(utxos) > 0 {
		inputs := make([]node.OutPoint, 0, len(utxos))
		for _, u := range utxos {
			inputs = append(inputs, node.OutPoint{TxID: u.TxID, Vout: u.Vout})
		}

		addr, err := miner.Client.GetNewAddress()
		if err != nil {
			return err
		}

		tx, err := subject.Client.CreateRawTransaction(inputs, map[string]btcutil.Amount{addr: 0})
		if err != nil {
			return err
		}

		signed, err := subject.Client.SignRawTransaction(tx)
		if err != nil {
			return err
		}

		if _, err := subject.Client.SendRawTransaction(signed, true); err != nil {
			return err
		}
	}

	if err := o.env.GenerateAndSync(ctx, o.cfg.WipeBlocks); err != nil {
		return err
	}

	if err := check.MempoolEmpty(subject); err != nil {
		return err
	}

	return check.BalanceZero(subject)
}
