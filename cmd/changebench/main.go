// Package main provides the CLI entry point for changebench, a wallet
// minimum-change benchmark for bitcoind.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/bench"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/node/simnet"
	"github.com/weiihann/changebench/report"
	"github.com/weiihann/changebench/store"
	"github.com/weiihann/changebench/workload"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "changebench",
		Short: "Wallet minimum-change benchmark for bitcoind",
		Long: `Changebench replays recorded wallet activity against bitcoind nodes
configured with different -minchange thresholds and reports how much each
configuration grows or shrinks the unspent output set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(logger),
		newAddressTypesCmd(logger),
		newInspectCmd(logger),
		newCompareCmd(),
		newListCmd(),
	)

	return root
}

// flagValues are the command line settings that override the config file.
type flagValues struct {
	bitcoind       string
	binDir         string
	dataDir        string
	dataset        string
	limit          int
	patterns       []string
	topology       string
	syncTimeout    string
	receiveBatch   int
	sendBatch      int
	skipCountCheck bool
}

func (v *flagValues) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&v.bitcoind, "bitcoind", harness.DefaultBinary,
		"Path to the bitcoind binary")
	flags.StringVar(&v.binDir, "bin-dir", "",
		"Directory searched for bitcoind before PATH")
	flags.StringVar(&v.dataDir, "data-dir", "tmp",
		"Base directory for node data dirs")
	flags.StringVar(&v.dataset, "dataset", "",
		"Dataset prefix; <prefix>.receive, .send and .all are read")
	flags.IntVar(&v.limit, "limit", 0,
		"Replay only the first N elements of each sequence (0 = all)")
	flags.StringSliceVar(&v.patterns, "patterns", nil,
		"Patterns to run: chunked-send, ping-pong (default all)")
	flags.StringVar(&v.topology, "topology", "star",
		"Node topology: star or mesh")
	flags.StringVar(&v.syncTimeout, "sync-timeout", "",
		"Sync barrier timeout, e.g. 5m")
	flags.IntVar(&v.receiveBatch, "receive-batch", bench.DefaultConfig().ReceiveBatch,
		"Outputs per sendmany in chunked-send")
	flags.IntVar(&v.sendBatch, "send-batch", bench.DefaultConfig().SendBatch,
		"Spends between blocks in chunked-send")
	flags.BoolVar(&v.skipCountCheck, "skip-count-check", false,
		"Do not assert the reference dataset lengths")
}

// apply copies every flag the user set onto cfg.
func (v *flagValues) apply(cfg *fileConfig, changed func(string) bool) {
	if changed("bitcoind") {
		cfg.Bitcoind = v.bitcoind
	}
	if changed("bin-dir") {
		cfg.BinDir = v.binDir
	}
	if changed("data-dir") {
		cfg.DataDir = v.dataDir
	}
	if changed("dataset") {
		cfg.Dataset = v.dataset
	}
	if changed("limit") {
		cfg.Limit = v.limit
	}
	if changed("patterns") {
		cfg.Patterns = v.patterns
	}
	if changed("topology") {
		cfg.Topology = v.topology
	}
	if changed("sync-timeout") {
		cfg.SyncTimeout = v.syncTimeout
	}
	if changed("receive-batch") {
		cfg.Bench.ReceiveBatch = v.receiveBatch
	}
	if changed("send-batch") {
		cfg.Bench.SendBatch = v.sendBatch
	}
	if v.skipCountCheck {
		cfg.Expected = nil
	}
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		values     flagValues
		simulate   bool
		dbPath     string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the min-change sweep",
		Long: `Launch a miner and one bitcoind per configuration, replay the dataset
with every pattern on every configuration and report the UTXO set drift.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig(configPath)
			if err != nil {
				return err
			}

			values.apply(&cfg, cmd.Flags().Changed)

			return runSweep(cmd.Context(), logger, runConfig{
				file:       cfg,
				simulate:   simulate,
				dbPath:     dbPath,
				outputJSON: outputJSON,
			})
		},
	}

	values.register(cmd)

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "",
		"YAML sweep config; flags override its values")
	flags.BoolVar(&simulate, "simulate", false,
		"Run against the in-process simulated network instead of bitcoind")
	flags.StringVar(&dbPath, "db", "",
		"Store the sweep in this result database")
	flags.BoolVar(&outputJSON, "json", false,
		"Output results as JSON instead of table")

	return cmd
}

type runConfig struct {
	file       fileConfig
	simulate   bool
	dbPath     string
	outputJSON bool
	// stdout receives the report; nil means os.Stdout.
	stdout io.Writer
}

func runSweep(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	if cfg.file.Dataset == "" {
		return errors.New("a dataset prefix must be given via --dataset or the config file")
	}

	patterns, err := cfg.file.patterns()
	if err != nil {
		return err
	}

	configs, err := cfg.file.nodeConfigs()
	if err != nil {
		return err
	}

	shape, err := cfg.file.shape()
	if err != nil {
		return err
	}

	policy, err := cfg.file.syncPolicy()
	if err != nil {
		return err
	}

	if err := cfg.file.Bench.Validate(); err != nil {
		return err
	}

	logger.InfoContext(ctx, "starting benchmark",
		slog.String("dataset", cfg.file.Dataset),
		slog.Int("limit", cfg.file.Limit),
		slog.String("subjects", labelList(configs[1:])),
		slog.Bool("simulate", cfg.simulate),
		slog.String("topology", shape.String()),
	)

	// Step 1: Load the dataset.
	ds, err := workload.LoadDataset(cfg.file.Dataset, workload.Options{
		Expected: cfg.file.Expected,
		Limit:    cfg.file.Limit,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "load dataset")
	}

	// Step 2: Provision the nodes.
	topo, err := provision(ctx, logger, cfg.file, configs, policy, cfg.simulate, simnet.DefaultParams())
	if err != nil {
		return err
	}
	defer topo.Close()

	// Step 3: Connect them.
	if err := topo.Connect(ctx, shape); err != nil {
		return errors.Wrap(err, "connect nodes")
	}

	// Step 4: Run the sweep.
	orch, err := bench.NewOrchestrator(topo, ds, cfg.file.Bench, patterns, logger)
	if err != nil {
		return err
	}

	sweep, runErr := orch.Run(ctx)
	if runErr != nil && sweep == nil {
		return errors.Wrap(runErr, "run sweep")
	}

	// Steps 5 and 6: persist and report, including a sweep cut short by
	// cancellation.
	if err := finishSweep(ctx, logger, cfg, sweep); err != nil {
		return err
	}

	if runErr != nil {
		logger.WarnContext(ctx, "benchmark interrupted",
			slog.Int("results", len(sweep.Results)),
			slog.String("err", runErr.Error()),
		)

		return errors.Wrap(runErr, "run sweep")
	}

	logger.InfoContext(ctx, "benchmark complete",
		slog.Int("failed", len(sweep.Failures())),
	)

	return nil
}

func finishSweep(ctx context.Context, logger *slog.Logger, cfg runConfig, sweep *bench.SweepReport) error {
	if len(sweep.Results) == 0 {
		logger.WarnContext(ctx, "no results to store", slog.String("run_id", sweep.RunID))

		return nil
	}

	if cfg.dbPath != "" {
		if err := saveSweep(cfg.dbPath, sweep); err != nil {
			return err
		}

		logger.InfoContext(ctx, "sweep stored",
			slog.String("db", cfg.dbPath),
			slog.String("run_id", sweep.RunID),
		)
	}

	out := cfg.stdout
	if out == nil {
		out = os.Stdout
	}

	return writeReport(out, sweep, cfg.outputJSON)
}

func saveSweep(path string, sweep *bench.SweepReport) error {
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	return errors.Wrap(db.Save(sweep), "store sweep")
}

func writeReport(w io.Writer, sweep *bench.SweepReport, outputJSON bool) error {
	if outputJSON {
		return errors.Wrap(report.GenerateJSON(w, sweep), "generate JSON report")
	}

	return errors.Wrap(report.Generate(w, sweep), "generate report")
}

// simAddressTypeFee covers the check's one-per-mille payments, which must
// stay above the fee.
const simAddressTypeFee = 1000

func newAddressTypesCmd(logger *slog.Logger) *cobra.Command {
	var (
		bitcoind    string
		binDir      string
		dataDir     string
		syncTimeout string
		simulate    bool
		legacyRPC   bool
		rounds      int
	)

	cmd := &cobra.Command{
		Use:   "addresstypes",
		Short: "Check wallet address type policies",
		Long: `Launch a block producer and four wallets with different address and
change type policies, connect them in a mesh and have every wallet pay
itself and the others with single-key and multisig addresses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			file := defaultFileConfig()
			file.Bitcoind = bitcoind
			file.BinDir = binDir
			file.DataDir = dataDir
			file.SyncTimeout = syncTimeout

			policy, err := file.syncPolicy()
			if err != nil {
				return err
			}

			params := simnet.DefaultParams()
			params.Fee = simAddressTypeFee

			topo, err := provision(ctx, logger, file, addressTypeConfigs(legacyRPC), policy, simulate, params)
			if err != nil {
				return err
			}
			defer topo.Close()

			if err := topo.Connect(ctx, harness.Mesh); err != nil {
				return errors.Wrap(err, "connect nodes")
			}

			check, err := bench.NewAddressTypeCheck(topo, logger)
			if err != nil {
				return err
			}
			check.Rounds = rounds

			if err := check.Run(ctx); err != nil {
				return err
			}

			logger.InfoContext(ctx, "address type check passed", slog.Int("rounds", rounds))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bitcoind, "bitcoind", harness.DefaultBinary,
		"Path to the bitcoind binary")
	flags.StringVar(&binDir, "bin-dir", "",
		"Directory searched for bitcoind before PATH")
	flags.StringVar(&dataDir, "data-dir", "tmp",
		"Base directory for node data dirs")
	flags.StringVar(&syncTimeout, "sync-timeout", "",
		"Sync barrier timeout, e.g. 5m")
	flags.BoolVar(&simulate, "simulate", false,
		"Run against the in-process simulated network instead of bitcoind")
	flags.BoolVar(&legacyRPC, "legacy-rpc", false,
		"Use the pre-0.18 wallet RPCs on every node")
	flags.IntVar(&rounds, "rounds", 2,
		"Number of times the payment matrix is repeated")

	return cmd
}

func addressTypeConfigs(legacyRPC bool) []harness.NodeConfig {
	configs := bench.AddressTypeConfigs()
	for i := range configs {
		configs[i].LegacyRPC = legacyRPC
	}

	return configs
}

func newInspectCmd(logger *slog.Logger) *cobra.Command {
	var (
		limit          int
		skipCountCheck bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <dataset-prefix>",
		Short: "Validate a dataset and print its statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			opts := workload.Options{Limit: limit}
			if !skipCountCheck {
				expected := workload.DefaultExpectedCounts
				opts.Expected = &expected
			}

			ds, err := workload.LoadDataset(args[0], opts, logger)
			if err != nil {
				return err
			}

			return printDataset(os.Stdout, ds)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&limit, "limit", 0,
		"Inspect only the first N elements of each sequence (0 = all)")
	flags.BoolVar(&skipCountCheck, "skip-count-check", false,
		"Do not assert the reference dataset lengths")

	return cmd
}

func printDataset(w io.Writer, ds *workload.Dataset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "SEQUENCE\tLENGTH\tSUM\tMIN BALANCE")

	rows := []struct {
		name string
		seq  workload.Sequence
	}{
		{"receive", ds.Receive},
		{"send", ds.Send},
		{"combined", ds.Combined},
	}

	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			r.name, r.seq.Len(), amount.Format(r.seq.Sum()), amount.Format(r.seq.MinBalance()))
	}

	fmt.Fprintf(tw, "dust dropped\t%d\t\t\n", ds.DustDropped)

	return tw.Flush()
}

func newCompareCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "compare <run-a> <run-b>",
		Short: "Show the pairs whose drift differs between two stored sweeps",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := db.Load(args[0])
			if err != nil {
				return err
			}

			b, err := db.Load(args[1])
			if err != nil {
				return err
			}

			diffs := store.Compare(a, b)
			if len(diffs) == 0 {
				fmt.Println("no differences")

				return nil
			}

			for _, d := range diffs {
				fmt.Println(d.String())
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "changebench.db", "Result database")

	return cmd
}

func newListCmd() *cobra.Command {
	var (
		dbPath string
		show   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sweeps or render one of them",
		RunE: func(_ *cobra.Command, _ []string) error {
			db, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if show != "" {
				sweep, err := db.Load(show)
				if err != nil {
					return err
				}

				return writeReport(os.Stdout, sweep, false)
			}

			list, err := db.List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tRESULTS\tFAILED")

			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n",
					s.RunID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Results, s.Failed)
			}

			return tw.Flush()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dbPath, "db", "changebench.db", "Result database")
	flags.StringVar(&show, "show", "",
		"Render the stored sweep with this run id")

	return cmd
}

// labelList joins subject labels for log lines.
func labelList(configs []harness.NodeConfig) string {
	labels := make([]string, 0, len(configs))
	for _, c := range configs {
		labels = append(labels, (&harness.Node{Role: harness.RoleSubject, Config: c}).Label())
	}

	return strings.Join(labels, ", ")
}
