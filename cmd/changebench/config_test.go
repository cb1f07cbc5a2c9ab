package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/changebench/bench"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/store"
	"github.com/weiihann/changebench/workload"
)

const sampleDataset = "../../workload/testdata/sample"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestReadConfigDefaults(t *testing.T) {
	cfg, err := readConfig("")
	require.NoError(t, err)

	assert.Equal(t, bench.DefaultConfig(), cfg.Bench)
	assert.Equal(t, harness.DefaultBinary, cfg.Bitcoind)
	require.NotNil(t, cfg.Expected)
	assert.Equal(t, workload.DefaultExpectedCounts, *cfg.Expected)

	configs, err := cfg.nodeConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, "miner", configs[0].Label)
	assert.Equal(t, btcutil.Amount(1_000_000_000), configs[1].MinChange)
	assert.Equal(t, btcutil.Amount(100_000_000), configs[2].MinChange)
	assert.Equal(t, harness.DefaultMinRelayFee, configs[1].MinRelayFee)

	for _, c := range configs {
		assert.True(t, c.LegacyRPC, "%s uses the legacy wallet RPCs", c.Label)
	}
}

func TestReadConfigFile(t *testing.T) {
	path := writeConfig(t, `
dataset: data/wallet
limit: 500
topology: mesh
sync_timeout: 90s
patterns: [ping-pong]
bench:
  receive_batch: 100
nodes:
  - label: tight
    min_change: "0.01"
    min_relay_fee: "0.00001"
    address_type: bech32
  - label: remote
    rpc_host: 10.0.0.2:18443
    p2p_host: 10.0.0.2:18444
    legacy_rpc: false
`)

	cfg, err := readConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "data/wallet", cfg.Dataset)
	assert.Equal(t, 500, cfg.Limit)
	assert.Equal(t, 100, cfg.Bench.ReceiveBatch)
	assert.Equal(t, bench.DefaultConfig().SendBatch, cfg.Bench.SendBatch, "unset keys keep defaults")

	configs, err := cfg.nodeConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, btcutil.Amount(1_000_000), configs[1].MinChange)
	assert.Equal(t, btcutil.Amount(1_000), configs[1].MinRelayFee)
	assert.Equal(t, "bech32", configs[1].AddressType)
	assert.True(t, configs[1].LegacyRPC)
	assert.Equal(t, "10.0.0.2:18443", configs[2].RPCHost)
	assert.False(t, configs[2].LegacyRPC)

	shape, err := cfg.shape()
	require.NoError(t, err)
	assert.Equal(t, harness.Mesh, shape)

	policy, err := cfg.syncPolicy()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, policy.Timeout)

	patterns, err := cfg.patterns()
	require.NoError(t, err)
	assert.Equal(t, []bench.Pattern{bench.PingPong}, patterns)
}

func TestReadConfigErrors(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = readConfig(writeConfig(t, "unknown_key: 1\n"))
	assert.Error(t, err, "unknown keys are rejected")

	tests := []struct {
		name string
		cfg  fileConfig
		call func(fileConfig) error
	}{
		{
			name: "sub-satoshi min change",
			cfg:  fileConfig{Nodes: []nodeEntry{{MinChange: "0.000000001"}}},
			call: func(c fileConfig) error { _, err := c.nodeConfigs(); return err },
		},
		{
			name: "negative relay fee",
			cfg:  fileConfig{Nodes: []nodeEntry{{MinRelayFee: "-1"}}},
			call: func(c fileConfig) error { _, err := c.nodeConfigs(); return err },
		},
		{
			name: "min change without legacy rpc",
			cfg:  fileConfig{Nodes: []nodeEntry{{MinChange: "1", LegacyRPC: new(bool)}}},
			call: func(c fileConfig) error { _, err := c.nodeConfigs(); return err },
		},
		{
			name: "unknown topology",
			cfg:  fileConfig{Topology: "ring"},
			call: func(c fileConfig) error { _, err := c.shape(); return err },
		},
		{
			name: "bad sync timeout",
			cfg:  fileConfig{SyncTimeout: "soon"},
			call: func(c fileConfig) error { _, err := c.syncPolicy(); return err },
		},
		{
			name: "negative sync timeout",
			cfg:  fileConfig{SyncTimeout: "-1s"},
			call: func(c fileConfig) error { _, err := c.syncPolicy(); return err },
		},
		{
			name: "unknown pattern",
			cfg:  fileConfig{Patterns: []string{"round-robin"}},
			call: func(c fileConfig) error { _, err := c.patterns(); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.call(tt.cfg))
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.Dataset = "from-file"
	cfg.Limit = 10

	v := flagValues{dataset: "from-flag", limit: 99, sendBatch: 5, skipCountCheck: true}
	changed := map[string]bool{"dataset": true, "send-batch": true}

	v.apply(&cfg, func(name string) bool { return changed[name] })

	assert.Equal(t, "from-flag", cfg.Dataset)
	assert.Equal(t, 10, cfg.Limit, "unchanged flags keep the file value")
	assert.Equal(t, 5, cfg.Bench.SendBatch)
	assert.Nil(t, cfg.Expected)
}

func TestRunSweepSimulated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")

	cfg, err := readConfig(writeConfig(t, `
dataset: `+sampleDataset+`
bench:
  receive_batch: 2
  send_batch: 1
  confirm_blocks: 2
  initial_blocks: 3
  wipe_blocks: 1
nodes:
  - label: minchange=10
    min_change: "10"
  - label: minchange=0.1
    min_change: "0.1"
`))
	require.NoError(t, err)

	(&flagValues{skipCountCheck: true}).apply(&cfg, func(string) bool { return false })

	err = runSweep(context.Background(), discardLogger(), runConfig{
		file:       cfg,
		simulate:   true,
		dbPath:     dbPath,
		outputJSON: true,
	})
	require.NoError(t, err)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	sweep, err := db.Latest()
	require.NoError(t, err)
	assert.Len(t, sweep.Results, 4)
	assert.Empty(t, sweep.Failures())
}

// cancelOnMessage cancels a run once a record with msg is logged.
type cancelOnMessage struct {
	slog.Handler
	msg    string
	cancel context.CancelFunc
}

func (h cancelOnMessage) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.cancel()
	}

	return h.Handler.Handle(ctx, r)
}

func (h cancelOnMessage) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.Handler = h.Handler.WithAttrs(attrs)
	return h
}

func (h cancelOnMessage) WithGroup(name string) slog.Handler {
	h.Handler = h.Handler.WithGroup(name)
	return h
}

func TestRunSweepCancelledKeepsPartialResults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")

	cfg, err := readConfig(writeConfig(t, `
dataset: `+sampleDataset+`
bench:
  receive_batch: 2
  send_batch: 1
  confirm_blocks: 2
  initial_blocks: 3
  wipe_blocks: 1
nodes:
  - label: minchange=10
    min_change: "10"
  - label: minchange=0.1
    min_change: "0.1"
`))
	require.NoError(t, err)

	(&flagValues{skipCountCheck: true}).apply(&cfg, func(string) bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(cancelOnMessage{
		Handler: slog.NewTextHandler(io.Discard, nil),
		msg:     "run completed",
		cancel:  cancel,
	})

	var out bytes.Buffer

	err = runSweep(ctx, logger, runConfig{
		file:     cfg,
		simulate: true,
		dbPath:   dbPath,
		stdout:   &out,
	})
	require.ErrorIs(t, err, context.Canceled)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	sweep, err := db.Latest()
	require.NoError(t, err)
	require.Len(t, sweep.Results, 1, "only the pair that ran before cancellation")
	assert.Equal(t, "minchange=10", sweep.Results[0].Label)

	assert.Contains(t, out.String(), "Run `"+sweep.RunID+"`")
}

func TestFinishSweepWithoutResults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")

	var out bytes.Buffer

	err := finishSweep(context.Background(), discardLogger(), runConfig{dbPath: dbPath, stdout: &out},
		&bench.SweepReport{RunID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, out.String())

	_, err = os.Stat(dbPath)
	assert.True(t, os.IsNotExist(err), "nothing is stored for an empty sweep")
}

func TestRunSweepNeedsDataset(t *testing.T) {
	err := runSweep(context.Background(), discardLogger(), runConfig{file: defaultFileConfig(), simulate: true})
	assert.ErrorContains(t, err, "dataset")
}

func TestPrintDataset(t *testing.T) {
	ds, err := workload.LoadDataset(sampleDataset, workload.Options{}, discardLogger())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printDataset(&buf, ds))

	out := buf.String()
	assert.Contains(t, out, "SEQUENCE")
	assert.Contains(t, out, "receive")
	assert.Regexp(t, `dust dropped\s+2`, out)
}

func TestLabelList(t *testing.T) {
	got := labelList([]harness.NodeConfig{
		{Label: "a"},
		{MinChange: btcutil.SatoshiPerBitcoin, MinRelayFee: 1},
	})

	assert.Equal(t, "a, minchange=1 relayfee=0.00000001", got)
}

func TestAddressTypeConfigsLegacyRPC(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		configs := addressTypeConfigs(legacy)
		require.Len(t, configs, 5)

		for _, c := range configs {
			assert.Equal(t, legacy, c.LegacyRPC, c.Label)
		}
	}

	flag := newAddressTypesCmd(discardLogger()).Flags().Lookup("legacy-rpc")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
