package main

import (
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/bench"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/workload"
	"gopkg.in/yaml.v2"
)

// fileConfig is the optional YAML sweep description. Amounts are decimal
// coin strings so they are read exactly.
type fileConfig struct {
	Bitcoind    string                   `yaml:"bitcoind"`
	BinDir      string                   `yaml:"bin_dir"`
	DataDir     string                   `yaml:"data_dir"`
	Dataset     string                   `yaml:"dataset"`
	Limit       int                      `yaml:"limit"`
	Patterns    []string                 `yaml:"patterns"`
	Topology    string                   `yaml:"topology"`
	SyncTimeout string                   `yaml:"sync_timeout"`
	Expected    *workload.ExpectedCounts `yaml:"expected"`
	Bench       bench.Config             `yaml:"bench"`
	Miner       nodeEntry                `yaml:"miner"`
	Nodes       []nodeEntry              `yaml:"nodes"`
}

type nodeEntry struct {
	Label       string   `yaml:"label"`
	MinChange   string   `yaml:"min_change"`
	MinRelayFee string   `yaml:"min_relay_fee"`
	AddressType string   `yaml:"address_type"`
	ChangeType  string   `yaml:"change_type"`
	ExtraArgs   []string `yaml:"extra_args"`
	RPCHost     string   `yaml:"rpc_host"`
	P2PHost     string   `yaml:"p2p_host"`
	RPCUser     string   `yaml:"rpc_user"`
	RPCPass     string   `yaml:"rpc_pass"`
	// LegacyRPC defaults to true: -minchange only exists in builds that
	// predate the descriptor wallet RPCs.
	LegacyRPC   *bool    `yaml:"legacy_rpc"`
}

func defaultFileConfig() fileConfig {
	expected := workload.DefaultExpectedCounts

	return fileConfig{
		Bitcoind: harness.DefaultBinary,
		DataDir:  "tmp",
		Topology: harness.Star.String(),
		Bench:    bench.DefaultConfig(),
		Expected: &expected,
		Miner:    nodeEntry{Label: "miner"},
		Nodes: []nodeEntry{
			{MinChange: "10"},
			{MinChange: "1"},
		},
	}
}

// readConfig loads path over the defaults. Keys missing from the file keep
// their default value.
func readConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	// A nodes list in the file replaces the default subjects.
	cfg.Nodes = nil

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	if len(cfg.Nodes) == 0 {
		cfg.Nodes = defaultFileConfig().Nodes
	}

	return cfg, nil
}

func (e nodeEntry) nodeConfig() (harness.NodeConfig, error) {
	parse := func(field, s string, def btcutil.Amount) (btcutil.Amount, error) {
		if s == "" {
			return def, nil
		}

		a, err := amount.Parse(s)
		if err != nil {
			return 0, errors.Wrap(err, field)
		}
		if a < 0 {
			return 0, errors.Errorf("%s %s is negative", field, s)
		}

		return a, nil
	}

	minChange, err := parse("min_change", e.MinChange, 0)
	if err != nil {
		return harness.NodeConfig{}, err
	}

	relayFee, err := parse("min_relay_fee", e.MinRelayFee, harness.DefaultMinRelayFee)
	if err != nil {
		return harness.NodeConfig{}, err
	}

	legacy := e.LegacyRPC == nil || *e.LegacyRPC
	if minChange > 0 && !legacy {
		return harness.NodeConfig{}, errors.Errorf("min_change %s needs legacy_rpc", e.MinChange)
	}

	return harness.NodeConfig{
		Label:       e.Label,
		MinChange:   minChange,
		MinRelayFee: relayFee,
		AddressType: e.AddressType,
		ChangeType:  e.ChangeType,
		ExtraArgs:   e.ExtraArgs,
		RPCHost:     e.RPCHost,
		P2PHost:     e.P2PHost,
		RPCUser:     e.RPCUser,
		RPCPass:     e.RPCPass,
		LegacyRPC:   legacy,
	}, nil
}

// nodeConfigs returns the miner followed by the subjects.
func (c fileConfig) nodeConfigs() ([]harness.NodeConfig, error) {
	entries := append([]nodeEntry{c.Miner}, c.Nodes...)
	out := make([]harness.NodeConfig, 0, len(entries))

	for i, e := range entries {
		nc, err := e.nodeConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", i)
		}

		out = append(out, nc)
	}

	return out, nil
}

func (c fileConfig) patterns() ([]bench.Pattern, error) {
	out := make([]bench.Pattern, 0, len(c.Patterns))

	for _, s := range c.Patterns {
		p, err := bench.ParsePattern(s)
		if err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, nil
}

func (c fileConfig) shape() (harness.Shape, error) {
	switch c.Topology {
	case "", harness.Star.String():
		return harness.Star, nil
	case harness.Mesh.String():
		return harness.Mesh, nil
	default:
		return 0, errors.Errorf("unknown topology %q (want star or mesh)", c.Topology)
	}
}

func (c fileConfig) syncPolicy() (harness.SyncPolicy, error) {
	policy := harness.DefaultSyncPolicy()
	if c.SyncTimeout == "" {
		return policy, nil
	}

	d, err := time.ParseDuration(c.SyncTimeout)
	if err != nil {
		return policy, errors.Wrap(err, "sync_timeout")
	}
	if d <= 0 {
		return policy, errors.Errorf("sync_timeout %s must be positive", d)
	}

	policy.Timeout = d

	return policy, nil
}
