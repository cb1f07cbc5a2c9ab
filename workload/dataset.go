package workload

import (
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/weiihann/changebench/amount"
)

// Dataset file suffixes.
const (
	ReceiveSuffix  = ".receive"
	SendSuffix     = ".send"
	CombinedSuffix = ".all"
)

// DefaultDust marks single-satoshi inputs that relay policy would reject.
const DefaultDust = amount.Satoshi

// ExpectedCounts pins the dataset lengths after dust filtering and
// correction, guarding against replaying a corrupted or differently
// produced recording.
type ExpectedCounts struct {
	Receive  int `yaml:"receive" json:"receive"`
	Send     int `yaml:"send" json:"send"`
	Combined int `yaml:"combined" json:"combined"`
}

// DefaultExpectedCounts matches the reference recording: 24388 receives of
// which 371 are single-satoshi dust, and 11860 sends.
var DefaultExpectedCounts = ExpectedCounts{
	Receive:  24388 - 371,
	Send:     11860,
	Combined: 11860 + 24388 - 371 + 2,
}

// Options controls dataset loading.
type Options struct {
	// Dust is removed from the receive and combined sequences.
	Dust btcutil.Amount
	// Expected, when set, is asserted before truncation.
	Expected *ExpectedCounts
	// Limit truncates every sequence to its first Limit elements when
	// positive.
	Limit int
}

// Dataset holds the three replayable sequences.
type Dataset struct {
	Receive  Sequence
	Send     Sequence
	Combined Sequence
	// DustDropped counts the receive elements removed as dust.
	DustDropped int
}

// LoadDataset reads, filters, corrects and validates the dataset at prefix.
func LoadDataset(prefix string, opts Options, logger *slog.Logger) (*Dataset, error) {
	receive, err := Load(prefix + ReceiveSuffix)
	if err != nil {
		return nil, err
	}

	send, err := Load(prefix + SendSuffix)
	if err != nil {
		return nil, err
	}

	all, err := Load(prefix + CombinedSuffix)
	if err != nil {
		return nil, err
	}

	ds, err := Build(receive, send, all, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("dataset loaded",
		slog.String("prefix", prefix),
		slog.Int("receive", ds.Receive.Len()),
		slog.Int("send", ds.Send.Len()),
		slog.Int("combined", ds.Combined.Len()),
		slog.Int("dust_dropped", ds.DustDropped),
		slog.Int("limit", opts.Limit),
	)

	return ds, nil
}

// Build applies dust filtering, the combined-sequence corrections, the
// length assertions and truncation to already parsed sequences.
func Build(receive, send, all Sequence, opts Options) (*Dataset, error) {
	dust := opts.Dust
	if dust == 0 {
		dust = DefaultDust
	}

	filtered := FilterDust(receive, dust)
	combined := DeriveCombined(FilterDust(all, dust), send.Len())

	ds := &Dataset{
		Receive:     filtered,
		Send:        send,
		Combined:    combined,
		DustDropped: receive.Len() - filtered.Len(),
	}

	if opts.Expected != nil {
		if err := checkCounts(ds, *opts.Expected); err != nil {
			return nil, err
		}
	}

	if opts.Limit > 0 {
		ds.Receive = ds.Receive.Prefix(opts.Limit)
		ds.Send = ds.Send.Prefix(opts.Limit)
		ds.Combined = ds.Combined.Prefix(opts.Limit)
	}

	return ds, nil
}

func checkCounts(ds *Dataset, want ExpectedCounts) error {
	checks := []struct {
		setting string
		want    int
		got     int
	}{
		{"receive length", want.Receive, ds.Receive.Len()},
		{"send length", want.Send, ds.Send.Len()},
		{"combined length", want.Combined, ds.Combined.Len()},
		{"combined length vs receive+send+2", ds.Receive.Len() + ds.Send.Len() + 2, ds.Combined.Len()},
	}

	for _, c := range checks {
		if c.want != c.got {
			return &RunnerConfigError{
				Setting: c.setting,
				Want:    strconv.Itoa(c.want),
				Got:     strconv.Itoa(c.got),
			}
		}
	}

	return nil
}
