// Package bench replays recorded workloads against subject wallets and
// measures how far their unspent-output count drifts from the expected
// baseline.
package bench

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/workload"
)

// Pattern is a workload replay strategy.
type Pattern int

const (
	// ChunkedSend receives the whole receive sequence in bulk, then drains
	// the wallet with the send sequence.
	ChunkedSend Pattern = iota
	// PingPong interleaves spends and receives from the combined sequence.
	PingPong
)

// AllPatterns lists the patterns in sweep order.
var AllPatterns = []Pattern{ChunkedSend, PingPong}

var patternNames = map[Pattern]string{
	ChunkedSend: "chunked-send",
	PingPong:    "ping-pong",
}

func (p Pattern) String() string {
	if name, ok := patternNames[p]; ok {
		return name
	}

	return "unknown"
}

// ParsePattern accepts a pattern name, case-insensitively.
func ParsePattern(s string) (Pattern, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range patternNames {
		if name == s {
			return p, nil
		}
	}

	return 0, errors.Errorf("unknown pattern %q", s)
}

func (p Pattern) MarshalText() ([]byte, error) {
	if _, ok := patternNames[p]; !ok {
		return nil, errors.Errorf("unknown pattern %d", int(p))
	}

	return []byte(p.String()), nil
}

func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := ParsePattern(string(text))
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// Runner replays one pattern against a subject and returns its drift.
type Runner interface {
	Run(ctx context.Context, subject *harness.Node) (int64, error)
}

// RunnerFactory binds a pattern's sequences and settings.
type RunnerFactory func(env *Env, ds *workload.Dataset, cfg Config) Runner

var runnerFactories = map[Pattern]RunnerFactory{
	ChunkedSend: func(env *Env, ds *workload.Dataset, cfg Config) Runner {
		return &ChunkedSendRunner{
			env:          env,
			receive:      ds.Receive,
			send:         ds.Send,
			receiveBatch: cfg.ReceiveBatch,
			sendBatch:    cfg.SendBatch,
			confirm:      cfg.ConfirmBlocks,
		}
	},
	PingPong: func(env *Env, ds *workload.Dataset, _ Config) Runner {
		return &PingPongRunner{env: env, combined: ds.Combined}
	},
}

// NewRunner returns the runner for p.
func NewRunner(p Pattern, env *Env, ds *workload.Dataset, cfg Config) (Runner, error) {
	factory, ok := runnerFactories[p]
	if !ok {
		return nil, errors.Errorf("no runner for pattern %s", p)
	}

	return factory(env, ds, cfg), nil
}
