package harness

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Shape is how nodes are wired to each other.
type Shape int

const (
	// Star connects every subject to the miner only.
	Star Shape = iota
	// Mesh connects every pair of nodes.
	Mesh
)

func (s Shape) String() string {
	if s == Mesh {
		return "mesh"
	}

	return "star"
}

// SyncPolicy bounds the sync barrier.
type SyncPolicy struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultSyncPolicy gives a stalled node five minutes.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		Timeout:         5 * time.Minute,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// SyncTimeoutError reports the last state observed before the sync
// barrier gave up.
type SyncTimeoutError struct {
	Timeout      time.Duration
	Heights      []int64
	MempoolSizes []int
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("nodes not in sync after %s: heights %v, mempool sizes %v",
		e.Timeout, e.Heights, e.MempoolSizes)
}

var errNotSynced = errors.New("nodes not in sync")

// Topology is the set of provisioned nodes. Node 0 is the miner.
type Topology struct {
	nodes    []*Node
	launcher *Launcher
	policy   SyncPolicy
	logger   *slog.Logger
}

// Provision launches the miner (configs[0]) and then every subject.
// Already launched nodes are stopped if a later one fails.
func Provision(
	ctx context.Context,
	l *Launcher,
	configs []NodeConfig,
	policy SyncPolicy,
) (*Topology, error) {
	if len(configs) < 2 {
		return nil, errors.Errorf("need a miner and at least one subject, got %d nodes", len(configs))
	}

	t := &Topology{launcher: l, policy: policy, logger: l.Logger}

	for i, cfg := range configs {
		role := RoleSubject
		if i == 0 {
			role = RoleMiner
		}

		n, err := l.Launch(ctx, i, role, cfg)
		if err != nil {
			t.Close()

			return nil, errors.Wrapf(err, "provision node %d", i)
		}

		t.nodes = append(t.nodes, n)
	}

	return t, nil
}

// NewTopology wraps nodes that are already running. nodes[0] is the miner.
func NewTopology(nodes []*Node, policy SyncPolicy, logger *slog.Logger) *Topology {
	for i, n := range nodes {
		n.Index = i
		n.Role = RoleSubject
		if i == 0 {
			n.Role = RoleMiner
		}
	}

	return &Topology{nodes: nodes, policy: policy, logger: logger}
}

// Miner returns the block producer.
func (t *Topology) Miner() *Node {
	return t.nodes[0]
}

// Subjects returns the wallets under test in index order.
func (t *Topology) Subjects() []*Node {
	return t.nodes[1:]
}

// Nodes returns every node, miner first.
func (t *Topology) Nodes() []*Node {
	return t.nodes
}

// Connect wires the nodes in both directions.
func (t *Topology) Connect(ctx context.Context, shape Shape) error {
	link := func(a, b *Node) error {
		if err := a.Client.AddNode(b.P2PAddr); err != nil {
			return err
		}

		return b.Client.AddNode(a.P2PAddr)
	}

	miner := t.Miner()

	for i, a := range t.nodes {
		for _, b := range t.nodes[i+1:] {
			if shape == Star && a != miner {
				continue
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			if err := link(a, b); err != nil {
				return errors.Wrapf(err, "connect node %d and %d", a.Index, b.Index)
			}
		}
	}

	t.logger.InfoContext(ctx, "nodes connected",
		slog.String("shape", shape.String()),
		slog.Int("nodes", len(t.nodes)),
	)

	return nil
}

// SyncAll blocks until every node reports the same best block and the
// same mempool contents.
func (t *Topology) SyncAll(ctx context.Context) error {
	return t.await(ctx, true)
}

// SyncMempools blocks until every node reports the same mempool contents.
func (t *Topology) SyncMempools(ctx context.Context) error {
	return t.await(ctx, false)
}

type observation struct {
	tips     []string
	heights  []int64
	mempools [][]string
}

func (o observation) converged(blocks bool) bool {
	for i := 1; i < len(o.mempools); i++ {
		if blocks && o.tips[i] != o.tips[0] {
			return false
		}

		if !slices.Equal(o.mempools[i], o.mempools[0]) {
			return false
		}
	}

	return true
}

func (t *Topology) observe() (observation, error) {
	var o observation

	for _, n := range t.nodes {
		tip, err := n.Client.GetBestBlockHash()
		if err != nil {
			return o, err
		}

		height, err := n.Client.GetBlockCount()
		if err != nil {
			return o, err
		}

		mempool, err := n.Client.GetRawMempool()
		if err != nil {
			return o, err
		}
		slices.Sort(mempool)

		o.tips = append(o.tips, tip)
		o.heights = append(o.heights, height)
		o.mempools = append(o.mempools, mempool)
	}

	return o, nil
}

func (t *Topology) await(ctx context.Context, blocks bool) error {
	var last observation

	poll := func() error {
		o, err := t.observe()
		if err != nil {
			return backoff.Permanent(err)
		}

		last = o
		if !o.converged(blocks) {
			return errNotSynced
		}

		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.InitialInterval
	b.MaxInterval = t.policy.MaxInterval
	b.MaxElapsedTime = t.policy.Timeout

	err := backoff.Retry(poll, backoff.WithContext(b, ctx))
	if errors.Is(err, errNotSynced) {
		sizes := make([]int, len(last.mempools))
		for i, m := range last.mempools {
			sizes[i] = len(m)
		}

		return &SyncTimeoutError{
			Timeout:      t.policy.Timeout,
			Heights:      last.heights,
			MempoolSizes: sizes,
		}
	}

	return err
}

// Close stops every launched node and detaches from attached ones.
func (t *Topology) Close() error {
	var firstErr error

	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]

		if t.launcher == nil {
			if n.Client != nil {
				n.Client.Close()
			}

			continue
		}

		if err := t.launcher.Stop(n); err != nil {
			t.logger.Warn("failed to stop node",
				slog.Int("node", n.Index),
				slog.String("error", err.Error()),
			)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
