// Package simnet is an in-memory regtest network whose nodes implement
// node.Client. All nodes share one chain and one mempool, so they are always
// in sync. Wallets use a deterministic coin selection that honours each
// node's minimum-change threshold, which is enough to exercise the benchmark
// end to end without bitcoind.
package simnet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/weiihann/changebench/node"
)

// Address kinds, named after bitcoind's -addresstype values.
const (
	Legacy     = "legacy"
	P2SHSegwit = "p2sh-segwit"
	Bech32     = "bech32"
)

// Params controls network-wide policy.
type Params struct {
	// CoinbaseReward is paid to the generating node for every block.
	CoinbaseReward btcutil.Amount
	// Fee is charged on every wallet-created transaction.
	Fee btcutil.Amount
	// Dust is the largest change amount folded into the fee instead of
	// creating a change output.
	Dust btcutil.Amount
	// HighFee is the largest fee sendrawtransaction accepts unless
	// allowHighFees is set.
	HighFee btcutil.Amount
}

// DefaultParams mirrors regtest with a 1 satoshi relay fee.
func DefaultParams() Params {
	return Params{
		CoinbaseReward: 50 * btcutil.SatoshiPerBitcoin,
		Fee:            1,
		Dust:           0,
		HighFee:        btcutil.SatoshiPerBitcoin / 10,
	}
}

// NodeConfig is the per-node wallet policy.
type NodeConfig struct {
	Name        string
	MinChange   btcutil.Amount
	AddressType string
}

type coin struct {
	seq       uint64
	op        wire.OutPoint
	addr      string
	owner     *Node
	value     btcutil.Amount
	height    int64
	confirmed bool
	// fromSelf marks outputs of transactions the owner created, which the
	// wallet trusts before confirmation.
	fromSelf bool
	spending bool
}

type address struct {
	owner    *Node
	kind     string
	multisig bool
	pubKey   string
	pubKeys  []string
}

type mempoolTx struct {
	hash    chainhash.Hash
	inputs  []wire.OutPoint
	outputs []*coin
	fee     btcutil.Amount
}

// Network is the shared chain state.
type Network struct {
	mu      sync.Mutex
	params  Params
	seq     uint64
	height  int64
	tip     chainhash.Hash
	coins   map[wire.OutPoint]*coin
	mempool []*mempoolTx
	addrs   map[string]*address
	nodes   []*Node
}

// New creates an empty network at height zero.
func New(params Params) *Network {
	n := &Network{
		params: params,
		coins:  make(map[wire.OutPoint]*coin),
		addrs:  make(map[string]*address),
	}
	n.tip = n.nextHash("genesis")

	return n
}

// NewNode attaches a wallet node to the network.
func (n *Network) NewNode(cfg NodeConfig) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cfg.AddressType == "" {
		cfg.AddressType = Bech32
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("sim%d", len(n.nodes))
	}

	nd := &Node{net: n, index: len(n.nodes), cfg: cfg}
	n.nodes = append(n.nodes, nd)

	return nd
}

// Fund credits a confirmed output of value to nd out of thin air.
func (n *Network) Fund(nd *Node, value btcutil.Amount) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := nd.newAddressLocked(nd.cfg.AddressType)
	n.addCoin(n.nextHash("fund"), 0, addr, value, true, true)
}

func (n *Network) nextHash(kind string) chainhash.Hash {
	n.seq++

	return chainhash.DoubleHashH([]byte(fmt.Sprintf("%s-%d", kind, n.seq)))
}

func (n *Network) addCoin(
	hash chainhash.Hash,
	vout uint32,
	addr string,
	value btcutil.Amount,
	confirmed, fromSelf bool,
) *coin {
	n.seq++

	c := &coin{
		seq:       n.seq,
		op:        wire.OutPoint{Hash: hash, Index: vout},
		addr:      addr,
		value:     value,
		confirmed: confirmed,
		fromSelf:  fromSelf,
	}
	if confirmed {
		c.height = n.height
	}
	if a, ok := n.addrs[addr]; ok {
		c.owner = a.owner
	}

	n.coins[c.op] = c

	return c
}

// mine confirms the whole mempool in one block paying the coinbase to nd.
func (n *Network) mine(nd *Node) chainhash.Hash {
	n.height++

	var fees btcutil.Amount
	for _, tx := range n.mempool {
		for _, op := range tx.inputs {
			delete(n.coins, op)
		}
		for _, c := range tx.outputs {
			c.confirmed = true
			c.height = n.height
		}
		fees += tx.fee
	}
	n.mempool = nil

	addr := nd.newAddressLocked(nd.cfg.AddressType)
	n.addCoin(n.nextHash("coinbase"), 0, addr, n.params.CoinbaseReward+fees, true, true)

	n.tip = n.nextHash("block")

	return n.tip
}

// accept adds a transaction spending inputs to the mempool.
func (n *Network) accept(
	sender *Node,
	inputs []*coin,
	outputs []output,
	fee btcutil.Amount,
) chainhash.Hash {
	hash := n.nextHash("tx")
	tx := &mempoolTx{hash: hash, fee: fee}

	for _, c := range inputs {
		c.spending = true
		tx.inputs = append(tx.inputs, c.op)
	}

	for i, out := range outputs {
		c := n.addCoin(hash, uint32(i), out.addr, out.value, false, false)
		c.fromSelf = c.owner == sender
		tx.outputs = append(tx.outputs, c)
	}

	n.mempool = append(n.mempool, tx)

	return hash
}

type output struct {
	addr  string
	value btcutil.Amount
}

func sortedOutputs(amounts map[string]btcutil.Amount) []output {
	outs := make([]output, 0, len(amounts))
	for addr, v := range amounts {
		outs = append(outs, output{addr: addr, value: v})
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].addr < outs[j].addr })

	return outs
}

func rpcError(code btcjson.RPCErrorCode, format string, args ...any) *btcjson.RPCError {
	return btcjson.NewRPCError(code, fmt.Sprintf(format, args...))
}

var _ node.Client = (*Node)(nil)
