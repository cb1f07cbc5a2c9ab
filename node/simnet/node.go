package simnet

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/weiihann/changebench/node"
)

// Node is one wallet on the simulated network.
type Node struct {
	net   *Network
	index int
	cfg   NodeConfig
	peers []string
}

// Index returns the node's position on the network.
func (nd *Node) Index() int {
	return nd.index
}

func (nd *Node) fail(method string, err error) error {
	return &node.RemoteCallFailure{Node: nd.cfg.Name, Method: method, Err: err}
}

func (nd *Node) newAddressLocked(kind string) string {
	n := nd.net
	n.seq++

	var prefix string
	switch kind {
	case Legacy:
		prefix = "m"
	case P2SHSegwit:
		prefix = "2"
	default:
		prefix = "bcrt1q"
	}

	addr := fmt.Sprintf("%ssim%dx%d", prefix, nd.index, n.seq)
	n.addrs[addr] = &address{
		owner:  nd,
		kind:   kind,
		pubKey: fmt.Sprintf("02%062x", n.seq),
	}

	return addr
}

// wallet returns the node's unspent coins sorted by value, then age. With
// spendableOnly set, unconfirmed coins received from others are left out.
func (nd *Node) wallet(spendableOnly bool) []*coin {
	var coins []*coin
	for _, c := range nd.net.coins {
		if c.owner != nd || c.spending {
			continue
		}
		if spendableOnly && !c.confirmed && !c.fromSelf {
			continue
		}
		coins = append(coins, c)
	}

	sort.Slice(coins, func(i, j int) bool {
		if coins[i].value != coins[j].value {
			return coins[i].value < coins[j].value
		}

		return coins[i].seq < coins[j].seq
	})

	return coins
}

// selectCoins picks inputs for a payment of target plus fee. It prefers an
// exact match, then tries to leave at least MinChange as change, and only
// then settles for any covering selection.
func (nd *Node) selectCoins(target btcutil.Amount) ([]*coin, btcutil.Amount, bool) {
	coins := nd.wallet(true)
	need := target + nd.net.params.Fee

	for _, c := range coins {
		if c.value == need {
			return []*coin{c}, c.value, true
		}
	}

	for _, goal := range []btcutil.Amount{need + nd.cfg.MinChange, need} {
		for _, c := range coins {
			if c.value >= goal {
				return []*coin{c}, c.value, true
			}
		}

		var (
			picked []*coin
			total  btcutil.Amount
		)
		for i := len(coins) - 1; i >= 0; i-- {
			picked = append(picked, coins[i])
			total += coins[i].value
			if total >= goal {
				return picked, total, true
			}
		}
	}

	return nil, 0, false
}

func (nd *Node) pay(method string, outs []output) (string, error) {
	var target btcutil.Amount
	for _, o := range outs {
		if o.value <= 0 {
			return "", nd.fail(method, rpcError(btcjson.ErrRPCType, "Invalid amount for send"))
		}
		target += o.value
	}

	inputs, total, ok := nd.selectCoins(target)
	if !ok {
		return "", nd.fail(method, rpcError(btcjson.ErrRPCWalletInsufficientFunds, "Insufficient funds"))
	}

	fee := nd.net.params.Fee
	change := total - target - fee
	if change > nd.net.params.Dust {
		outs = append(outs, output{addr: nd.newAddressLocked(nd.cfg.AddressType), value: change})
	} else {
		fee += change
	}

	hash := nd.net.accept(nd, inputs, outs, fee)

	return hash.String(), nil
}

func (nd *Node) ListUnspent(minConf int) ([]node.UnspentOutput, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	coins := nd.wallet(false)
	sort.Slice(coins, func(i, j int) bool { return coins[i].seq < coins[j].seq })

	out := make([]node.UnspentOutput, 0, len(coins))
	for _, c := range coins {
		var conf int64
		if c.confirmed {
			conf = nd.net.height - c.height + 1
		}
		if conf < int64(minConf) {
			continue
		}

		out = append(out, node.UnspentOutput{
			TxID:          c.op.Hash.String(),
			Vout:          c.op.Index,
			Address:       c.addr,
			Amount:        c.value,
			Confirmations: conf,
		})
	}

	return out, nil
}

func (nd *Node) CreateRawTransaction(
	inputs []node.OutPoint,
	outputs map[string]btcutil.Amount,
) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, nd.fail("createrawtransaction", rpcError(btcjson.ErrRPCDecodeHexString, "txid must be hexadecimal: %v", err))
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}

	for _, o := range sortedOutputs(outputs) {
		if o.value < 0 {
			return nil, nd.fail("createrawtransaction", rpcError(btcjson.ErrRPCType, "Amount out of range"))
		}
		tx.AddTxOut(wire.NewTxOut(int64(o.value), []byte(o.addr)))
	}

	return tx, nil
}

func (nd *Node) SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	for _, in := range tx.TxIn {
		c, ok := nd.net.coins[in.PreviousOutPoint]
		if !ok || c.owner != nd {
			return nil, nd.fail("signrawtransaction", rpcError(btcjson.ErrRPCInvalidParameter,
				"unable to sign input %s", in.PreviousOutPoint))
		}
	}

	return tx.Copy(), nil
}

func (nd *Node) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	const method = "sendrawtransaction"

	var (
		inputs  []*coin
		totalIn btcutil.Amount
	)
	for _, in := range tx.TxIn {
		c, ok := nd.net.coins[in.PreviousOutPoint]
		if !ok {
			return "", nd.fail(method, rpcError(btcjson.ErrRPCTxError, "Missing inputs"))
		}
		if c.spending {
			return "", nd.fail(method, rpcError(btcjson.ErrRPCVerify, "txn-mempool-conflict"))
		}
		inputs = append(inputs, c)
		totalIn += c.value
	}

	var (
		outs     []output
		totalOut btcutil.Amount
	)
	for _, o := range tx.TxOut {
		outs = append(outs, output{addr: string(o.PkScript), value: btcutil.Amount(o.Value)})
		totalOut += btcutil.Amount(o.Value)
	}

	if len(inputs) == 0 {
		return "", nd.fail(method, rpcError(btcjson.ErrRPCVerify, "bad-txns-vin-empty"))
	}
	if totalOut > totalIn {
		return "", nd.fail(method, rpcError(btcjson.ErrRPCVerify, "bad-txns-in-belowout"))
	}

	fee := totalIn - totalOut
	if fee > nd.net.params.HighFee && !allowHighFees {
		return "", nd.fail(method, rpcError(btcjson.ErrRPCVerify, "absurdly-high-fee, %d > %d", fee, nd.net.params.HighFee))
	}

	hash := nd.net.accept(nd, inputs, outs, fee)

	return hash.String(), nil
}

func (nd *Node) GetNewAddress() (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	return nd.newAddressLocked(nd.cfg.AddressType), nil
}

func (nd *Node) AddMultisigAddress(required int, addresses []string) (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	const method = "addmultisigaddress"

	if required < 1 || required > len(addresses) {
		return "", nd.fail(method, rpcError(btcjson.ErrRPCInvalidParameter,
			"not enough keys supplied (got %d keys, but need at least %d to redeem)", len(addresses), required))
	}

	pubKeys := make([]string, 0, len(addresses))
	for _, a := range addresses {
		info, ok := nd.net.addrs[a]
		if !ok || info.multisig {
			return "", nd.fail(method, rpcError(btcjson.ErrRPCInvalidAddressOrKey, "Invalid public key: %s", a))
		}
		pubKeys = append(pubKeys, info.pubKey)
	}

	kind := nd.cfg.AddressType
	if kind == Legacy {
		kind = P2SHSegwit
	}

	addr := nd.newAddressLocked(kind)
	info := nd.net.addrs[addr]
	info.kind = nd.cfg.AddressType
	info.multisig = true
	info.pubKey = ""
	info.pubKeys = pubKeys

	return addr, nil
}

func (nd *Node) GetAddressInfo(addr string) (*node.AddressInfo, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	a, ok := nd.net.addrs[addr]
	if !ok {
		return nil, nd.fail("getaddressinfo", rpcError(btcjson.ErrRPCInvalidAddressOrKey, "Invalid address"))
	}

	info := &node.AddressInfo{Address: addr, IsValid: true, IsMine: a.owner == nd}

	switch {
	case !a.multisig && a.kind == Legacy:
		info.PubKey = a.pubKey
	case !a.multisig && a.kind == P2SHSegwit:
		info.IsScript = true
		info.Script = "witness_v0_keyhash"
		info.PubKey = a.pubKey
	case !a.multisig:
		info.IsWitness = true
		info.PubKey = a.pubKey
	case a.kind == Legacy:
		info.IsScript = true
		info.Script = "multisig"
		info.PubKeys = a.pubKeys
	case a.kind == P2SHSegwit:
		info.IsScript = true
		info.Script = "witness_v0_scripthash"
		info.Embedded = &node.AddressInfo{
			IsScript:  true,
			Script:    "multisig",
			IsWitness: true,
			PubKeys:   a.pubKeys,
		}
	default:
		info.IsScript = true
		info.Script = "multisig"
		info.IsWitness = true
		info.PubKeys = a.pubKeys
	}

	return info, nil
}

func (nd *Node) SendMany(_ string, amounts map[string]btcutil.Amount) (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	if len(amounts) == 0 {
		return "", nd.fail("sendmany", rpcError(btcjson.ErrRPCInvalidParameter, "Transaction must have at least one recipient"))
	}

	return nd.pay("sendmany", sortedOutputs(amounts))
}

func (nd *Node) SendToAddress(addr string, amt btcutil.Amount) (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	return nd.pay("sendtoaddress", []output{{addr: addr, value: amt}})
}

func (nd *Node) Generate(numBlocks int) ([]string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	hashes := make([]string, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		h := nd.net.mine(nd)
		hashes = append(hashes, h.String())
	}

	return hashes, nil
}

func (nd *Node) GetBalance() (btcutil.Amount, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	var total btcutil.Amount
	for _, c := range nd.wallet(true) {
		total += c.value
	}

	return total, nil
}

func (nd *Node) GetUnconfirmedBalance() (btcutil.Amount, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	var total btcutil.Amount
	for _, c := range nd.wallet(false) {
		if !c.confirmed && !c.fromSelf {
			total += c.value
		}
	}

	return total, nil
}

func (nd *Node) GetMempoolInfo() (*node.MempoolInfo, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	size := int64(len(nd.net.mempool))

	return &node.MempoolInfo{Size: size, Bytes: 250 * size}, nil
}

func (nd *Node) GetTxOutSetInfo() (*node.TxOutSetInfo, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	txs := make(map[chainhash.Hash]struct{})

	var outs int64
	for _, c := range nd.net.coins {
		if c.confirmed {
			outs++
			txs[c.op.Hash] = struct{}{}
		}
	}

	return &node.TxOutSetInfo{
		Height:       nd.net.height,
		BestBlock:    nd.net.tip.String(),
		Transactions: int64(len(txs)),
		TxOuts:       outs,
	}, nil
}

func (nd *Node) AddNode(host string) error {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	nd.peers = append(nd.peers, host)

	return nil
}

// Peers returns the hosts passed to AddNode.
func (nd *Node) Peers() []string {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	return append([]string(nil), nd.peers...)
}

func (nd *Node) GetBestBlockHash() (string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	return nd.net.tip.String(), nil
}

func (nd *Node) GetBlockCount() (int64, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	return nd.net.height, nil
}

func (nd *Node) GetRawMempool() ([]string, error) {
	nd.net.mu.Lock()
	defer nd.net.mu.Unlock()

	hashes := make([]string, 0, len(nd.net.mempool))
	for _, tx := range nd.net.mempool {
		hashes = append(hashes, tx.hash.String())
	}

	return hashes, nil
}

func (nd *Node) Stop() error {
	return nil
}

func (nd *Node) Close() {}
