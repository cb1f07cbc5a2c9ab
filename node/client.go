// Package node defines the request/response contract the benchmark consumes
// from a ledger node, and an implementation backed by bitcoind's JSON-RPC.
package node

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// UnspentOutput is one entry of listunspent.
type UnspentOutput struct {
	TxID          string
	Vout          uint32
	Address       string
	Amount        btcutil.Amount
	Confirmations int64
}

// OutPoint references a transaction output to be spent.
type OutPoint struct {
	TxID string
	Vout uint32
}

// MempoolInfo is the subset of getmempoolinfo the harness reads.
type MempoolInfo struct {
	Size  int64 `json:"size"`
	Bytes int64 `json:"bytes"`
}

// TxOutSetInfo is the subset of gettxoutsetinfo the harness reads.
type TxOutSetInfo struct {
	Height       int64  `json:"height"`
	BestBlock    string `json:"bestblock"`
	Transactions int64  `json:"transactions"`
	TxOuts       int64  `json:"txouts"`
}

// AddressInfo describes an address as reported by the owning wallet.
type AddressInfo struct {
	Address   string       `json:"address"`
	IsValid   bool         `json:"isvalid"`
	IsMine    bool         `json:"ismine"`
	IsScript  bool         `json:"isscript"`
	IsWitness bool         `json:"iswitness"`
	Script    string       `json:"script"`
	PubKey    string       `json:"pubkey"`
	PubKeys   []string     `json:"pubkeys"`
	Embedded  *AddressInfo `json:"embedded"`
}

// Client is the set of node operations the harness depends on. Calls are
// synchronous and are never retried.
type Client interface {
	ListUnspent(minConf int) ([]UnspentOutput, error)
	CreateRawTransaction(inputs []OutPoint, outputs map[string]btcutil.Amount) (*wire.MsgTx, error)
	SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (string, error)

	GetNewAddress() (string, error)
	AddMultisigAddress(required int, addresses []string) (string, error)
	GetAddressInfo(address string) (*AddressInfo, error)

	SendMany(fromAccount string, amounts map[string]btcutil.Amount) (string, error)
	SendToAddress(address string, amt btcutil.Amount) (string, error)
	Generate(numBlocks int) ([]string, error)

	GetBalance() (btcutil.Amount, error)
	GetUnconfirmedBalance() (btcutil.Amount, error)
	GetMempoolInfo() (*MempoolInfo, error)
	GetTxOutSetInfo() (*TxOutSetInfo, error)

	AddNode(host string) error
	GetBestBlockHash() (string, error)
	GetBlockCount() (int64, error)
	GetRawMempool() ([]string, error)

	// Stop asks the node process to shut down.
	Stop() error
	// Close releases the client connection.
	Close()
}

// RemoteCallFailure wraps an error returned by, or while talking to, a node.
type RemoteCallFailure struct {
	Node   string
	Method string
	Err    error
}

func (e *RemoteCallFailure) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Node, e.Method, e.Err)
}

func (e *RemoteCallFailure) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause reach the node's error.
func (e *RemoteCallFailure) Cause() error {
	return e.Err
}
