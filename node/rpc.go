package node

import (
	"encoding/json"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/weiihann/changebench/amount"
)

// ConnConfig describes how to reach a regtest node's RPC server.
type ConnConfig struct {
	// Name identifies the node in errors and logs.
	Name string
	// Host is host:port of the RPC server.
	Host string
	User string
	Pass string
	// Legacy selects the pre-0.18 wallet RPCs: generate,
	// signrawtransaction and validateaddress.
	Legacy bool
}

// RPCClient implements Client on top of btcd's rpcclient in HTTP POST mode.
type RPCClient struct {
	name       string
	legacy     bool
	params     *chaincfg.Params
	rpc        *rpcclient.Client
	miningAddr btcutil.Address
}

var _ Client = (*RPCClient)(nil)

// Dial creates a client for the node described by cfg. No request is made
// until the first call.
func Dial(cfg ConnConfig) (*RPCClient, error) {
	params := &chaincfg.RegressionNetParams

	c, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Params:       params.Name,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, &RemoteCallFailure{Node: cfg.Name, Method: "connect", Err: err}
	}

	return &RPCClient{
		name:   cfg.Name,
		legacy: cfg.Legacy,
		params: params,
		rpc:    c,
	}, nil
}

func (c *RPCClient) fail(method string, err error) error {
	return &RemoteCallFailure{Node: c.name, Method: method, Err: err}
}

func (c *RPCClient) decodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, errors.Wrapf(err, "decode address %s", addr)
	}

	return a, nil
}

func (c *RPCClient) decodeAmounts(amounts map[string]btcutil.Amount) (map[btcutil.Address]btcutil.Amount, error) {
	out := make(map[btcutil.Address]btcutil.Amount, len(amounts))
	for addr, amt := range amounts {
		a, err := c.decodeAddress(addr)
		if err != nil {
			return nil, err
		}
		out[a] = amt
	}

	return out, nil
}

func (c *RPCClient) raw(method string, params ...any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, c.fail(method, err)
		}
		encoded = append(encoded, b)
	}

	res, err := c.rpc.RawRequest(method, encoded)
	if err != nil {
		return nil, c.fail(method, err)
	}

	return res, nil
}

// unspentEntry mirrors a listunspent element with the amount kept as its
// decimal text.
type unspentEntry struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Amount        json.RawMessage `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

func (c *RPCClient) ListUnspent(minConf int) ([]UnspentOutput, error) {
	res, err := c.raw("listunspent", minConf)
	if err != nil {
		return nil, err
	}

	var entries []unspentEntry
	if err := json.Unmarshal(res, &entries); err != nil {
		return nil, c.fail("listunspent", err)
	}

	out := make([]UnspentOutput, 0, len(entries))
	for _, u := range entries {
		amt, err := parseAmount(u.Amount)
		if err != nil {
			return nil, c.fail("listunspent", err)
		}

		out = append(out, UnspentOutput{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Address:       u.Address,
			Amount:        amt,
			Confirmations: u.Confirmations,
		})
	}

	return out, nil
}

func (c *RPCClient) CreateRawTransaction(
	inputs []OutPoint,
	outputs map[string]btcutil.Amount,
) (*wire.MsgTx, error) {
	ins := make([]btcjson.TransactionInput, 0, len(inputs))
	for _, in := range inputs {
		ins = append(ins, btcjson.TransactionInput{Txid: in.TxID, Vout: in.Vout})
	}

	outs, err := c.decodeAmounts(outputs)
	if err != nil {
		return nil, c.fail("createrawtransaction", err)
	}

	tx, err := c.rpc.CreateRawTransaction(ins, outs, nil)
	if err != nil {
		return nil, c.fail("createrawtransaction", err)
	}

	return tx, nil
}

func (c *RPCClient) SignRawTransaction(tx *wire.MsgTx) (*wire.MsgTx, error) {
	var (
		signed   *wire.MsgTx
		complete bool
		err      error
	)

	method := "signrawtransactionwithwallet"
	if c.legacy {
		method = "signrawtransaction"
		signed, complete, err = c.rpc.SignRawTransaction(tx)
	} else {
		signed, complete, err = c.rpc.SignRawTransactionWithWallet(tx)
	}

	if err != nil {
		return nil, c.fail(method, err)
	}

	if !complete {
		return nil, c.fail(method, errors.New("signature incomplete"))
	}

	return signed, nil
}

func (c *RPCClient) SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (string, error) {
	hash, err := c.rpc.SendRawTransaction(tx, allowHighFees)
	if err != nil {
		return "", c.fail("sendrawtransaction", err)
	}

	return hash.String(), nil
}

func (c *RPCClient) GetNewAddress() (string, error) {
	addr, err := c.rpc.GetNewAddress("")
	if err != nil {
		return "", c.fail("getnewaddress", err)
	}

	return addr.EncodeAddress(), nil
}

// AddMultisigAddress accepts both the old plain-string reply and the newer
// {"address": ...} object.
func (c *RPCClient) AddMultisigAddress(required int, addresses []string) (string, error) {
	res, err := c.raw("addmultisigaddress", required, addresses)
	if err != nil {
		return "", err
	}

	var addr string
	if err := json.Unmarshal(res, &addr); err == nil {
		return addr, nil
	}

	var obj struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(res, &obj); err != nil {
		return "", c.fail("addmultisigaddress", err)
	}

	return obj.Address, nil
}

func (c *RPCClient) GetAddressInfo(address string) (*AddressInfo, error) {
	method := "getaddressinfo"
	if c.legacy {
		method = "validateaddress"
	}

	res, err := c.raw(method, address)
	if err != nil {
		return nil, err
	}

	var info AddressInfo
	if err := json.Unmarshal(res, &info); err != nil {
		return nil, c.fail(method, err)
	}

	// getaddressinfo fails on invalid addresses instead of flagging them.
	if !c.legacy {
		info.IsValid = true
	}

	return &info, nil
}

func (c *RPCClient) SendMany(fromAccount string, amounts map[string]btcutil.Amount) (string, error) {
	outs, err := c.decodeAmounts(amounts)
	if err != nil {
		return "", c.fail("sendmany", err)
	}

	hash, err := c.rpc.SendMany(fromAccount, outs)
	if err != nil {
		return "", c.fail("sendmany", err)
	}

	return hash.String(), nil
}

func (c *RPCClient) SendToAddress(address string, amt btcutil.Amount) (string, error) {
	addr, err := c.decodeAddress(address)
	if err != nil {
		return "", c.fail("sendtoaddress", err)
	}

	hash, err := c.rpc.SendToAddress(addr, amt)
	if err != nil {
		return "", c.fail("sendtoaddress", err)
	}

	return hash.String(), nil
}

// Generate mines numBlocks blocks. Non-legacy nodes mine to a wallet
// address obtained on first use.
func (c *RPCClient) Generate(numBlocks int) ([]string, error) {
	var (
		hashes []*chainhash.Hash
		err    error
	)

	if c.legacy {
		hashes, err = c.rpc.Generate(uint32(numBlocks))
		if err != nil {
			return nil, c.fail("generate", err)
		}
	} else {
		if c.miningAddr == nil {
			addr, err := c.rpc.GetNewAddress("")
			if err != nil {
				return nil, c.fail("getnewaddress", err)
			}
			c.miningAddr = addr
		}

		hashes, err = c.rpc.GenerateToAddress(int64(numBlocks), c.miningAddr, nil)
		if err != nil {
			return nil, c.fail("generatetoaddress", err)
		}
	}

	return hashStrings(hashes), nil
}

// GetBalance sends getbalance without arguments. The "*" account form is
// rejected by descriptor wallets.
func (c *RPCClient) GetBalance() (btcutil.Amount, error) {
	res, err := c.raw("getbalance")
	if err != nil {
		return 0, err
	}

	bal, err := parseAmount(res)
	if err != nil {
		return 0, c.fail("getbalance", err)
	}

	return bal, nil
}

// DefaultWallet is created on nodes that start without a loaded wallet.
const DefaultWallet = "changebench"

// EnsureWallet returns once a wallet is loaded, creating name or loading it
// from disk if none is.
func (c *RPCClient) EnsureWallet(name string) error {
	res, err := c.raw("listwallets")
	if err != nil {
		return err
	}

	var loaded []string
	if err := json.Unmarshal(res, &loaded); err != nil {
		return c.fail("listwallets", err)
	}

	if len(loaded) > 0 {
		return nil
	}

	_, err = c.raw("createwallet", name)
	if err == nil || !hasRPCCode(err, btcjson.ErrRPCWallet) {
		return err
	}

	// The wallet exists on disk but is not loaded.
	_, err = c.raw("loadwallet", name)

	return err
}

func (c *RPCClient) GetUnconfirmedBalance() (btcutil.Amount, error) {
	res, err := c.raw("getunconfirmedbalance")
	if err != nil {
		return 0, err
	}

	amt, err := parseAmount(res)
	if err != nil {
		return 0, c.fail("getunconfirmedbalance", err)
	}

	return amt, nil
}

func (c *RPCClient) GetMempoolInfo() (*MempoolInfo, error) {
	res, err := c.raw("getmempoolinfo")
	if err != nil {
		return nil, err
	}

	var info MempoolInfo
	if err := json.Unmarshal(res, &info); err != nil {
		return nil, c.fail("getmempoolinfo", err)
	}

	return &info, nil
}

func (c *RPCClient) GetTxOutSetInfo() (*TxOutSetInfo, error) {
	res, err := c.raw("gettxoutsetinfo")
	if err != nil {
		return nil, err
	}

	var info TxOutSetInfo
	if err := json.Unmarshal(res, &info); err != nil {
		return nil, c.fail("gettxoutsetinfo", err)
	}

	return &info, nil
}

func (c *RPCClient) AddNode(host string) error {
	if err := c.rpc.AddNode(host, rpcclient.ANOneTry); err != nil {
		return c.fail("addnode", err)
	}

	return nil
}

func (c *RPCClient) GetBestBlockHash() (string, error) {
	hash, err := c.rpc.GetBestBlockHash()
	if err != nil {
		return "", c.fail("getbestblockhash", err)
	}

	return hash.String(), nil
}

func (c *RPCClient) GetBlockCount() (int64, error) {
	n, err := c.rpc.GetBlockCount()
	if err != nil {
		return 0, c.fail("getblockcount", err)
	}

	return n, nil
}

func (c *RPCClient) GetRawMempool() ([]string, error) {
	hashes, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, c.fail("getrawmempool", err)
	}

	return hashStrings(hashes), nil
}

func (c *RPCClient) Stop() error {
	_, err := c.raw("stop")

	return err
}

func (c *RPCClient) Close() {
	c.rpc.Shutdown()
}

func hashStrings(hashes []*chainhash.Hash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.String())
	}

	return out
}

// parseAmount decodes a JSON number without going through float64.
func hasRPCCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError

	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

func parseAmount(raw json.RawMessage) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Wrapf(err, "decode amount %s", string(raw))
	}

	return amount.FromDecimal(d)
}
