package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// regtestAddr is the BIP-173 regtest P2WPKH test vector.
const regtestAddr = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type recorder struct {
	mu   sync.Mutex
	reqs []rpcRequest
}

func (r *recorder) add(req rpcRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recorder) requests() []rpcRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]rpcRequest(nil), r.reqs...)
}

// newRPCServer answers JSON-RPC requests from replies keyed by method. A
// reply of type *btcjson.RPCError is sent as an error.
func newRPCServer(t *testing.T, replies map[string]any) (*RPCClient, *recorder) {
	t.Helper()

	seen := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}
		seen.add(req)

		resp := map[string]any{"id": req.ID, "result": nil, "error": nil}

		reply, ok := replies[req.Method]
		switch {
		case !ok:
			resp["error"] = &btcjson.RPCError{Code: -32601, Message: "Method not found"}
		default:
			if rpcErr, isErr := reply.(*btcjson.RPCError); isErr {
				resp["error"] = rpcErr
			} else {
				resp["result"] = reply
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(ConnConfig{
		Name: "node1",
		Host: strings.TrimPrefix(srv.URL, "http://"),
		User: "user",
		Pass: "pass",
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c, seen
}

func TestRPCClientQueries(t *testing.T) {
	c, _ := newRPCServer(t, map[string]any{
		"getmempoolinfo":        json.RawMessage(`{"size": 3, "bytes": 750, "usage": 4096}`),
		"gettxoutsetinfo":       json.RawMessage(`{"height": 151, "bestblock": "00ff", "transactions": 152, "txouts": 160, "total_amount": 7550.0}`),
		"getunconfirmedbalance": json.RawMessage(`0.30000001`),
		"getblockcount":         151,
		"getbalance":            0.6,
	})

	mempool, err := c.GetMempoolInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(3), mempool.Size)

	txouts, err := c.GetTxOutSetInfo()
	require.NoError(t, err)
	assert.Equal(t, int64(160), txouts.TxOuts)
	assert.Equal(t, int64(151), txouts.Height)

	unconfirmed, err := c.GetUnconfirmedBalance()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(30_000_001), unconfirmed)

	height, err := c.GetBlockCount()
	require.NoError(t, err)
	assert.Equal(t, int64(151), height)

	bal, err := c.GetBalance()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(60_000_000), bal)
}

func TestRPCClientListUnspent(t *testing.T) {
	c, seen := newRPCServer(t, map[string]any{
		"listunspent": json.RawMessage(`[
			{"txid": "aa", "vout": 1, "address": "` + regtestAddr + `", "amount": 0.1, "confirmations": 10, "spendable": true},
			{"txid": "bb", "vout": 0, "address": "` + regtestAddr + `", "amount": 0.00000001, "confirmations": 0, "spendable": true}
		]`),
	})

	utxos, err := c.ListUnspent(0)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	assert.Equal(t, UnspentOutput{
		TxID:          "aa",
		Vout:          1,
		Address:       regtestAddr,
		Amount:        10_000_000,
		Confirmations: 10,
	}, utxos[0])
	assert.Equal(t, btcutil.Amount(1), utxos[1].Amount)

	reqs := seen.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "listunspent", reqs[0].Method)
	assert.JSONEq(t, `0`, string(reqs[0].Params[0]))
}

func TestRPCClientAddresses(t *testing.T) {
	c, _ := newRPCServer(t, map[string]any{
		"getnewaddress":      regtestAddr,
		"addmultisigaddress": json.RawMessage(`{"address": "` + regtestAddr + `", "redeemScript": "52ae"}`),
		"getaddressinfo":     json.RawMessage(`{"address": "` + regtestAddr + `", "ismine": true, "iswitness": true, "pubkey": "02aa"}`),
	})

	addr, err := c.GetNewAddress()
	require.NoError(t, err)
	assert.Equal(t, regtestAddr, addr)

	multisig, err := c.AddMultisigAddress(2, []string{addr, addr})
	require.NoError(t, err)
	assert.Equal(t, regtestAddr, multisig)

	info, err := c.GetAddressInfo(addr)
	require.NoError(t, err)
	assert.True(t, info.IsValid)
	assert.True(t, info.IsMine)
	assert.True(t, info.IsWitness)
	assert.False(t, info.IsScript)
}

func TestRPCClientRemoteFailure(t *testing.T) {
	c, _ := newRPCServer(t, map[string]any{
		"sendtoaddress": &btcjson.RPCError{Code: btcjson.ErrRPCWalletInsufficientFunds, Message: "Insufficient funds"},
	})

	_, err := c.SendToAddress(regtestAddr, 10_000_000)
	require.Error(t, err)

	var rcf *RemoteCallFailure
	require.True(t, errors.As(err, &rcf))
	assert.Equal(t, "node1", rcf.Node)
	assert.Equal(t, "sendtoaddress", rcf.Method)
	assert.Contains(t, err.Error(), "Insufficient funds")

	var rpcErr *btcjson.RPCError
	assert.True(t, errors.As(pkgerrors.Cause(err), &rpcErr))
}

func TestRPCClientRejectsBadAddress(t *testing.T) {
	c, seen := newRPCServer(t, map[string]any{})

	_, err := c.SendMany("", map[string]btcutil.Amount{"not-an-address": 1})

	var rcf *RemoteCallFailure
	require.True(t, errors.As(err, &rcf))
	assert.Equal(t, "sendmany", rcf.Method)
	assert.Empty(t, seen.requests(), "nothing should reach the node")
}

func TestParseAmount(t *testing.T) {
	amt, err := parseAmount(json.RawMessage(`1e-08`))
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1), amt)

	_, err = parseAmount(json.RawMessage(`"x"`))
	assert.Error(t, err)
}

func TestRPCClientAmountsAreExact(t *testing.T) {
	c, seen := newRPCServer(t, map[string]any{
		"getbalance": json.RawMessage(`20999999.99999999`),
		"listunspent": json.RawMessage(`[
			{"txid": "cc", "vout": 2, "address": "` + regtestAddr + `", "amount": 20999999.99999999, "confirmations": 1}
		]`),
	})

	bal, err := c.GetBalance()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(2_099_999_999_999_999), bal)

	utxos, err := c.ListUnspent(1)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, btcutil.Amount(2_099_999_999_999_999), utxos[0].Amount)

	reqs := seen.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "getbalance", reqs[0].Method)
	assert.Empty(t, reqs[0].Params, "getbalance takes no account argument")
}

func TestRPCClientRejectsMalformedUnspent(t *testing.T) {
	c, _ := newRPCServer(t, map[string]any{
		"listunspent": json.RawMessage(`[{"txid": "dd", "vout": 0, "amount": "lots"}]`),
	})

	_, err := c.ListUnspent(0)

	var rcf *RemoteCallFailure
	require.True(t, errors.As(err, &rcf))
	assert.Equal(t, "listunspent", rcf.Method)
}

func TestRPCClientEnsureWallet(t *testing.T) {
	methods := func(reqs []rpcRequest) []string {
		out := make([]string, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, r.Method)
		}

		return out
	}

	t.Run("already loaded", func(t *testing.T) {
		c, seen := newRPCServer(t, map[string]any{
			"listwallets": []string{""},
		})

		require.NoError(t, c.EnsureWallet(DefaultWallet))
		assert.Equal(t, []string{"listwallets"}, methods(seen.requests()))
	})

	t.Run("created", func(t *testing.T) {
		c, seen := newRPCServer(t, map[string]any{
			"listwallets":  []string{},
			"createwallet": json.RawMessage(`{"name": "changebench", "warning": ""}`),
		})

		require.NoError(t, c.EnsureWallet(DefaultWallet))

		reqs := seen.requests()
		assert.Equal(t, []string{"listwallets", "createwallet"}, methods(reqs))
		assert.JSONEq(t, `"changebench"`, string(reqs[1].Params[0]))
	})

	t.Run("loaded from disk", func(t *testing.T) {
		c, seen := newRPCServer(t, map[string]any{
			"listwallets":  []string{},
			"createwallet": &btcjson.RPCError{Code: btcjson.ErrRPCWallet, Message: "Database already exists."},
			"loadwallet":   json.RawMessage(`{"name": "changebench", "warning": ""}`),
		})

		require.NoError(t, c.EnsureWallet(DefaultWallet))
		assert.Equal(t, []string{"listwallets", "createwallet", "loadwallet"}, methods(seen.requests()))
	})

	t.Run("other failures surface", func(t *testing.T) {
		c, seen := newRPCServer(t, map[string]any{
			"listwallets": []string{},
		})

		err := c.EnsureWallet(DefaultWallet)

		var rcf *RemoteCallFailure
		require.True(t, errors.As(err, &rcf))
		assert.Equal(t, "createwallet", rcf.Method)
		assert.Len(t, seen.requests(), 2)
	})
}
