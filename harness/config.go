package harness

import (
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/weiihann/changebench/amount"
)

// DefaultMinRelayFee lowers the dust threshold so single-satoshi outputs
// relay.
const DefaultMinRelayFee = amount.Satoshi

// defaultFallbackFee lets wallets without fee estimates still send on
// regtest.
const defaultFallbackFee = btcutil.Amount(20_000)

// NodeConfig is the launch configuration of one node.
type NodeConfig struct {
	Label string
	// MinChange is passed as -minchange in satoshis when positive.
	MinChange   btcutil.Amount
	MinRelayFee btcutil.Amount
	AddressType string
	ChangeType  string
	ExtraArgs   []string

	// RPCHost attaches to an already running node instead of launching
	// one. P2PHost is then what peers addnode.
	RPCHost string
	P2PHost string
	RPCUser string
	RPCPass string

	// LegacyRPC selects the pre-0.18 wallet RPCs.
	LegacyRPC bool
}

// Args returns the bitcoind command line for the node.
func (c NodeConfig) Args(dataDir string, p2pPort, rpcPort int, rpcUser, rpcPass string) []string {
	relayFee := c.MinRelayFee
	if relayFee == 0 {
		relayFee = DefaultMinRelayFee
	}

	args := []string{
		"-regtest",
		"-server",
		"-listen",
		"-datadir=" + dataDir,
		"-port=" + strconv.Itoa(p2pPort),
		"-rpcport=" + strconv.Itoa(rpcPort),
		"-rpcuser=" + rpcUser,
		"-rpcpassword=" + rpcPass,
		"-minrelaytxfee=" + amount.Format(relayFee),
	}

	if !c.LegacyRPC {
		args = append(args, "-fallbackfee="+amount.Format(defaultFallbackFee))
	}

	if c.MinChange > 0 {
		args = append(args, "-minchange="+strconv.FormatInt(int64(c.MinChange), 10))
	}

	if c.AddressType != "" {
		args = append(args, "-addresstype="+c.AddressType)
	}

	if c.ChangeType != "" {
		args = append(args, "-changetype="+c.ChangeType)
	}

	return append(args, c.ExtraArgs...)
}
