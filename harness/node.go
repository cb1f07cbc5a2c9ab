// Package harness provisions and connects the regtest nodes a benchmark runs
// against, and provides the cross-node sync barrier.
package harness

import (
	"fmt"

	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/node"
)

// Role tells the block producer apart from the wallets under test.
type Role int

const (
	RoleMiner Role = iota
	RoleSubject
)

func (r Role) String() string {
	switch r {
	case RoleMiner:
		return "miner"
	case RoleSubject:
		return "subject"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Node is a handle to one provisioned node.
type Node struct {
	Index  int
	Role   Role
	Config NodeConfig
	// Endpoint is the RPC host:port.
	Endpoint string
	// P2PAddr is what peers pass to addnode.
	P2PAddr string
	Client  node.Client

	proc *process
}

// Label names the node's configuration in reports.
func (n *Node) Label() string {
	if n.Config.Label != "" {
		return n.Config.Label
	}

	if n.Role == RoleMiner {
		return "miner"
	}

	return fmt.Sprintf("minchange=%s relayfee=%s",
		amount.Format(n.Config.MinChange),
		amount.Format(n.Config.MinRelayFee),
	)
}
