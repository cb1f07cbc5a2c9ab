package bench

import (
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/harness"
)

// Checker asserts post-conditions on a node. Every failed assertion is an
// *InvariantViolation tagged with Scope.
type Checker struct {
	Scope string
}

func (c Checker) violation(check string, n *harness.Node, expected, observed string) error {
	return &InvariantViolation{
		Check:    check,
		Node:     n.Index,
		Pattern:  c.Scope,
		Expected: expected,
		Observed: observed,
	}
}

// MempoolEmpty asserts the node's mempool holds no transaction.
func (c Checker) MempoolEmpty(n *harness.Node) error {
	info, err := n.Client.GetMempoolInfo()
	if err != nil {
		return err
	}

	if info.Size != 0 {
		return c.violation("mempool empty", n, "size 0", "size "+strconv.FormatInt(info.Size, 10))
	}

	return nil
}

// UnspentCount asserts the number of confirmed wallet outputs.
func (c Checker) UnspentCount(n *harness.Node, want int) error {
	utxos, err := n.Client.ListUnspent(1)
	if err != nil {
		return err
	}

	if len(utxos) != want {
		return c.violation("unspent count", n, strconv.Itoa(want), strconv.Itoa(len(utxos)))
	}

	return nil
}

// BalanceEquals asserts the wallet balance exactly.
func (c Checker) BalanceEquals(n *harness.Node, want btcutil.Amount) error {
	bal, err := n.Client.GetBalance()
	if err != nil {
		return err
	}

	if bal != want {
		return c.violation("balance", n, amount.Format(want), amount.Format(bal))
	}

	return nil
}

// BalanceZero asserts an empty wallet.
func (c Checker) BalanceZero(n *harness.Node) error {
	return c.BalanceEquals(n, 0)
}

// BalanceBetween asserts low < balance < high.
func (c Checker) BalanceBetween(n *harness.Node, low, high btcutil.Amount) error {
	bal, err := n.Client.GetBalance()
	if err != nil {
		return err
	}

	if bal <= low || bal >= high {
		return c.violation("balance bounds", n,
			"("+amount.Format(low)+", "+amount.Format(high)+")", amount.Format(bal))
	}

	return nil
}

// UnconfirmedBalanceEquals asserts the balance of untrusted pending
// receives.
func (c Checker) UnconfirmedBalanceEquals(n *harness.Node, want btcutil.Amount) error {
	bal, err := n.Client.GetUnconfirmedBalance()
	if err != nil {
		return err
	}

	if bal != want {
		return c.violation("unconfirmed balance", n, amount.Format(want), amount.Format(bal))
	}

	return nil
}
