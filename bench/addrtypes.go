package bench

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/weiihann/changebench/amount"
	"github.com/weiihann/changebench/harness"
	"github.com/weiihann/changebench/node"
)

// Address types understood by -addresstype and -changetype.
const (
	AddressLegacy     = "legacy"
	AddressP2SHSegwit = "p2sh-segwit"
	AddressBech32     = "bech32"
)

const addressTypesScope = "address-types"

// AddressTypeConfigs returns the block producer followed by one wallet per
// address type policy.
func AddressTypeConfigs() []harness.NodeConfig {
	return []harness.NodeConfig{
		{Label: "block-producer"},
		{Label: "legacy", AddressType: AddressLegacy},
		{Label: "p2sh-segwit", AddressType: AddressP2SHSegwit},
		{Label: "p2sh-segwit/bech32-change", AddressType: AddressP2SHSegwit, ChangeType: AddressBech32},
		{Label: "bech32", AddressType: AddressBech32},
	}
}

// AddressTypeCheck has every wallet pay itself and three peers, with
// single-key and 2-of-2 multisig addresses, and checks the address flags
// and the resulting balances.
type AddressTypeCheck struct {
	env *Env
	// Rounds repeats the whole matrix.
	Rounds int
	// Funding is sent to every wallet before the first round.
	Funding btcutil.Amount
	// MaturityBlocks are mined before funding so coinbases can be spent.
	MaturityBlocks int
}

// NewAddressTypeCheck expects the topology of AddressTypeConfigs: the block
// producer and four wallets.
func NewAddressTypeCheck(topo *harness.Topology, logger *slog.Logger) (*AddressTypeCheck, error) {
	if n := len(topo.Subjects()); n != 4 {
		return nil, errors.Errorf("address type check needs 4 wallets, got %d", n)
	}

	return &AddressTypeCheck{
		env:            &Env{Topology: topo, Logger: logger},
		Rounds:         2,
		Funding:        50 * btcutil.SatoshiPerBitcoin,
		MaturityBlocks: 101,
	}, nil
}

// Run funds the wallets and runs the payment matrix. The first violated
// check stops it.
func (a *AddressTypeCheck) Run(ctx context.Context) error {
	if err := a.fund(ctx); err != nil {
		return errors.Wrap(err, "fund wallets")
	}

	wallets := a.env.Topology.Subjects()

	for round := 0; round < a.Rounds; round++ {
		for _, multisig := range []bool{false, true} {
			for from := range wallets {
				if err := ctx.Err(); err != nil {
					return err
				}

				a.env.Logger.InfoContext(ctx, "sending",
					slog.Int("round", round),
					slog.String("from", wallets[from].Label()),
					slog.Bool("multisig", multisig),
				)

				if err := a.send(ctx, wallets, from, multisig); err != nil {
					return errors.Wrapf(err, "round %d from %s multisig=%t", round, wallets[from].Label(), multisig)
				}
			}
		}
	}

	return nil
}

func (a *AddressTypeCheck) fund(ctx context.Context) error {
	miner := a.env.Miner()

	if err := a.env.GenerateAndSync(ctx, a.MaturityBlocks); err != nil {
		return err
	}

	for _, w := range a.env.Topology.Subjects() {
		addr, err := w.Client.GetNewAddress()
		if err != nil {
			return err
		}

		if _, err := miner.Client.SendToAddress(addr, a.Funding); err != nil {
			return err
		}
	}

	return a.env.GenerateAndSync(ctx, 1)
}

func (a *AddressTypeCheck) send(ctx context.Context, wallets []*harness.Node, from int, multisig bool) error {
	check := Checker{Scope: addressTypesScope}
	sender := wallets[from]

	old, err := balances(wallets)
	if err != nil {
		return err
	}

	toSend, err := sendUnit(old[from])
	if err != nil {
		return err
	}

	a.env.Logger.DebugContext(ctx, "balances before send",
		slog.Any("balances", FormatBalances(old)),
		slog.String("to_send", amount.Format(toSend)),
	)

	sends := make(map[string]btcutil.Amount, len(wallets))
	for n := range wallets {
		to := wallets[(from+n)%len(wallets)]

		addr, err := newReceiveAddress(to, multisig)
		if err != nil {
			return err
		}

		info, err := to.Client.GetAddressInfo(addr)
		if err != nil {
			return err
		}

		if err := checkAddressInfo(to, info, multisig); err != nil {
			return err
		}

		sends[addr] = toSend * 10 * btcutil.Amount(1+n)
	}

	if _, err := sender.Client.SendMany("", sends); err != nil {
		return err
	}

	if err := a.env.Topology.SyncMempools(ctx); err != nil {
		return err
	}

	if err := check.UnconfirmedBalanceEquals(sender, 0); err != nil {
		return err
	}

	for n := 0; n < len(wallets)-1; n++ {
		to := wallets[(from+n+1)%len(wallets)]
		if err := check.UnconfirmedBalanceEquals(to, toSend*10*btcutil.Amount(2+n)); err != nil {
			return err
		}
	}

	if _, err := a.env.Miner().Client.Generate(1); err != nil {
		return err
	}

	if err := a.env.Topology.SyncAll(ctx); err != nil {
		return err
	}

	// The fee is unknown, so the sender's balance is only bounded.
	if err := check.BalanceBetween(sender, toSend*10, toSend*11); err != nil {
		return err
	}

	for n := 0; n < len(wallets)-1; n++ {
		idx := (from + n + 1) % len(wallets)
		if err := check.BalanceEquals(wallets[idx], old[idx]+toSend*10*btcutil.Amount(2+n)); err != nil {
			return err
		}
	}

	return nil
}

func balances(wallets []*harness.Node) ([]btcutil.Amount, error) {
	out := make([]btcutil.Amount, 0, len(wallets))
	for _, w := range wallets {
		bal, err := w.Client.GetBalance()
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}

	return out, nil
}

func newReceiveAddress(w *harness.Node, multisig bool) (string, error) {
	first, err := w.Client.GetNewAddress()
	if err != nil || !multisig {
		return first, err
	}

	second, err := w.Client.GetNewAddress()
	if err != nil {
		return "", err
	}

	return w.Client.AddMultisigAddress(2, []string{first, second})
}

type addressFlags struct {
	isScript  bool
	isWitness bool
	script    string
	// embedded describes the P2SH-wrapped witness script.
	embedded *addressFlags
}

// expectedAddressFlags returns what the owning wallet must report for an
// address of the given type.
func expectedAddressFlags(addressType string, multisig bool) addressFlags {
	switch {
	case !multisig && addressType == AddressLegacy:
		return addressFlags{}
	case !multisig && addressType == AddressP2SHSegwit:
		return addressFlags{isScript: true, script: "witness_v0_keyhash"}
	case !multisig:
		return addressFlags{isWitness: true}
	case addressType == AddressLegacy:
		return addressFlags{isScript: true, script: "multisig"}
	case addressType == AddressP2SHSegwit:
		return addressFlags{
			isScript: true,
			script:   "witness_v0_scripthash",
			embedded: &addressFlags{isScript: true, isWitness: true, script: "multisig"},
		}
	default:
		return addressFlags{isScript: true, isWitness: true, script: "multisig"}
	}
}

func checkAddressInfo(w *harness.Node, info *node.AddressInfo, multisig bool) error {
	check := Checker{Scope: addressTypesScope}
	fail := func(what, want, got string) error {
		return check.violation("address "+info.Address+" "+what, w, want, got)
	}

	if !info.IsValid || !info.IsMine {
		return fail("ownership", "valid and mine",
			"isvalid="+strconv.FormatBool(info.IsValid)+" ismine="+strconv.FormatBool(info.IsMine))
	}

	addressType := w.Config.AddressType
	if addressType == "" {
		addressType = AddressBech32
	}

	want := expectedAddressFlags(addressType, multisig)

	if err := compareFlags(fail, "", want, info); err != nil {
		return err
	}

	if want.embedded != nil {
		if info.Embedded == nil {
			return fail("embedded", "present", "missing")
		}

		if err := compareFlags(fail, "embedded ", *want.embedded, info.Embedded); err != nil {
			return err
		}
	}

	keys := info
	if want.embedded != nil {
		keys = info.Embedded
	}

	switch {
	case multisig && len(keys.PubKeys) == 0:
		return fail("pubkeys", "present", "missing")
	case !multisig && info.PubKey == "":
		return fail("pubkey", "present", "missing")
	}

	return nil
}

func compareFlags(
	fail func(what, want, got string) error,
	prefix string,
	want addressFlags,
	info *node.AddressInfo,
) error {
	if info.IsScript != want.isScript {
		return fail(prefix+"isscript", strconv.FormatBool(want.isScript), strconv.FormatBool(info.IsScript))
	}

	if info.IsWitness != want.isWitness {
		return fail(prefix+"iswitness", strconv.FormatBool(want.isWitness), strconv.FormatBool(info.IsWitness))
	}

	if want.script != "" && info.Script != want.script {
		return fail(prefix+"script", want.script, info.Script)
	}

	return nil
}

// FormatBalances renders balances for logs.
func FormatBalances(bals []btcutil.Amount) []string {
	out := make([]string, 0, len(bals))
	for _, b := range bals {
		out = append(out, amount.Format(b))
	}

	return out
}

// sendUnit is the per-recipient unit of an address type round: the balance
// divided by 101, rounded half-to-even to the satoshi.
func sendUnit(bal btcutil.Amount) (btcutil.Amount, error) {
	unit := amount.Decimal(bal).Div(decimal.NewFromInt(101)).RoundBank(8)

	return amount.FromDecimal(unit)
}
