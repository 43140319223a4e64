package ethrpc

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
)

/*
Signs transaction messages into raw transactions ready for
"eth_sendRawTransaction". Key management is out of scope for this package;
implement this over a keystore, an HSM, or a remote signer.
*/
type TxSigner interface {
	SignTx(ctx context.Context, msg TxMsg) (HexBytes, error)
}

/*
Computes the gas price of the escalation with the given index, where index 0
is the base price itself. Must return strictly increasing prices for
increasing indexes, otherwise the node rejects the replacement.
*/
type EscalationPolicy func(base *big.Int, index int) *big.Int

/*
Multiplies the price by "coefficient" per step, capped at "max" (nil for no
cap). Nodes typically require at least a 10% bump to replace a pending
transaction, so coefficients below 1.1 are ineffective.
*/
func GeometricEscalation(coefficient float64, max *big.Int) EscalationPolicy {
	return func(base *big.Int, index int) *big.Int {
		price := new(big.Float).SetInt(base)
		for i := 0; i < index; i++ {
			price.Mul(price, big.NewFloat(coefficient))
		}
		out, _ := price.Int(nil)
		return capPrice(out, max)
	}
}

// Adds "increment" per step, capped at "max" (nil for no cap).
func LinearEscalation(increment *big.Int, max *big.Int) EscalationPolicy {
	return func(base *big.Int, index int) *big.Int {
		out := new(big.Int).Mul(increment, big.NewInt(int64(index)))
		out.Add(out, base)
		return capPrice(out, max)
	}
}

func capPrice(price *big.Int, max *big.Int) *big.Int {
	if max != nil && price.Cmp(max) > 0 {
		return new(big.Int).Set(max)
	}
	return price
}

/*
Signs "count" variants of the message with the same nonce and escalating gas
prices, ready for "SendEscalating". A missing gas price is taken from
"eth_gasPrice", and a missing nonce from "eth_getTransactionCount" of the
sender. Fails if the policy doesn't produce strictly increasing prices, which
typically means the cap was reached; lower "count" in that case.
*/
func SignEscalations(
	ctx context.Context, trans Trans, signer TxSigner, msg TxMsg, count int, policy EscalationPolicy,
) ([]HexBytes, error) {
	if count <= 0 {
		return nil, errors.Errorf("invalid escalation count %d", count)
	}

	base := msg.GasPrice.Big()
	if base == nil {
		price, err := EthGasPrice(ctx, trans)
		if err != nil {
			return nil, err
		}
		base = price
	}

	if msg.Nonce == nil {
		if msg.From == ZeroAddress {
			return nil, errors.New("escalation requires either a nonce or a sender address")
		}
		nonce, err := EthGetTxCount(ctx, trans, msg.From)
		if err != nil {
			return nil, err
		}
		msg.Nonce = (*HexUint64)(&nonce)
	}

	out := make([]HexBytes, 0, count)
	var prev *big.Int
	for i := 0; i < count; i++ {
		price := policy(base, i)
		if prev != nil && price.Cmp(prev) <= 0 {
			return nil, errors.Errorf("escalation %d has gas price %v, not above the previous %v", i, price, prev)
		}
		prev = price

		variant := msg
		variant.GasPrice = (*HexInt)(price)
		raw, err := signer.SignTx(ctx, variant)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to sign escalation %d", i)
		}
		out = append(out, raw)
	}
	return out, nil
}
