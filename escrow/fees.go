package escrow

import "math/big"

// MaxFeeBps bounds the configurable fee rate to 5% so a misconfigured
// administrator can never set a confiscatory rate.
const MaxFeeBps uint32 = 500

const bpsDenominator = 10_000

// Fee computes floor(amount * rateBps / 10000). A nil or non-positive amount
// yields zero. Small amounts floor to a zero fee rather than erroring.
func Fee(amount *big.Int, rateBps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || rateBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(rateBps)))
	return fee.Div(fee, big.NewInt(bpsDenominator))
}

// Split divides an amount into the net entitlement and the fee share.
// net + fee always equals the original amount.
func Split(amount *big.Int, rateBps uint32) (net, fee *big.Int) {
	fee = Fee(amount, rateBps)
	if amount == nil {
		return big.NewInt(0), fee
	}
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}
