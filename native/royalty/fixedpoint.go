package royalty

import "math/big"

// scaleExponent fixes SCALE at 10^12: a deposit of one unit spread over up to
// 10^12 staked shares still moves the accumulator.
const scaleExponent = 12

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(scaleExponent), nil)

// Scale returns the fixed-point factor applied to accRewardPerShare and
// rewardDebt.
func Scale() *big.Int { return new(big.Int).Set(scale) }

// rewardPerShareDelta returns floor(amount * SCALE / totalStaked). The
// truncated remainder stays in the pool as dust.
func rewardPerShareDelta(amount, totalStaked *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalStaked == nil || totalStaked.Sign() <= 0 {
		return nil, errDivisionByZero
	}
	delta := new(big.Int).Mul(amount, scale)
	return delta.Quo(delta, totalStaked), nil
}

// scaledEntitlement returns stakedAmount * accRewardPerShare, the scaled value
// a position checkpoints as rewardDebt.
func scaledEntitlement(staked, acc *big.Int) *big.Int {
	if staked == nil || acc == nil || staked.Sign() == 0 || acc.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(staked, acc)
}

// pendingReward returns floor((staked*acc - debt) / SCALE). The accumulator is
// monotonic and debt is always checkpointed against the current stake, so a
// negative difference indicates corrupted state and yields zero.
func pendingReward(staked, acc, debt *big.Int) *big.Int {
	entitled := scaledEntitlement(staked, acc)
	if debt != nil {
		entitled.Sub(entitled, debt)
	}
	if entitled.Sign() <= 0 {
		return big.NewInt(0)
	}
	return entitled.Quo(entitled, scale)
}

func newBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
