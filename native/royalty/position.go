package royalty

import (
	"fmt"
	"math/big"
)

// pending returns what settle would realise right now without mutating
// anything.
func (pos *Position) pending(pool *Pool) *big.Int {
	return pendingReward(pos.StakedAmount, pool.AccRewardPerShare, pos.RewardDebt)
}

// settle realises accrued rewards into Claimable and checkpoints RewardDebt.
// It must run before any change to StakedAmount.
func (pos *Position) settle(pool *Pool) *big.Int {
	pending := pos.pending(pool)
	if pending.Sign() > 0 {
		pos.Claimable = new(big.Int).Add(pos.Claimable, pending)
		pool.TotalCredited = new(big.Int).Add(pool.TotalCredited, pending)
	}
	pos.RewardDebt = scaledEntitlement(pos.StakedAmount, pool.AccRewardPerShare)
	return pending
}

// adjustStake settles, applies delta to StakedAmount, and re-checkpoints the
// debt against the new stake. A negative result fails with
// ErrInsufficientStake before anything is mutated.
func (pos *Position) adjustStake(pool *Pool, delta *big.Int) (*big.Int, error) {
	if delta == nil || delta.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	next := new(big.Int).Add(pos.StakedAmount, delta)
	if next.Sign() < 0 {
		return nil, fmt.Errorf("%w: staked %s, requested %s", ErrInsufficientStake, pos.StakedAmount, new(big.Int).Neg(delta))
	}
	pending := pos.settle(pool)
	pos.StakedAmount = next
	pos.RewardDebt = scaledEntitlement(pos.StakedAmount, pool.AccRewardPerShare)
	return pending, nil
}

// claim zeroes the claimable balance and returns it.
func (pos *Position) claim(pool *Pool) *big.Int {
	amount := newBigInt(pos.Claimable)
	if amount.Sign() == 0 {
		return amount
	}
	pos.Claimable = big.NewInt(0)
	pos.TotalClaimed = new(big.Int).Add(pos.TotalClaimed, amount)
	pool.TotalClaimed = new(big.Int).Add(pool.TotalClaimed, amount)
	return amount
}
