package royalty

import (
	"fmt"
	"math/big"
)

// ZeroStakePolicy decides what happens to deposits that arrive while nothing
// is staked in a pool.
type ZeroStakePolicy string

const (
	// PolicyCarryForward parks such deposits in Pool.Undistributed and folds
	// them into the accumulator once shares are staked again.
	PolicyCarryForward ZeroStakePolicy = "carry-forward"
	// PolicyReject fails such deposits with ErrEmptyPoolDeposit.
	PolicyReject ZeroStakePolicy = "reject"
)

// ParseZeroStakePolicy validates a configured policy name. An empty value
// selects PolicyCarryForward.
func ParseZeroStakePolicy(raw string) (ZeroStakePolicy, error) {
	switch ZeroStakePolicy(raw) {
	case "", PolicyCarryForward:
		return PolicyCarryForward, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

func (p *Pool) increaseTotalStaked(delta *big.Int) error {
	if !isPositive(delta) {
		return ErrInvalidAmount
	}
	p.TotalStaked = new(big.Int).Add(p.TotalStaked, delta)
	return nil
}

func (p *Pool) decreaseTotalStaked(delta *big.Int) error {
	if !isPositive(delta) {
		return ErrInvalidAmount
	}
	if delta.Cmp(p.TotalStaked) > 0 {
		return fmt.Errorf("%w: decrease %s exceeds total %s", ErrInsufficientPoolStake, delta, p.TotalStaked)
	}
	p.TotalStaked = new(big.Int).Sub(p.TotalStaked, delta)
	return nil
}

// applyDeposit raises the accumulator by amount*SCALE/totalStaked. With
// nothing staked the policy either rejects the deposit or parks it; carried
// is true in the latter case.
func (p *Pool) applyDeposit(amount *big.Int, policy ZeroStakePolicy) (carried bool, err error) {
	if !isPositive(amount) {
		return false, ErrInvalidAmount
	}
	if p.TotalStaked.Sign() == 0 {
		if policy == PolicyReject {
			return false, ErrEmptyPoolDeposit
		}
		p.Undistributed = new(big.Int).Add(p.Undistributed, amount)
		p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, amount)
		return true, nil
	}
	delta, err := rewardPerShareDelta(amount, p.TotalStaked)
	if err != nil {
		return false, err
	}
	p.AccRewardPerShare = new(big.Int).Add(p.AccRewardPerShare, delta)
	p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, amount)
	return false, nil
}

// releaseUndistributed folds carried deposits into the accumulator once the
// pool has stake again. It returns the released amount, or nil when nothing
// was released.
func (p *Pool) releaseUndistributed() *big.Int {
	if !isPositive(p.Undistributed) || p.TotalStaked.Sign() == 0 {
		return nil
	}
	delta, err := rewardPerShareDelta(p.Undistributed, p.TotalStaked)
	if err != nil {
		return nil
	}
	released := p.Undistributed
	p.AccRewardPerShare = new(big.Int).Add(p.AccRewardPerShare, delta)
	p.Undistributed = big.NewInt(0)
	return released
}
