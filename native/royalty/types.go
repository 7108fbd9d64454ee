package royalty

import (
	"math/big"
	"strings"
)

const maxIDLength = 128

// Asset is a royalty-bearing share class minted for an artist release.
type Asset struct {
	ID          string   `json:"id"`
	TotalShares *big.Int `json:"totalShares"`
	// RatingBps is the artist rating in hundredths (250 = 2.50). It is kept
	// for display and does not weight rewards.
	RatingBps   uint32 `json:"ratingBps"`
	MetadataURI string `json:"metadataUri"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TotalShares = newBigInt(a.TotalShares)
	return &clone
}

// Pool is the aggregate staking and reward state for one asset.
type Pool struct {
	AssetID     string   `json:"assetId"`
	TotalStaked *big.Int `json:"totalStaked"`
	// AccRewardPerShare is reward units per staked share since genesis,
	// scaled by Scale(). It never decreases.
	AccRewardPerShare *big.Int `json:"accRewardPerShare"`
	// Undistributed holds deposits received while nothing was staked under
	// the carry-forward policy.
	Undistributed  *big.Int `json:"undistributed"`
	TotalDeposited *big.Int `json:"totalDeposited"`
	TotalCredited  *big.Int `json:"totalCredited"`
	TotalClaimed   *big.Int `json:"totalClaimed"`
	Halted         bool     `json:"halted"`
	HaltReason     string   `json:"haltReason,omitempty"`
	UpdatedAt      int64    `json:"updatedAt"`
}

func newPool(assetID string) *Pool {
	return &Pool{
		AssetID:           assetID,
		TotalStaked:       big.NewInt(0),
		AccRewardPerShare: big.NewInt(0),
		Undistributed:     big.NewInt(0),
		TotalDeposited:    big.NewInt(0),
		TotalCredited:     big.NewInt(0),
		TotalClaimed:      big.NewInt(0),
	}
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalStaked = newBigInt(p.TotalStaked)
	clone.AccRewardPerShare = newBigInt(p.AccRewardPerShare)
	clone.Undistributed = newBigInt(p.Undistributed)
	clone.TotalDeposited = newBigInt(p.TotalDeposited)
	clone.TotalCredited = newBigInt(p.TotalCredited)
	clone.TotalClaimed = newBigInt(p.TotalClaimed)
	return &clone
}

// Position is the staking and reward checkpoint of one holder in one pool.
type Position struct {
	Holder       string   `json:"holder"`
	AssetID      string   `json:"assetId"`
	StakedAmount *big.Int `json:"stakedAmount"`
	// RewardDebt is StakedAmount * AccRewardPerShare at the last checkpoint,
	// kept in scaled units.
	RewardDebt *big.Int `json:"rewardDebt"`
	// Claimable is the reward realised by settle and not yet claimed.
	Claimable    *big.Int `json:"claimable"`
	TotalClaimed *big.Int `json:"totalClaimed"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
}

func newPosition(holder, assetID string, now int64) *Position {
	return &Position{
		Holder:       holder,
		AssetID:      assetID,
		StakedAmount: big.NewInt(0),
		RewardDebt:   big.NewInt(0),
		Claimable:    big.NewInt(0),
		TotalClaimed: big.NewInt(0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.StakedAmount = newBigInt(p.StakedAmount)
	clone.RewardDebt = newBigInt(p.RewardDebt)
	clone.Claimable = newBigInt(p.Claimable)
	clone.TotalClaimed = newBigInt(p.TotalClaimed)
	return &clone
}

// Empty reports whether the position holds neither stake nor claimable
// rewards and can be garbage-collected.
func (p *Position) Empty() bool {
	if p == nil {
		return true
	}
	return !isPositive(p.StakedAmount) && !isPositive(p.Claimable)
}

// DepositReceipt describes the effect of an applied deposit.
type DepositReceipt struct {
	AssetID           string   `json:"assetId"`
	Amount            *big.Int `json:"amount"`
	AccRewardPerShare *big.Int `json:"accRewardPerShare"`
	Undistributed     *big.Int `json:"undistributed"`
	Carried           bool     `json:"carried"`
	Streams           uint64   `json:"streams,omitempty"`
	Reference         string   `json:"reference,omitempty"`
}

// AuditReport summarises the accounting state of a pool.
type AuditReport struct {
	AssetID         string   `json:"assetId"`
	Positions       int      `json:"positions"`
	TotalStaked     *big.Int `json:"totalStaked"`
	PositionsStaked *big.Int `json:"positionsStaked"`
	Consistent      bool     `json:"consistent"`
	Halted          bool     `json:"halted"`
	Deposited       *big.Int `json:"deposited"`
	Undistributed   *big.Int `json:"undistributed"`
	Credited        *big.Int `json:"credited"`
	Claimed         *big.Int `json:"claimed"`
	// Outstanding is the sum of claimable balances.
	Outstanding *big.Int `json:"outstanding"`
	// Accrued is the sum of pending rewards not yet settled.
	Accrued *big.Int `json:"accrued"`
	// Dust is Deposited - Undistributed - Credited - Accrued: value lost to
	// truncation that will never be paid out.
	Dust *big.Int `json:"dust"`
}

func sanitizeID(id string) (string, bool) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || len(trimmed) > maxIDLength {
		return "", false
	}
	if strings.ContainsAny(trimmed, "/ \t\r\n") {
		return "", false
	}
	return trimmed, true
}

func sanitizeAssetID(id string) (string, error) {
	sanitized, ok := sanitizeID(id)
	if !ok {
		return "", ErrInvalidAsset
	}
	return sanitized, nil
}

func sanitizeHolder(holder string) (string, error) {
	sanitized, ok := sanitizeID(holder)
	if !ok {
		return "", ErrInvalidHolder
	}
	return sanitized, nil
}
