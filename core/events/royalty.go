package events

import (
	"math/big"
	"strconv"

	"royaltystake/core/types"
)

const (
	// TypeRoyaltyDeposited is emitted after a royalty deposit updates a pool accumulator.
	TypeRoyaltyDeposited = "royalty.deposited"
	// TypeRoyaltySettled is emitted after a position checkpoint realises pending rewards.
	TypeRoyaltySettled = "royalty.settled"
	// TypeRoyaltyStaked is emitted when a holder stakes shares into a pool.
	TypeRoyaltyStaked = "royalty.staked"
	// TypeRoyaltyUnstaked is emitted when a holder withdraws shares from a pool.
	TypeRoyaltyUnstaked = "royalty.unstaked"
	// TypeRoyaltyClaimed is emitted when a holder withdraws their claimable balance.
	TypeRoyaltyClaimed = "royalty.claimed"
	// TypeRoyaltyPoolHalted signals that a pool stopped accepting writes after an
	// accounting invariant failed.
	TypeRoyaltyPoolHalted = "royalty.poolHalted"
	// TypeRoyaltyPoolResumed is emitted when an operator re-enables a halted pool.
	TypeRoyaltyPoolResumed = "royalty.poolResumed"
	// TypeRoyaltyAssetMinted is emitted when shares of an asset are minted.
	TypeRoyaltyAssetMinted = "royalty.assetMinted"
	// TypeRoyaltyStreamRateUpdated is emitted when the stream conversion rate changes.
	TypeRoyaltyStreamRateUpdated = "royalty.streamRateUpdated"
)

// RoyaltyDeposited captures the accumulator change caused by a deposit. When
// the pool had no stakers and the carry-forward policy applies, Carried is set
// and AccRewardPerShare is unchanged.
type RoyaltyDeposited struct {
	AssetID           string
	Amount            *big.Int
	AccRewardPerShare *big.Int
	Undistributed     *big.Int
	Carried           bool
	Streams           uint64
	Reference         string
}

// EventType satisfies the Event interface.
func (RoyaltyDeposited) EventType() string { return TypeRoyaltyDeposited }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyDeposited) Event() *types.Event {
	attrs := map[string]string{
		"assetId":           normalizeAsset(e.AssetID),
		"amount":            formatAmount(e.Amount),
		"accRewardPerShare": formatAmount(e.AccRewardPerShare),
	}
	if e.Carried {
		attrs["carried"] = "true"
	}
	if e.Undistributed != nil && e.Undistributed.Sign() > 0 {
		attrs["undistributed"] = formatAmount(e.Undistributed)
	}
	if e.Streams > 0 {
		attrs["streams"] = strconv.FormatUint(e.Streams, 10)
	}
	if e.Reference != "" {
		attrs["reference"] = e.Reference
	}
	return &types.Event{Type: TypeRoyaltyDeposited, Attributes: attrs}
}

// RoyaltySettled captures the pending amount realised into a holder's
// claimable balance. Pending may be zero.
type RoyaltySettled struct {
	Holder    string
	AssetID   string
	Pending   *big.Int
	Claimable *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltySettled) EventType() string { return TypeRoyaltySettled }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltySettled) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltySettled, Attributes: map[string]string{
		"holder":    e.Holder,
		"assetId":   normalizeAsset(e.AssetID),
		"pending":   formatAmount(e.Pending),
		"claimable": formatAmount(e.Claimable),
	}}
}

// RoyaltyStaked captures a stake mutation.
type RoyaltyStaked struct {
	Holder      string
	AssetID     string
	Amount      *big.Int
	NewStaked   *big.Int
	TotalStaked *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltyStaked) EventType() string { return TypeRoyaltyStaked }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyStaked) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyStaked, Attributes: map[string]string{
		"holder":      e.Holder,
		"assetId":     normalizeAsset(e.AssetID),
		"amount":      formatAmount(e.Amount),
		"newStaked":   formatAmount(e.NewStaked),
		"totalStaked": formatAmount(e.TotalStaked),
	}}
}

// RoyaltyUnstaked captures an unstake mutation.
type RoyaltyUnstaked struct {
	Holder      string
	AssetID     string
	Amount      *big.Int
	NewStaked   *big.Int
	TotalStaked *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltyUnstaked) EventType() string { return TypeRoyaltyUnstaked }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyUnstaked) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyUnstaked, Attributes: map[string]string{
		"holder":      e.Holder,
		"assetId":     normalizeAsset(e.AssetID),
		"amount":      formatAmount(e.Amount),
		"newStaked":   formatAmount(e.NewStaked),
		"totalStaked": formatAmount(e.TotalStaked),
	}}
}

// RoyaltyClaimed captures a claim payout.
type RoyaltyClaimed struct {
	Holder  string
	AssetID string
	Amount  *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltyClaimed) EventType() string { return TypeRoyaltyClaimed }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyClaimed) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyClaimed, Attributes: map[string]string{
		"holder":  e.Holder,
		"assetId": normalizeAsset(e.AssetID),
		"amount":  formatAmount(e.Amount),
	}}
}

// RoyaltyPoolHalted signals that writes to a pool are suspended.
type RoyaltyPoolHalted struct {
	AssetID string
	Reason  string
}

// EventType satisfies the Event interface.
func (RoyaltyPoolHalted) EventType() string { return TypeRoyaltyPoolHalted }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyPoolHalted) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyPoolHalted, Attributes: map[string]string{
		"assetId": normalizeAsset(e.AssetID),
		"reason":  e.Reason,
	}}
}

// RoyaltyPoolResumed signals that writes to a pool are accepted again.
type RoyaltyPoolResumed struct {
	AssetID string
}

// EventType satisfies the Event interface.
func (RoyaltyPoolResumed) EventType() string { return TypeRoyaltyPoolResumed }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyPoolResumed) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyPoolResumed, Attributes: map[string]string{
		"assetId": normalizeAsset(e.AssetID),
	}}
}

// RoyaltyAssetMinted captures share issuance for an asset.
type RoyaltyAssetMinted struct {
	AssetID     string
	Holder      string
	Shares      *big.Int
	TotalShares *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltyAssetMinted) EventType() string { return TypeRoyaltyAssetMinted }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyAssetMinted) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyAssetMinted, Attributes: map[string]string{
		"assetId":     normalizeAsset(e.AssetID),
		"holder":      e.Holder,
		"shares":      formatAmount(e.Shares),
		"totalShares": formatAmount(e.TotalShares),
	}}
}

// RoyaltyStreamRateUpdated captures a change to the stream conversion rate.
type RoyaltyStreamRateUpdated struct {
	WeiPerStream *big.Int
}

// EventType satisfies the Event interface.
func (RoyaltyStreamRateUpdated) EventType() string { return TypeRoyaltyStreamRateUpdated }

// Event converts the structured payload into a broadcastable event.
func (e RoyaltyStreamRateUpdated) Event() *types.Event {
	return &types.Event{Type: TypeRoyaltyStreamRateUpdated, Attributes: map[string]string{
		"weiPerStream": formatAmount(e.WeiPerStream),
	}}
}
