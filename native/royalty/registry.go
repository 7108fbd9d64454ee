package royalty

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"royaltystake/core/events"
)

const (
	// MinRatingBps is the lowest artist rating accepted at mint (2.50).
	MinRatingBps = 250
	// MaxRatingBps is the highest artist rating accepted at mint (5.00).
	MaxRatingBps = 500
)

type registryState interface {
	RoyaltyAssetGet(assetID string) (*Asset, bool, error)
	RoyaltyHoldingGet(assetID, holder string) (*big.Int, error)
	RoyaltyMint(asset *Asset, holder string, balance *big.Int) error
}

// MintRequest describes shares of an asset credited to a holder.
type MintRequest struct {
	AssetID     string
	Holder      string
	Shares      *big.Int
	RatingBps   uint32
	MetadataURI string
}

// Registry records minted share classes and holder balances. It satisfies
// Ownership so the engine can confirm unstaked shares before a stake.
type Registry struct {
	mu      sync.Mutex
	state   registryState
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry over the supplied state.
func NewRegistry(state registryState) *Registry {
	return &Registry{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the emitter receiving AssetMinted events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetNowFunc overrides the registry clock.
func (r *Registry) SetNowFunc(now func() int64) {
	if now != nil {
		r.nowFn = now
	}
}

// MintAsset creates the asset on first use and credits the holder. Later
// mints only grow the supply; rating and metadata must match or be omitted.
func (r *Registry) MintAsset(ctx context.Context, req MintRequest) (*Asset, error) {
	if r == nil || r.state == nil {
		return nil, ErrNilState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assetID, err := sanitizeAssetID(req.AssetID)
	if err != nil {
		return nil, err
	}
	holder, err := sanitizeHolder(req.Holder)
	if err != nil {
		return nil, err
	}
	if !isPositive(req.Shares) {
		return nil, ErrInvalidAmount
	}
	uri := strings.TrimSpace(req.MetadataURI)

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()
	asset, ok, err := r.state.RoyaltyAssetGet(assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if req.RatingBps < MinRatingBps || req.RatingBps > MaxRatingBps {
			return nil, fmt.Errorf("%w: %d", ErrInvalidRating, req.RatingBps)
		}
		asset = &Asset{
			ID:          assetID,
			TotalShares: big.NewInt(0),
			RatingBps:   req.RatingBps,
			MetadataURI: uri,
			CreatedAt:   now,
		}
	} else {
		if req.RatingBps != 0 && req.RatingBps != asset.RatingBps {
			return nil, fmt.Errorf("%w: rating %d", ErrAssetExists, asset.RatingBps)
		}
		if uri != "" && uri != asset.MetadataURI {
			return nil, fmt.Errorf("%w: metadata %s", ErrAssetExists, asset.MetadataURI)
		}
	}
	balance, err := r.state.RoyaltyHoldingGet(assetID, holder)
	if err != nil {
		return nil, err
	}
	asset.TotalShares = new(big.Int).Add(asset.TotalShares, req.Shares)
	asset.UpdatedAt = now
	balance = new(big.Int).Add(balance, req.Shares)
	if err := r.state.RoyaltyMint(asset, holder, balance); err != nil {
		return nil, err
	}
	r.emitter.Emit(events.RoyaltyAssetMinted{
		AssetID:     assetID,
		Holder:      holder,
		Shares:      newBigInt(req.Shares),
		TotalShares: newBigInt(asset.TotalShares),
	})
	return asset.Clone(), nil
}

// Asset returns the recorded share class.
func (r *Registry) Asset(ctx context.Context, assetID string) (*Asset, error) {
	if r == nil || r.state == nil {
		return nil, ErrNilState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assetID, err := sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	asset, ok, err := r.state.RoyaltyAssetGet(assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}

// BalanceOf returns every share the holder owns, staked or not. Unknown
// assets fail with ErrAssetNotFound so stakes into unminted assets are
// refused.
func (r *Registry) BalanceOf(ctx context.Context, holder, assetID string) (*big.Int, error) {
	if _, err := r.Asset(ctx, assetID); err != nil {
		return nil, err
	}
	holder, err := sanitizeHolder(holder)
	if err != nil {
		return nil, err
	}
	return r.state.RoyaltyHoldingGet(strings.TrimSpace(assetID), holder)
}
