package royalty

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"royaltystake/core/events"
)

// DefaultWeiPerStream is the royalty paid per reported stream: 0.00001 of
// the 18-decimal settlement currency.
var DefaultWeiPerStream = big.NewInt(10_000_000_000_000)

// StreamConverter turns reported stream counts into royalty amounts.
type StreamConverter struct {
	mu   sync.RWMutex
	rate *big.Int
}

// NewStreamConverter returns a converter paying rate per stream. A nil rate
// selects DefaultWeiPerStream.
func NewStreamConverter(rate *big.Int) *StreamConverter {
	if !isPositive(rate) {
		rate = DefaultWeiPerStream
	}
	return &StreamConverter{rate: newBigInt(rate)}
}

// Rate returns the current per-stream amount.
func (c *StreamConverter) Rate() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return newBigInt(c.rate)
}

// SetRate replaces the per-stream amount.
func (c *StreamConverter) SetRate(rate *big.Int) error {
	if !isPositive(rate) {
		return ErrInvalidAmount
	}
	c.mu.Lock()
	c.rate = newBigInt(rate)
	c.mu.Unlock()
	return nil
}

// Convert returns streams * rate.
func (c *StreamConverter) Convert(streams uint64) *big.Int {
	rate := c.Rate()
	return rate.Mul(rate, new(big.Int).SetUint64(streams))
}

// SetStreamRate updates the engine's conversion rate and announces it.
func (e *Engine) SetStreamRate(rate *big.Int) error {
	if err := e.streams.SetRate(rate); err != nil {
		return err
	}
	e.emit(events.RoyaltyStreamRateUpdated{WeiPerStream: newBigInt(rate)})
	return nil
}

// ReportStreams converts a batch of streams into a royalty deposit for the
// asset. Zero streams is rejected as an empty deposit would be.
func (e *Engine) ReportStreams(ctx context.Context, assetID string, streams uint64, reference string) (*DepositReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streams == 0 {
		return nil, fmt.Errorf("%w: no streams reported", ErrInvalidAmount)
	}
	return e.applyDeposit(assetID, e.streams.Convert(streams), streams, reference)
}
