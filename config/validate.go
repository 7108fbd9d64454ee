package config

import (
	"fmt"
	"strings"

	"royaltystake/native/royalty"
)

// Validate checks the ledger configuration before any state is opened.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := royalty.ParseZeroStakePolicy(cfg.ZeroStakePolicy); err != nil {
		return fmt.Errorf("config: ZeroStakePolicy: %w", err)
	}
	if _, err := cfg.StreamRate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		id := strings.TrimSpace(asset.ID)
		if id == "" {
			return fmt.Errorf("config: Assets[%d]: ID required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: Assets[%d]: duplicate ID %s", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(asset.Holder) == "" {
			return fmt.Errorf("config: Assets[%d]: Holder required", i)
		}
		shares, err := asset.SharesInt()
		if err != nil {
			return fmt.Errorf("config: Assets[%d]: Shares: %w", i, err)
		}
		if shares.Sign() == 0 {
			return fmt.Errorf("config: Assets[%d]: Shares must be positive", i)
		}
		if asset.RatingBps < royalty.MinRatingBps || asset.RatingBps > royalty.MaxRatingBps {
			return fmt.Errorf("config: Assets[%d]: RatingBps %d outside %d..%d", i, asset.RatingBps, royalty.MinRatingBps, royalty.MaxRatingBps)
		}
	}
	return nil
}
