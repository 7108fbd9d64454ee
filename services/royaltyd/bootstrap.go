package royaltyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"royaltystake/config"
	"royaltystake/native/royalty"
)

// bootstrapAssets mints the genesis share classes listed in the ledger
// configuration and opens their pools. Assets already present are left
// untouched so restarts do not inflate supply.
func bootstrapAssets(ctx context.Context, cfg *config.Config, registry *royalty.Registry, engine *royalty.Engine, logger *slog.Logger) error {
	for _, genesis := range cfg.Assets {
		if _, err := registry.Asset(ctx, genesis.ID); err == nil {
			if _, err := engine.GetOrCreatePool(genesis.ID); err != nil {
				return fmt.Errorf("open pool %s: %w", genesis.ID, err)
			}
			continue
		} else if !errors.Is(err, royalty.ErrAssetNotFound) {
			return fmt.Errorf("lookup asset %s: %w", genesis.ID, err)
		}
		shares, err := genesis.SharesInt()
		if err != nil {
			return fmt.Errorf("asset %s: %w", genesis.ID, err)
		}
		holder, err := normalizeHolder(genesis.Holder)
		if err != nil {
			return fmt.Errorf("asset %s holder: %w", genesis.ID, err)
		}
		asset, err := registry.MintAsset(ctx, royalty.MintRequest{
			AssetID:     genesis.ID,
			Holder:      holder,
			Shares:      shares,
			RatingBps:   genesis.RatingBps,
			MetadataURI: genesis.MetadataURI,
		})
		if err != nil {
			return fmt.Errorf("mint asset %s: %w", genesis.ID, err)
		}
		if _, err := engine.GetOrCreatePool(asset.ID); err != nil {
			return fmt.Errorf("open pool %s: %w", asset.ID, err)
		}
		logger.Info("genesis asset minted",
			slog.String("assetId", asset.ID),
			slog.String("holder", holder),
			slog.String("shares", shares.String()))
	}
	return nil
}
