package config

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultWeiPerStream pays 0.00001 of an 18-decimal currency per stream.
const DefaultWeiPerStream = "10000000000000"

// GenesisAsset is a share class minted when the ledger starts for the first
// time.
type GenesisAsset struct {
	ID          string `toml:"ID"`
	Holder      string `toml:"Holder"`
	Shares      string `toml:"Shares"`
	RatingBps   uint32 `toml:"RatingBps"`
	MetadataURI string `toml:"MetadataURI"`
}

// SharesInt parses the configured share count.
func (a GenesisAsset) SharesInt() (*big.Int, error) {
	return parseUintAmount(a.Shares)
}

// StreamRate parses WeiPerStream.
func (c *Config) StreamRate() (*big.Int, error) {
	rate, err := parseUintAmount(c.WeiPerStream)
	if err != nil {
		return nil, fmt.Errorf("invalid WeiPerStream: %w", err)
	}
	if rate.Sign() == 0 {
		return nil, fmt.Errorf("invalid WeiPerStream: must be positive")
	}
	return rate, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return value, nil
}
