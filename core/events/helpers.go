package events

import (
	"math/big"
	"strings"
)

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func normalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}
