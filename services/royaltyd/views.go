package royaltyd

import (
	"math/big"

	"royaltystake/native/royalty"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type assetJSON struct {
	ID          string `json:"id"`
	TotalShares string `json:"totalShares"`
	RatingBps   uint32 `json:"ratingBps"`
	MetadataURI string `json:"metadataUri,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func assetView(a *royalty.Asset) assetJSON {
	return assetJSON{
		ID:          a.ID,
		TotalShares: amountString(a.TotalShares),
		RatingBps:   a.RatingBps,
		MetadataURI: a.MetadataURI,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

type poolJSON struct {
	AssetID           string `json:"assetId"`
	TotalStaked       string `json:"totalStaked"`
	AccRewardPerShare string `json:"accRewardPerShare"`
	Undistributed     string `json:"undistributed"`
	TotalDeposited    string `json:"totalDeposited"`
	TotalCredited     string `json:"totalCredited"`
	TotalClaimed      string `json:"totalClaimed"`
	Halted            bool   `json:"halted"`
	HaltReason        string `json:"haltReason,omitempty"`
	UpdatedAt         int64  `json:"updatedAt"`
}

func poolView(p *royalty.Pool) poolJSON {
	return poolJSON{
		AssetID:           p.AssetID,
		TotalStaked:       amountString(p.TotalStaked),
		AccRewardPerShare: amountString(p.AccRewardPerShare),
		Undistributed:     amountString(p.Undistributed),
		TotalDeposited:    amountString(p.TotalDeposited),
		TotalCredited:     amountString(p.TotalCredited),
		TotalClaimed:      amountString(p.TotalClaimed),
		Halted:            p.Halted,
		HaltReason:        p.HaltReason,
		UpdatedAt:         p.UpdatedAt,
	}
}

type positionJSON struct {
	Holder       string `json:"holder"`
	AssetID      string `json:"assetId"`
	StakedAmount string `json:"stakedAmount"`
	Claimable    string `json:"claimable"`
	Pending      string `json:"pending"`
	TotalClaimed string `json:"totalClaimed"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func positionView(p *royalty.Position, pending *big.Int) positionJSON {
	return positionJSON{
		Holder:       p.Holder,
		AssetID:      p.AssetID,
		StakedAmount: amountString(p.StakedAmount),
		Claimable:    amountString(p.Claimable),
		Pending:      amountString(pending),
		TotalClaimed: amountString(p.TotalClaimed),
		UpdatedAt:    p.UpdatedAt,
	}
}

type receiptJSON struct {
	AssetID           string `json:"assetId"`
	Amount            string `json:"amount"`
	AccRewardPerShare string `json:"accRewardPerShare"`
	Undistributed     string `json:"undistributed"`
	Carried           bool   `json:"carried"`
	Streams           uint64 `json:"streams,omitempty"`
	Reference         string `json:"reference,omitempty"`
}

func receiptView(r *royalty.DepositReceipt) receiptJSON {
	return receiptJSON{
		AssetID:           r.AssetID,
		Amount:            amountString(r.Amount),
		AccRewardPerShare: amountString(r.AccRewardPerShare),
		Undistributed:     amountString(r.Undistributed),
		Carried:           r.Carried,
		Streams:           r.Streams,
		Reference:         r.Reference,
	}
}

type auditJSON struct {
	AssetID         string `json:"assetId"`
	Positions       int    `json:"positions"`
	TotalStaked     string `json:"totalStaked"`
	PositionsStaked string `json:"positionsStaked"`
	Consistent      bool   `json:"consistent"`
	Halted          bool   `json:"halted"`
	Deposited       string `json:"deposited"`
	Undistributed   string `json:"undistributed"`
	Credited        string `json:"credited"`
	Claimed         string `json:"claimed"`
	Outstanding     string `json:"outstanding"`
	Accrued         string `json:"accrued"`
	Dust            string `json:"dust"`
}

func auditView(r *royalty.AuditReport) auditJSON {
	return auditJSON{
		AssetID:         r.AssetID,
		Positions:       r.Positions,
		TotalStaked:     amountString(r.TotalStaked),
		PositionsStaked: amountString(r.PositionsStaked),
		Consistent:      r.Consistent,
		Halted:          r.Halted,
		Deposited:       amountString(r.Deposited),
		Undistributed:   amountString(r.Undistributed),
		Credited:        amountString(r.Credited),
		Claimed:         amountString(r.Claimed),
		Outstanding:     amountString(r.Outstanding),
		Accrued:         amountString(r.Accrued),
		Dust:            amountString(r.Dust),
	}
}
