package royalty

import "errors"

var (
	// ErrNilState is returned when an engine or registry has no state backend.
	ErrNilState = errors.New("royalty engine: state not configured")
	// ErrInvalidAmount rejects zero, negative, or missing amounts.
	ErrInvalidAmount = errors.New("royalty engine: amount must be positive")
	// ErrInvalidAsset rejects malformed asset identifiers.
	ErrInvalidAsset = errors.New("royalty engine: invalid asset id")
	// ErrInvalidHolder rejects malformed holder identifiers.
	ErrInvalidHolder = errors.New("royalty engine: invalid holder")
	// ErrInsufficientStake is returned when an unstake exceeds the position.
	ErrInsufficientStake = errors.New("royalty engine: insufficient stake")
	// ErrInsufficientPoolStake signals that a pool total would go negative. It
	// indicates a bookkeeping bug; the pool is halted when it occurs.
	ErrInsufficientPoolStake = errors.New("royalty engine: insufficient pool stake")
	// ErrEmptyPoolDeposit is returned under the reject policy when a deposit
	// arrives for a pool with nothing staked.
	ErrEmptyPoolDeposit = errors.New("royalty engine: deposit into empty pool")
	// ErrPoolHalted is returned for writes to a pool halted by an invariant
	// violation.
	ErrPoolHalted = errors.New("royalty engine: pool halted")
	// ErrPoolNotFound is returned by read models for unknown pools.
	ErrPoolNotFound = errors.New("royalty engine: pool not found")
	// ErrPositionNotFound is returned by read models for unknown positions.
	ErrPositionNotFound = errors.New("royalty engine: position not found")
	// ErrInsufficientShares is returned when the ownership collaborator does
	// not confirm enough unstaked shares.
	ErrInsufficientShares = errors.New("royalty engine: insufficient unstaked shares")
	// ErrAssetNotFound is returned for unknown assets.
	ErrAssetNotFound = errors.New("royalty engine: asset not found")
	// ErrAssetExists is returned when a follow-up mint disagrees with the
	// recorded rating or metadata of an asset.
	ErrAssetExists = errors.New("royalty engine: asset already exists with different metadata")
	// ErrInvalidRating rejects ratings outside 250..500 hundredths.
	ErrInvalidRating = errors.New("royalty engine: rating must be between 2.50 and 5.00")
	// ErrInvalidPolicy rejects unknown zero-stake policies.
	ErrInvalidPolicy = errors.New("royalty engine: unknown zero-stake policy")
	// ErrAmountOverflow is returned when a value exceeds 256 bits at persistence.
	ErrAmountOverflow = errors.New("royalty engine: amount exceeds 256 bits")

	errDivisionByZero = errors.New("royalty engine: division by zero total stake")
)
