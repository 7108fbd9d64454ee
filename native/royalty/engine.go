package royalty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"royaltystake/core/events"
)

// Ownership confirms how many shares of an asset a holder controls. The
// engine subtracts the holder's current stake to find the unstaked balance.
type Ownership interface {
	BalanceOf(ctx context.Context, holder, assetID string) (*big.Int, error)
}

// Metrics receives operation outcomes. observability.RoyaltyMetrics
// satisfies it.
type Metrics interface {
	Observe(operation string, duration time.Duration, err error)
	RecordDeposit(carried bool)
	PoolHalted(assetID string, halted bool)
}

// PositionKey identifies a position record.
type PositionKey struct {
	AssetID string
	Holder  string
}

// Update is the set of records written by one operation. State backends must
// apply it atomically.
type Update struct {
	Pool      *Pool
	Positions []*Position
	Deleted   []PositionKey
}

type engineState interface {
	RoyaltyPoolGet(assetID string) (*Pool, bool, error)
	RoyaltyPools(fn func(*Pool) bool) error
	RoyaltyPositionGet(assetID, holder string) (*Position, bool, error)
	RoyaltyPositions(assetID string, fn func(*Position) bool) error
	RoyaltyCommit(update *Update) error
}

// Engine is the staking reward accounting engine. Every operation on an
// asset runs inside that asset's critical section; distinct assets proceed
// in parallel.
type Engine struct {
	state     engineState
	ownership Ownership
	emitter   events.Emitter
	metrics   Metrics
	logger    *slog.Logger
	nowFn     func() int64
	policy    ZeroStakePolicy
	streams   *StreamConverter
	locks     assetLocks
}

// NewEngine constructs an engine applying the supplied zero-stake policy for
// its whole lifetime.
func NewEngine(policy ZeroStakePolicy) (*Engine, error) {
	parsed, err := ParseZeroStakePolicy(string(policy))
	if err != nil {
		return nil, err
	}
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFn: func() int64 {
			return time.Now().Unix()
		},
		policy:  parsed,
		streams: NewStreamConverter(nil),
	}, nil
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOwnership configures the collaborator consulted before stakes. Without
// one, stakes are accepted without an ownership check.
func (e *Engine) SetOwnership(ownership Ownership) { e.ownership = ownership }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the metrics sink.
func (e *Engine) SetMetrics(metrics Metrics) { e.metrics = metrics }

// SetLogger configures the logger used for invariant violations.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetStreamConverter replaces the stream-to-royalty converter.
func (e *Engine) SetStreamConverter(converter *StreamConverter) {
	if converter == nil {
		converter = NewStreamConverter(nil)
	}
	e.streams = converter
}

// StreamConverter returns the converter used by ReportStreams.
func (e *Engine) StreamConverter() *StreamConverter { return e.streams }

// Policy returns the zero-stake policy fixed at construction.
func (e *Engine) Policy() ZeroStakePolicy { return e.policy }

func (e *Engine) emit(evt events.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) observe(operation string, started time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Observe(operation, time.Since(started), err)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nil
}

func (e *Engine) loadPool(assetID string) (*Pool, bool, error) {
	pool, ok, err := e.state.RoyaltyPoolGet(assetID)
	if err != nil {
		return nil, false, fmt.Errorf("load pool %s: %w", assetID, err)
	}
	if !ok || pool == nil {
		return newPool(assetID), false, nil
	}
	return pool, true, nil
}

func (e *Engine) loadPosition(holder, assetID string) (*Position, bool, error) {
	pos, ok, err := e.state.RoyaltyPositionGet(assetID, holder)
	if err != nil {
		return nil, false, fmt.Errorf("load position %s/%s: %w", assetID, holder, err)
	}
	if !ok || pos == nil {
		return newPosition(holder, assetID, e.now()), false, nil
	}
	return pos, true, nil
}

func (e *Engine) commitPosition(pool *Pool, pos *Position) error {
	now := e.now()
	pool.UpdatedAt = now
	update := &Update{Pool: pool}
	if pos.Empty() {
		update.Deleted = []PositionKey{{AssetID: pos.AssetID, Holder: pos.Holder}}
	} else {
		pos.UpdatedAt = now
		update.Positions = []*Position{pos}
	}
	return e.state.RoyaltyCommit(update)
}

// halt persists the halted flag on the last committed pool state. The
// failing operation's changes are discarded.
func (e *Engine) halt(committed *Pool, cause error) {
	halted := committed.Clone()
	halted.Halted = true
	halted.HaltReason = cause.Error()
	halted.UpdatedAt = e.now()
	if err := e.state.RoyaltyCommit(&Update{Pool: halted}); err != nil {
		e.logger.Error("royalty pool halt could not be persisted",
			slog.String("assetId", committed.AssetID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
	}
	e.logger.Error("royalty pool halted",
		slog.String("assetId", committed.AssetID),
		slog.String("cause", cause.Error()))
	if e.metrics != nil {
		e.metrics.PoolHalted(committed.AssetID, true)
	}
	e.emit(events.RoyaltyPoolHalted{AssetID: committed.AssetID, Reason: cause.Error()})
}

// GetOrCreatePool returns the pool for the asset, persisting an empty pool on
// first use.
func (e *Engine) GetOrCreatePool(assetID string) (*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sanitized, err := sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(sanitized)
	defer unlock()
	pool, ok, err := e.loadPool(sanitized)
	if err != nil {
		return nil, err
	}
	if !ok {
		pool.UpdatedAt = e.now()
		if err := e.state.RoyaltyCommit(&Update{Pool: pool}); err != nil {
			return nil, err
		}
	}
	return pool.Clone(), nil
}

// Stake moves amount shares of the asset into the holder's position and
// returns the new staked amount.
func (e *Engine) Stake(ctx context.Context, holder, assetID string, amount *big.Int) (staked *big.Int, err error) {
	started := time.Now()
	defer func() { e.observe("stake", started, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	holder, assetID, err = sanitizePair(holder, assetID)
	if err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	// Ownership I/O happens before the critical section.
	var owned *big.Int
	if e.ownership != nil {
		owned, err = e.ownership.BalanceOf(ctx, holder, assetID)
		if err != nil {
			return nil, fmt.Errorf("ownership check: %w", err)
		}
		owned = newBigInt(owned)
	}

	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, _, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if pool.Halted {
		return nil, ErrPoolHalted
	}
	pos, _, err := e.loadPosition(holder, assetID)
	if err != nil {
		return nil, err
	}
	if owned != nil {
		available := new(big.Int).Sub(owned, pos.StakedAmount)
		if available.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientShares, maxZero(available), amount)
		}
	}

	pending, err := pos.adjustStake(pool, amount)
	if err != nil {
		return nil, err
	}
	if err := pool.increaseTotalStaked(amount); err != nil {
		return nil, err
	}
	released := pool.releaseUndistributed()
	if err := e.commitPosition(pool, pos); err != nil {
		return nil, err
	}

	e.emit(events.RoyaltySettled{Holder: holder, AssetID: assetID, Pending: pending, Claimable: newBigInt(pos.Claimable)})
	e.emit(events.RoyaltyStaked{
		Holder:      holder,
		AssetID:     assetID,
		Amount:      newBigInt(amount),
		NewStaked:   newBigInt(pos.StakedAmount),
		TotalStaked: newBigInt(pool.TotalStaked),
	})
	if released != nil {
		e.emit(events.RoyaltyDeposited{
			AssetID:           assetID,
			Amount:            newBigInt(released),
			AccRewardPerShare: newBigInt(pool.AccRewardPerShare),
			Reference:         "carry-forward",
		})
	}
	return newBigInt(pos.StakedAmount), nil
}

// Unstake withdraws amount shares from the holder's position and returns the
// remaining staked amount. Requests above the current stake fail with
// ErrInsufficientStake and leave state untouched.
func (e *Engine) Unstake(holder, assetID string, amount *big.Int) (staked *big.Int, err error) {
	started := time.Now()
	defer func() { e.observe("unstake", started, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	holder, assetID, err = sanitizePair(holder, assetID)
	if err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(assetID)
	defer unlock()
	committed, _, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if committed.Halted {
		return nil, ErrPoolHalted
	}
	pos, ok, err := e.loadPosition(holder, assetID)
	if err != nil {
		return nil, err
	}
	if !ok || pos.StakedAmount.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: staked %s, requested %s", ErrInsufficientStake, pos.StakedAmount, amount)
	}

	pool := committed.Clone()
	pending, err := pos.adjustStake(pool, new(big.Int).Neg(amount))
	if err != nil {
		return nil, err
	}
	if err := pool.decreaseTotalStaked(amount); err != nil {
		if errors.Is(err, ErrInsufficientPoolStake) {
			e.halt(committed, err)
		}
		return nil, err
	}
	if err := e.commitPosition(pool, pos); err != nil {
		return nil, err
	}

	e.emit(events.RoyaltySettled{Holder: holder, AssetID: assetID, Pending: pending, Claimable: newBigInt(pos.Claimable)})
	e.emit(events.RoyaltyUnstaked{
		Holder:      holder,
		AssetID:     assetID,
		Amount:      newBigInt(amount),
		NewStaked:   newBigInt(pos.StakedAmount),
		TotalStaked: newBigInt(pool.TotalStaked),
	})
	return newBigInt(pos.StakedAmount), nil
}

// Claim settles the position and pays out the whole claimable balance.
// Nothing claimable yields zero without error.
func (e *Engine) Claim(holder, assetID string) (claimed *big.Int, err error) {
	started := time.Now()
	defer func() { e.observe("claim", started, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	holder, assetID, err = sanitizePair(holder, assetID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, _, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if pool.Halted {
		return nil, ErrPoolHalted
	}
	pos, ok, err := e.loadPosition(holder, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	pending := pos.settle(pool)
	amount := pos.claim(pool)
	if err := e.commitPosition(pool, pos); err != nil {
		return nil, err
	}

	e.emit(events.RoyaltySettled{Holder: holder, AssetID: assetID, Pending: pending, Claimable: newBigInt(pos.Claimable)})
	if amount.Sign() > 0 {
		e.emit(events.RoyaltyClaimed{Holder: holder, AssetID: assetID, Amount: newBigInt(amount)})
	}
	return amount, nil
}

// PendingRewards returns the amount the next settle of the position would
// realise. It never mutates state.
func (e *Engine) PendingRewards(holder, assetID string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	holder, assetID, err := sanitizePair(holder, assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, _, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	pos, _, err := e.loadPosition(holder, assetID)
	if err != nil {
		return nil, err
	}
	return pos.pending(pool), nil
}

// ApplyDeposit distributes a royalty payment across the pool's current
// stakers by raising the accumulator. No position is touched.
func (e *Engine) ApplyDeposit(assetID string, amount *big.Int) (*DepositReceipt, error) {
	return e.applyDeposit(assetID, amount, 0, "")
}

// ApplyDepositWithReference is ApplyDeposit carrying the source reference
// through to the Deposited event.
func (e *Engine) ApplyDepositWithReference(assetID string, amount *big.Int, reference string) (*DepositReceipt, error) {
	return e.applyDeposit(assetID, amount, 0, reference)
}

func (e *Engine) applyDeposit(assetID string, amount *big.Int, streams uint64, reference string) (receipt *DepositReceipt, err error) {
	started := time.Now()
	defer func() { e.observe("deposit", started, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	assetID, err = sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, _, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if pool.Halted {
		return nil, ErrPoolHalted
	}
	carried, err := pool.applyDeposit(amount, e.policy)
	if err != nil {
		return nil, err
	}
	pool.UpdatedAt = e.now()
	if err := e.state.RoyaltyCommit(&Update{Pool: pool}); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordDeposit(carried)
	}
	receipt = &DepositReceipt{
		AssetID:           assetID,
		Amount:            newBigInt(amount),
		AccRewardPerShare: newBigInt(pool.AccRewardPerShare),
		Undistributed:     newBigInt(pool.Undistributed),
		Carried:           carried,
		Streams:           streams,
		Reference:         reference,
	}
	e.emit(events.RoyaltyDeposited{
		AssetID:           assetID,
		Amount:            newBigInt(amount),
		AccRewardPerShare: newBigInt(pool.AccRewardPerShare),
		Undistributed:     newBigInt(pool.Undistributed),
		Carried:           carried,
		Streams:           streams,
		Reference:         reference,
	})
	return receipt, nil
}

// Pool returns a copy of the pool for the asset.
func (e *Engine) Pool(assetID string) (*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	assetID, err := sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, ok, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

// Position returns a copy of the holder's position in the asset's pool.
func (e *Engine) Position(holder, assetID string) (*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	holder, assetID, err := sanitizePair(holder, assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	pos, ok, err := e.loadPosition(holder, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	return pos, nil
}

// Positions lists the positions of a pool in holder order.
func (e *Engine) Positions(assetID string) ([]*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	assetID, err := sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	var positions []*Position
	if err := e.state.RoyaltyPositions(assetID, func(pos *Position) bool {
		positions = append(positions, pos)
		return true
	}); err != nil {
		return nil, err
	}
	return positions, nil
}

// Pools lists every known pool in asset order.
func (e *Engine) Pools() ([]*Pool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var pools []*Pool
	if err := e.state.RoyaltyPools(func(pool *Pool) bool {
		pools = append(pools, pool)
		return true
	}); err != nil {
		return nil, err
	}
	return pools, nil
}

// Audit recomputes the pool's aggregates from its positions.
func (e *Engine) Audit(assetID string) (*AuditReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	assetID, err := sanitizeAssetID(assetID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, ok, err := e.loadPool(assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	report := &AuditReport{
		AssetID:         assetID,
		TotalStaked:     newBigInt(pool.TotalStaked),
		PositionsStaked: big.NewInt(0),
		Halted:          pool.Halted,
		Deposited:       newBigInt(pool.TotalDeposited),
		Undistributed:   newBigInt(pool.Undistributed),
		Credited:        newBigInt(pool.TotalCredited),
		Claimed:         newBigInt(pool.TotalClaimed),
		Outstanding:     big.NewInt(0),
		Accrued:         big.NewInt(0),
	}
	if err := e.state.RoyaltyPositions(assetID, func(pos *Position) bool {
		report.Positions++
		report.PositionsStaked.Add(report.PositionsStaked, pos.StakedAmount)
		report.Outstanding.Add(report.Outstanding, pos.Claimable)
		report.Accrued.Add(report.Accrued, pos.pending(pool))
		return true
	}); err != nil {
		return nil, err
	}
	report.Consistent = report.PositionsStaked.Cmp(report.TotalStaked) == 0
	dust := new(big.Int).Sub(report.Deposited, report.Undistributed)
	dust.Sub(dust, report.Credited)
	dust.Sub(dust, report.Accrued)
	report.Dust = dust
	return report, nil
}

// ResumePool clears the halted flag after an operator has investigated the
// invariant violation.
func (e *Engine) ResumePool(assetID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	assetID, err := sanitizeAssetID(assetID)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(assetID)
	defer unlock()
	pool, ok, err := e.loadPool(assetID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPoolNotFound
	}
	if !pool.Halted {
		return nil
	}
	pool.Halted = false
	pool.HaltReason = ""
	pool.UpdatedAt = e.now()
	if err := e.state.RoyaltyCommit(&Update{Pool: pool}); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PoolHalted(assetID, false)
	}
	e.emit(events.RoyaltyPoolResumed{AssetID: assetID})
	return nil
}

func sanitizePair(holder, assetID string) (string, string, error) {
	h, err := sanitizeHolder(holder)
	if err != nil {
		return "", "", err
	}
	a, err := sanitizeAssetID(assetID)
	if err != nil {
		return "", "", err
	}
	return h, a, nil
}

func maxZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

type assetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *assetLocks) lock(assetID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[assetID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[assetID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
