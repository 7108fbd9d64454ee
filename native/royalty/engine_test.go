package royalty

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"royaltystake/core/events"
)

type mockState struct {
	mu         sync.Mutex
	pools      map[string]*Pool
	positions  map[string]*Position
	commitErr  error
	commits    int
	haltWrites int
}

func newMockState() *mockState {
	return &mockState{
		pools:     make(map[string]*Pool),
		positions: make(map[string]*Position),
	}
}

func mockPositionKey(assetID, holder string) string { return assetID + "/" + holder }

func (m *mockState) RoyaltyPoolGet(assetID string) (*Pool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[assetID]
	if !ok {
		return nil, false, nil
	}
	return pool.Clone(), true, nil
}

func (m *mockState) RoyaltyPools(fn func(*Pool) bool) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	pools := make([]*Pool, 0, len(ids))
	for _, id := range ids {
		pools = append(pools, m.pools[id].Clone())
	}
	m.mu.Unlock()
	for _, pool := range pools {
		if !fn(pool) {
			break
		}
	}
	return nil
}

func (m *mockState) RoyaltyPositionGet(assetID, holder string) (*Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[mockPositionKey(assetID, holder)]
	if !ok {
		return nil, false, nil
	}
	return pos.Clone(), true, nil
}

func (m *mockState) RoyaltyPositions(assetID string, fn func(*Position) bool) error {
	m.mu.Lock()
	var keys []string
	for key, pos := range m.positions {
		if pos.AssetID == assetID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	positions := make([]*Position, 0, len(keys))
	for _, key := range keys {
		positions = append(positions, m.positions[key].Clone())
	}
	m.mu.Unlock()
	for _, pos := range positions {
		if !fn(pos) {
			break
		}
	}
	return nil
}

func (m *mockState) RoyaltyCommit(update *Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits++
	if update.Pool != nil {
		if update.Pool.Halted {
			m.haltWrites++
		}
		m.pools[update.Pool.AssetID] = update.Pool.Clone()
	}
	for _, pos := range update.Positions {
		m.positions[mockPositionKey(pos.AssetID, pos.Holder)] = pos.Clone()
	}
	for _, key := range update.Deleted {
		delete(m.positions, mockPositionKey(key.AssetID, key.Holder))
	}
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type stubOwnership struct {
	balances map[string]*big.Int
	err      error
}

func (s *stubOwnership) BalanceOf(_ context.Context, holder, assetID string) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if bal, ok := s.balances[mockPositionKey(assetID, holder)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func newTestEngine(t *testing.T, policy ZeroStakePolicy) (*Engine, *mockState, *recordingEmitter) {
	t.Helper()
	engine, err := NewEngine(policy)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	state := newMockState()
	emitter := &recordingEmitter{}
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, emitter
}

func mustStake(t *testing.T, engine *Engine, holder, assetID string, amount int64) *big.Int {
	t.Helper()
	staked, err := engine.Stake(context.Background(), holder, assetID, big.NewInt(amount))
	if err != nil {
		t.Fatalf("stake %s %d: %v", holder, amount, err)
	}
	return staked
}

func mustDeposit(t *testing.T, engine *Engine, assetID string, amount int64) *DepositReceipt {
	t.Helper()
	receipt, err := engine.ApplyDeposit(assetID, big.NewInt(amount))
	if err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
	return receipt
}

func mustPending(t *testing.T, engine *Engine, holder, assetID string) *big.Int {
	t.Helper()
	pending, err := engine.PendingRewards(holder, assetID)
	if err != nil {
		t.Fatalf("pending %s: %v", holder, err)
	}
	return pending
}

func expectAmount(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}

func TestProportionalRewardsAcrossStakeChange(t *testing.T) {
	engine, _, _ := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 100)
	mustStake(t, engine, "bob", "track-1", 300)

	receipt := mustDeposit(t, engine, "track-1", 4000)
	wantAcc := new(big.Int).Mul(big.NewInt(10), Scale())
	if receipt.AccRewardPerShare.Cmp(wantAcc) != 0 {
		t.Fatalf("expected accumulator %s, got %s", wantAcc, receipt.AccRewardPerShare)
	}
	expectAmount(t, "alice pending", mustPending(t, engine, "alice", "track-1"), 1000)
	expectAmount(t, "bob pending", mustPending(t, engine, "bob", "track-1"), 3000)

	claimed, err := engine.Claim("alice", "track-1")
	if err != nil {
		t.Fatalf("claim alice: %v", err)
	}
	expectAmount(t, "alice claim", claimed, 1000)

	staked := mustStake(t, engine, "bob", "track-1", 100)
	expectAmount(t, "bob staked", staked, 400)
	expectAmount(t, "bob pending after restake", mustPending(t, engine, "bob", "track-1"), 0)

	claimed, err = engine.Claim("bob", "track-1")
	if err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	expectAmount(t, "bob claim", claimed, 3000)

	pool, err := engine.Pool("track-1")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	expectAmount(t, "total staked", pool.TotalStaked, 500)
	expectAmount(t, "total claimed", pool.TotalClaimed, 4000)
}

func TestClaimTwiceYieldsZero(t *testing.T) {
	engine, _, emitter := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 7)
	mustDeposit(t, engine, "track-1", 70)

	first, err := engine.Claim("alice", "track-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	expectAmount(t, "first claim", first, 70)
	second, err := engine.Claim("alice", "track-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	expectAmount(t, "second claim", second, 0)
	if got := len(emitter.ofType(events.TypeRoyaltyClaimed)); got != 1 {
		t.Fatalf("expected one claimed event, got %d", got)
	}
}

func TestClaimWithoutPosition(t *testing.T) {
	engine, state, _ := newTestEngine(t, PolicyCarryForward)
	claimed, err := engine.Claim("nobody", "track-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	expectAmount(t, "claim", claimed, 0)
	if state.commits != 0 {
		t.Fatalf("expected no commits, got %d", state.commits)
	}
}

func TestUnstakeBeyondPositionLeavesStateUnchanged(t *testing.T) {
	engine, state, _ := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 50)
	mustDeposit(t, engine, "track-1", 500)
	commits := state.commits

	_, err := engine.Unstake("alice", "track-1", big.NewInt(51))
	if !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
	if state.commits != commits {
		t.Fatalf("expected no commit on failed unstake")
	}
	pos, err := engine.Position("alice", "track-1")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	expectAmount(t, "staked", pos.StakedAmount, 50)
	expectAmount(t, "claimable", pos.Claimable, 0)
	expectAmount(t, "pending", mustPending(t, engine, "alice", "track-1"), 500)

	if _, err := engine.Unstake("bob", "track-1", big.NewInt(1)); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake for unknown holder, got %v", err)
	}
}

func TestUnstakeSettlesAndGarbageCollects(t *testing.T) {
	engine, state, _ := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 10)
	mustDeposit(t, engine, "track-1", 100)

	remaining, err := engine.Unstake("alice", "track-1", big.NewInt(10))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	expectAmount(t, "remaining", remaining, 0)
	pos, err := engine.Position("alice", "track-1")
	if err != nil {
		t.Fatalf("position after unstake: %v", err)
	}
	expectAmount(t, "claimable", pos.Claimable, 100)

	if _, err := engine.Claim("alice", "track-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := engine.Position("alice", "track-1"); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected position to be collected, got %v", err)
	}
	if len(state.positions) != 0 {
		t.Fatalf("expected no stored positions, got %d", len(state.positions))
	}
}

func TestInvalidAmounts(t *testing.T) {
	engine, _, _ := newTestEngine(t, PolicyCarryForward)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := engine.Stake(context.Background(), "alice", "track-1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("stake %v: expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := engine.Unstake("alice", "track-1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("unstake %v: expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := engine.ApplyDeposit("track-1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("deposit %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if _, err := engine.Stake(context.Background(), "", "track-1", big.NewInt(1)); !errors.Is(err, ErrInvalidHolder) {
		t.Fatalf("expected ErrInvalidHolder, got %v", err)
	}
	if _, err := engine.Stake(context.Background(), "alice", "a/b", big.NewInt(1)); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestRejectPolicyRefusesEmptyPoolDeposit(t *testing.T) {
	engine, state, _ := newTestEngine(t, PolicyReject)
	if _, err := engine.ApplyDeposit("track-1", big.NewInt(500)); !errors.Is(err, ErrEmptyPoolDeposit) {
		t.Fatalf("expected ErrEmptyPoolDeposit, got %v", err)
	}
	if state.commits != 0 {
		t.Fatalf("expected rejected deposit not to commit")
	}
	mustStake(t, engine, "alice", "track-1", 10)
	expectAmount(t, "pending", mustPending(t, engine, "alice", "track-1"), 0)
}

func TestCarryForwardCreditsNextStaker(t *testing.T) {
	engine, _, emitter := newTestEngine(t, PolicyCarryForward)
	receipt := mustDeposit(t, engine, "track-1", 500)
	if !receipt.Carried {
		t.Fatalf("expected deposit to be carried")
	}
	expectAmount(t, "undistributed", receipt.Undistributed, 500)
	expectAmount(t, "accumulator", receipt.AccRewardPerShare, 0)

	mustStake(t, engine, "alice", "track-1", 100)
	expectAmount(t, "alice pending", mustPending(t, engine, "alice", "track-1"), 500)

	mustStake(t, engine, "bob", "track-1", 100)
	expectAmount(t, "bob pending", mustPending(t, engine, "bob", "track-1"), 0)

	pool, err := engine.Pool("track-1")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	expectAmount(t, "undistributed after stake", pool.Undistributed, 0)
	expectAmount(t, "deposited", pool.TotalDeposited, 500)

	deposits := emitter.ofType(events.TypeRoyaltyDeposited)
	if len(deposits) != 2 {
		t.Fatalf("expected carried and released deposit events, got %d", len(deposits))
	}
}

func TestStakeRequiresOwnedShares(t *testing.T) {
	engine, _, _ := newTestEngine(t, PolicyCarryForward)
	engine.SetOwnership(&stubOwnership{balances: map[string]*big.Int{
		mockPositionKey("track-1", "alice"): big.NewInt(100),
	}})
	mustStake(t, engine, "alice", "track-1", 60)
	if _, err := engine.Stake(context.Background(), "alice", "track-1", big.NewInt(41)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	mustStake(t, engine, "alice", "track-1", 40)
	if _, err := engine.Stake(context.Background(), "bob", "track-1", big.NewInt(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares for bob, got %v", err)
	}

	lookupErr := errors.New("registry offline")
	engine.SetOwnership(&stubOwnership{err: lookupErr})
	if _, err := engine.Stake(context.Background(), "alice", "track-1", big.NewInt(1)); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestFailedCommitIsAtomic(t *testing.T) {
	engine, state, emitter := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 10)
	mustDeposit(t, engine, "track-1", 100)
	before := len(emitter.events)

	state.commitErr = errors.New("disk full")
	if _, err := engine.Stake(context.Background(), "alice", "track-1", big.NewInt(5)); err == nil {
		t.Fatalf("expected stake to fail")
	}
	if _, err := engine.Claim("alice", "track-1"); err == nil {
		t.Fatalf("expected claim to fail")
	}
	if _, err := engine.ApplyDeposit("track-1", big.NewInt(10)); err == nil {
		t.Fatalf("expected deposit to fail")
	}
	if len(emitter.events) != before {
		t.Fatalf("expected no events from failed operations")
	}
	state.commitErr = nil

	pool, err := engine.Pool("track-1")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	expectAmount(t, "total staked", pool.TotalStaked, 10)
	expectAmount(t, "deposited", pool.TotalDeposited, 100)
	expectAmount(t, "pending", mustPending(t, engine, "alice", "track-1"), 100)
}

func TestPoolStakeViolationHaltsPool(t *testing.T) {
	engine, state, emitter := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 50)
	corrupted := state.pools["track-1"].Clone()
	corrupted.TotalStaked = big.NewInt(10)
	state.pools["track-1"] = corrupted

	if _, err := engine.Unstake("alice", "track-1", big.NewInt(20)); !errors.Is(err, ErrInsufficientPoolStake) {
		t.Fatalf("expected ErrInsufficientPoolStake, got %v", err)
	}
	pool, err := engine.Pool("track-1")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if !pool.Halted || pool.HaltReason == "" {
		t.Fatalf("expected pool to be halted with a reason")
	}
	expectAmount(t, "total staked kept", pool.TotalStaked, 10)
	if len(emitter.ofType(events.TypeRoyaltyPoolHalted)) != 1 {
		t.Fatalf("expected halted event")
	}

	if _, err := engine.ApplyDeposit("track-1", big.NewInt(1)); !errors.Is(err, ErrPoolHalted) {
		t.Fatalf("expected ErrPoolHalted on deposit, got %v", err)
	}
	if _, err := engine.Stake(context.Background(), "alice", "track-1", big.NewInt(1)); !errors.Is(err, ErrPoolHalted) {
		t.Fatalf("expected ErrPoolHalted on stake, got %v", err)
	}
	if _, err := engine.Claim("alice", "track-1"); !errors.Is(err, ErrPoolHalted) {
		t.Fatalf("expected ErrPoolHalted on claim, got %v", err)
	}

	report, err := engine.Audit("track-1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Consistent {
		t.Fatalf("expected audit to flag the mismatch")
	}

	repaired := state.pools["track-1"].Clone()
	repaired.TotalStaked = big.NewInt(50)
	state.pools["track-1"] = repaired
	if err := engine.ResumePool("track-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := engine.Unstake("alice", "track-1", big.NewInt(20)); err != nil {
		t.Fatalf("unstake after resume: %v", err)
	}
	if len(emitter.ofType(events.TypeRoyaltyPoolResumed)) != 1 {
		t.Fatalf("expected resumed event")
	}
}

func TestSettleEventsCarryPending(t *testing.T) {
	engine, _, emitter := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 4)
	mustDeposit(t, engine, "track-1", 40)
	mustStake(t, engine, "alice", "track-1", 1)

	settled := emitter.ofType(events.TypeRoyaltySettled)
	if len(settled) != 2 {
		t.Fatalf("expected two settle events, got %d", len(settled))
	}
	last, ok := settled[1].(events.RoyaltySettled)
	if !ok {
		t.Fatalf("unexpected event type %T", settled[1])
	}
	expectAmount(t, "settled pending", last.Pending, 40)
	expectAmount(t, "settled claimable", last.Claimable, 40)

	deposited := emitter.ofType(events.TypeRoyaltyDeposited)
	evt := deposited[0].(events.RoyaltyDeposited)
	wantAcc := new(big.Int).Mul(big.NewInt(10), Scale())
	if evt.AccRewardPerShare.Cmp(wantAcc) != 0 {
		t.Fatalf("expected deposited accumulator %s, got %s", wantAcc, evt.AccRewardPerShare)
	}
}

func TestAuditReportsDust(t *testing.T) {
	engine, _, _ := newTestEngine(t, PolicyCarryForward)
	mustStake(t, engine, "alice", "track-1", 1)
	mustStake(t, engine, "bob", "track-1", 1)
	mustStake(t, engine, "carol", "track-1", 1)
	mustDeposit(t, engine, "track-1", 10)

	report, err := engine.Audit("track-1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Consistent || report.Positions != 3 {
		t.Fatalf("unexpected audit %+v", report)
	}
	expectAmount(t, "accrued", report.Accrued, 9)
	expectAmount(t, "dust", report.Dust, 1)
	if _, err := engine.Audit("missing"); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestGetOrCreatePoolIsIdempotent(t *testing.T) {
	engine, state, _ := newTestEngine(t, PolicyCarryForward)
	first, err := engine.GetOrCreatePool("track-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := engine.GetOrCreatePool("track-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.commits != 1 {
		t.Fatalf("expected one commit, got %d", state.commits)
	}
	if first.AssetID != second.AssetID || second.TotalStaked.Sign() != 0 {
		t.Fatalf("unexpected pool %+v", second)
	}
	pools, err := engine.Pools()
	if err != nil || len(pools) != 1 {
		t.Fatalf("expected one pool, got %d (%v)", len(pools), err)
	}
}

func TestConcurrentOperationsPreserveTotalStaked(t *testing.T) {
	engine, _, _ := newTestEngine(t, PolicyCarryForward)
	assets := []string{"track-1", "track-2"}
	var wg sync.WaitGroup
	for _, assetID := range assets {
		for i := 0; i < 8; i++ {
			holder := fmt.Sprintf("holder-%d", i)
			wg.Add(1)
			go func(assetID, holder string) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if _, err := engine.Stake(context.Background(), holder, assetID, big.NewInt(3)); err != nil {
						t.Errorf("stake: %v", err)
						return
					}
					if _, err := engine.ApplyDeposit(assetID, big.NewInt(17)); err != nil {
						t.Errorf("deposit: %v", err)
						return
					}
					if _, err := engine.Unstake(holder, assetID, big.NewInt(1)); err != nil {
						t.Errorf("unstake: %v", err)
						return
					}
					if _, err := engine.Claim(holder, assetID); err != nil {
						t.Errorf("claim: %v", err)
						return
					}
				}
			}(assetID, holder)
		}
	}
	wg.Wait()

	for _, assetID := range assets {
		report, err := engine.Audit(assetID)
		if err != nil {
			t.Fatalf("audit %s: %v", assetID, err)
		}
		if !report.Consistent {
			t.Fatalf("%s: total %s != positions %s", assetID, report.TotalStaked, report.PositionsStaked)
		}
		expectAmount(t, assetID+" total staked", report.TotalStaked, 8*20*2)
		if report.Dust.Sign() < 0 {
			t.Fatalf("%s: negative dust %s", assetID, report.Dust)
		}
	}
}

func TestNewEngineRejectsUnknownPolicy(t *testing.T) {
	if _, err := NewEngine("share-evenly"); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	engine, err := NewEngine("")
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if engine.Policy() != PolicyCarryForward {
		t.Fatalf("expected carry-forward default, got %s", engine.Policy())
	}
	if _, err := engine.Claim("alice", "track-1"); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
}
