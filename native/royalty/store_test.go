package royalty

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"royaltystake/storage"
)

func TestStoreRoundTripsThroughLevelDB(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	engine, err := NewEngine(PolicyCarryForward)
	require.NoError(t, err)
	engine.SetState(NewStore(db))
	_, err = engine.Stake(context.Background(), "alice", "track-1", big.NewInt(100))
	require.NoError(t, err)
	_, err = engine.Stake(context.Background(), "bob", "track-1", big.NewInt(300))
	require.NoError(t, err)
	_, err = engine.ApplyDeposit("track-1", big.NewInt(4000))
	require.NoError(t, err)
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	restarted, err := NewEngine(PolicyCarryForward)
	require.NoError(t, err)
	restarted.SetState(NewStore(db))

	pending, err := restarted.PendingRewards("bob", "track-1")
	require.NoError(t, err)
	require.Equal(t, "3000", pending.String())

	pool, err := restarted.Pool("track-1")
	require.NoError(t, err)
	require.Equal(t, "400", pool.TotalStaked.String())
	require.Equal(t, "4000", pool.TotalDeposited.String())

	positions, err := restarted.Positions("track-1")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	require.Equal(t, "alice", positions[0].Holder)
	require.Equal(t, "bob", positions[1].Holder)
}

func TestStorePositionsArePoolScoped(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	require.NoError(t, store.RoyaltyCommit(&Update{
		Pool: newPool("track-1"),
		Positions: []*Position{
			newPosition("alice", "track-1", 1),
			newPosition("alice", "track-10", 1),
		},
	}))
	var holders []string
	require.NoError(t, store.RoyaltyPositions("track-1", func(pos *Position) bool {
		holders = append(holders, pos.AssetID+"/"+pos.Holder)
		return true
	}))
	require.Equal(t, []string{"track-1/alice"}, holders)

	require.NoError(t, store.RoyaltyCommit(&Update{Deleted: []PositionKey{{AssetID: "track-1", Holder: "alice"}}}))
	_, ok, err := store.RoyaltyPositionGet("track-1", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRejectsOverflowWithoutPartialWrite(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	pool := newPool("track-1")
	require.NoError(t, store.RoyaltyCommit(&Update{Pool: pool}))

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	bad := newPool("track-1")
	bad.TotalStaked = big.NewInt(5)
	pos := newPosition("alice", "track-1", 1)
	pos.RewardDebt = huge
	err := store.RoyaltyCommit(&Update{Pool: bad, Positions: []*Position{pos}})
	require.True(t, errors.Is(err, ErrAmountOverflow), "got %v", err)

	stored, ok, err := store.RoyaltyPoolGet("track-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, stored.TotalStaked.Sign())
	_, ok, err = store.RoyaltyPositionGet("track-1", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreKeepsHaltedFlag(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	pool := newPool("track-1")
	pool.Halted = true
	pool.HaltReason = "insufficient pool stake"
	require.NoError(t, store.RoyaltyCommit(&Update{Pool: pool}))

	var seen []*Pool
	require.NoError(t, store.RoyaltyPools(func(p *Pool) bool {
		seen = append(seen, p)
		return true
	}))
	require.Len(t, seen, 1)
	require.True(t, seen[0].Halted)
	require.Equal(t, "insufficient pool stake", seen[0].HaltReason)
}
