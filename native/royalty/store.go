package royalty

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"royaltystake/storage"
)

const (
	poolKeyPrefix     = "royalty/pool/"
	positionKeyPrefix = "royalty/position/"
	assetKeyPrefix    = "royalty/asset/"
	holdingKeyPrefix  = "royalty/holding/"
)

func poolKey(assetID string) []byte { return []byte(poolKeyPrefix + assetID) }

func positionKey(assetID, holder string) []byte {
	return []byte(positionKeyPrefix + assetID + "/" + holder)
}

func assetKey(assetID string) []byte { return []byte(assetKeyPrefix + assetID) }

func holdingKey(assetID, holder string) []byte {
	return []byte(holdingKeyPrefix + assetID + "/" + holder)
}

// Store persists pools, positions, assets, and holdings in a key-value
// database. Every multi-record update is written through one batch.
type Store struct {
	db storage.Database
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type storedPool struct {
	AssetID           string
	TotalStaked       []byte
	AccRewardPerShare []byte
	Undistributed     []byte
	TotalDeposited    []byte
	TotalCredited     []byte
	TotalClaimed      []byte
	Halted            bool
	HaltReason        string
	UpdatedAt         uint64
}

type storedPosition struct {
	Holder       string
	AssetID      string
	StakedAmount []byte
	RewardDebt   []byte
	Claimable    []byte
	TotalClaimed []byte
	CreatedAt    uint64
	UpdatedAt    uint64
}

type storedAsset struct {
	ID          string
	TotalShares []byte
	RatingBps   uint32
	MetadataURI string
	CreatedAt   uint64
	UpdatedAt   uint64
}

// encodeAmount bounds amounts to 256 bits so every persisted value fits the
// settlement currency's word size.
func encodeAmount(v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, v)
	}
	if u.IsZero() {
		return nil, nil
	}
	return u.Bytes(), nil
}

func decodeAmount(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func clampUnix(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

type amountField struct {
	dst *[]byte
	src *big.Int
}

func encodeAmounts(fields ...amountField) error {
	for _, f := range fields {
		encoded, err := encodeAmount(f.src)
		if err != nil {
			return err
		}
		*f.dst = encoded
	}
	return nil
}

func encodePool(pool *Pool) ([]byte, error) {
	stored := storedPool{
		AssetID:    pool.AssetID,
		Halted:     pool.Halted,
		HaltReason: pool.HaltReason,
		UpdatedAt:  clampUnix(pool.UpdatedAt),
	}
	if err := encodeAmounts(
		amountField{&stored.TotalStaked, pool.TotalStaked},
		amountField{&stored.AccRewardPerShare, pool.AccRewardPerShare},
		amountField{&stored.Undistributed, pool.Undistributed},
		amountField{&stored.TotalDeposited, pool.TotalDeposited},
		amountField{&stored.TotalCredited, pool.TotalCredited},
		amountField{&stored.TotalClaimed, pool.TotalClaimed},
	); err != nil {
		return nil, fmt.Errorf("encode pool %s: %w", pool.AssetID, err)
	}
	return rlp.EncodeToBytes(stored)
}

func decodePool(data []byte) (*Pool, error) {
	var stored storedPool
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return &Pool{
		AssetID:           stored.AssetID,
		TotalStaked:       decodeAmount(stored.TotalStaked),
		AccRewardPerShare: decodeAmount(stored.AccRewardPerShare),
		Undistributed:     decodeAmount(stored.Undistributed),
		TotalDeposited:    decodeAmount(stored.TotalDeposited),
		TotalCredited:     decodeAmount(stored.TotalCredited),
		TotalClaimed:      decodeAmount(stored.TotalClaimed),
		Halted:            stored.Halted,
		HaltReason:        stored.HaltReason,
		UpdatedAt:         int64(stored.UpdatedAt),
	}, nil
}

func encodePosition(pos *Position) ([]byte, error) {
	stored := storedPosition{
		Holder:    pos.Holder,
		AssetID:   pos.AssetID,
		CreatedAt: clampUnix(pos.CreatedAt),
		UpdatedAt: clampUnix(pos.UpdatedAt),
	}
	if err := encodeAmounts(
		amountField{&stored.StakedAmount, pos.StakedAmount},
		amountField{&stored.RewardDebt, pos.RewardDebt},
		amountField{&stored.Claimable, pos.Claimable},
		amountField{&stored.TotalClaimed, pos.TotalClaimed},
	); err != nil {
		return nil, fmt.Errorf("encode position %s/%s: %w", pos.AssetID, pos.Holder, err)
	}
	return rlp.EncodeToBytes(stored)
}

func decodePosition(data []byte) (*Position, error) {
	var stored storedPosition
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return &Position{
		Holder:       stored.Holder,
		AssetID:      stored.AssetID,
		StakedAmount: decodeAmount(stored.StakedAmount),
		RewardDebt:   decodeAmount(stored.RewardDebt),
		Claimable:    decodeAmount(stored.Claimable),
		TotalClaimed: decodeAmount(stored.TotalClaimed),
		CreatedAt:    int64(stored.CreatedAt),
		UpdatedAt:    int64(stored.UpdatedAt),
	}, nil
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrNilState
	}
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// RoyaltyPoolGet loads the pool for an asset.
func (s *Store) RoyaltyPoolGet(assetID string) (*Pool, bool, error) {
	data, ok, err := s.get(poolKey(assetID))
	if err != nil || !ok {
		return nil, false, err
	}
	pool, err := decodePool(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode pool %s: %w", assetID, err)
	}
	return pool, true, nil
}

// RoyaltyPools walks every pool in asset order.
func (s *Store) RoyaltyPools(fn func(*Pool) bool) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	var decodeErr error
	err := s.db.Iterate([]byte(poolKeyPrefix), func(key, value []byte) bool {
		pool, err := decodePool(value)
		if err != nil {
			decodeErr = fmt.Errorf("decode %s: %w", key, err)
			return false
		}
		return fn(pool)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// RoyaltyPositionGet loads one holder's position.
func (s *Store) RoyaltyPositionGet(assetID, holder string) (*Position, bool, error) {
	data, ok, err := s.get(positionKey(assetID, holder))
	if err != nil || !ok {
		return nil, false, err
	}
	pos, err := decodePosition(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode position %s/%s: %w", assetID, holder, err)
	}
	return pos, true, nil
}

// RoyaltyPositions walks the positions of one pool in holder order.
func (s *Store) RoyaltyPositions(assetID string, fn func(*Position) bool) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	var decodeErr error
	err := s.db.Iterate([]byte(positionKeyPrefix+assetID+"/"), func(key, value []byte) bool {
		pos, err := decodePosition(value)
		if err != nil {
			decodeErr = fmt.Errorf("decode %s: %w", key, err)
			return false
		}
		return fn(pos)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// RoyaltyCommit writes the update in a single batch. Nothing is written when
// any record fails to encode.
func (s *Store) RoyaltyCommit(update *Update) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	if update == nil {
		return nil
	}
	batch := s.db.NewBatch()
	if update.Pool != nil {
		encoded, err := encodePool(update.Pool)
		if err != nil {
			return err
		}
		batch.Put(poolKey(update.Pool.AssetID), encoded)
	}
	for _, pos := range update.Positions {
		if pos == nil {
			continue
		}
		encoded, err := encodePosition(pos)
		if err != nil {
			return err
		}
		batch.Put(positionKey(pos.AssetID, pos.Holder), encoded)
	}
	for _, key := range update.Deleted {
		batch.Delete(positionKey(key.AssetID, key.Holder))
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// RoyaltyAssetGet loads an asset definition.
func (s *Store) RoyaltyAssetGet(assetID string) (*Asset, bool, error) {
	data, ok, err := s.get(assetKey(assetID))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedAsset
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, fmt.Errorf("decode asset %s: %w", assetID, err)
	}
	return &Asset{
		ID:          stored.ID,
		TotalShares: decodeAmount(stored.TotalShares),
		RatingBps:   stored.RatingBps,
		MetadataURI: stored.MetadataURI,
		CreatedAt:   int64(stored.CreatedAt),
		UpdatedAt:   int64(stored.UpdatedAt),
	}, true, nil
}

// RoyaltyHoldingGet returns the share balance a holder owns, staked or not.
func (s *Store) RoyaltyHoldingGet(assetID, holder string) (*big.Int, error) {
	data, ok, err := s.get(holdingKey(assetID, holder))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return decodeAmount(data), nil
}

// RoyaltyMint writes the asset definition and the holder's new balance in one
// batch.
func (s *Store) RoyaltyMint(asset *Asset, holder string, balance *big.Int) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	stored := storedAsset{
		ID:          asset.ID,
		RatingBps:   asset.RatingBps,
		MetadataURI: asset.MetadataURI,
		CreatedAt:   clampUnix(asset.CreatedAt),
		UpdatedAt:   clampUnix(asset.UpdatedAt),
	}
	if err := encodeAmounts(amountField{&stored.TotalShares, asset.TotalShares}); err != nil {
		return fmt.Errorf("encode asset %s: %w", asset.ID, err)
	}
	encodedAsset, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	encodedBalance, err := encodeAmount(balance)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Put(assetKey(asset.ID), encodedAsset)
	batch.Put(holdingKey(asset.ID, holder), encodedBalance)
	return batch.Write()
}

// RoyaltyHolders walks the holders of an asset with their balances.
func (s *Store) RoyaltyHolders(assetID string, fn func(holder string, balance *big.Int) bool) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	prefix := holdingKeyPrefix + assetID + "/"
	return s.db.Iterate([]byte(prefix), func(key, value []byte) bool {
		return fn(strings.TrimPrefix(string(key), prefix), decodeAmount(value))
	})
}
