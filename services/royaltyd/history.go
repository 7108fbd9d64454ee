package royaltyd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"royaltystake/core/events"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	historyBuffer       = 1024
)

// Distribution is one applied royalty deposit as recorded for reporting.
type Distribution struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence          uint64    `gorm:"index" json:"sequence"`
	AssetID           string    `gorm:"size:128;index:idx_distribution_asset_time" json:"assetId"`
	Amount            string    `gorm:"size:80" json:"amount"`
	AccRewardPerShare string    `gorm:"size:100" json:"accRewardPerShare"`
	Carried           bool      `json:"carried"`
	Streams           uint64    `json:"streams,omitempty"`
	Reference         string    `gorm:"size:256" json:"reference,omitempty"`
	CreatedAt         time.Time `gorm:"index:idx_distribution_asset_time" json:"createdAt"`
}

// HistoryFilter narrows History.List. Zero values mean no constraint.
type HistoryFilter struct {
	AssetID string
	Since   time.Time
	Limit   int
}

// HistoryStore keeps the distribution history in a relational database.
type HistoryStore struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// OpenHistory opens the store named by dsn. "postgres://" and
// "postgresql://" DSNs use Postgres; "sqlite://path" or a bare path uses
// SQLite.
func OpenHistory(dsn string, log *slog.Logger) (*HistoryStore, error) {
	dialector, embedded, err := historyDialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if embedded {
		// SQLite serialises writers; one connection avoids "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewHistoryStore(db, log)
}

func historyDialector(dsn string) (gorm.Dialector, bool, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, false, fmt.Errorf("history dsn required")
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return postgres.Open(trimmed), false, nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(trimmed, "sqlite://")), true, nil
	default:
		return sqlite.Open(trimmed), true, nil
	}
}

// NewHistoryStore wraps an open gorm handle and migrates the schema.
func NewHistoryStore(db *gorm.DB, log *slog.Logger) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("history database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Distribution{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &HistoryStore{db: db, logger: log, nowFn: time.Now}, nil
}

// Close releases the underlying connection pool.
func (h *HistoryStore) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores a distribution.
func (h *HistoryStore) Record(ctx context.Context, d *Distribution) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = h.nowFn().UTC()
	}
	return h.db.WithContext(ctx).Create(d).Error
}

// List returns distributions newest first.
func (h *HistoryStore) List(ctx context.Context, filter HistoryFilter) ([]Distribution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query := h.db.WithContext(ctx).Model(&Distribution{})
	if assetID := strings.TrimSpace(filter.AssetID); assetID != "" {
		query = query.Where("asset_id = ?", assetID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	var out []Distribution
	if err := query.Order("created_at DESC").Order("sequence DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Run records every Deposited event published on the hub until ctx ends.
// It runs outside the engine's critical sections. When the subscriber falls
// more than historyBuffer events behind the hub drops deliveries; the gap is
// refilled from the hub's retained history and whatever the hub no longer
// holds is logged as lost.
func (h *HistoryStore) Run(ctx context.Context, hub *events.Hub) error {
	updates, cancel, backlog, err := hub.Subscribe(ctx, "", historyBuffer)
	if err != nil {
		return err
	}
	defer cancel()
	var last uint64
	for _, rec := range backlog {
		last = h.follow(ctx, hub, last, rec)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			last = h.follow(ctx, hub, last, rec)
		}
	}
}

// follow consumes rec after backfilling any sequences skipped since last and
// returns the new high-water mark.
func (h *HistoryStore) follow(ctx context.Context, hub *events.Hub, last uint64, rec events.Record) uint64 {
	if rec.Sequence <= last {
		return last
	}
	if last > 0 && rec.Sequence > last+1 {
		recovered := 0
		next := last + 1
		for _, missed := range hub.Since(last) {
			if missed.Sequence >= rec.Sequence {
				break
			}
			if missed.Sequence > next {
				h.logGap(next, missed.Sequence-1)
			}
			h.consume(ctx, missed)
			next = missed.Sequence + 1
			recovered++
		}
		if next < rec.Sequence {
			h.logGap(next, rec.Sequence-1)
		}
		h.logger.Warn("history subscriber fell behind",
			slog.Uint64("from", last+1),
			slog.Uint64("to", rec.Sequence-1),
			slog.Int("recovered", recovered))
	}
	h.consume(ctx, rec)
	return rec.Sequence
}

func (h *HistoryStore) logGap(from, to uint64) {
	h.logger.Error("distribution history gap",
		slog.Uint64("fromSequence", from),
		slog.Uint64("toSequence", to))
}

func (h *HistoryStore) consume(ctx context.Context, rec events.Record) {
	d, ok := distributionFromRecord(rec)
	if !ok {
		return
	}
	if err := h.Record(ctx, d); err != nil {
		h.logger.Error("record distribution failed",
			slog.String("assetId", d.AssetID),
			slog.Uint64("sequence", rec.Sequence),
			slog.String("error", err.Error()))
	}
}

func distributionFromRecord(rec events.Record) (*Distribution, bool) {
	if rec.Event == nil || rec.Event.Type != events.TypeRoyaltyDeposited {
		return nil, false
	}
	attrs := rec.Event.Attributes
	d := &Distribution{
		Sequence:          rec.Sequence,
		AssetID:           attrs["assetId"],
		Amount:            attrs["amount"],
		AccRewardPerShare: attrs["accRewardPerShare"],
		Carried:           attrs["carried"] == "true",
		Reference:         attrs["reference"],
	}
	if raw := attrs["streams"]; raw != "" {
		if streams, err := strconv.ParseUint(raw, 10, 64); err == nil {
			d.Streams = streams
		}
	}
	return d, true
}
