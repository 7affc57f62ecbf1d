// Package repository is the durable store for orders, trades, balances,
// positions and reconciliation checkpoints. Orders and trades are recorded
// before they are acknowledged, so a restart can rebuild the exact
// pre-crash state from this log plus the last settlement checkpoint.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/velora-exchange/velora/pkg/models"
)

type orderRow struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"index"`
	MarketID        string `gorm:"index"`
	Side            string
	Type            string
	Price           decimal.Decimal `gorm:"type:text"`
	WorstPrice      decimal.Decimal `gorm:"type:text"`
	StopPrice       decimal.Decimal `gorm:"type:text"`
	Quantity        decimal.Decimal `gorm:"type:text"`
	FilledQuantity  decimal.Decimal `gorm:"type:text"`
	IcebergQuantity decimal.Decimal `gorm:"type:text"`
	TimeInForce     string
	ExpireAt        *time.Time
	PostOnly        bool
	Nonce           uint64
	Status          string `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (orderRow) TableName() string { return "orders" }

type tradeRow struct {
	ID               string `gorm:"primaryKey"`
	MarketID         string `gorm:"index"`
	BuyOrderID       string
	SellOrderID      string
	Buyer            string `gorm:"index"`
	Seller           string `gorm:"index"`
	BaseAsset        string
	QuoteAsset       string
	Price            decimal.Decimal `gorm:"type:text"`
	Quantity         decimal.Decimal `gorm:"type:text"`
	TakerSide        string
	MatchedAt        time.Time
	SettlementStatus string `gorm:"index"`
	Resubmissions    int
}

func (tradeRow) TableName() string { return "trades" }

type balanceRow struct {
	UserID    string          `gorm:"primaryKey"`
	Asset     string          `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:text"`
	Allocated decimal.Decimal `gorm:"type:text"`
	Locked    decimal.Decimal `gorm:"type:text"`
	UpdatedAt time.Time
}

func (balanceRow) TableName() string { return "balances" }

type positionRow struct {
	Trader      string `gorm:"primaryKey"`
	MarketID    string `gorm:"primaryKey"`
	Long        bool
	Quantity    decimal.Decimal `gorm:"type:text"`
	EntryPrice  decimal.Decimal `gorm:"type:text"`
	Collateral  decimal.Decimal `gorm:"type:text"`
	RealizedPnL decimal.Decimal `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (positionRow) TableName() string { return "positions" }

type processedEventRow struct {
	ID          string `gorm:"primaryKey"`
	ProcessedAt time.Time
}

func (processedEventRow) TableName() string { return "processed_events" }

type checkpointRow struct {
	ID     int `gorm:"primaryKey"`
	Cursor uint64
}

func (checkpointRow) TableName() string { return "settlement_checkpoint" }

// Repository is the gorm/sqlite-backed store.
type Repository struct {
	db *gorm.DB
}

// New opens (or creates) the sqlite database at path and migrates the
// schema.
func New(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&orderRow{}, &tradeRow{}, &balanceRow{}, &positionRow{},
		&processedEventRow{}, &checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// SaveOrder upserts an order. Called before the order is acknowledged.
func (r *Repository) SaveOrder(o *models.Order) error {
	row := orderToRow(o)
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// OrderHistory returns a user's orders newest first.
func (r *Repository) OrderHistory(user uuid.UUID, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []orderRow
	err := r.db.Where("user_id = ?", user.String()).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(rows))
	for i := range rows {
		o, err := rowToOrder(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// LoadOpenOrders returns all orders that may still rest in a book.
func (r *Repository) LoadOpenOrders() ([]*models.Order, error) {
	var rows []orderRow
	err := r.db.Where("status IN ?", []string{
		models.OrderStatusPending, models.OrderStatusPartiallyFilled,
	}).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0, len(rows))
	for i := range rows {
		o, err := rowToOrder(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// SaveTrade upserts a trade, recording settlement status transitions.
func (r *Repository) SaveTrade(t *models.Trade) error {
	row := tradeToRow(t)
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// TradeByID loads one trade.
func (r *Repository) TradeByID(id uuid.UUID) (*models.Trade, error) {
	var row tradeRow
	if err := r.db.First(&row, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rowToTrade(&row)
}

// TradesBySettlementStatus returns trades in the given settlement states.
func (r *Repository) TradesBySettlementStatus(statuses ...string) ([]*models.Trade, error) {
	var rows []tradeRow
	if err := r.db.Where("settlement_status IN ?", statuses).
		Order("matched_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Trade, 0, len(rows))
	for i := range rows {
		t, err := rowToTrade(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RecordBalance journals a ledger mutation (ledger.Journal).
func (r *Repository) RecordBalance(userID uuid.UUID, asset string, b models.Balance) error {
	row := balanceRow{
		UserID:    userID.String(),
		Asset:     asset,
		Available: b.Available,
		Allocated: b.Allocated,
		Locked:    b.Locked,
		UpdatedAt: time.Now(),
	}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadBalances returns every (user, asset) balance for recovery.
func (r *Repository) LoadBalances() (map[uuid.UUID]map[string]models.Balance, error) {
	var rows []balanceRow
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]map[string]models.Balance)
	for _, row := range rows {
		user, err := uuid.Parse(row.UserID)
		if err != nil {
			return nil, fmt.Errorf("balance row user id: %w", err)
		}
		if out[user] == nil {
			out[user] = make(map[string]models.Balance)
		}
		out[user][row.Asset] = models.Balance{
			Available: row.Available,
			Allocated: row.Allocated,
			Locked:    row.Locked,
		}
	}
	return out, nil
}

// SavePosition upserts a position (positions.Store).
func (r *Repository) SavePosition(p *models.Position) error {
	row := positionRow{
		Trader:      p.Trader.String(),
		MarketID:    p.MarketID,
		Long:        p.Long,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		Collateral:  p.Collateral,
		RealizedPnL: p.RealizedPnL,
		UpdatedAt:   p.UpdatedAt,
	}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadPositions returns all persisted positions for recovery.
func (r *Repository) LoadPositions() ([]*models.Position, error) {
	var rows []positionRow
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Position, 0, len(rows))
	for _, row := range rows {
		trader, err := uuid.Parse(row.Trader)
		if err != nil {
			return nil, fmt.Errorf("position row trader id: %w", err)
		}
		out = append(out, &models.Position{
			Trader:      trader,
			MarketID:    row.MarketID,
			Long:        row.Long,
			Quantity:    row.Quantity,
			EntryPrice:  row.EntryPrice,
			Collateral:  row.Collateral,
			RealizedPnL: row.RealizedPnL,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return out, nil
}

// MarkEventProcessed records a settlement event id for dedupe.
func (r *Repository) MarkEventProcessed(id string) error {
	row := processedEventRow{ID: id, ProcessedAt: time.Now()}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// EventProcessed reports whether an event id has been applied before.
func (r *Repository) EventProcessed(id string) (bool, error) {
	var count int64
	if err := r.db.Model(&processedEventRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveSettlementCursor persists the reconciliation checkpoint.
func (r *Repository) SaveSettlementCursor(cursor uint64) error {
	row := checkpointRow{ID: 1, Cursor: cursor}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadSettlementCursor returns the last persisted checkpoint, zero if none.
func (r *Repository) LoadSettlementCursor() (uint64, error) {
	var row checkpointRow
	if err := r.db.First(&row, "id = ?", 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.Cursor, nil
}

func orderToRow(o *models.Order) orderRow {
	return orderRow{
		ID:              o.ID.String(),
		UserID:          o.UserID.String(),
		MarketID:        o.MarketID,
		Side:            o.Side,
		Type:            o.Type,
		Price:           o.Price,
		WorstPrice:      o.WorstPrice,
		StopPrice:       o.StopPrice,
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		IcebergQuantity: o.IcebergQuantity,
		TimeInForce:     o.TimeInForce,
		ExpireAt:        o.ExpireAt,
		PostOnly:        o.PostOnly,
		Nonce:           o.Nonce,
		Status:          o.Status,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func rowToOrder(row *orderRow) (*models.Order, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("order row id: %w", err)
	}
	user, err := uuid.Parse(row.UserID)
	if err != nil {
		return nil, fmt.Errorf("order row user id: %w", err)
	}
	return &models.Order{
		ID:              id,
		UserID:          user,
		MarketID:        row.MarketID,
		Side:            row.Side,
		Type:            row.Type,
		Price:           row.Price,
		WorstPrice:      row.WorstPrice,
		StopPrice:       row.StopPrice,
		Quantity:        row.Quantity,
		FilledQuantity:  row.FilledQuantity,
		IcebergQuantity: row.IcebergQuantity,
		TimeInForce:     row.TimeInForce,
		ExpireAt:        row.ExpireAt,
		PostOnly:        row.PostOnly,
		Nonce:           row.Nonce,
		Status:          row.Status,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func tradeToRow(t *models.Trade) tradeRow {
	return tradeRow{
		ID:               t.ID.String(),
		MarketID:         t.MarketID,
		BuyOrderID:       t.BuyOrderID.String(),
		SellOrderID:      t.SellOrderID.String(),
		Buyer:            t.Buyer.String(),
		Seller:           t.Seller.String(),
		BaseAsset:        t.BaseAsset,
		QuoteAsset:       t.QuoteAsset,
		Price:            t.Price,
		Quantity:         t.Quantity,
		TakerSide:        t.TakerSide,
		MatchedAt:        t.MatchedAt,
		SettlementStatus: t.SettlementStatus,
		Resubmissions:    t.Resubmissions,
	}
}

func rowToTrade(row *tradeRow) (*models.Trade, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("trade row id: %w", err)
	}
	buyOrder, err := uuid.Parse(row.BuyOrderID)
	if err != nil {
		return nil, fmt.Errorf("trade row buy order id: %w", err)
	}
	sellOrder, err := uuid.Parse(row.SellOrderID)
	if err != nil {
		return nil, fmt.Errorf("trade row sell order id: %w", err)
	}
	buyer, err := uuid.Parse(row.Buyer)
	if err != nil {
		return nil, fmt.Errorf("trade row buyer id: %w", err)
	}
	seller, err := uuid.Parse(row.Seller)
	if err != nil {
		return nil, fmt.Errorf("trade row seller id: %w", err)
	}
	return &models.Trade{
		ID:               id,
		MarketID:         row.MarketID,
		BuyOrderID:       buyOrder,
		SellOrderID:      sellOrder,
		Buyer:            buyer,
		Seller:           seller,
		BaseAsset:        row.BaseAsset,
		QuoteAsset:       row.QuoteAsset,
		Price:            row.Price,
		Quantity:         row.Quantity,
		TakerSide:        row.TakerSide,
		MatchedAt:        row.MatchedAt,
		SettlementStatus: row.SettlementStatus,
		Resubmissions:    row.Resubmissions,
	}, nil
}
