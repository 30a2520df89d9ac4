package reconcile

import (
	"errors"
	"fmt"

	"github.com/ksred/recon-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// FetchUnconsumedOrders returns every order for the client that has not yet
// been consumed into a trade, ordered by execution time ascending. Orders
// without an execution time sort first and are skipped by the tracker.
func (d *Database) FetchUnconsumedOrders(clientID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.
		Where("client_id = ? AND trade_id IS NULL", clientID).
		Order("executed_at ASC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch unconsumed orders: %w", err)
	}
	return orders, nil
}

// GetOpenTrade returns the current OPEN trade for a (client, symbol), or nil
// when the book is flat.
func (d *Database) GetOpenTrade(clientID, symbol string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.
		Where("client_id = ? AND symbol = ? AND status = ?", clientID, symbol, types.TradeStatusOpen).
		First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch open trade: %w", err)
	}
	return &trade, nil
}

// GetTrade retrieves a trade by its ID.
func (d *Database) GetTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// GetClientTrades retrieves all trades for a client, newest first.
func (d *Database) GetClientTrades(clientID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.
		Where("client_id = ?", clientID).
		Order("created_at DESC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// ClientsWithUnconsumedOrders returns the distinct client IDs that currently
// have fills waiting to be reconciled.
func (d *Database) ClientsWithUnconsumedOrders() ([]string, error) {
	var clients []string
	if err := d.db.Model(&types.Order{}).
		Where("trade_id IS NULL").
		Distinct("client_id").
		Pluck("client_id", &clients).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch clients with unconsumed orders: %w", err)
	}
	return clients, nil
}

// CommitPartition applies one partition's changeset in a single transaction:
// new trades, updated trades, then the order linkage stamps. If any consumed
// order turns out to be already linked, the whole partition rolls back so a
// retried run cannot double-count.
func (d *Database) CommitPartition(res *partitionResult) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	for _, trade := range res.Creates {
		if err := tx.Create(trade).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create trade %s: %w", trade.TradeID, err)
		}
	}

	for _, trade := range res.Updates {
		if err := tx.Save(trade).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update trade %s: %w", trade.TradeID, err)
		}
	}

	for tradeID, orderIDs := range res.Links {
		result := tx.Model(&types.Order{}).
			Where("order_id IN ? AND trade_id IS NULL", orderIDs).
			Update("trade_id", tradeID)
		if result.Error != nil {
			tx.Rollback()
			return fmt.Errorf("failed to link orders to trade %s: %w", tradeID, result.Error)
		}
		if result.RowsAffected != int64(len(orderIDs)) {
			// An order was linked out from under us: another writer touched
			// the partition. Abort rather than double-consume.
			tx.Rollback()
			return fmt.Errorf("linked %d of %d orders for trade %s: partition modified concurrently", result.RowsAffected, len(orderIDs), tradeID)
		}
	}

	return tx.Commit().Error
}
