package migrations

import (
	"github.com/ksred/recon-api/internal/types"
	"gorm.io/gorm"
)

// AddOrders creates the orders table and the indexes the reconciliation
// engine queries by.
func AddOrders(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// The unconsumed-orders scan: client partition filtered on a null trade link
		`CREATE INDEX IF NOT EXISTS idx_orders_client_trade
		 ON orders(client_id, trade_id)`,

		// Execution-time ordering within a partition
		`CREATE INDEX IF NOT EXISTS idx_orders_executed_at
		 ON orders(executed_at)`,

		// Symbol grouping within a client's stream
		`CREATE INDEX IF NOT EXISTS idx_orders_client_symbol
		 ON orders(client_id, symbol)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
