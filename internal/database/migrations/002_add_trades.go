package migrations

import (
	"github.com/ksred/recon-api/internal/types"
	"gorm.io/gorm"
)

// AddTrades creates the trades table and required indexes
func AddTrades(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	indexes := []string{
		// The open-trade lookup at the start of every partition pass
		`CREATE INDEX IF NOT EXISTS idx_trades_client_symbol_status
		 ON trades(client_id, symbol, status)`,

		// Index for status filtering
		`CREATE INDEX IF NOT EXISTS idx_trades_status
		 ON trades(status)`,

		// Index for created_at timestamp (useful for time-based queries)
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at
		 ON trades(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
