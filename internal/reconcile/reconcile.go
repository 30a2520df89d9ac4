package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/recon-api/internal/auth"
	"github.com/ksred/recon-api/internal/types"
	"github.com/ksred/recon-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service runs the order-to-trade reconciliation engine: it converts a
// client's unconsumed fill stream into trade aggregates, one (client,
// symbol) partition at a time.
type Service struct {
	db    *Database
	locks *partitionLocks
}

// NewService creates a new reconciliation service with the given database
// connection.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		locks: newPartitionLocks(),
	}
}

// GetDB exposes the underlying sink for the background processor.
func (s *Service) GetDB() *Database {
	return s.db
}

// Reconcile walks every unconsumed fill for the client, grouped by symbol
// and sorted by execution time, and returns the trades the run created or
// finalized. Each symbol's pass commits atomically; the first commit failure
// aborts the run so a retry simply re-reads whatever is still unconsumed.
func (s *Service) Reconcile(clientID string) ([]types.Trade, error) {
	logger := log.With().
		Str("client_id", clientID).
		Str("service", "reconcile").
		Logger()

	// Single-writer invariant: one active run per client partition set.
	unlock := s.locks.acquire(clientID)
	defer unlock()

	logger.Info().Msg("starting reconciliation run")

	orders, err := s.db.FetchUnconsumedOrders(clientID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch unconsumed orders")
		return nil, err
	}

	if len(orders) == 0 {
		logger.Info().Msg("no unconsumed orders, nothing to reconcile")
		return []types.Trade{}, nil
	}

	bySymbol := make(map[string][]types.Order)
	for _, o := range orders {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	emitted := []types.Trade{}
	processed, skipped := 0, 0

	for _, symbol := range symbols {
		open, err := s.db.GetOpenTrade(clientID, symbol)
		if err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("failed to fetch open trade")
			return nil, err
		}

		res, err := trackPartition(clientID, symbol, open, bySymbol[symbol])
		if err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("partition tracking failed")
			return nil, fmt.Errorf("failed to reconcile symbol %s: %w", symbol, err)
		}

		processed += res.Processed
		skipped += res.Skipped

		if res.Empty() {
			continue
		}

		if err := s.db.CommitPartition(res); err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("failed to commit partition")
			return nil, fmt.Errorf("failed to commit symbol %s: %w", symbol, err)
		}

		emitted = append(emitted, res.Emitted...)
	}

	logger.Info().
		Int("orders_processed", processed).
		Int("orders_skipped", skipped).
		Int("trades_emitted", len(emitted)).
		Msg("reconciliation run completed")

	return emitted, nil
}

// GetTrade retrieves a trade by ID.
func (s *Service) GetTrade(tradeID string) (*types.Trade, error) {
	return s.db.GetTrade(tradeID)
}

// GetClientTrades retrieves all trades for a client.
func (s *Service) GetClientTrades(clientID string) ([]types.Trade, error) {
	return s.db.GetClientTrades(clientID)
}

// partitionLocks hands out one mutex per client so concurrent reconcile
// triggers serialize instead of racing to mutate the same open trades.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *partitionLocks) acquire(key string) func() {
	p.mu.Lock()
	l, exists := p.locks[key]
	if !exists {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for reconciliation endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ReconcileHandler handles POST requests to run reconciliation for a client
// Requires internal authentication
// URL parameter: client_id
func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Param("client_id")

		trades, err := h.service.Reconcile(clientID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, types.ReconcileResponse{
			ClientID:  clientID,
			Trades:    trades,
			Timestamp: time.Now(),
		})
	}
}

// GetTradeHandler handles GET requests for a single trade
// Requires a valid JWT token
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")

		trade, err := h.service.GetTrade(tradeID)
		if err != nil || trade == nil {
			response.NotFound(c, "Trade not found")
			return
		}

		response.Success(c, trade)
	}
}

// GetClientTradesHandler handles GET requests listing the caller's trades
// Requires a valid JWT token; the client ID comes from the token claims
func (h *GinHandlers) GetClientTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		clientID := auth.GetClientID(claims)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		trades, err := h.service.GetClientTrades(clientID)
		response.Handle(c, trades, err)
	}
}
