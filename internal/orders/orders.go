package orders

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/recon-api/internal/auth"
	"github.com/ksred/recon-api/internal/types"
	"github.com/ksred/recon-api/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrMissingSymbol = errors.New("symbol is required")
	ErrInvalidSide   = errors.New("side must be BUY or SELL")
	ErrInvalidQty    = errors.New("quantity must be positive")
)

// Service handles validated fill intake. It is the Order Source side of the
// reconciliation engine: fills land here unconsumed and wait for the next
// reconciliation run.
type Service struct {
	db *Database
}

// NewService creates a new order intake service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// validateOrder checks the structural fields of an incoming fill. A missing
// price or execution time is allowed through: such fills are stored but stay
// ineligible for reconciliation until corrected upstream.
func validateOrder(order *types.Order) error {
	if order.Symbol == "" {
		return ErrMissingSymbol
	}
	if !order.Side.Valid() {
		return ErrInvalidSide
	}
	if order.Quantity <= 0 {
		return ErrInvalidQty
	}
	return nil
}

// CreateOrder records a new fill with idempotency support. A replayed
// idempotency key returns the originally created order.
func (s *Service) CreateOrder(order *types.Order, idempotencyKey string) error {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return err
	}

	if record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOrder(record.ResourceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("order not found")
		}
		*order = *existing
		return nil
	}

	if err := validateOrder(order); err != nil {
		return err
	}

	order.OrderID = uuid.New().String()
	order.TradeID = nil
	order.CreatedAt = time.Now()
	order.UpdatedAt = time.Now()

	return s.db.CreateOrderWithIdempotency(order, idempotencyKey)
}

// CreateBatch records several fills for one client atomically.
func (s *Service) CreateBatch(clientID string, orderList []*types.Order) error {
	now := time.Now()
	for _, order := range orderList {
		if err := validateOrder(order); err != nil {
			return err
		}
		order.OrderID = uuid.New().String()
		order.ClientID = clientID
		order.TradeID = nil
		order.CreatedAt = now
		order.UpdatedAt = now
	}
	return s.db.CreateOrders(orderList)
}

// GetOrderByOrderIDAndClientID retrieves an order scoped to its owner.
func (s *Service) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
}

// GetClientOrders retrieves all fills for a client in execution order.
func (s *Service) GetClientOrders(clientID string) ([]types.Order, error) {
	return s.db.GetClientOrders(clientID)
}

// GinHandlers contains HTTP handlers for order intake endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order intake endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to record a single fill
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		clientID := clientIDFromClaims(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var order types.Order
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order.ClientID = clientID

		if err := h.service.CreateOrder(&order, idempotencyKey); err != nil {
			switch {
			case errors.Is(err, ErrMissingSymbol), errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidQty):
				response.BadRequest(c, err.Error())
			default:
				response.Handle(c, nil, err)
			}
			return
		}

		response.Success(c, order)
	}
}

// CreateOrderBatchHandler handles POST requests to record several fills at once
// Requires a valid JWT token
func (h *GinHandlers) CreateOrderBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromClaims(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var request struct {
			Orders []*types.Order `json:"orders" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CreateBatch(clientID, request.Orders); err != nil {
			switch {
			case errors.Is(err, ErrMissingSymbol), errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidQty):
				response.BadRequest(c, err.Error())
			default:
				response.Handle(c, nil, err)
			}
			return
		}

		accepted := make([]types.Order, len(request.Orders))
		for i, order := range request.Orders {
			accepted[i] = *order
		}

		response.Success(c, types.OrderBatchResponse{
			Accepted:  len(accepted),
			Orders:    accepted,
			Timestamp: time.Now(),
		})
	}
}

// GetOrderStatusHandler handles GET requests to retrieve a fill
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromClaims(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderByOrderIDAndClientID(orderID, clientID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

func clientIDFromClaims(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetClientID(claims)
}
