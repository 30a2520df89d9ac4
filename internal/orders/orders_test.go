package orders

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/recon-api/internal/database/migrations"
	"github.com/ksred/recon-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, migrations.AddOrders(db))
	require.NoError(t, db.AutoMigrate(&IdempotencyRecord{}))

	return db
}

func testFill(clientID string) *types.Order {
	price := 150.0
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	return &types.Order{
		ClientID:   clientID,
		Symbol:     "AAPL",
		Side:       types.SideBuy,
		Quantity:   100,
		Price:      &price,
		ExecutedAt: &at,
	}
}

func TestCreateOrderAssignsIDAndStoresUnconsumed(t *testing.T) {
	service := NewService(newTestDB(t))

	order := testFill("client-1")
	require.NoError(t, service.CreateOrder(order, "key-1"))

	assert.NotEmpty(t, order.OrderID)
	assert.Nil(t, order.TradeID)

	persisted, err := service.GetOrderByOrderIDAndClientID(order.OrderID, "client-1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, int64(100), persisted.Quantity)
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	service := NewService(newTestDB(t))

	first := testFill("client-1")
	require.NoError(t, service.CreateOrder(first, "key-1"))

	// Same key, different payload: the original order comes back and no
	// duplicate fill is created.
	replay := testFill("client-1")
	replay.Quantity = 999
	require.NoError(t, service.CreateOrder(replay, "key-1"))

	assert.Equal(t, first.OrderID, replay.OrderID)
	assert.Equal(t, int64(100), replay.Quantity)

	all, err := service.GetClientOrders("client-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateOrderExpiredIdempotencyKeyCreatesFreshOrder(t *testing.T) {
	db := newTestDB(t)
	service := NewService(db)

	first := testFill("client-1")
	require.NoError(t, service.CreateOrder(first, "key-1"))

	// Age the key past its validity window.
	require.NoError(t, db.Model(&IdempotencyRecord{}).
		Where("idempotency_key = ?", "key-1").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	second := testFill("client-1")
	require.NoError(t, service.CreateOrder(second, "key-1"))
	assert.NotEqual(t, first.OrderID, second.OrderID)

	all, err := service.GetClientOrders("client-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// The record now points at the fresh order with a renewed expiry.
	record, err := service.db.GetIdempotencyRecord("key-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, second.OrderID, record.ResourceID)
	assert.True(t, record.ExpiresAt.After(time.Now()))
}

func TestCreateOrderValidation(t *testing.T) {
	service := NewService(newTestDB(t))

	noSymbol := testFill("client-1")
	noSymbol.Symbol = ""
	require.ErrorIs(t, service.CreateOrder(noSymbol, "key-1"), ErrMissingSymbol)

	badSide := testFill("client-1")
	badSide.Side = "HOLD"
	require.ErrorIs(t, service.CreateOrder(badSide, "key-2"), ErrInvalidSide)

	badQty := testFill("client-1")
	badQty.Quantity = -5
	require.ErrorIs(t, service.CreateOrder(badQty, "key-3"), ErrInvalidQty)
}

func TestCreateOrderAcceptsFillWithoutPrice(t *testing.T) {
	service := NewService(newTestDB(t))

	// Fills missing a price are stored but remain ineligible for
	// reconciliation until corrected upstream.
	order := testFill("client-1")
	order.Price = nil
	require.NoError(t, service.CreateOrder(order, "key-1"))

	persisted, err := service.GetOrderByOrderIDAndClientID(order.OrderID, "client-1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Nil(t, persisted.Price)
	assert.False(t, persisted.Eligible())
}

func TestCreateBatchIsAtomic(t *testing.T) {
	service := NewService(newTestDB(t))

	good := testFill("client-1")
	bad := testFill("client-1")
	bad.Quantity = 0

	err := service.CreateBatch("client-1", []*types.Order{good, bad})
	require.ErrorIs(t, err, ErrInvalidQty)

	all, listErr := service.GetClientOrders("client-1")
	require.NoError(t, listErr)
	assert.Empty(t, all)
}

func TestCreateBatchStampsClientID(t *testing.T) {
	service := NewService(newTestDB(t))

	fills := []*types.Order{testFill("ignored"), testFill("ignored")}
	require.NoError(t, service.CreateBatch("client-1", fills))

	all, err := service.GetClientOrders("client-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, order := range all {
		assert.Equal(t, "client-1", order.ClientID)
		assert.NotEmpty(t, order.OrderID)
	}
}
