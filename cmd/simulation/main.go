package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/recon-api/internal/auth"
	"github.com/ksred/recon-api/internal/database"
	"github.com/ksred/recon-api/internal/orders"
	"github.com/ksred/recon-api/internal/reconcile"
	"github.com/ksred/recon-api/internal/types"
	"github.com/ksred/recon-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numClients    = 4
	minFills      = 10
	maxFills      = 40
	serverAddress = "http://localhost:8080"
	jwtSecret     = "recon-secret-key"
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// addFailure records a failed call for the route
func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the reconciliation API
// on behalf of one simulated brokerage client
type simulationClient struct {
	baseURL   string
	clientID  string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient authenticates one simulated client and prepares
// performance tracking
func newSimulationClient(clientID string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:  serverAddress,
		clientID: clientID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: stats,
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    sc.clientID,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// submitFill records one fill via the intake API
// Returns the order ID on success
func (sc *simulationClient) submitFill(order *types.Order) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["submit"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(order)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit fill failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// reconcileClient triggers a reconciliation run for the client
// Returns the trades the run emitted
func (sc *simulationClient) reconcileClient() ([]types.Trade, error) {
	start := time.Now()
	defer func() {
		sc.stats["reconcile"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/reconcile/%s", sc.baseURL, sc.clientID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("reconcile failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                    `json:"success"`
		Data    types.ReconcileResponse `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data.Trades, nil
}

// getTrades retrieves all trades for the client
func (sc *simulationClient) getTrades() ([]types.Trade, error) {
	start := time.Now()
	defer func() {
		sc.stats["trades"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/trades", sc.baseURL),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get trades failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool          `json:"success"`
		Data    []types.Trade `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data, nil
}

// generateFillStream produces a plausible fill sequence for one client:
// opens, same-direction adds, partial closes, and the occasional reversal,
// with strictly increasing execution times per symbol.
func generateFillStream(count int) []*types.Order {
	fills := make([]*types.Order, 0, count)
	clock := make(map[string]time.Time)
	position := make(map[string]int64) // signed net quantity per symbol

	base := time.Now().Add(-24 * time.Hour)

	for i := 0; i < count; i++ {
		symbol := symbols[rand.Intn(len(symbols))]

		at, ok := clock[symbol]
		if !ok {
			at = base
		}
		at = at.Add(time.Duration(rand.Intn(50)+1) * time.Minute)
		clock[symbol] = at

		net := position[symbol]
		var side types.OrderSide
		var qty int64

		switch {
		case net == 0:
			side = types.SideBuy
			if rand.Intn(2) == 0 {
				side = types.SideSell
			}
			qty = int64(rand.Intn(90) + 10)
		case rand.Intn(3) == 0:
			// Add to the current direction.
			side = types.SideBuy
			if net < 0 {
				side = types.SideSell
			}
			qty = int64(rand.Intn(50) + 5)
		default:
			// Close against the current direction: sometimes partially,
			// sometimes fully, sometimes reversing past zero.
			side = types.SideSell
			if net < 0 {
				side = types.SideBuy
			}
			open := net
			if open < 0 {
				open = -open
			}
			switch rand.Intn(3) {
			case 0:
				qty = open/2 + 1
			case 1:
				qty = open
			default:
				qty = open + int64(rand.Intn(40)+1)
			}
		}

		if side == types.SideBuy {
			position[symbol] = net + qty
		} else {
			position[symbol] = net - qty
		}

		price := float64(rand.Intn(400)+100) + float64(rand.Intn(100))/100
		executedAt := at
		fills = append(fills, &types.Order{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			Price:      &price,
			ExecutedAt: &executedAt,
		})
	}

	return fills
}

// verifyTrades checks the engine's published invariants over the persisted
// trades: closed lots conserve quantity and P&L, and each symbol carries at
// most one open position.
func verifyTrades(clientID string, trades []types.Trade) (closed, open, violations int, realized float64) {
	openBySymbol := make(map[string]int)

	for _, trade := range trades {
		switch trade.Status {
		case types.TradeStatusClosed:
			closed++
			realized += trade.Pnl

			if trade.OpenQuantity != trade.CloseQuantity {
				violations++
				log.Error().
					Str("client_id", clientID).
					Str("trade_id", trade.TradeID).
					Int64("open_quantity", trade.OpenQuantity).
					Int64("close_quantity", trade.CloseQuantity).
					Msg("closed trade quantity mismatch")
				continue
			}
			if trade.AvgExitPrice == nil {
				violations++
				log.Error().
					Str("client_id", clientID).
					Str("trade_id", trade.TradeID).
					Msg("closed trade missing exit price")
				continue
			}

			expected := (*trade.AvgExitPrice - trade.AvgEntryPrice) * float64(trade.CloseQuantity)
			if trade.Side == types.TradeSideShort {
				expected = -expected
			}
			if math.Abs(expected-trade.Pnl) > 1e-6 {
				violations++
				log.Error().
					Str("client_id", clientID).
					Str("trade_id", trade.TradeID).
					Float64("expected_pnl", expected).
					Float64("actual_pnl", trade.Pnl).
					Msg("closed trade pnl mismatch")
			}

		case types.TradeStatusOpen:
			open++
			openBySymbol[trade.Symbol]++
			if trade.CloseQuantity != 0 || trade.AvgExitPrice != nil || trade.Pnl != 0 {
				violations++
				log.Error().
					Str("client_id", clientID).
					Str("trade_id", trade.TradeID).
					Msg("open trade carries close-side fields")
			}
		}
	}

	for symbol, count := range openBySymbol {
		if count > 1 {
			violations++
			log.Error().
				Str("client_id", clientID).
				Str("symbol", symbol).
				Int("open_trades", count).
				Msg("multiple open trades for one symbol")
		}
	}

	return closed, open, violations, realized
}

// main runs the reconciliation simulation
// It starts a local API server, submits fill streams for several clients,
// triggers reconciliation, and verifies the engine's invariants
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := map[string]*routeStats{
		"auth":      {name: "Authentication"},
		"submit":    {name: "Submit Fill"},
		"reconcile": {name: "Reconcile"},
		"trades":    {name: "Get Trades"},
	}

	totalFills := 0
	totalClosed := 0
	totalOpen := 0
	totalViolations := 0
	totalRealized := 0.0
	startTime := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			clientID := fmt.Sprintf("CLIENT_%d", workerID)
			simClient, err := newSimulationClient(clientID, stats)
			if err != nil {
				log.Error().Err(err).Str("client_id", clientID).Msg("Failed to initialize simulation client")
				return
			}

			count := rand.Intn(maxFills-minFills) + minFills
			fills := generateFillStream(count)

			submitted := 0
			for _, fill := range fills {
				if _, err := simClient.submitFill(fill); err != nil {
					stats["submit"].addFailure()
					log.Error().Err(err).
						Str("client_id", clientID).
						Str("symbol", fill.Symbol).
						Msg("Failed to submit fill")
					continue
				}
				submitted++
			}

			log.Info().
				Str("client_id", clientID).
				Int("fills_submitted", submitted).
				Msg("Fill stream submitted")

			emitted, err := simClient.reconcileClient()
			if err != nil {
				log.Error().Err(err).Str("client_id", clientID).Msg("Reconciliation failed")
				return
			}

			// A second run with nothing new must emit nothing.
			again, err := simClient.reconcileClient()
			if err != nil {
				log.Error().Err(err).Str("client_id", clientID).Msg("Repeat reconciliation failed")
				return
			}

			trades, err := simClient.getTrades()
			if err != nil {
				log.Error().Err(err).Str("client_id", clientID).Msg("Failed to fetch trades")
				return
			}

			closed, open, violations, realized := verifyTrades(clientID, trades)
			if len(again) != 0 {
				violations++
				log.Error().
					Str("client_id", clientID).
					Int("trades_emitted", len(again)).
					Msg("repeat reconciliation emitted trades")
			}

			log.Info().
				Str("client_id", clientID).
				Int("trades_emitted", len(emitted)).
				Int("closed_trades", closed).
				Int("open_positions", open).
				Float64("realized_pnl", realized).
				Int("violations", violations).
				Msg("Client reconciled and verified")

			mu.Lock()
			totalFills += submitted
			totalClosed += closed
			totalOpen += open
			totalViolations += violations
			totalRealized += realized
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("RECONCILIATION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Clients:            %d
Fills Submitted:    %d
Closed Trades:      %d
Open Positions:     %d
Realized P&L:       $%.2f
Invariant Breaches: %d
Duration:           %v
`, numClients, totalFills, totalClosed, totalOpen, totalRealized, totalViolations,
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	printPerformanceStats(stats)

	if totalViolations > 0 {
		log.Fatal().Int("violations", totalViolations).Msg("Simulation found invariant breaches")
	}
	log.Info().Msg("Simulation completed with no invariant breaches")
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// startServer initializes and starts the reconciliation API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewDatabase("file:simulation?mode=memory&cache=shared")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	for i := 0; i < numClients; i++ {
		authService.RegisterAPICredentials(fmt.Sprintf("CLIENT_%d", i), auth.TestAPISecret)
	}

	ordersService := orders.NewService(db)
	reconcileService := reconcile.NewService(db)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ordersHandlers := orders.NewGinHandlers(ordersService)
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)

	setupRoutes(router, authHandlers, ordersHandlers, reconcileHandlers)

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order intake routes
		orderRoutes := v1.Group("/orders")
		orderRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			orderRoutes.POST("", ordersHandlers.CreateOrderHandler())
			orderRoutes.POST("/batch", ordersHandlers.CreateOrderBatchHandler())
			orderRoutes.GET("/:order_id", ordersHandlers.GetOrderStatusHandler())
		}

		// Trade routes
		tradeRoutes := v1.Group("/trades")
		tradeRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			tradeRoutes.GET("", reconcileHandlers.GetClientTradesHandler())
			tradeRoutes.GET("/:trade_id", reconcileHandlers.GetTradeHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/reconcile/:client_id", reconcileHandlers.ReconcileHandler())
		}
	}
}
