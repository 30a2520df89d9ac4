package types

import "time"

// ReconcileResponse represents the result of one reconciliation run
type ReconcileResponse struct {
	ClientID  string    `json:"client_id"`
	Trades    []Trade   `json:"trades"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBatchResponse represents the result of a batch order submission
type OrderBatchResponse struct {
	Accepted  int       `json:"accepted"`
	Orders    []Order   `json:"orders"`
	Timestamp time.Time `json:"timestamp"`
}
