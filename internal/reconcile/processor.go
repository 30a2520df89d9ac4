package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically sweeps for clients with unconsumed fills and runs
// reconciliation for each. It is the batch trigger the engine is designed
// around; an import completing simply leaves unconsumed orders for the next
// tick to pick up.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service, processDelay time.Duration) *Processor {
	return &Processor{
		service:      service,
		processDelay: processDelay,
	}
}

// Start begins the reconciliation processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconcile_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting reconciliation processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation processor")
			return
		case <-ticker.C:
			if err := p.processPendingClients(); err != nil {
				logger.Error().Err(err).Msg("failed to process pending clients")
			}
		}
	}
}

func (p *Processor) processPendingClients() error {
	logger := log.With().Str("component", "reconcile_processor").Logger()

	clients, err := p.service.GetDB().ClientsWithUnconsumedOrders()
	if err != nil {
		return err
	}

	logger.Info().Int("pending_clients", len(clients)).Msg("processing pending reconciliations")

	for _, clientID := range clients {
		trades, err := p.service.Reconcile(clientID)
		if err != nil {
			// A failed client run is retried on the next tick; the engine
			// re-reads whatever is still unconsumed.
			logger.Error().
				Err(err).
				Str("client_id", clientID).
				Msg("reconciliation failed for client")
			continue
		}

		logger.Info().
			Str("client_id", clientID).
			Int("trades_emitted", len(trades)).
			Msg("client reconciled")
	}

	return nil
}
