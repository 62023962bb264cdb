package pricefeed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/babylon-markets/trading-engine/internal/engine"
	"github.com/babylon-markets/trading-engine/internal/metrics"
)

// Settler writes liquidation outcomes to the durable ledger. Implemented
// by the trade orchestrator.
type Settler interface {
	SettleLiquidations(ctx context.Context, liquidations []engine.Liquidation)
}

// Monitor applies price updates to the engine and settles the fallout.
// Settlement runs synchronously inside HandleTick: by the time a tick
// returns, every breached position is out of the engine and handed to the
// settler — the next tick cannot liquidate the same position twice.
type Monitor struct {
	engine   *engine.Engine
	settler  Settler
	hub      *Hub // optional
	registry *Registry
}

// NewMonitor creates a price monitor. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewMonitor(eng *engine.Engine, settler Settler, hub *Hub, registry *Registry) *Monitor {
	return &Monitor{
		engine:   eng,
		settler:  settler,
		hub:      hub,
		registry: registry,
	}
}

// HandleTick applies one entity price update. Unknown entities are ignored
// with an error so feed noise cannot crash the subscriber.
func (m *Monitor) HandleTick(ctx context.Context, entityID string, price decimal.Decimal) error {
	ticker, ok := m.registry.Ticker(entityID)
	if !ok {
		return fmt.Errorf("pricefeed: no ticker for entity %s", entityID)
	}

	res, err := m.engine.ApplyPriceUpdate(ticker, price)
	if err != nil {
		return err
	}
	metrics.PriceTicksTotal.WithLabelValues(ticker).Inc()

	if len(res.Liquidated) > 0 {
		m.settler.SettleLiquidations(ctx, res.Liquidated)
	}

	if m.hub != nil {
		m.hub.Broadcast(Message{
			Type:   "price_update",
			Ticker: ticker,
			Price:  price.String(),
		})
		for _, liq := range res.Liquidated {
			m.hub.Broadcast(Message{
				Type:        "liquidation",
				Ticker:      ticker,
				Price:       price.String(),
				PositionID:  liq.Position.ID,
				UserID:      liq.Position.UserID,
				Side:        string(liq.Position.Side),
				RealizedPnL: liq.RealizedPnL.String(),
			})
		}
	}

	if len(res.Liquidated) > 0 {
		slog.Info("tick applied",
			"ticker", ticker,
			"price", price.String(),
			"updated", len(res.Updated),
			"liquidated", len(res.Liquidated),
		)
	}
	return nil
}
