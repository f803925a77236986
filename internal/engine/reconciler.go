package engine

import (
	"context"

	"cryptobot/internal/broker"
)

// resolveOpenOrders re-checks orders whose cancellation was never confirmed.
// Orders that reached a final status are dropped; live ones get another
// cancel request and stay tracked until it succeeds.
func (e *Engine) resolveOpenOrders(ctx context.Context) {
	snapshot := e.state.Snapshot()
	if len(snapshot.OpenOrders) == 0 {
		return
	}
	changed := false
	for id, tracked := range snapshot.OpenOrders {
		order, err := e.exchange.FetchOrder(ctx, id, tracked.Symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("order_id", id).Msg("open order lookup failed")
			continue
		}
		if order.Status.Live() {
			if err := e.exchange.CancelOrder(ctx, id, tracked.Symbol); err != nil {
				e.logger.Warn().Err(err).Str("order_id", id).Msg("open order still live, cancel failed")
				continue
			}
		}
		e.logger.Info().Str("order_id", id).Str("status", string(order.Status)).Str("raw_status", order.RawStatus).
			Str("filled_qty", order.FilledQty.String()).Msg("open order resolved")
		e.state.ResolveOrder(id)
		changed = true
		if order.Status == broker.StatusClosed || order.FilledQty.IsPositive() {
			e.reconcile(ctx)
		}
	}
	if changed {
		e.saveCheckpoint()
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	if _, err := e.ledger.Reconcile(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("reconcile failed")
		if e.metrics != nil {
			e.metrics.ReconcileErrors.Inc()
		}
	}
}
