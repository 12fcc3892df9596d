// Package events carries sale.finalized notifications from the settlement core
// to the stock side effect, either inline or through Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/metrics"
)

const SaleFinalizedType = "sale.finalized"

type Publisher interface {
	PublishSaleFinalized(ctx context.Context, event domain.SaleFinalizedEvent) error
}

type StockApplier interface {
	ApplyStockMovements(ctx context.Context, eventID string, branchID string, movements []domain.StockMovement) error
}

// Handler processes one decoded sale event.
type Handler func(ctx context.Context, event domain.SaleFinalizedEvent) error

// NewStockHandler decrements stock for a sale event. Redelivered events are
// absorbed by the applier's per-event idempotency.
func NewStockHandler(applier StockApplier, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event domain.SaleFinalizedEvent) error {
		if err := applier.ApplyStockMovements(ctx, event.EventID, event.BranchID, event.Movements); err != nil {
			metrics.StockEventsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("apply stock for sale %s: %w", event.SaleID, err)
		}
		metrics.StockEventsTotal.WithLabelValues("applied").Inc()
		logger.Debug("stock applied",
			zap.String("event_id", event.EventID),
			zap.String("sale_id", event.SaleID),
			zap.Int("movements", len(event.Movements)),
		)
		return nil
	}
}

// Inline runs the handler in the publishing goroutine. It is used when no
// broker is configured.
type Inline struct {
	handler Handler
}

func NewInline(handler Handler) *Inline {
	return &Inline{handler: handler}
}

func (p *Inline) PublishSaleFinalized(ctx context.Context, event domain.SaleFinalizedEvent) error {
	return p.handler(ctx, event)
}

// Recorder keeps published events in memory.
type Recorder struct {
	Events []domain.SaleFinalizedEvent
	Err    error
}

func (r *Recorder) PublishSaleFinalized(_ context.Context, event domain.SaleFinalizedEvent) error {
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, event)
	return nil
}

func Decode(payload []byte) (domain.SaleFinalizedEvent, error) {
	var event domain.SaleFinalizedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.SaleFinalizedEvent{}, fmt.Errorf("decode sale event: %w", err)
	}
	if event.EventID == "" || event.SaleID == "" {
		return domain.SaleFinalizedEvent{}, fmt.Errorf("decode sale event: missing ids")
	}
	return event, nil
}
