// Package settlement turns a cart and its tenders into a committed sale.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/events"
	"tokopos/backend/internal/invoice"
	"tokopos/backend/internal/ledger"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type AuditWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Finalizer struct {
	sales         store.SaleGateway
	publisher     events.Publisher
	audit         AuditWriter
	logger        *zap.Logger
	storeName     string
	commitTimeout time.Duration
	now           func() time.Time
}

type Config struct {
	StoreName     string
	CommitTimeout time.Duration
}

func NewFinalizer(sales store.SaleGateway, publisher events.Publisher, audit AuditWriter, logger *zap.Logger, cfg Config) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.StoreName == "" {
		cfg.StoreName = "TokoPOS"
	}
	return &Finalizer{
		sales:         sales,
		publisher:     publisher,
		audit:         audit,
		logger:        logger.Named("settlement"),
		storeName:     cfg.StoreName,
		commitTimeout: cfg.CommitTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type Request struct {
	Actor      domain.Actor
	Cart       domain.CartView
	Settlement domain.SettlementView
	// OnCommitted runs once the sale is durable and before any side effect.
	OnCommitted func(sale domain.Sale)
}

type Result struct {
	Sale    domain.Sale    `json:"sale"`
	Invoice domain.Invoice `json:"invoice"`
}

// Draft builds the sale and the credit increment it carries. It fails before
// any I/O when the cart is empty or a walk-in sale is underpaid. The sale id
// comes from the settlement, so a retried finalize commits under the same id.
func (f *Finalizer) Draft(req Request) (domain.Sale, decimal.Decimal, error) {
	if len(req.Cart.Items) == 0 {
		return domain.Sale{}, decimal.Zero, domain.ErrEmptyCart
	}
	if req.Settlement.Status != domain.SettlementOpen {
		return domain.Sale{}, decimal.Zero, domain.ErrSettlementClosed
	}
	if !req.Cart.Total.Abs().Equal(req.Settlement.AmountToSettle) {
		return domain.Sale{}, decimal.Zero, fmt.Errorf("settlement amount does not match cart total: %w", store.ErrInvalidTransaction)
	}

	view := req.Settlement
	credit := view.CreditIncrement
	if err := ledger.CheckCreditIncrement(req.Cart.Customer, credit); err != nil {
		return domain.Sale{}, decimal.Zero, err
	}

	saleID := view.SaleID
	if saleID == "" {
		saleID = xid.New("sale")
	}
	sale := domain.Sale{
		ID:         saleID,
		TenantID:   req.Actor.TenantID,
		BranchID:   req.Actor.BranchID,
		DeviceID:   req.Actor.DeviceID,
		StaffID:    req.Actor.StaffID,
		CustomerID: req.Cart.Customer.ID,
		Items:      req.Cart.Items,
		Subtotal:   req.Cart.Subtotal,
		Tax:        req.Cart.Tax,
		Discount:   req.Cart.Discount,
		Total:      req.Cart.Total,
		Payments:   view.Tenders,
		TotalPaid:  view.TotalPaid,
		Change:     view.Change,
		AmountDue:  credit,
		IsRefund:   view.IsRefund,
		Status:     saleStatus(view),
		Date:       f.now(),
	}
	if sale.CustomerID == "" {
		sale.CustomerID = domain.WalkInCustomerID
	}
	return sale, credit, nil
}

func saleStatus(view domain.SettlementView) domain.SaleStatus {
	switch {
	case view.IsRefund:
		return domain.SaleStatusRefunded
	case !view.Remaining.IsPositive():
		return domain.SaleStatusPaid
	case view.TotalPaid.IsPositive():
		return domain.SaleStatusPartial
	default:
		return domain.SaleStatusUnpaid
	}
}

// Finalize commits the sale with its credit increment in one unit. A failed
// commit returns ErrCommitFailure and has no other effect. Retrying after a
// commit whose outcome was lost returns the sale stored by the first attempt.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := metrics.StartSpan(ctx, "settlement.Finalize")
	defer span.End()

	sale, credit, err := f.Draft(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("sale.id", sale.ID),
		attribute.String("sale.total", sale.Total.StringFixed(2)),
		attribute.Bool("sale.refund", sale.IsRefund),
	)

	committed, err := f.commit(ctx, sale, credit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.OnCommitted != nil {
		req.OnCommitted(*committed)
	}

	kind := "sale"
	if committed.IsRefund {
		kind = "refund"
	}
	metrics.SalesFinalizedTotal.WithLabelValues(kind).Inc()
	if credit.IsPositive() {
		metrics.CreditIssuedTotal.Add(credit.InexactFloat64())
	}

	f.publish(ctx, *committed)
	f.logAudit(ctx, req.Actor, *committed, credit)

	return &Result{
		Sale:    *committed,
		Invoice: invoice.Build(*committed, f.storeName),
	}, nil
}

func (f *Finalizer) commit(ctx context.Context, sale domain.Sale, credit decimal.Decimal) (*domain.Sale, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commitTimeout)
	defer cancel()

	started := time.Now()
	committed, err := f.sales.CommitSale(ctx, sale, credit)
	metrics.SaleCommitLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SaleCommitFailuresTotal.Inc()
		f.logger.Warn("sale commit failed", zap.String("sale_id", sale.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrCommitFailure, err)
	}
	return committed, nil
}

// publish failures are logged only; the sale is already durable and stock
// reconciliation can replay from the sales table.
func (f *Finalizer) publish(ctx context.Context, sale domain.Sale) {
	if f.publisher == nil {
		return
	}
	movements := make([]domain.StockMovement, 0, len(sale.Items))
	for _, item := range sale.Items {
		movements = append(movements, domain.StockMovement{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	event := domain.SaleFinalizedEvent{
		EventID:   "evt-" + sale.ID,
		SaleID:    sale.ID,
		TenantID:  sale.TenantID,
		BranchID:  sale.BranchID,
		Movements: movements,
		Total:     sale.Total,
		At:        sale.Date,
	}
	if err := f.publisher.PublishSaleFinalized(ctx, event); err != nil {
		f.logger.Warn("publish sale event failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (f *Finalizer) logAudit(ctx context.Context, actor domain.Actor, sale domain.Sale, credit decimal.Decimal) {
	if f.audit == nil {
		return
	}
	action := "sale_finalize"
	if sale.IsRefund {
		action = "refund_finalize"
	}
	err := f.audit.CreateAuditLog(ctx, domain.AuditLog{
		TenantID:   sale.TenantID,
		StaffID:    actor.StaffID,
		Action:     action,
		EntityType: "sale",
		EntityID:   sale.ID,
		Detail: fmt.Sprintf("total=%s,paid=%s,credit=%s,status=%s",
			sale.Total.StringFixed(2), sale.TotalPaid.StringFixed(2), credit.StringFixed(2), sale.Status),
		CreatedAt: sale.Date,
	})
	if err != nil {
		f.logger.Warn("failed to write audit log", zap.String("action", action), zap.String("entity_id", sale.ID), zap.Error(err))
	}
}
