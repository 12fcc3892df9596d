package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokopos/backend/internal/cart"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/heldorder"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/settlement"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/tender"
)

// Session is the single writer of one device's cart, settlement and held
// orders. While a sale commit is in flight every mutation fails with
// ErrFinalizeInFlight instead of queueing behind it.
type Session struct {
	svc   *Service
	owner domain.Actor

	mu         sync.Mutex
	cart       *cart.Cart
	alloc      *tender.Allocator
	held       *heldorder.Store
	committing bool

	// lastUsed is unix nanoseconds of the last Service.Session lookup.
	lastUsed atomic.Int64
}

func newSession(svc *Service, owner domain.Actor, held *heldorder.Store) *Session {
	sess := &Session{
		svc:   svc,
		owner: owner,
		cart:  cart.New(svc.repo),
		held:  held,
	}
	sess.touch(svc.now())
	return sess
}

func (p *Session) touch(at time.Time) {
	p.lastUsed.Store(at.UnixNano())
}

// idleSince reports whether the session holds nothing that lives only in
// memory and was last looked up before cutoff.
func (p *Session) idleSince(cutoff time.Time) bool {
	if p.lastUsed.Load() >= cutoff.UnixNano() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.committing || !p.cart.IsEmpty() {
		return false
	}
	return p.alloc == nil || p.alloc.Status() != domain.SettlementOpen
}

// actor is the request's staff member acting on this session's tenant,
// branch and device.
func (p *Session) actor(ctx context.Context) domain.Actor {
	actor := p.svc.actor(ctx)
	actor.TenantID = p.owner.TenantID
	actor.DeviceID = p.owner.DeviceID
	if actor.BranchID == "" {
		actor.BranchID = p.owner.BranchID
	}
	return actor
}

func (p *Session) writable() error {
	if p.committing {
		return domain.ErrFinalizeInFlight
	}
	return nil
}

// cartChanged closes a settlement opened against the previous cart total.
func (p *Session) cartChanged() {
	if p.alloc != nil && p.alloc.Status() == domain.SettlementOpen {
		_ = p.alloc.Abort()
	}
	p.alloc = nil
}

func (p *Session) Cart() domain.CartView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cart.Totals()
}

func (p *Session) AddItem(ctx context.Context, variantID string) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	variant, err := p.svc.repo.GetVariant(ctx, strings.TrimSpace(variantID))
	if err != nil {
		return domain.CartView{}, err
	}
	if err := p.cart.AddItem(ctx, *variant, p.actor(ctx).BranchID); err != nil {
		countCartRejection(err)
		return domain.CartView{}, err
	}
	p.cartChanged()
	return p.cart.Totals(), nil
}

func (p *Session) UpdateQuantity(ctx context.Context, variantID string, delta int) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	if err := p.cart.UpdateQuantity(ctx, strings.TrimSpace(variantID), delta, p.actor(ctx).BranchID); err != nil {
		countCartRejection(err)
		return domain.CartView{}, err
	}
	p.cartChanged()
	return p.cart.Totals(), nil
}

// SetDiscount accepts the raw cashier input; non-numeric text is zero.
func (p *Session) SetDiscount(_ context.Context, raw string) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	p.cart.SetDiscountString(raw)
	p.cartChanged()
	return p.cart.Totals(), nil
}

func (p *Session) SetCustomer(ctx context.Context, customerID string) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	customer, err := p.svc.repo.GetCustomer(ctx, p.owner.TenantID, strings.TrimSpace(customerID))
	if err != nil {
		return domain.CartView{}, err
	}
	p.cart.SetCustomer(*customer)
	p.cartChanged()
	return p.cart.Totals(), nil
}

func (p *Session) SetMode(_ context.Context, mode domain.CartMode) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	if err := p.cart.SetMode(mode); err != nil {
		countCartRejection(err)
		return domain.CartView{}, err
	}
	return p.cart.Totals(), nil
}

func (p *Session) ClearCart(_ context.Context) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	p.cart.Clear()
	p.cartChanged()
	return p.cart.Totals(), nil
}

// OpenSettlement starts collecting tenders for the current cart total. The
// customer is re-read so the credit preview uses the live balance.
func (p *Session) OpenSettlement(ctx context.Context) (domain.SettlementView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.SettlementView{}, err
	}
	if p.cart.IsEmpty() {
		return domain.SettlementView{}, domain.ErrEmptyCart
	}
	customer, err := p.svc.repo.GetCustomer(ctx, p.owner.TenantID, p.cart.Customer().ID)
	if err != nil {
		return domain.SettlementView{}, err
	}
	p.cart.SetCustomer(*customer)
	p.cartChanged()
	p.alloc = tender.New(p.cart.Totals().Total, *customer, p.svc.ledger)
	return p.alloc.State(ctx)
}

func (p *Session) Settlement(ctx context.Context) (domain.SettlementView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alloc == nil {
		return domain.SettlementView{}, domain.ErrNoOpenSettlement
	}
	return p.alloc.State(ctx)
}

func (p *Session) AddTender(ctx context.Context, method domain.TenderMethod, amount decimal.Decimal) (domain.SettlementView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.SettlementView{}, err
	}
	if p.alloc == nil {
		return domain.SettlementView{}, domain.ErrNoOpenSettlement
	}
	if err := p.alloc.AddTender(ctx, method, amount); err != nil {
		metrics.TenderRejectionsTotal.WithLabelValues(reason(err)).Inc()
		return domain.SettlementView{}, err
	}
	metrics.TendersAddedTotal.WithLabelValues(string(method)).Inc()
	return p.alloc.State(ctx)
}

func (p *Session) RemoveTender(ctx context.Context, index int) (domain.SettlementView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.SettlementView{}, err
	}
	if p.alloc == nil {
		return domain.SettlementView{}, domain.ErrNoOpenSettlement
	}
	if err := p.alloc.RemoveTender(index); err != nil {
		return domain.SettlementView{}, err
	}
	return p.alloc.State(ctx)
}

func (p *Session) QuickCash(_ context.Context) ([]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alloc == nil {
		return nil, domain.ErrNoOpenSettlement
	}
	view := p.alloc.Totals()
	if view.IsRefund {
		return []decimal.Decimal{}, nil
	}
	return tender.QuickCashSuggestions(view.Remaining), nil
}

// CancelSettlement aborts the open settlement. It has no ledger effect.
func (p *Session) CancelSettlement(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return err
	}
	if p.alloc == nil {
		return domain.ErrNoOpenSettlement
	}
	return p.alloc.Abort()
}

// Finalize commits the open settlement. The session lock is released while the
// gateway call runs; the committing flag keeps the session read-only until it
// returns.
func (p *Session) Finalize(ctx context.Context) (*settlement.Result, error) {
	p.mu.Lock()
	if err := p.writable(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.alloc == nil {
		p.mu.Unlock()
		return nil, domain.ErrNoOpenSettlement
	}
	alloc := p.alloc
	req := settlement.Request{
		Actor:      p.actor(ctx),
		Cart:       p.cart.Totals(),
		Settlement: alloc.Totals(),
	}
	if _, _, err := p.svc.finalizer.Draft(req); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.committing = true
	p.mu.Unlock()

	released := false
	req.OnCommitted = func(domain.Sale) {
		p.mu.Lock()
		defer p.mu.Unlock()
		_ = alloc.MarkFinalized()
		p.cart.Clear()
		p.committing = false
		released = true
	}

	result, err := p.svc.finalizer.Finalize(ctx, req)
	if !released {
		p.mu.Lock()
		p.committing = false
		p.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	p.svc.logger.Info("sale finalized",
		zap.String("sale_id", result.Sale.ID),
		zap.String("device_id", p.owner.DeviceID),
		zap.String("total", result.Sale.Total.StringFixed(2)),
		zap.String("status", string(result.Sale.Status)),
	)
	return result, nil
}

// HoldOrder suspends the cart. The cart is cleared only after the held list
// was written.
func (p *Session) HoldOrder(ctx context.Context) (domain.HeldOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.HeldOrder{}, err
	}
	held, err := p.held.Hold(ctx, p.cart.Snapshot())
	if err != nil {
		return domain.HeldOrder{}, err
	}
	p.cart.Clear()
	p.cartChanged()
	metrics.HeldOrdersTotal.WithLabelValues("hold").Inc()
	return held, nil
}

func (p *Session) HeldOrders() []domain.HeldOrder {
	return p.held.List()
}

// RetrieveHeld replaces the active cart with a held order. A non-empty cart is
// only overwritten when confirm is set.
func (p *Session) RetrieveHeld(ctx context.Context, id string, confirm bool) (domain.CartView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return domain.CartView{}, err
	}
	if _, err := p.held.Get(id); err != nil {
		return domain.CartView{}, err
	}
	if !p.cart.IsEmpty() && !confirm {
		return domain.CartView{}, domain.ErrConfirmationRequired
	}
	held, err := p.held.Take(ctx, id)
	if err != nil {
		return domain.CartView{}, err
	}
	p.cart.Restore(held)
	p.cartChanged()
	metrics.HeldOrdersTotal.WithLabelValues("retrieve").Inc()
	return p.cart.Totals(), nil
}

func (p *Session) DeleteHeld(ctx context.Context, id string, confirm bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writable(); err != nil {
		return err
	}
	if !confirm {
		return domain.ErrConfirmationRequired
	}
	if err := p.held.Delete(ctx, id); err != nil {
		return err
	}
	metrics.HeldOrdersTotal.WithLabelValues("delete").Inc()
	return nil
}

func countCartRejection(err error) {
	metrics.CartRejectionsTotal.WithLabelValues(reason(err)).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPolarityConflict):
		return "polarity"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "stock"
	case errors.Is(err, domain.ErrDepositCapExceeded):
		return "deposit_cap"
	case errors.Is(err, domain.ErrInvalidTenderAmount):
		return "amount"
	case errors.Is(err, domain.ErrInvalidTenderMethod):
		return "method"
	case errors.Is(err, domain.ErrSettlementClosed):
		return "closed"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
