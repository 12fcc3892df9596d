package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/cart"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/events"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/store/memory"
	"tokopos/backend/internal/tender"
)

const (
	tenant = "t1"
	branch = "b1"
)

var cashier = domain.Actor{StaffID: "staff-1", TenantID: tenant, BranchID: branch, DeviceID: "d1"}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	repo      *memory.Store
	recorder  *events.Recorder
	finalizer *Finalizer
	cart      *cart.Cart
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	repo.PutCustomer(domain.Customer{ID: "cust-1", TenantID: tenant, Name: "Andi", CreditBalance: d("2"), CreditLimit: d("50")})
	repo.SetStock(branch, "v100", 10, 0)
	recorder := &events.Recorder{}
	return &fixture{
		repo:      repo,
		recorder:  recorder,
		finalizer: NewFinalizer(repo, recorder, repo, nil, Config{StoreName: "Toko Test", CommitTimeout: time.Second}),
		cart:      cart.New(repo),
	}
}

func (f *fixture) add(t *testing.T, id string, price string) {
	t.Helper()
	v := domain.Variant{ID: id, ProductID: "prd-" + id, ProductName: "Item " + id, SellingPrice: d(price), CostPrice: d("1"), Active: true}
	require.NoError(t, f.cart.AddItem(context.Background(), v, branch))
}

func (f *fixture) request(a *tender.Allocator) Request {
	return Request{Actor: cashier, Cart: f.cart.Totals(), Settlement: a.Totals()}
}

func TestUnderpaidSaleIncrementsCreditInCommit(t *testing.T) {
	f := newFixture(t)
	f.cart.SetCustomer(domain.Customer{ID: "cust-1", TenantID: tenant, CreditBalance: d("2"), CreditLimit: d("50")})
	f.add(t, "v100", "100")
	view := f.cart.Totals()
	require.Equal(t, "108.00", view.Total.StringFixed(2))
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("100")))

	committed := 0
	req := f.request(a)
	req.OnCommitted = func(domain.Sale) { committed++ }
	result, err := f.finalizer.Finalize(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, committed)
	assert.Equal(t, domain.SaleStatusPartial, result.Sale.Status)
	assert.Equal(t, "8.00", result.Sale.AmountDue.StringFixed(2))
	assert.True(t, result.Sale.Change.IsZero())

	customer, err := f.repo.GetCustomer(context.Background(), tenant, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", customer.CreditBalance.StringFixed(2))

	require.Len(t, f.recorder.Events, 1)
	assert.Equal(t, result.Sale.ID, f.recorder.Events[0].SaleID)
	assert.Equal(t, []domain.StockMovement{{VariantID: "v100", Quantity: 1}}, f.recorder.Events[0].Movements)

	logs, err := f.repo.ListAuditLogs(context.Background(), tenant, time.Time{}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sale_finalize", logs[0].Action)
	assert.Equal(t, result.Sale.ID, result.Invoice.SaleID)
}

func TestCommitFailureHasNoEffect(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v100", "100")
	view := f.cart.Totals()
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCard, d("108")))
	f.repo.FailCommits(errors.New("connection reset"))

	req := f.request(a)
	req.OnCommitted = func(domain.Sale) { t.Fatal("must not run on failure") }
	_, err := f.finalizer.Finalize(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrCommitFailure)
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, f.recorder.Events)
	assert.Equal(t, domain.SettlementOpen, a.Status())
	assert.Len(t, f.cart.Items(), 1)
}

// lostReplyGateway stores the sale and then reports failure once, as a commit
// whose acknowledgement timed out does.
type lostReplyGateway struct {
	next   store.SaleGateway
	failed bool
}

func (g *lostReplyGateway) CommitSale(ctx context.Context, sale domain.Sale, credit decimal.Decimal) (*domain.Sale, error) {
	saved, err := g.next.CommitSale(ctx, sale, credit)
	if err != nil || g.failed {
		return saved, err
	}
	g.failed = true
	return nil, context.DeadlineExceeded
}

func TestRetryAfterLostCommitReplyCommitsOnce(t *testing.T) {
	f := newFixture(t)
	gateway := &lostReplyGateway{next: f.repo}
	f.finalizer = NewFinalizer(gateway, f.recorder, f.repo, nil, Config{CommitTimeout: time.Second})
	f.cart.SetCustomer(domain.Customer{ID: "cust-1", TenantID: tenant, CreditBalance: d("2"), CreditLimit: d("50")})
	f.add(t, "v100", "100")
	view := f.cart.Totals()
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("100")))

	_, err := f.finalizer.Finalize(context.Background(), f.request(a))
	require.ErrorIs(t, err, domain.ErrCommitFailure)
	assert.Equal(t, domain.SettlementOpen, a.Status())

	result, err := f.finalizer.Finalize(context.Background(), f.request(a))
	require.NoError(t, err)
	assert.Equal(t, a.SaleID(), result.Sale.ID)

	customer, err := f.repo.GetCustomer(context.Background(), tenant, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", customer.CreditBalance.StringFixed(2))
	outstanding, err := f.repo.ListOutstandingSales(context.Background(), tenant, "cust-1")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, result.Sale.ID, outstanding[0].SaleID)
	require.Len(t, f.recorder.Events, 1)
	assert.Equal(t, "evt-"+result.Sale.ID, f.recorder.Events[0].EventID)
}

func TestWalkInUnderpaymentIsRejected(t *testing.T) {
	f := newFixture(t)
	f.add(t, "v100", "100")
	view := f.cart.Totals()
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("100")))

	_, err := f.finalizer.Finalize(context.Background(), f.request(a))

	assert.ErrorIs(t, err, domain.ErrWalkInCredit)
	assert.ErrorContains(t, err, "select a customer")
	assert.Empty(t, f.recorder.Events)
}

func TestRefundIsRecordedWithoutChangeOrCredit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cart.SetMode(domain.CartModeReturn))
	f.add(t, "v20", "20")
	view := f.cart.Totals()
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("30")))

	result, err := f.finalizer.Finalize(context.Background(), f.request(a))
	require.NoError(t, err)

	assert.True(t, result.Sale.IsRefund)
	assert.Equal(t, domain.SaleStatusRefunded, result.Sale.Status)
	assert.True(t, result.Sale.Change.IsZero())
	assert.True(t, result.Sale.AmountDue.IsZero())
	assert.Equal(t, domain.WalkInCustomerID, result.Sale.CustomerID)
	assert.Equal(t, -1, f.recorder.Events[0].Movements[0].Quantity)
}

func TestDraftRejectsEmptyOrMismatchedCart(t *testing.T) {
	f := newFixture(t)
	a := tender.New(d("10"), domain.WalkInCustomer(), nil)

	_, _, err := f.finalizer.Draft(f.request(a))
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	f.add(t, "v100", "100")
	_, _, err = f.finalizer.Draft(f.request(a))
	assert.Error(t, err)

	closed := tender.New(f.cart.Totals().Total, domain.WalkInCustomer(), nil)
	require.NoError(t, closed.Abort())
	_, _, err = f.finalizer.Draft(f.request(closed))
	assert.ErrorIs(t, err, domain.ErrSettlementClosed)
}

func TestPublishFailureDoesNotFailFinalize(t *testing.T) {
	f := newFixture(t)
	f.recorder.Err = errors.New("broker down")
	f.add(t, "v100", "100")
	view := f.cart.Totals()
	a := tender.New(view.Total, view.Customer, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("200")))

	result, err := f.finalizer.Finalize(context.Background(), f.request(a))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPaid, result.Sale.Status)
	assert.Equal(t, "92.00", result.Sale.Change.StringFixed(2))
}
