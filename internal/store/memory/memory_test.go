package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

func creditSale(id string, due string, at time.Time) domain.Sale {
	return domain.Sale{
		ID:         id,
		TenantID:   SeedTenantID,
		BranchID:   SeedBranchID,
		CustomerID: "cust-andi",
		Items:      []domain.LineItem{{VariantID: "var-mie-01", Quantity: 1, UnitSellingPrice: dec("3.50")}},
		AmountDue:  dec(due),
		Status:     domain.SaleStatusUnpaid,
		Date:       at,
	}
}

func TestAvailableStockCountsConsignment(t *testing.T) {
	s := NewSeeded()
	qty, err := s.AvailableStock(context.Background(), "var-keripik-01", SeedBranchID)
	require.NoError(t, err)
	assert.Equal(t, 6, qty)

	qty, err = s.AvailableStock(context.Background(), "var-keripik-01", "other-branch")
	require.NoError(t, err)
	assert.Equal(t, 0, qty)
}

func TestCommitSaleCreditIncrementBumpsVersion(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CommitSale(ctx, creditSale("sale-1", "20", time.Now()), dec("20"))
	require.NoError(t, err)

	c, err := s.GetCustomer(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)
	assert.Equal(t, "20.00", c.CreditBalance.StringFixed(2))
	assert.Equal(t, int64(1), c.Version)

}

func TestCommitSaleRepeatedIDReturnsStoredSale(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	first := creditSale("sale-1", "20", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	_, err := s.CommitSale(ctx, first, dec("20"))
	require.NoError(t, err)

	retry := creditSale("sale-1", "20", first.Date.Add(time.Minute))
	saved, err := s.CommitSale(ctx, retry, dec("20"))
	require.NoError(t, err)
	assert.True(t, saved.Date.Equal(first.Date))

	c, err := s.GetCustomer(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)
	assert.Equal(t, "20.00", c.CreditBalance.StringFixed(2))
	assert.Equal(t, int64(1), c.Version)

	outstanding, err := s.ListOutstandingSales(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)
	assert.Len(t, outstanding, 1)

	foreign := creditSale("sale-1", "20", time.Now())
	foreign.TenantID = "other-tenant"
	_, err = s.CommitSale(ctx, foreign, decimal.Zero)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestCommitSaleInjectedFailureLeavesNoTrace(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("disk full")
	s.FailCommits(boom)

	_, err := s.CommitSale(ctx, creditSale("sale-1", "20", time.Now()), dec("20"))
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSale(ctx, "sale-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	c, err := s.GetCustomer(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)
	assert.True(t, c.CreditBalance.IsZero())
}

func TestCommitSaleCreditForWalkInRejected(t *testing.T) {
	s := NewSeeded()
	sale := creditSale("sale-1", "5", time.Now())
	sale.CustomerID = domain.WalkInCustomerID

	_, err := s.CommitSale(context.Background(), sale, dec("5"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyCreditPaymentFIFO(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := s.CommitSale(ctx, creditSale("sale-b", "30", base.Add(time.Hour)), dec("30"))
	require.NoError(t, err)
	_, err = s.CommitSale(ctx, creditSale("sale-a", "25", base), dec("25"))
	require.NoError(t, err)

	c, err := s.GetCustomer(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)

	payment, err := s.ApplyCreditPayment(ctx, domain.CreditPayment{
		TenantID:   SeedTenantID,
		CustomerID: "cust-andi",
		Amount:     dec("40"),
	}, c.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{"sale-a"}, payment.SettledSales)
	assert.Equal(t, "15.00", payment.BalanceAfter.StringFixed(2))

	a, err := s.GetSale(ctx, "sale-a")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPaid, a.Status)
	assert.Equal(t, "25.00", a.AmountDue.StringFixed(2), "amount due is fixed at commit")
	b, err := s.GetSale(ctx, "sale-b")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartial, b.Status)
	assert.Equal(t, "30.00", b.AmountDue.StringFixed(2))

	outstanding, err := s.ListOutstandingSales(ctx, SeedTenantID, "cust-andi")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, "sale-b", outstanding[0].SaleID)
	assert.Equal(t, "15.00", outstanding[0].Outstanding.StringFixed(2))

	_, err = s.ApplyCreditPayment(ctx, domain.CreditPayment{
		TenantID:   SeedTenantID,
		CustomerID: "cust-andi",
		Amount:     dec("1"),
	}, c.Version)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestApplyCreditPaymentRejectsOverpayment(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	_, err := s.CommitSale(ctx, creditSale("sale-1", "10", time.Now()), dec("10"))
	require.NoError(t, err)

	_, err = s.ApplyCreditPayment(ctx, domain.CreditPayment{
		TenantID:   SeedTenantID,
		CustomerID: "cust-andi",
		Amount:     decimal.RequireFromString("10.01"),
	}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentAmount)
}

func TestTransitionDepositOnlyFromExpectedStatus(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	at := time.Now().UTC()

	d, err := s.TransitionDeposit(ctx, "dep-sari-01", domain.DepositStatusActive, domain.DepositStatusApplied, "sale-9", at)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositStatusApplied, d.Status)
	assert.Equal(t, "sale-9", d.AppliedSaleID)

	_, err = s.TransitionDeposit(ctx, "dep-sari-01", domain.DepositStatusActive, domain.DepositStatusRefunded, "", at)
	assert.ErrorIs(t, err, domain.ErrInvalidDepositTransition)

	_, err = s.TransitionDeposit(ctx, "dep-ghost", domain.DepositStatusActive, domain.DepositStatusRefunded, "", at)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateDepositRequiresTenantCustomer(t *testing.T) {
	s := NewSeeded()
	_, err := s.CreateDeposit(context.Background(), domain.DepositRecord{
		TenantID:   "other-tenant",
		CustomerID: "cust-sari",
		Amount:     dec("10"),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyStockMovementsConsumesOwnedFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SetStock("b1", "v1", 2, 3)

	movements := []domain.StockMovement{{VariantID: "v1", Quantity: 4}}
	require.NoError(t, s.ApplyStockMovements(ctx, "evt-1", "b1", movements))
	require.NoError(t, s.ApplyStockMovements(ctx, "evt-1", "b1", movements))

	assert.Equal(t, stockLevel{owned: 0, consignment: 1}, s.stock["b1"]["v1"])

	require.NoError(t, s.ApplyStockMovements(ctx, "evt-2", "b1", []domain.StockMovement{{VariantID: "v1", Quantity: -2}}))
	assert.Equal(t, stockLevel{owned: 2, consignment: 1}, s.stock["b1"]["v1"])

	assert.ErrorIs(t, s.ApplyStockMovements(ctx, "", "b1", movements), store.ErrInvalidTransaction)
}

func TestListAuditLogsNewestFirstWithinWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, action := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{
			TenantID:  "t1",
			Action:    action,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{TenantID: "t2", Action: "x", CreatedAt: base}))

	logs, err := s.ListAuditLogs(ctx, "t1", base, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].Action)
	assert.Equal(t, "b", logs[1].Action)
}
