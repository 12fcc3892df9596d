package tender

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
)

type fakeDeposits struct {
	balance decimal.Decimal
	err     error
	calls   int
}

func (f *fakeDeposits) AvailableDeposit(_ context.Context, _ string, _ string) (decimal.Decimal, error) {
	f.calls++
	return f.balance, f.err
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var member = domain.Customer{ID: "cust-1", TenantID: "t1", Name: "Andi", CreditBalance: d("0"), CreditLimit: d("5")}

func TestUnderpaidSaleBecomesCreditIncrement(t *testing.T) {
	a := New(d("108"), member, &fakeDeposits{})

	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("100")))

	view := a.Totals()
	assert.Equal(t, "108.00", view.AmountToSettle.StringFixed(2))
	assert.Equal(t, "8.00", view.Remaining.StringFixed(2))
	assert.True(t, view.Change.IsZero())
	assert.Equal(t, "8.00", view.CreditIncrement.StringFixed(2))
	assert.True(t, view.CreditLimitExceeded)
}

func TestRefundChangeIsAlwaysZero(t *testing.T) {
	a := New(d("-20"), domain.WalkInCustomer(), nil)

	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("20")))
	view := a.Totals()
	assert.True(t, view.IsRefund)
	assert.Equal(t, "20.00", view.AmountToSettle.StringFixed(2))
	assert.Equal(t, "20.00", view.TotalPaid.StringFixed(2))
	assert.True(t, view.Remaining.IsZero())
	assert.True(t, view.Change.IsZero())

	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("5")))
	view = a.Totals()
	assert.True(t, view.Change.IsZero())
	assert.True(t, view.CreditIncrement.IsZero())
}

func TestOverpaymentProducesChange(t *testing.T) {
	a := New(d("43.20"), domain.WalkInCustomer(), nil)

	require.NoError(t, a.AddTender(context.Background(), domain.TenderCard, d("20")))
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("50")))

	view := a.Totals()
	assert.Equal(t, "26.80", view.Change.StringFixed(2))
	assert.Equal(t, "-26.80", view.Remaining.StringFixed(2))
}

func TestDepositCapUsesLiveBalanceMinusReserved(t *testing.T) {
	deposits := &fakeDeposits{balance: d("50")}
	a := New(d("70"), member, deposits)
	ctx := context.Background()

	err := a.AddTender(ctx, domain.TenderDeposit, d("60"))
	assert.ErrorIs(t, err, domain.ErrDepositCapExceeded)
	assert.Empty(t, a.Tenders())

	require.NoError(t, a.AddTender(ctx, domain.TenderDeposit, d("30")))
	require.NoError(t, a.AddTender(ctx, domain.TenderDeposit, d("20")))
	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderDeposit, d("0.01")), domain.ErrDepositCapExceeded)

	view, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20.00", view.Remaining.StringFixed(2))
	assert.Equal(t, "50.00", view.DepositLedgerAvailable.StringFixed(2))
	assert.Equal(t, "50.00", view.DepositReserved.StringFixed(2))
	assert.True(t, view.DepositAvailable.IsZero())
}

func TestDepositCapFollowsLedgerChanges(t *testing.T) {
	deposits := &fakeDeposits{balance: d("50")}
	a := New(d("70"), member, deposits)
	ctx := context.Background()

	require.NoError(t, a.AddTender(ctx, domain.TenderDeposit, d("40")))
	deposits.balance = d("40")

	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderDeposit, d("1")), domain.ErrDepositCapExceeded)
	assert.Equal(t, 2, deposits.calls)
}

func TestDepositLedgerErrorRejectsTender(t *testing.T) {
	a := New(d("10"), member, &fakeDeposits{err: errors.New("ledger offline")})

	err := a.AddTender(context.Background(), domain.TenderDeposit, d("5"))

	assert.ErrorContains(t, err, "ledger offline")
	assert.Empty(t, a.Tenders())
}

func TestWalkInHasNoDeposit(t *testing.T) {
	a := New(d("10"), domain.WalkInCustomer(), &fakeDeposits{balance: d("100")})

	assert.ErrorIs(t, a.AddTender(context.Background(), domain.TenderDeposit, d("1")), domain.ErrDepositCapExceeded)
}

func TestAddTenderValidation(t *testing.T) {
	a := New(d("10"), member, nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderCash, d("0")), domain.ErrInvalidTenderAmount)
	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderCash, d("-1")), domain.ErrInvalidTenderAmount)
	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderMethod("voucher"), d("1")), domain.ErrInvalidTenderMethod)
	assert.Empty(t, a.Tenders())
}

func TestRemoveTender(t *testing.T) {
	a := New(d("10"), member, nil)
	ctx := context.Background()
	require.NoError(t, a.AddTender(ctx, domain.TenderCash, d("4")))
	require.NoError(t, a.AddTender(ctx, domain.TenderCard, d("6")))

	require.NoError(t, a.RemoveTender(0))
	assert.Error(t, a.RemoveTender(3))

	tenders := a.Tenders()
	require.Len(t, tenders, 1)
	assert.Equal(t, domain.TenderCard, tenders[0].Method)
}

func TestClosedAllocatorRejectsMutations(t *testing.T) {
	a := New(d("10"), member, nil)
	ctx := context.Background()
	require.NoError(t, a.MarkFinalized())

	assert.ErrorIs(t, a.AddTender(ctx, domain.TenderCash, d("1")), domain.ErrSettlementClosed)
	assert.ErrorIs(t, a.RemoveTender(0), domain.ErrSettlementClosed)
	assert.ErrorIs(t, a.Abort(), domain.ErrSettlementClosed)
	assert.Equal(t, domain.SettlementFinalized, a.Status())

	b := New(d("10"), member, nil)
	require.NoError(t, b.Abort())
	assert.ErrorIs(t, b.MarkFinalized(), domain.ErrSettlementClosed)
}

func TestQuickCashSuggestions(t *testing.T) {
	cases := []struct {
		remaining string
		want      []string
	}{
		{"8", []string{"8", "10"}},
		{"20", []string{"20"}},
		{"0.40", []string{"0.4", "1"}},
		{"73.25", []string{"73.25", "100"}},
		{"250", []string{"250", "300"}},
		{"300", []string{"300"}},
	}
	for _, tc := range cases {
		got := QuickCashSuggestions(d(tc.remaining))
		gotStrings := make([]string, 0, len(got))
		for _, v := range got {
			gotStrings = append(gotStrings, v.String())
		}
		assert.Equal(t, tc.want, gotStrings, "remaining %s", tc.remaining)
	}
	assert.Empty(t, QuickCashSuggestions(decimal.Zero))
}

func TestSaleIDIsFixedPerSettlement(t *testing.T) {
	a := New(d("10"), member, nil)
	require.NoError(t, a.AddTender(context.Background(), domain.TenderCash, d("4")))

	assert.True(t, strings.HasPrefix(a.SaleID(), "sale-"))
	assert.Equal(t, a.SaleID(), a.Totals().SaleID)
	assert.NotEqual(t, a.SaleID(), New(d("10"), member, nil).SaleID())
}
