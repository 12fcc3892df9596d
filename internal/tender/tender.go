// Package tender accumulates payment entries against the amount a settlement
// must collect or disburse.
package tender

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// DepositSource reports a customer's ACTIVE deposit balance.
type DepositSource interface {
	AvailableDeposit(ctx context.Context, tenantID string, customerID string) (decimal.Decimal, error)
}

type Allocator struct {
	saleID   string
	total    decimal.Decimal
	customer domain.Customer
	deposits DepositSource
	tenders  []domain.Tender
	status   domain.SettlementStatus
}

// New opens a settlement. The sale id is fixed here so that every finalize
// attempt of this settlement commits under the same id.
func New(total decimal.Decimal, customer domain.Customer, deposits DepositSource) *Allocator {
	return &Allocator{
		saleID:   xid.New("sale"),
		total:    total,
		customer: customer,
		deposits: deposits,
		tenders:  make([]domain.Tender, 0, 4),
		status:   domain.SettlementOpen,
	}
}

func (a *Allocator) SaleID() string { return a.saleID }

func (a *Allocator) Status() domain.SettlementStatus { return a.status }

func (a *Allocator) Customer() domain.Customer { return a.customer }

func (a *Allocator) Tenders() []domain.Tender { return slices.Clone(a.tenders) }

// AddTender appends a payment entry. Deposit entries are capped by the ledger
// balance read at this moment minus deposit entries already taken.
func (a *Allocator) AddTender(ctx context.Context, method domain.TenderMethod, amount decimal.Decimal) error {
	if a.status != domain.SettlementOpen {
		return domain.ErrSettlementClosed
	}
	if !amount.IsPositive() {
		return domain.ErrInvalidTenderAmount
	}
	if !method.Valid() {
		return domain.ErrInvalidTenderMethod
	}
	if method == domain.TenderDeposit {
		ledger, err := a.ledgerDeposit(ctx)
		if err != nil {
			return err
		}
		if amount.GreaterThan(ledger.Sub(a.reservedDeposit())) {
			return domain.ErrDepositCapExceeded
		}
	}
	a.tenders = append(a.tenders, domain.Tender{Method: method, Amount: amount})
	return nil
}

func (a *Allocator) RemoveTender(index int) error {
	if a.status != domain.SettlementOpen {
		return domain.ErrSettlementClosed
	}
	if index < 0 || index >= len(a.tenders) {
		return fmt.Errorf("tender index %d out of range: %w", index, store.ErrInvalidTransaction)
	}
	a.tenders = slices.Delete(a.tenders, index, index+1)
	return nil
}

// Totals computes the money fields of the settlement without touching the
// deposit ledger.
func (a *Allocator) Totals() domain.SettlementView {
	amountToSettle := a.total.Abs()
	isRefund := a.total.IsNegative()
	paid := decimal.Zero
	for _, t := range a.tenders {
		paid = paid.Add(t.Amount)
	}
	remaining := amountToSettle.Sub(paid)

	change := decimal.Zero
	if !isRefund && remaining.IsNegative() {
		change = remaining.Neg()
	}
	credit := decimal.Zero
	if !isRefund && remaining.IsPositive() {
		credit = remaining
	}
	limitExceeded := false
	if credit.IsPositive() && a.customer.CreditLimit.IsPositive() {
		limitExceeded = a.customer.CreditBalance.Add(credit).GreaterThan(a.customer.CreditLimit)
	}

	return domain.SettlementView{
		SaleID:              a.saleID,
		Status:              a.status,
		AmountToSettle:      amountToSettle,
		IsRefund:            isRefund,
		TotalPaid:           paid,
		Remaining:           remaining,
		Change:              change,
		Tenders:             a.Tenders(),
		DepositReserved:     a.reservedDeposit(),
		CreditIncrement:     credit,
		CreditLimitExceeded: limitExceeded,
	}
}

// State is Totals plus the live deposit balance.
func (a *Allocator) State(ctx context.Context) (domain.SettlementView, error) {
	view := a.Totals()
	ledger, err := a.ledgerDeposit(ctx)
	if err != nil {
		return domain.SettlementView{}, err
	}
	view.DepositLedgerAvailable = ledger
	view.DepositAvailable = decimal.Max(decimal.Zero, ledger.Sub(view.DepositReserved))
	return view, nil
}

func (a *Allocator) MarkFinalized() error {
	if a.status != domain.SettlementOpen {
		return domain.ErrSettlementClosed
	}
	a.status = domain.SettlementFinalized
	return nil
}

func (a *Allocator) Abort() error {
	if a.status != domain.SettlementOpen {
		return domain.ErrSettlementClosed
	}
	a.status = domain.SettlementAborted
	return nil
}

func (a *Allocator) reservedDeposit() decimal.Decimal {
	reserved := decimal.Zero
	for _, t := range a.tenders {
		if t.Method == domain.TenderDeposit {
			reserved = reserved.Add(t.Amount)
		}
	}
	return reserved
}

func (a *Allocator) ledgerDeposit(ctx context.Context) (decimal.Decimal, error) {
	if a.customer.IsWalkIn() || a.deposits == nil {
		return decimal.Zero, nil
	}
	balance, err := a.deposits.AvailableDeposit(ctx, a.customer.TenantID, a.customer.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("available deposit: %w", err)
	}
	return balance, nil
}

var billLadder = []decimal.Decimal{
	decimal.NewFromInt(1),
	decimal.NewFromInt(5),
	decimal.NewFromInt(10),
	decimal.NewFromInt(20),
	decimal.NewFromInt(50),
	decimal.NewFromInt(100),
}

var hundred = decimal.NewFromInt(100)

// QuickCashSuggestions returns the exact amount and the smallest bill that
// covers it. Above the largest bill the round-up is to a multiple of 100.
func QuickCashSuggestions(remaining decimal.Decimal) []decimal.Decimal {
	if !remaining.IsPositive() {
		return []decimal.Decimal{}
	}
	bill := remaining.Div(hundred).Ceil().Mul(hundred)
	for _, candidate := range billLadder {
		if candidate.GreaterThanOrEqual(remaining) {
			bill = candidate
			break
		}
	}
	if bill.Equal(remaining) {
		return []decimal.Decimal{remaining}
	}
	return []decimal.Decimal{remaining, bill}
}
