// Package ledger owns the per-customer credit and deposit balances that a
// settlement can draw on or add to.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/store"
)

type Repository interface {
	store.CustomerDirectory
	store.DepositLedger
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ApplyCreditPayment(ctx context.Context, payment domain.CreditPayment, expectedVersion int64) (*domain.CreditPayment, error)
}

type Service struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func New(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger.Named("ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AvailableDeposit is the sum of the customer's ACTIVE deposit records.
func (s *Service) AvailableDeposit(ctx context.Context, tenantID string, customerID string) (decimal.Decimal, error) {
	if customerID == "" || customerID == domain.WalkInCustomerID {
		return decimal.Zero, nil
	}
	records, err := s.repo.ListDeposits(ctx, tenantID, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range records {
		if r.Status == domain.DepositStatusActive {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

// CheckCreditIncrement reports whether the customer may carry the increment.
// The credit limit is advisory and never blocks.
func CheckCreditIncrement(customer domain.Customer, increment decimal.Decimal) error {
	if increment.IsPositive() && customer.IsWalkIn() {
		return domain.ErrWalkInCredit
	}
	return nil
}

// RecordCreditPayment lowers the customer's outstanding credit. The amount must
// satisfy 0 < amount <= balance.
func (s *Service) RecordCreditPayment(ctx context.Context, actor domain.Actor, customerID string, amount decimal.Decimal) (*domain.CreditPayment, error) {
	ctx, span := metrics.StartSpan(ctx, "ledger.RecordCreditPayment")
	defer span.End()
	span.SetAttributes(attribute.String("customer.id", customerID))

	customer, err := s.repo.GetCustomer(ctx, actor.TenantID, customerID)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() || amount.GreaterThan(customer.CreditBalance) {
		metrics.CreditPaymentsTotal.WithLabelValues("rejected").Inc()
		return nil, domain.ErrInvalidPaymentAmount
	}

	payment, err := s.repo.ApplyCreditPayment(ctx, domain.CreditPayment{
		TenantID:   actor.TenantID,
		CustomerID: customer.ID,
		Amount:     amount,
		RecordedBy: actor.StaffID,
		CreatedAt:  s.now(),
	}, customer.Version)
	if err != nil {
		metrics.CreditPaymentsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		return nil, err
	}
	metrics.CreditPaymentsTotal.WithLabelValues("recorded").Inc()
	s.logger.Info("credit payment recorded",
		zap.String("customer_id", customer.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance_after", payment.BalanceAfter.StringFixed(2)),
		zap.Strings("settled_sales", payment.SettledSales),
	)
	return payment, nil
}

func (s *Service) RecordDeposit(ctx context.Context, actor domain.Actor, customerID string, amount decimal.Decimal, notes string) (*domain.DepositRecord, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidPaymentAmount
	}
	if customerID == "" || customerID == domain.WalkInCustomerID {
		return nil, fmt.Errorf("walk-in deposit: %w", store.ErrInvalidTransaction)
	}
	customer, err := s.repo.GetCustomer(ctx, actor.TenantID, customerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	record, err := s.repo.CreateDeposit(ctx, domain.DepositRecord{
		TenantID:   actor.TenantID,
		CustomerID: customer.ID,
		Amount:     amount,
		Status:     domain.DepositStatusActive,
		Notes:      strings.TrimSpace(notes),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	metrics.DepositTransitionsTotal.WithLabelValues(string(domain.DepositStatusActive)).Inc()
	return record, nil
}

// ApplyDeposit consumes an ACTIVE deposit, optionally linking it to a sale.
// A linked sale must exist in the actor's tenant.
func (s *Service) ApplyDeposit(ctx context.Context, actor domain.Actor, depositID string, saleID string) (*domain.DepositRecord, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID != "" {
		sale, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return nil, fmt.Errorf("linked sale %s: %w", saleID, err)
		}
		if sale.TenantID != actor.TenantID {
			return nil, fmt.Errorf("linked sale %s: %w", saleID, store.ErrNotFound)
		}
	}
	return s.transition(ctx, actor, depositID, domain.DepositStatusApplied, saleID)
}

func (s *Service) RefundDeposit(ctx context.Context, actor domain.Actor, depositID string) (*domain.DepositRecord, error) {
	return s.transition(ctx, actor, depositID, domain.DepositStatusRefunded, "")
}

func (s *Service) ListDeposits(ctx context.Context, actor domain.Actor, customerID string) ([]domain.DepositRecord, error) {
	if _, err := s.repo.GetCustomer(ctx, actor.TenantID, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListDeposits(ctx, actor.TenantID, customerID)
}

func (s *Service) transition(ctx context.Context, actor domain.Actor, depositID string, to domain.DepositStatus, saleID string) (*domain.DepositRecord, error) {
	ctx, span := metrics.StartSpan(ctx, "ledger.TransitionDeposit")
	defer span.End()
	span.SetAttributes(attribute.String("deposit.id", depositID), attribute.String("deposit.to", string(to)))

	current, err := s.repo.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if current.TenantID != actor.TenantID {
		return nil, store.ErrNotFound
	}
	if current.Status != domain.DepositStatusActive {
		return nil, domain.ErrInvalidDepositTransition
	}
	updated, err := s.repo.TransitionDeposit(ctx, depositID, domain.DepositStatusActive, to, saleID, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.DepositTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("deposit transitioned",
		zap.String("deposit_id", depositID),
		zap.String("status", string(to)),
		zap.String("staff_id", actor.StaffID),
	)
	return updated, nil
}
