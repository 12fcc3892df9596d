package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type stockLevel struct {
	owned       int
	consignment int
}

type Store struct {
	mu              sync.RWMutex
	variants        map[string]domain.Variant
	stock           map[string]map[string]stockLevel
	customers       map[string]domain.Customer
	salesByID       map[string]domain.Sale
	outstanding     map[string]decimal.Decimal
	deposits        map[string]domain.DepositRecord
	creditPayments  []domain.CreditPayment
	appliedEvents   map[string]struct{}
	auditLogs       []domain.AuditLog
	commitFailure   error
	stockLookupFail error
}

func New() *Store {
	return &Store{
		variants:       make(map[string]domain.Variant),
		stock:          make(map[string]map[string]stockLevel),
		customers:      make(map[string]domain.Customer),
		salesByID:      make(map[string]domain.Sale),
		outstanding:    make(map[string]decimal.Decimal),
		deposits:       make(map[string]domain.DepositRecord),
		creditPayments: make([]domain.CreditPayment, 0, 16),
		appliedEvents:  make(map[string]struct{}),
		auditLogs:      make([]domain.AuditLog, 0, 128),
	}
}

const (
	SeedTenantID = "main-tenant"
	SeedBranchID = "main-branch"
)

func NewSeeded() *Store {
	s := New()
	variants := []domain.Variant{
		{ID: "var-mie-01", ProductID: "prd-mie", ProductName: "Mie Goreng Instan", Name: "Single", SellingPrice: dec("3.50"), CostPrice: dec("2.70")},
		{ID: "var-telur-10", ProductID: "prd-telur", ProductName: "Telur", Name: "10 Butir", SellingPrice: dec("26.50"), CostPrice: dec("23.00")},
		{ID: "var-susu-1l", ProductID: "prd-susu", ProductName: "Susu UHT", Name: "1L", SellingPrice: dec("18.90"), CostPrice: dec("13.60")},
		{ID: "var-roti-01", ProductID: "prd-roti", ProductName: "Roti Tawar", Name: "Regular", SellingPrice: dec("17.80"), CostPrice: dec("12.40")},
		{ID: "var-kopi-01", ProductID: "prd-kopi", ProductName: "Kopi Sachet", Name: "Single", SellingPrice: dec("2.60"), CostPrice: dec("1.70")},
		{ID: "var-gula-1kg", ProductID: "prd-gula", ProductName: "Gula", Name: "1kg", SellingPrice: dec("17.40"), CostPrice: dec("15.30")},
		{ID: "var-air-600", ProductID: "prd-air", ProductName: "Air Mineral", Name: "600ml", SellingPrice: dec("3.90"), CostPrice: dec("3.20")},
		{ID: "var-sabun-01", ProductID: "prd-sabun", ProductName: "Sabun Mandi", Name: "Bar", SellingPrice: dec("7.40"), CostPrice: dec("5.00")},
	}
	for _, v := range variants {
		v.Active = true
		s.variants[v.ID] = v
		s.setStock(SeedBranchID, v.ID, 120, 0)
	}
	// One consignment-only line for stock oracle coverage.
	s.variants["var-keripik-01"] = domain.Variant{
		ID: "var-keripik-01", ProductID: "prd-keripik", ProductName: "Keripik Singkong", Name: "Pack",
		SellingPrice: dec("12.80"), CostPrice: dec("8.00"), Active: true,
	}
	s.setStock(SeedBranchID, "var-keripik-01", 0, 6)

	s.customers["cust-andi"] = domain.Customer{
		ID: "cust-andi", TenantID: SeedTenantID, Name: "Andi", Phone: "0812000001",
		CreditBalance: decimal.Zero, CreditLimit: dec("500"),
	}
	s.customers["cust-sari"] = domain.Customer{
		ID: "cust-sari", TenantID: SeedTenantID, Name: "Sari", Phone: "0812000002",
		CreditBalance: decimal.Zero, CreditLimit: dec("100"),
	}
	now := time.Now().UTC()
	s.deposits["dep-sari-01"] = domain.DepositRecord{
		ID: "dep-sari-01", TenantID: SeedTenantID, CustomerID: "cust-sari",
		Amount: dec("50"), Status: domain.DepositStatusActive, Notes: "advance for catering order",
		CreatedAt: now, UpdatedAt: now,
	}
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// SetStock overwrites the owned and consignment quantities of a variant.
func (s *Store) SetStock(branchID string, variantID string, owned int, consignment int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStock(branchID, variantID, owned, consignment)
}

func (s *Store) setStock(branchID string, variantID string, owned int, consignment int) {
	if _, ok := s.stock[branchID]; !ok {
		s.stock[branchID] = make(map[string]stockLevel)
	}
	s.stock[branchID][variantID] = stockLevel{owned: owned, consignment: consignment}
}

func (s *Store) PutVariant(v domain.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = v
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

// FailCommits makes every following CommitSale return err until called with nil.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFailure = err
}

// FailStockLookups makes AvailableStock return err until called with nil.
func (s *Store) FailStockLookups(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stockLookupFail = err
}

func (s *Store) AvailableStock(_ context.Context, variantID string, branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stockLookupFail != nil {
		return 0, s.stockLookupFail
	}
	level := s.stock[branchID][variantID]
	return level.owned + level.consignment, nil
}

func (s *Store) GetVariant(_ context.Context, variantID string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[variantID]
	if !ok || !v.Active {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (s *Store) ListVariants(_ context.Context) ([]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Variant, 0, len(s.variants))
	for _, v := range s.variants {
		if v.Active {
			result = append(result, v)
		}
	}
	slices.SortFunc(result, func(a, b domain.Variant) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	if customerID == "" || customerID == domain.WalkInCustomerID {
		c := domain.WalkInCustomer()
		c.TenantID = tenantID
		return &c, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale, creditIncrement decimal.Decimal) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitFailure != nil {
		return nil, s.commitFailure
	}
	if len(sale.Items) == 0 || creditIncrement.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if existing, exists := s.salesByID[sale.ID]; exists {
		if existing.TenantID != sale.TenantID {
			return nil, store.ErrInvalidTransaction
		}
		out := cloneSale(existing)
		return &out, nil
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	if creditIncrement.IsPositive() {
		customer, ok := s.customers[sale.CustomerID]
		if !ok || customer.IsWalkIn() {
			return nil, fmt.Errorf("credit customer %q: %w", sale.CustomerID, store.ErrNotFound)
		}
		customer.CreditBalance = customer.CreditBalance.Add(creditIncrement)
		customer.Version++
		s.customers[customer.ID] = customer
	}

	saved := cloneSale(sale)
	s.salesByID[sale.ID] = saved
	if !sale.IsRefund && sale.AmountDue.IsPositive() {
		s.outstanding[sale.ID] = sale.AmountDue
	}
	out := cloneSale(saved)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListOutstandingSales(_ context.Context, tenantID string, customerID string) ([]domain.OutstandingSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outstandingLocked(tenantID, customerID), nil
}

// outstandingLocked lists the customer's unsettled credit sales oldest first.
func (s *Store) outstandingLocked(tenantID string, customerID string) []domain.OutstandingSale {
	result := make([]domain.OutstandingSale, 0, 8)
	for id, left := range s.outstanding {
		sale := s.salesByID[id]
		if sale.TenantID != tenantID || sale.CustomerID != customerID || !left.IsPositive() {
			continue
		}
		result = append(result, domain.OutstandingSale{
			SaleID:      sale.ID,
			AmountDue:   sale.AmountDue,
			Outstanding: left,
			Date:        sale.Date,
		})
	}
	slices.SortFunc(result, func(a, b domain.OutstandingSale) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.SaleID, b.SaleID)
	})
	return result
}

func (s *Store) ApplyCreditPayment(_ context.Context, payment domain.CreditPayment, expectedVersion int64) (*domain.CreditPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[payment.CustomerID]
	if !ok || customer.TenantID != payment.TenantID {
		return nil, store.ErrNotFound
	}
	if customer.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	if !payment.Amount.IsPositive() || payment.Amount.GreaterThan(customer.CreditBalance) {
		return nil, domain.ErrInvalidPaymentAmount
	}

	if payment.ID == "" {
		payment.ID = xid.New("cpay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.BalanceBefore = customer.CreditBalance
	payment.BalanceAfter = customer.CreditBalance.Sub(payment.Amount)
	payment.SettledSales = nil

	left := payment.Amount
	for _, due := range s.outstandingLocked(customer.TenantID, customer.ID) {
		if !left.IsPositive() {
			break
		}
		used := decimal.Min(left, due.Outstanding)
		rest := due.Outstanding.Sub(used)
		sale := s.salesByID[due.SaleID]
		if rest.IsZero() {
			sale.Status = domain.SaleStatusPaid
			payment.SettledSales = append(payment.SettledSales, sale.ID)
			delete(s.outstanding, sale.ID)
		} else {
			sale.Status = domain.SaleStatusPartial
			s.outstanding[sale.ID] = rest
		}
		s.salesByID[sale.ID] = sale
		left = left.Sub(used)
	}

	customer.CreditBalance = payment.BalanceAfter
	customer.Version++
	s.customers[customer.ID] = customer
	s.creditPayments = append(s.creditPayments, payment)
	return &payment, nil
}

func (s *Store) CreateDeposit(_ context.Context, deposit domain.DepositRecord) (*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[deposit.CustomerID]
	if !ok || customer.TenantID != deposit.TenantID {
		return nil, store.ErrNotFound
	}
	if deposit.ID == "" {
		deposit.ID = xid.New("dep")
	}
	now := time.Now().UTC()
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = now
	}
	deposit.UpdatedAt = deposit.CreatedAt
	if deposit.Status == "" {
		deposit.Status = domain.DepositStatusActive
	}
	s.deposits[deposit.ID] = deposit
	return &deposit, nil
}

func (s *Store) GetDeposit(_ context.Context, depositID string) (*domain.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[depositID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDeposits(_ context.Context, tenantID string, customerID string) ([]domain.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DepositRecord, 0, 8)
	for _, d := range s.deposits {
		if d.TenantID == tenantID && d.CustomerID == customerID {
			result = append(result, d)
		}
	}
	slices.SortFunc(result, func(a, b domain.DepositRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) TransitionDeposit(_ context.Context, depositID string, from domain.DepositStatus, to domain.DepositStatus, saleID string, at time.Time) (*domain.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[depositID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != from {
		return nil, domain.ErrInvalidDepositTransition
	}
	d.Status = to
	if saleID != "" {
		d.AppliedSaleID = saleID
	}
	d.UpdatedAt = at
	s.deposits[depositID] = d
	return &d, nil
}

func (s *Store) ApplyStockMovements(_ context.Context, eventID string, branchID string, movements []domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventID == "" {
		return store.ErrInvalidTransaction
	}
	if _, done := s.appliedEvents[eventID]; done {
		return nil
	}
	if _, ok := s.stock[branchID]; !ok {
		s.stock[branchID] = make(map[string]stockLevel)
	}
	for _, m := range movements {
		level := s.stock[branchID][m.VariantID]
		// Owned stock is consumed before consignment.
		level.owned -= m.Quantity
		if level.owned < 0 {
			level.consignment += level.owned
			level.owned = 0
		}
		s.stock[branchID][m.VariantID] = level
	}
	s.appliedEvents[eventID] = struct{}{}
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	return dst
}
