package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrVersionConflict    = errors.New("version conflict")
)

// StockOracle reports sellable units of a variant at a branch: owned stock
// plus consignment stock.
type StockOracle interface {
	AvailableStock(ctx context.Context, variantID string, branchID string) (int, error)
}

// CustomerDirectory resolves customers. The walk-in id always resolves to a
// customer with zero credit and no deposits.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error)
}

// SaleGateway persists a finalized sale. The credit increment is applied to
// the customer balance in the same atomic unit as the sale insert. Committing
// an id that is already stored returns the stored sale and applies nothing.
type SaleGateway interface {
	CommitSale(ctx context.Context, sale domain.Sale, creditIncrement decimal.Decimal) (*domain.Sale, error)
}

type DepositLedger interface {
	CreateDeposit(ctx context.Context, deposit domain.DepositRecord) (*domain.DepositRecord, error)
	GetDeposit(ctx context.Context, depositID string) (*domain.DepositRecord, error)
	ListDeposits(ctx context.Context, tenantID string, customerID string) ([]domain.DepositRecord, error)
	// TransitionDeposit moves a record out of `from`. A record that is not in
	// `from` yields domain.ErrInvalidDepositTransition.
	TransitionDeposit(ctx context.Context, depositID string, from domain.DepositStatus, to domain.DepositStatus, saleID string, at time.Time) (*domain.DepositRecord, error)
}

type Repository interface {
	StockOracle
	CustomerDirectory
	SaleGateway
	DepositLedger

	GetVariant(ctx context.Context, variantID string) (*domain.Variant, error)
	ListVariants(ctx context.Context) ([]domain.Variant, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	// ListOutstandingSales returns the customer's credit sales not yet covered
	// by payments, oldest first.
	ListOutstandingSales(ctx context.Context, tenantID string, customerID string) ([]domain.OutstandingSale, error)
	// ApplyCreditPayment lowers the customer balance and settles outstanding
	// sales oldest first. Settling moves only the sale status; the committed
	// amounts stay as they were. expectedVersion guards against a concurrent
	// writer.
	ApplyCreditPayment(ctx context.Context, payment domain.CreditPayment, expectedVersion int64) (*domain.CreditPayment, error)
	// ApplyStockMovements is idempotent per event id.
	ApplyStockMovements(ctx context.Context, eventID string, branchID string, movements []domain.StockMovement) error
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
