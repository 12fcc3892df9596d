package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; the driver name must bind $n parameters.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

type variantRow struct {
	ID           string          `db:"id"`
	ProductID    string          `db:"product_id"`
	ProductName  string          `db:"product_name"`
	Name         string          `db:"name"`
	SellingPrice decimal.Decimal `db:"selling_price"`
	CostPrice    decimal.Decimal `db:"cost_price"`
	Batch        string          `db:"batch"`
	Expiry       sql.NullTime    `db:"expiry"`
	Active       bool            `db:"active"`
}

func (r variantRow) toDomain() domain.Variant {
	v := domain.Variant{
		ID:           r.ID,
		ProductID:    r.ProductID,
		ProductName:  r.ProductName,
		Name:         r.Name,
		SellingPrice: r.SellingPrice,
		CostPrice:    r.CostPrice,
		Batch:        r.Batch,
		Active:       r.Active,
	}
	if r.Expiry.Valid {
		expiry := r.Expiry.Time
		v.Expiry = &expiry
	}
	return v
}

const variantColumns = `id, product_id, product_name, name, selling_price, cost_price, batch, expiry, active`

func (s *Store) GetVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	var row variantRow
	err := s.db.GetContext(ctx, &row, `SELECT `+variantColumns+` FROM variants WHERE id = $1 AND active = true`, variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v := row.toDomain()
	return &v, nil
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.Variant, error) {
	var rows []variantRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+variantColumns+` FROM variants WHERE active = true ORDER BY id`); err != nil {
		return nil, err
	}
	result := make([]domain.Variant, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) AvailableStock(ctx context.Context, variantID string, branchID string) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty, `
		SELECT COALESCE(SUM(GREATEST(owned + consignment, 0)), 0)
		FROM stock_levels
		WHERE branch_id = $1 AND variant_id = $2
	`, branchID, variantID)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

type customerRow struct {
	ID            string          `db:"id"`
	TenantID      string          `db:"tenant_id"`
	Name          string          `db:"name"`
	Phone         string          `db:"phone"`
	CreditBalance decimal.Decimal `db:"credit_balance"`
	CreditLimit   decimal.Decimal `db:"credit_limit"`
	Version       int64           `db:"version"`
}

func (r customerRow) toDomain() domain.Customer {
	return domain.Customer{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Name:          r.Name,
		Phone:         r.Phone,
		CreditBalance: r.CreditBalance,
		CreditLimit:   r.CreditLimit,
		Version:       r.Version,
	}
}

const customerColumns = `id, tenant_id, name, phone, credit_balance, credit_limit, version`

func (s *Store) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	if customerID == "" || customerID == domain.WalkInCustomerID {
		c := domain.WalkInCustomer()
		c.TenantID = tenantID
		return &c, nil
	}
	var row customerRow
	err := s.db.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM customers WHERE id = $1 AND tenant_id = $2`, customerID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

type saleRow struct {
	ID         string          `db:"id"`
	TenantID   string          `db:"tenant_id"`
	BranchID   string          `db:"branch_id"`
	DeviceID   string          `db:"device_id"`
	StaffID    string          `db:"staff_id"`
	CustomerID string          `db:"customer_id"`
	Items      []byte          `db:"items"`
	Subtotal   decimal.Decimal `db:"subtotal"`
	Tax        decimal.Decimal `db:"tax"`
	Discount   decimal.Decimal `db:"discount"`
	Total      decimal.Decimal `db:"total"`
	Payments   []byte          `db:"payments"`
	TotalPaid  decimal.Decimal `db:"total_paid"`
	Change     decimal.Decimal `db:"change_amount"`
	AmountDue  decimal.Decimal `db:"amount_due"`
	IsRefund   bool            `db:"is_refund"`
	Status     string          `db:"status"`
	CreatedAt  time.Time       `db:"created_at"`
}

func (r saleRow) toDomain() (domain.Sale, error) {
	sale := domain.Sale{
		ID:         r.ID,
		TenantID:   r.TenantID,
		BranchID:   r.BranchID,
		DeviceID:   r.DeviceID,
		StaffID:    r.StaffID,
		CustomerID: r.CustomerID,
		Subtotal:   r.Subtotal,
		Tax:        r.Tax,
		Discount:   r.Discount,
		Total:      r.Total,
		TotalPaid:  r.TotalPaid,
		Change:     r.Change,
		AmountDue:  r.AmountDue,
		IsRefund:   r.IsRefund,
		Status:     domain.SaleStatus(r.Status),
		Date:       r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal(r.Items, &sale.Items); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale items %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.Payments, &sale.Payments); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale payments %s: %w", r.ID, err)
	}
	return sale, nil
}

const saleColumns = `id, tenant_id, branch_id, device_id, staff_id, customer_id, items, subtotal, tax, discount, total,
	payments, total_paid, change_amount, amount_due, is_refund, status, created_at`

// CommitSale inserts the sale and raises the customer's credit balance in one
// serializable transaction. An id that is already stored for the tenant
// returns the stored sale and leaves the balance alone.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale, creditIncrement decimal.Decimal) (*domain.Sale, error) {
	if len(sale.Items) == 0 || creditIncrement.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, err
	}
	outstanding := decimal.Zero
	if !sale.IsRefund && sale.AmountDue.IsPositive() {
		outstanding = sale.AmountDue
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, branch_id, device_id, staff_id, customer_id, items, subtotal, tax, discount, total,
			payments, total_paid, change_amount, amount_due, is_refund, status, created_at, outstanding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
	`, sale.ID, sale.TenantID, sale.BranchID, sale.DeviceID, sale.StaffID, sale.CustomerID, items,
		sale.Subtotal, sale.Tax, sale.Discount, sale.Total, payments, sale.TotalPaid, sale.Change,
		sale.AmountDue, sale.IsRefund, string(sale.Status), sale.Date, outstanding)
	if err != nil {
		return nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		var row saleRow
		if err := tx.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, sale.ID); err != nil {
			return nil, err
		}
		if row.TenantID != sale.TenantID {
			return nil, store.ErrInvalidTransaction
		}
		existing, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}

	if creditIncrement.IsPositive() {
		res, err := tx.ExecContext(ctx, `
			UPDATE customers
			SET credit_balance = credit_balance + $1, version = version + 1
			WHERE id = $2 AND tenant_id = $3
		`, creditIncrement, sale.CustomerID, sale.TenantID)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n != 1 {
			return nil, fmt.Errorf("credit customer %q: %w", sale.CustomerID, store.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := sale
	return &saved, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

type outstandingRow struct {
	ID          string          `db:"id"`
	AmountDue   decimal.Decimal `db:"amount_due"`
	Outstanding decimal.Decimal `db:"outstanding"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r outstandingRow) toDomain() domain.OutstandingSale {
	return domain.OutstandingSale{
		SaleID:      r.ID,
		AmountDue:   r.AmountDue,
		Outstanding: r.Outstanding,
		Date:        r.CreatedAt.UTC(),
	}
}

const outstandingQuery = `
	SELECT id, amount_due, outstanding, created_at
	FROM sales
	WHERE tenant_id = $1 AND customer_id = $2 AND outstanding > 0
	ORDER BY created_at ASC, id ASC`

func (s *Store) ListOutstandingSales(ctx context.Context, tenantID string, customerID string) ([]domain.OutstandingSale, error) {
	var rows []outstandingRow
	if err := s.db.SelectContext(ctx, &rows, outstandingQuery, tenantID, customerID); err != nil {
		return nil, err
	}
	result := make([]domain.OutstandingSale, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// ApplyCreditPayment locks the customer row, checks the expected version and
// settles outstanding sales oldest first.
func (s *Store) ApplyCreditPayment(ctx context.Context, payment domain.CreditPayment, expectedVersion int64) (*domain.CreditPayment, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var customer customerRow
	err = tx.GetContext(ctx, &customer, `
		SELECT `+customerColumns+` FROM customers WHERE id = $1 AND tenant_id = $2 FOR UPDATE
	`, payment.CustomerID, payment.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
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

	var outstanding []outstandingRow
	if err := tx.SelectContext(ctx, &outstanding, outstandingQuery+` FOR UPDATE`, payment.TenantID, payment.CustomerID); err != nil {
		return nil, err
	}

	left := payment.Amount
	for _, due := range outstanding {
		if !left.IsPositive() {
			break
		}
		used := decimal.Min(left, due.Outstanding)
		rest := due.Outstanding.Sub(used)
		status := domain.SaleStatusPartial
		if rest.IsZero() {
			status = domain.SaleStatusPaid
			payment.SettledSales = append(payment.SettledSales, due.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sales SET outstanding = $1, status = $2 WHERE id = $3
		`, rest, string(status), due.ID); err != nil {
			return nil, err
		}
		left = left.Sub(used)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE customers SET credit_balance = $1, version = version + 1 WHERE id = $2 AND version = $3
	`, payment.BalanceAfter, payment.CustomerID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n != 1 {
		return nil, store.ErrVersionConflict
	}

	settled, err := json.Marshal(nonNilStrings(payment.SettledSales))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_payments (id, tenant_id, customer_id, amount, balance_before, balance_after, settled_sales, recorded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, payment.ID, payment.TenantID, payment.CustomerID, payment.Amount, payment.BalanceBefore,
		payment.BalanceAfter, settled, payment.RecordedBy, payment.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &payment, nil
}

type depositRow struct {
	ID            string          `db:"id"`
	TenantID      string          `db:"tenant_id"`
	CustomerID    string          `db:"customer_id"`
	Amount        decimal.Decimal `db:"amount"`
	Status        string          `db:"status"`
	AppliedSaleID string          `db:"applied_sale_id"`
	Notes         string          `db:"notes"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r depositRow) toDomain() domain.DepositRecord {
	return domain.DepositRecord{
		ID:            r.ID,
		TenantID:      r.TenantID,
		CustomerID:    r.CustomerID,
		Amount:        r.Amount,
		Status:        domain.DepositStatus(r.Status),
		AppliedSaleID: r.AppliedSaleID,
		Notes:         r.Notes,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

const depositColumns = `id, tenant_id, customer_id, amount, status, applied_sale_id, notes, created_at, updated_at`

func (s *Store) CreateDeposit(ctx context.Context, deposit domain.DepositRecord) (*domain.DepositRecord, error) {
	if deposit.ID == "" {
		deposit.ID = xid.New("dep")
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = time.Now().UTC()
	}
	deposit.UpdatedAt = deposit.CreatedAt
	if deposit.Status == "" {
		deposit.Status = domain.DepositStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, deposit.ID, deposit.TenantID, deposit.CustomerID, deposit.Amount, string(deposit.Status),
		deposit.AppliedSaleID, deposit.Notes, deposit.CreatedAt, deposit.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	saved := deposit
	return &saved, nil
}

func (s *Store) GetDeposit(ctx context.Context, depositID string) (*domain.DepositRecord, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, depositID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d := row.toDomain()
	return &d, nil
}

func (s *Store) ListDeposits(ctx context.Context, tenantID string, customerID string) ([]domain.DepositRecord, error) {
	var rows []depositRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY created_at ASC, id ASC
	`, tenantID, customerID)
	if err != nil {
		return nil, err
	}
	result := make([]domain.DepositRecord, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// TransitionDeposit is a compare-and-set on the status column.
func (s *Store) TransitionDeposit(ctx context.Context, depositID string, from domain.DepositStatus, to domain.DepositStatus, saleID string, at time.Time) (*domain.DepositRecord, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE deposits
		SET status = $1,
		    applied_sale_id = CASE WHEN $2 = '' THEN applied_sale_id ELSE $2 END,
		    updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING `+depositColumns, string(to), saleID, at, depositID, string(from))
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.GetDeposit(ctx, depositID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, domain.ErrInvalidDepositTransition
	}
	if err != nil {
		return nil, err
	}
	d := row.toDomain()
	return &d, nil
}

// ApplyStockMovements records the event id first; a duplicate id means the
// movements were already applied.
func (s *Store) ApplyStockMovements(ctx context.Context, eventID string, branchID string, movements []domain.StockMovement) error {
	if eventID == "" {
		return store.ErrInvalidTransaction
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_stock_events (event_id, branch_id, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, branchID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}

	for _, m := range movements {
		// Owned stock is consumed before consignment; a return adds to owned.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_levels (branch_id, variant_id, owned, consignment, updated_at)
			VALUES ($1, $2, GREATEST(-$3::int, 0), LEAST(-$3::int, 0), now())
			ON CONFLICT (branch_id, variant_id) DO UPDATE
			SET owned = GREATEST(stock_levels.owned - $3::int, 0),
			    consignment = stock_levels.consignment - GREATEST($3::int - stock_levels.owned, 0),
			    updated_at = now()
		`, branchID, m.VariantID, m.Quantity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, staff_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.TenantID, entry.StaffID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

type auditRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	StaffID    string    `db:"staff_id"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Detail     string    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, staff_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR tenant_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, err
	}
	result := make([]domain.AuditLog, 0, len(rows))
	for _, r := range rows {
		result = append(result, domain.AuditLog{
			ID:         r.ID,
			TenantID:   r.TenantID,
			StaffID:    r.StaffID,
			Action:     r.Action,
			EntityType: r.EntityType,
			EntityID:   r.EntityID,
			Detail:     r.Detail,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
