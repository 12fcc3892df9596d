package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Variant struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Name         string          `json:"name"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Batch        string          `json:"batch,omitempty"`
	Expiry       *time.Time      `json:"expiry,omitempty"`
	Active       bool            `json:"active"`
}

// LineItem is one cart row. Quantity is signed: positive for a sale, negative
// for a return.
type LineItem struct {
	ProductID        string          `json:"product_id"`
	VariantID        string          `json:"variant_id"`
	Name             string          `json:"name"`
	VariantName      string          `json:"variant_name"`
	Quantity         int             `json:"quantity"`
	UnitSellingPrice decimal.Decimal `json:"unit_selling_price"`
	UnitCostPrice    decimal.Decimal `json:"unit_cost_price"`
	Batch            string          `json:"batch,omitempty"`
	Expiry           *time.Time      `json:"expiry,omitempty"`
}

func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitSellingPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func LineItemFromVariant(v Variant, qty int) LineItem {
	return LineItem{
		ProductID:        v.ProductID,
		VariantID:        v.ID,
		Name:             v.ProductName,
		VariantName:      v.Name,
		Quantity:         qty,
		UnitSellingPrice: v.SellingPrice,
		UnitCostPrice:    v.CostPrice,
		Batch:            v.Batch,
		Expiry:           v.Expiry,
	}
}

type CartMode string

const (
	CartModeSale   CartMode = "sale"
	CartModeReturn CartMode = "return"
)

// Sign is the quantity direction a single add produces in this mode.
func (m CartMode) Sign() int {
	if m == CartModeReturn {
		return -1
	}
	return 1
}

func (m CartMode) Valid() bool {
	return m == CartModeSale || m == CartModeReturn
}

func ModeForQuantity(qty int) CartMode {
	if qty < 0 {
		return CartModeReturn
	}
	return CartModeSale
}

const WalkInCustomerID = "cust-walkin"

type Customer struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone,omitempty"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	Version       int64           `json:"version"`
}

func WalkInCustomer() Customer {
	return Customer{
		ID:            WalkInCustomerID,
		Name:          "Walk-in Customer",
		CreditBalance: decimal.Zero,
		CreditLimit:   decimal.Zero,
	}
}

func (c Customer) IsWalkIn() bool {
	return c.ID == "" || c.ID == WalkInCustomerID
}

type DepositStatus string

const (
	DepositStatusActive   DepositStatus = "ACTIVE"
	DepositStatusApplied  DepositStatus = "APPLIED"
	DepositStatusRefunded DepositStatus = "REFUNDED"
)

type DepositRecord struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	CustomerID    string          `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        DepositStatus   `json:"status"`
	AppliedSaleID string          `json:"applied_sale_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type TenderMethod string

const (
	TenderCash    TenderMethod = "cash"
	TenderCard    TenderMethod = "card"
	TenderBank    TenderMethod = "bank"
	TenderDeposit TenderMethod = "deposit"
)

func (m TenderMethod) Valid() bool {
	switch m {
	case TenderCash, TenderCard, TenderBank, TenderDeposit:
		return true
	default:
		return false
	}
}

type Tender struct {
	Method TenderMethod    `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type SettlementStatus string

const (
	SettlementOpen      SettlementStatus = "open"
	SettlementFinalized SettlementStatus = "finalized"
	SettlementAborted   SettlementStatus = "aborted"
)

type CartView struct {
	Items     []LineItem      `json:"items"`
	Mode      CartMode        `json:"mode"`
	Customer  Customer        `json:"customer"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
	IsRefund  bool            `json:"is_refund"`
	ItemCount int             `json:"item_count"`
}

// SettlementView is the payment screen read model. The deposit fields keep the
// ledger balance and the amount already reserved by this settlement apart.
type SettlementView struct {
	SaleID                 string           `json:"sale_id"`
	Status                 SettlementStatus `json:"status"`
	AmountToSettle         decimal.Decimal  `json:"amount_to_settle"`
	IsRefund               bool             `json:"is_refund"`
	TotalPaid              decimal.Decimal  `json:"total_paid"`
	Remaining              decimal.Decimal  `json:"remaining"`
	Change                 decimal.Decimal  `json:"change"`
	Tenders                []Tender         `json:"tenders"`
	DepositLedgerAvailable decimal.Decimal  `json:"deposit_ledger_available"`
	DepositReserved        decimal.Decimal  `json:"deposit_reserved"`
	DepositAvailable       decimal.Decimal  `json:"deposit_available"`
	CreditIncrement        decimal.Decimal  `json:"credit_increment"`
	CreditLimitExceeded    bool             `json:"credit_limit_exceeded"`
}

type HeldOrder struct {
	ID       string          `json:"id"`
	Items    []LineItem      `json:"items"`
	Customer Customer        `json:"customer"`
	Discount decimal.Decimal `json:"discount"`
	Mode     CartMode        `json:"mode"`
	HeldAt   time.Time       `json:"held_at"`
}

type SaleStatus string

const (
	SaleStatusPaid     SaleStatus = "PAID"
	SaleStatusPartial  SaleStatus = "PARTIAL"
	SaleStatusUnpaid   SaleStatus = "UNPAID"
	SaleStatusRefunded SaleStatus = "REFUNDED"
)

// Sale is immutable once committed. Only Status moves, through credit
// payments; AmountDue and TotalPaid keep their values from the commit.
type Sale struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	BranchID   string          `json:"branch_id"`
	DeviceID   string          `json:"device_id"`
	StaffID    string          `json:"staff_id"`
	CustomerID string          `json:"customer_id"`
	Items      []LineItem      `json:"items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Discount   decimal.Decimal `json:"discount"`
	Total      decimal.Decimal `json:"total"`
	Payments   []Tender        `json:"payments"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
	Change     decimal.Decimal `json:"change"`
	AmountDue  decimal.Decimal `json:"amount_due"`
	IsRefund   bool            `json:"is_refund"`
	Status     SaleStatus      `json:"status"`
	Date       time.Time       `json:"date"`
}

// OutstandingSale is the part of a credit sale that credit payments have not
// yet covered.
type OutstandingSale struct {
	SaleID      string          `json:"sale_id"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Date        time.Time       `json:"date"`
}

type CreditPayment struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	CustomerID    string          `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	SettledSales  []string        `json:"settled_sales,omitempty"`
	RecordedBy    string          `json:"recorded_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

type InvoiceLine struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Invoice is the printable read-only view of a committed sale.
type Invoice struct {
	SaleID       string          `json:"sale_id"`
	Title        string          `json:"title"`
	Date         time.Time       `json:"date"`
	CustomerID   string          `json:"customer_id"`
	StaffID      string          `json:"staff_id"`
	BranchID     string          `json:"branch_id"`
	Lines        []InvoiceLine   `json:"lines"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	Discount     decimal.Decimal `json:"discount"`
	Total        decimal.Decimal `json:"total"`
	Payments     []Tender        `json:"payments"`
	TotalPaid    decimal.Decimal `json:"total_paid"`
	Change       decimal.Decimal `json:"change"`
	AmountDue    decimal.Decimal `json:"amount_due"`
	Status       SaleStatus      `json:"status"`
	PreviewText  string          `json:"preview_text"`
	EscposBase64 string          `json:"escpos_base64"`
	FileName     string          `json:"file_name"`
}

type StockMovement struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// SaleFinalizedEvent drives the stock decrement outside the settlement core.
// Quantity is the signed sale quantity; a return carries negative values.
type SaleFinalizedEvent struct {
	EventID   string          `json:"event_id"`
	SaleID    string          `json:"sale_id"`
	TenantID  string          `json:"tenant_id"`
	BranchID  string          `json:"branch_id"`
	Movements []StockMovement `json:"movements"`
	Total     decimal.Decimal `json:"total"`
	At        time.Time       `json:"at"`
}

type Actor struct {
	StaffID  string
	TenantID string
	BranchID string
	DeviceID string
	Role     string
}

type AuditLog struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	StaffID    string    `json:"staff_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
