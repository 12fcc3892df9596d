// Package cart holds the in-progress line items of one POS session and keeps
// their polarity, stock and discount invariants.
package cart

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
)

type Cart struct {
	stock    store.StockOracle
	items    []domain.LineItem
	discount decimal.Decimal
	customer domain.Customer
	mode     domain.CartMode
}

func New(stock store.StockOracle) *Cart {
	return &Cart{
		stock:    stock,
		items:    make([]domain.LineItem, 0, 8),
		discount: decimal.Zero,
		customer: domain.WalkInCustomer(),
		mode:     domain.CartModeSale,
	}
}

func (c *Cart) Mode() domain.CartMode { return c.mode }

func (c *Cart) Customer() domain.Customer { return c.customer }

func (c *Cart) Discount() decimal.Decimal { return c.discount }

func (c *Cart) IsEmpty() bool { return len(c.items) == 0 }

func (c *Cart) Items() []domain.LineItem { return slices.Clone(c.items) }

func (c *Cart) SetCustomer(customer domain.Customer) { c.customer = customer }

// AddItem adds one unit of the variant in the direction of the current mode.
func (c *Cart) AddItem(ctx context.Context, variant domain.Variant, branchID string) error {
	change := c.mode.Sign()
	if len(c.items) > 0 && sign(c.items[0].Quantity) != change {
		return domain.ErrPolarityConflict
	}

	idx := c.indexOf(variant.ID)
	existing := 0
	if idx >= 0 {
		existing = c.items[idx].Quantity
	}
	if c.mode == domain.CartModeSale {
		if err := c.checkStock(ctx, variant.ID, branchID, existing+change); err != nil {
			return err
		}
	}

	if idx >= 0 {
		c.setQuantity(idx, existing+change)
	} else {
		c.items = append(c.items, domain.LineItemFromVariant(variant, change))
	}
	c.reconcile()
	return nil
}

// UpdateQuantity moves a line by delta. A result of zero removes the line; a
// result of the opposite sign is rejected.
func (c *Cart) UpdateQuantity(ctx context.Context, variantID string, delta int, branchID string) error {
	idx := c.indexOf(variantID)
	if idx < 0 {
		return store.ErrNotFound
	}
	if delta == 0 {
		return nil
	}
	current := c.items[idx].Quantity
	next := current + delta
	if next != 0 && sign(next) != sign(current) {
		return domain.ErrPolarityConflict
	}
	if c.mode == domain.CartModeSale && delta > 0 {
		if err := c.checkStock(ctx, variantID, branchID, next); err != nil {
			return err
		}
	}
	c.setQuantity(idx, next)
	c.reconcile()
	return nil
}

// SetDiscount stores amount clamped to [0, max(0, subtotal+tax)].
func (c *Cart) SetDiscount(amount decimal.Decimal) {
	c.discount = clampDiscount(amount, c.grossTotal())
}

// SetDiscountString parses raw input; anything that is not a number is zero.
func (c *Cart) SetDiscountString(raw string) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		amount = decimal.Zero
	}
	c.SetDiscount(amount)
}

// SetMode switches between sale and return. Only an empty cart may change mode.
func (c *Cart) SetMode(mode domain.CartMode) error {
	if !mode.Valid() {
		return fmt.Errorf("cart mode %q: %w", mode, store.ErrInvalidTransaction)
	}
	if mode == c.mode {
		return nil
	}
	if len(c.items) > 0 {
		return domain.ErrPolarityConflict
	}
	c.mode = mode
	return nil
}

func (c *Cart) Totals() domain.CartView {
	subtotal, tax := c.subtotalAndTax()
	total := subtotal.Add(tax).Sub(c.discount)
	count := 0
	for _, item := range c.items {
		count += absInt(item.Quantity)
	}
	return domain.CartView{
		Items:     c.Items(),
		Mode:      c.mode,
		Customer:  c.customer,
		Subtotal:  subtotal,
		Tax:       tax,
		Discount:  c.discount,
		Total:     total,
		IsRefund:  total.IsNegative(),
		ItemCount: count,
	}
}

func (c *Cart) Clear() {
	c.items = c.items[:0]
	c.discount = decimal.Zero
	c.customer = domain.WalkInCustomer()
	c.mode = domain.CartModeSale
}

// Snapshot captures what a held order needs to restore this cart.
func (c *Cart) Snapshot() domain.HeldOrder {
	return domain.HeldOrder{
		Items:    c.Items(),
		Customer: c.customer,
		Discount: c.discount,
		Mode:     c.mode,
	}
}

// Restore replaces the cart with a held order. The mode follows the first
// item's sign; an empty snapshot yields a sale cart.
func (c *Cart) Restore(held domain.HeldOrder) {
	c.items = slices.Clone(held.Items)
	c.customer = held.Customer
	if c.customer.ID == "" {
		c.customer = domain.WalkInCustomer()
	}
	c.mode = domain.CartModeSale
	if len(c.items) > 0 {
		c.mode = domain.ModeForQuantity(c.items[0].Quantity)
	}
	c.discount = clampDiscount(held.Discount, c.grossTotal())
}

func (c *Cart) checkStock(ctx context.Context, variantID string, branchID string, wanted int) error {
	available, err := c.stock.AvailableStock(ctx, variantID, branchID)
	if err != nil {
		return fmt.Errorf("available stock %s: %w", variantID, err)
	}
	if wanted > available {
		return domain.ErrInsufficientStock
	}
	return nil
}

func (c *Cart) setQuantity(idx int, qty int) {
	if qty == 0 {
		c.items = slices.Delete(c.items, idx, idx+1)
		return
	}
	c.items[idx].Quantity = qty
}

// reconcile restores the invariants that depend on the item list.
func (c *Cart) reconcile() {
	if len(c.items) == 0 {
		c.mode = domain.CartModeSale
	}
	c.discount = clampDiscount(c.discount, c.grossTotal())
}

func (c *Cart) indexOf(variantID string) int {
	return slices.IndexFunc(c.items, func(item domain.LineItem) bool {
		return item.VariantID == variantID
	})
}

func (c *Cart) subtotalAndTax() (decimal.Decimal, decimal.Decimal) {
	subtotal := decimal.Zero
	for _, item := range c.items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	tax := domain.RoundMoney(subtotal.Mul(domain.TaxRate))
	return subtotal, tax
}

func (c *Cart) grossTotal() decimal.Decimal {
	subtotal, tax := c.subtotalAndTax()
	return subtotal.Add(tax)
}

func clampDiscount(amount decimal.Decimal, gross decimal.Decimal) decimal.Decimal {
	upper := decimal.Max(decimal.Zero, gross)
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(upper) {
		return upper
	}
	return amount
}

func sign(qty int) int {
	if qty < 0 {
		return -1
	}
	return 1
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
