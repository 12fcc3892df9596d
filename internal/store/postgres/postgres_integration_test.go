package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
)

func TestCommitSaleAndStockEventIntegration(t *testing.T) {
	databaseURL := os.Getenv("TOKOPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	stamp := time.Now().UnixNano()
	variantID := fmt.Sprintf("var-it-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	saleID := fmt.Sprintf("sale-it-%d", stamp)
	eventID := fmt.Sprintf("evt-it-%d", stamp)
	branchID := "it-branch"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM applied_stock_events WHERE event_id = $1`, eventID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM credit_payments WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE variant_id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM variants WHERE id = $1`, variantID)
	})

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variants (id, product_id, product_name, name, selling_price, cost_price)
		VALUES ($1, 'prod-it', 'Produk IT', 'Default', 10.00, 6.00)
	`, variantID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (branch_id, variant_id, owned, consignment) VALUES ($1, $2, 2, 3)
	`, branchID, variantID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, name, credit_limit) VALUES ($1, 'it-tenant', 'IT Customer', 100)
	`, customerID)
	require.NoError(t, err)

	sale := domain.Sale{
		ID:         saleID,
		TenantID:   "it-tenant",
		BranchID:   branchID,
		DeviceID:   "device-it",
		StaffID:    "staff-it",
		CustomerID: customerID,
		Items:      []domain.LineItem{{VariantID: variantID, Quantity: 4, UnitSellingPrice: decimal.NewFromInt(10)}},
		Subtotal:   decimal.NewFromInt(40),
		Tax:        decimal.RequireFromString("3.20"),
		Total:      decimal.RequireFromString("43.20"),
		TotalPaid:  decimal.NewFromInt(40),
		AmountDue:  decimal.RequireFromString("3.20"),
		Status:     domain.SaleStatusPartial,
		Date:       time.Now().UTC(),
	}
	_, err = s.CommitSale(ctx, sale, decimal.RequireFromString("3.20"))
	require.NoError(t, err)
	_, err = s.CommitSale(ctx, sale, decimal.RequireFromString("3.20"))
	require.NoError(t, err)

	customer, err := s.GetCustomer(ctx, "it-tenant", customerID)
	require.NoError(t, err)
	assert.Equal(t, "3.20", customer.CreditBalance.StringFixed(2))
	assert.Equal(t, int64(1), customer.Version)

	payment, err := s.ApplyCreditPayment(ctx, domain.CreditPayment{
		TenantID: "it-tenant", CustomerID: customerID, Amount: decimal.RequireFromString("3.20"), RecordedBy: "staff-it",
	}, customer.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{saleID}, payment.SettledSales)

	stored, err := s.GetSale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPaid, stored.Status)
	assert.Equal(t, "3.20", stored.AmountDue.StringFixed(2))
	assert.Equal(t, "40.00", stored.TotalPaid.StringFixed(2))

	movements := []domain.StockMovement{{VariantID: variantID, Quantity: 4}}
	require.NoError(t, s.ApplyStockMovements(ctx, eventID, branchID, movements))
	require.NoError(t, s.ApplyStockMovements(ctx, eventID, branchID, movements))

	qty, err := s.AvailableStock(ctx, variantID, branchID)
	require.NoError(t, err)
	assert.Equal(t, 1, qty)
}
