package invoice

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestBuildUnderpaidSaleInvoice(t *testing.T) {
	sale := domain.Sale{
		ID:         "sale-1",
		BranchID:   "main-branch",
		StaffID:    "staff-1",
		CustomerID: "cust-andi",
		Items: []domain.LineItem{
			{Name: "Susu UHT", VariantName: "1L", Quantity: 2, UnitSellingPrice: d("50")},
		},
		Subtotal:  d("100"),
		Tax:       d("8"),
		Discount:  decimal.Zero,
		Total:     d("108"),
		Payments:  []domain.Tender{{Method: domain.TenderCash, Amount: d("100")}},
		TotalPaid: d("100"),
		Change:    decimal.Zero,
		AmountDue: d("8"),
		Status:    domain.SaleStatusPartial,
		Date:      time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC),
	}

	inv := Build(sale, "Toko Maju")

	assert.Equal(t, "Sales Invoice", inv.Title)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "Susu UHT (1L)", inv.Lines[0].Name)
	assert.Equal(t, "100.00", inv.Lines[0].LineTotal.StringFixed(2))
	assert.Contains(t, inv.PreviewText, "Total    : 108.00")
	assert.Contains(t, inv.PreviewText, "CASH     : 100.00")
	assert.Contains(t, inv.PreviewText, "Due      : 8.00")
	assert.Equal(t, "invoice-sale-1.bin", inv.FileName)

	raw, err := base64.StdEncoding.DecodeString(inv.EscposBase64)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte{0x1b, 0x40}))
	assert.True(t, bytes.HasSuffix(raw, []byte{0x1d, 0x56, 0x41, 0x10}))
	assert.True(t, bytes.Contains(raw, []byte("Toko Maju\n")))
}

func TestBuildRefundReceiptHasNoDueLine(t *testing.T) {
	inv := Build(domain.Sale{
		ID:       "sale-2",
		Items:    []domain.LineItem{{Name: "Roti", Quantity: -1, UnitSellingPrice: d("20")}},
		Total:    d("-21.60"),
		IsRefund: true,
		Status:   domain.SaleStatusRefunded,
	}, "Toko Maju")

	assert.Equal(t, "Refund Receipt", inv.Title)
	assert.Equal(t, "-20.00", inv.Lines[0].LineTotal.StringFixed(2))
	assert.NotContains(t, inv.PreviewText, "Due")
}
