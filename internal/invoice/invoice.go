// Package invoice renders a committed sale as a structured invoice, a text
// preview and the ESC/POS byte stream a thermal printer consumes.
package invoice

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

const ruler = "========================"
const divider = "------------------------"

var (
	escposInit = []byte{0x1b, 0x40}
	escposCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

func Build(sale domain.Sale, storeName string) domain.Invoice {
	title := "Sales Invoice"
	if sale.IsRefund {
		title = "Refund Receipt"
	}

	inv := domain.Invoice{
		SaleID:     sale.ID,
		Title:      title,
		Date:       sale.Date,
		CustomerID: sale.CustomerID,
		StaffID:    sale.StaffID,
		BranchID:   sale.BranchID,
		Lines:      make([]domain.InvoiceLine, 0, len(sale.Items)),
		Subtotal:   sale.Subtotal,
		Tax:        sale.Tax,
		Discount:   sale.Discount,
		Total:      sale.Total,
		Payments:   sale.Payments,
		TotalPaid:  sale.TotalPaid,
		Change:     sale.Change,
		AmountDue:  sale.AmountDue,
		Status:     sale.Status,
		FileName:   fmt.Sprintf("invoice-%s.bin", sale.ID),
	}
	for _, item := range sale.Items {
		name := item.Name
		if item.VariantName != "" {
			name = fmt.Sprintf("%s (%s)", item.Name, item.VariantName)
		}
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			Name:      name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitSellingPrice,
			LineTotal: item.LineTotal(),
		})
	}

	lines := previewLines(inv, storeName)
	inv.PreviewText = strings.Join(lines, "\n")
	inv.EscposBase64 = base64.StdEncoding.EncodeToString(escpos(lines))
	return inv
}

func previewLines(inv domain.Invoice, storeName string) []string {
	lines := []string{
		storeName,
		inv.Title,
		ruler,
		"No: " + inv.SaleID,
		"Branch: " + inv.BranchID,
		"Cashier: " + inv.StaffID,
		"Customer: " + inv.CustomerID,
		"Date: " + inv.Date.Format("2006-01-02 15:04:05"),
		divider,
	}
	for _, l := range inv.Lines {
		lines = append(lines, fmt.Sprintf("%s x%d", l.Name, l.Quantity))
		lines = append(lines, "  "+money(l.LineTotal))
	}
	lines = append(lines,
		divider,
		"Subtotal : "+money(inv.Subtotal),
		"Discount : "+money(inv.Discount),
		"Tax      : "+money(inv.Tax),
		"Total    : "+money(inv.Total),
	)
	for _, p := range inv.Payments {
		lines = append(lines, fmt.Sprintf("%-9s: %s", strings.ToUpper(string(p.Method)), money(p.Amount)))
	}
	lines = append(lines,
		"Paid     : "+money(inv.TotalPaid),
		"Change   : "+money(inv.Change),
	)
	if inv.AmountDue.IsPositive() {
		lines = append(lines, "Due      : "+money(inv.AmountDue))
	}
	lines = append(lines,
		"Status   : "+string(inv.Status),
		ruler,
		"Thank you",
		"",
	)
	return lines
}

func escpos(lines []string) []byte {
	out := append([]byte{}, escposInit...)
	for _, line := range lines {
		out = append(out, []byte(line)...)
		out = append(out, '\n')
	}
	return append(out, escposCut...)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
