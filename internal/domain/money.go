package domain

import "github.com/shopspring/decimal"

// TaxRate is the flat sales tax applied to every cart.
var TaxRate = decimal.RequireFromString("0.08")

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
