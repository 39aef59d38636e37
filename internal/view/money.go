package view

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatMoney renders an amount held in minor units, e.g. 12550 USD as
// "$ 125.50". Unknown currency codes fall back to the raw code.
func FormatMoney(minor int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return moneyPrinter.Sprintf("%s %.2f", code, float64(minor)/100)
	}
	scale, _ := currency.Standard.Rounding(unit)
	amount := float64(minor)
	for i := 0; i < scale; i++ {
		amount /= 10
	}
	symbol := moneyPrinter.Sprint(currency.Symbol(unit))
	return moneyPrinter.Sprintf("%s %v", symbol, number.Decimal(amount, number.Scale(scale)))
}
