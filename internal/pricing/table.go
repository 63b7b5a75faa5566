package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultProfitMargin is applied on top of the raw token price.
var DefaultProfitMargin = decimal.RequireFromString("0.30")

// CostPlaces is the number of decimal places costs are rounded to.
const CostPlaces = 8

var million = decimal.NewFromInt(1_000_000)

// Price is the upstream cost of one million tokens in each direction.
type Price struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Table maps model names to prices. Lookups ignore case. A Table is
// immutable once built; reloads swap in a new one.
type Table struct {
	prices map[string]Price
	margin decimal.Decimal
}

// Source hands out the pricing table in effect right now.
type Source interface {
	Current() *Table
}

func NewTable(prices map[string]Price, margin decimal.Decimal) *Table {
	t := &Table{
		prices: make(map[string]Price, len(prices)),
		margin: margin,
	}
	for model, p := range prices {
		t.prices[normalize(model)] = p
	}
	return t
}

// Default returns the built-in prices for the gateway's stock models.
func Default(margin decimal.Decimal) *Table {
	return NewTable(map[string]Price{
		"gpt-4o": {
			InputPerMillion:  decimal.NewFromInt(15),
			OutputPerMillion: decimal.NewFromInt(60),
		},
		"deepseek-r1": {
			InputPerMillion:  decimal.RequireFromString("0.55"),
			OutputPerMillion: decimal.RequireFromString("1.10"),
		},
	}, margin)
}

// Current lets a fixed Table act as a Source.
func (t *Table) Current() *Table {
	return t
}

func (t *Table) Lookup(model string) (Price, bool) {
	p, ok := t.prices[normalize(model)]
	return p, ok
}

// Margin returns the profit margin as a fraction (0.30 = 30%).
func (t *Table) Margin() decimal.Decimal {
	return t.margin
}

// Cost prices a call. Unknown models cost zero and report known=false so
// callers can surface them. Negative token counts are treated as zero.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) (cost decimal.Decimal, known bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero, false
	}

	in := decimal.NewFromInt(max(inputTokens, 0)).Mul(p.InputPerMillion).Div(million)
	out := decimal.NewFromInt(max(outputTokens, 0)).Mul(p.OutputPerMillion).Div(million)

	return in.Add(out).Mul(decimal.NewFromInt(1).Add(t.margin)).Round(CostPlaces), true
}

// Models returns the priced model names in sorted order.
func (t *Table) Models() []string {
	models := make([]string, 0, len(t.prices))
	for m := range t.prices {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
