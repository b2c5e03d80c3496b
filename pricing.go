package checkout

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// SkipReason says why a cart entry did not contribute to the total
type SkipReason string

const (
	SkipMissingQuantity  SkipReason = "missing_quantity"
	SkipInvalidQuantity  SkipReason = "invalid_quantity"
	SkipNegativeQuantity SkipReason = "negative_quantity"
	SkipUnknownItem      SkipReason = "unknown_item"
)

// QuoteLine is one priced cart entry
type QuoteLine struct {
	Item      CatalogItem
	Quantity  int64
	Subtotal  decimal.Decimal
	Displayed decimal.Decimal
}

// SkippedEntry is a cart entry ignored by the aggregator
type SkippedEntry struct {
	ID       string
	Quantity string
	Reason   SkipReason
}

// Quote is the priced view of a cart
type Quote struct {
	Lines        []QuoteLine
	Skipped      []SkippedEntry
	Total        decimal.Decimal
	DisplayTotal decimal.Decimal
}

// Aggregator prices carts against a catalog
type Aggregator struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewAggregator creates an aggregator. A nil logger uses slog.Default().
func NewAggregator(catalog *Catalog, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{catalog: catalog, logger: logger}
}

// Catalog returns the catalog prices come from
func (a *Aggregator) Catalog() *Catalog {
	return a.catalog
}

// ComputeTotal returns the settlement-currency total of cart. It never fails:
// malformed or unknown entries are skipped and the zero amount is a valid result.
func (a *Aggregator) ComputeTotal(cart Cart) decimal.Decimal {
	return a.Quote(cart).Total
}

// Quote prices every valid entry of cart
func (a *Aggregator) Quote(cart Cart) Quote {
	q := Quote{
		Total:        decimal.Zero,
		DisplayTotal: decimal.Zero,
	}

	// Sorted ids keep lines and diagnostics stable; the sum does not depend on it
	ids := make([]string, 0, len(cart))
	for id := range cart {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		raw := cart[id]
		qty, reason, ok := parseQuantity(raw)
		if !ok {
			a.logger.Warn("skipping cart entry", "item", id, "quantity", raw, "reason", reason)
			q.Skipped = append(q.Skipped, SkippedEntry{ID: id, Quantity: raw, Reason: reason})
			continue
		}

		item, found := a.catalog.Lookup(id)
		if !found {
			a.logger.Warn("product not found", "item", id)
			q.Skipped = append(q.Skipped, SkippedEntry{ID: id, Quantity: raw, Reason: SkipUnknownItem})
			continue
		}

		n := decimal.NewFromInt(qty)
		line := QuoteLine{
			Item:      item,
			Quantity:  qty,
			Subtotal:  n.Mul(item.PriceSettlement),
			Displayed: n.Mul(item.PriceDisplay),
		}
		q.Lines = append(q.Lines, line)
		q.Total = q.Total.Add(line.Subtotal)
		q.DisplayTotal = q.DisplayTotal.Add(line.Displayed)
	}

	a.logger.Debug("computed cart total", "total", q.Total.String(), "lines", len(q.Lines), "skipped", len(q.Skipped))
	return q
}

func parseQuantity(raw string) (int64, SkipReason, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, SkipMissingQuantity, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, SkipInvalidQuantity, false
	}
	if n < 0 {
		return 0, SkipNegativeQuantity, false
	}
	return n, "", true
}
