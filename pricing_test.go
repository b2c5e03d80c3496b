package checkout_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	checkout "github.com/chipcasher/checkout"
)

func TestComputeTotal(t *testing.T) {
	agg := checkout.NewAggregator(checkout.DefaultCatalog(), nil)

	tests := []struct {
		name string
		cart checkout.Cart
		want string
	}{
		{"single item", checkout.Cart{"box-of-cookies": "1"}, "0.05"},
		{"two items", checkout.Cart{"box-of-cookies": "1", "COKE": "1"}, "0.15"},
		{"quantities multiply", checkout.Cart{"Sandwich": "3", "COKE": "2"}, "0.35"},
		{"empty cart", checkout.Cart{}, "0"},
		{"nil cart", nil, "0"},
		{"zero quantity", checkout.Cart{"COKE": "0"}, "0"},
		{"unknown item skipped", checkout.Cart{"COKE": "1", "caviar": "1"}, "0.1"},
		{"malformed quantity skipped", checkout.Cart{"COKE": "two", "Sandwich": "1"}, "0.05"},
		{"fractional quantity skipped", checkout.Cart{"COKE": "1.5"}, "0"},
		{"negative quantity skipped", checkout.Cart{"COKE": "-1", "Sandwich": "2"}, "0.1"},
		{"blank quantity skipped", checkout.Cart{"COKE": " "}, "0"},
		{"whitespace trimmed", checkout.Cart{"COKE": " 2 "}, "0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agg.ComputeTotal(tt.cart)
			assert.True(t, got.Equal(dec(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestComputeTotalIsExact(t *testing.T) {
	agg := checkout.NewAggregator(checkout.DefaultCatalog(), nil)

	// 0.1 summed ten times must be exactly 1, which binary floats cannot do
	got := agg.ComputeTotal(checkout.Cart{"COKE": "10"})
	assert.Equal(t, "1", got.String())

	got = agg.ComputeTotal(checkout.Cart{"COKE": "1", "box-of-cookies": "1", "Sandwich": "1"})
	assert.Equal(t, "0.2", got.String())
}

func TestComputeTotalOrderIndependent(t *testing.T) {
	agg := checkout.NewAggregator(checkout.DefaultCatalog(), nil)
	cart := checkout.Cart{"COKE": "3", "Sandwich": "7", "box-of-cookies": "11", "nope": "1"}

	first := agg.ComputeTotal(cart)
	for i := 0; i < 20; i++ {
		assert.True(t, first.Equal(agg.ComputeTotal(cart)))
	}
}

func TestQuote(t *testing.T) {
	agg := checkout.NewAggregator(checkout.DefaultCatalog(), nil)

	q := agg.Quote(checkout.Cart{"box-of-cookies": "2", "COKE": "x", "caviar": "1"})
	assert.Equal(t, "0.1", q.Total.String())
	assert.Equal(t, "6", q.DisplayTotal.String())

	if assert.Len(t, q.Lines, 1) {
		assert.Equal(t, "box-of-cookies", q.Lines[0].Item.ID)
		assert.Equal(t, int64(2), q.Lines[0].Quantity)
	}

	want := []checkout.SkippedEntry{
		{ID: "COKE", Quantity: "x", Reason: checkout.SkipInvalidQuantity},
		{ID: "caviar", Quantity: "1", Reason: checkout.SkipUnknownItem},
	}
	if diff := cmp.Diff(want, q.Skipped); diff != "" {
		t.Errorf("skipped entries mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCart(t *testing.T) {
	cart := checkout.NewCart(map[string]int{"COKE": 2, "Sandwich": 1})
	assert.Equal(t, checkout.Cart{"COKE": "2", "Sandwich": "1"}, cart)
}
