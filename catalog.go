package checkout

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CatalogItem is a fixed-price product
type CatalogItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Description string `json:"description,omitempty"`
	UnitLabel   string `json:"unitName,omitempty"`

	// PriceSettlement is charged in the settlement currency
	PriceSettlement decimal.Decimal `json:"priceSettlement"`
	// PriceDisplay is shown to the buyer only
	PriceDisplay decimal.Decimal `json:"priceDisplay"`
}

// Catalog is an immutable set of items. It is safe to share between goroutines.
type Catalog struct {
	items []CatalogItem
	byID  map[string]CatalogItem
}

// NewCatalog indexes items by id. Ids must be unique and prices non-negative.
func NewCatalog(items []CatalogItem) (*Catalog, error) {
	c := &Catalog{
		items: make([]CatalogItem, 0, len(items)),
		byID:  make(map[string]CatalogItem, len(items)),
	}
	for _, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("catalog item without id")
		}
		if _, dup := c.byID[item.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog item %q", item.ID)
		}
		if item.PriceSettlement.IsNegative() || item.PriceDisplay.IsNegative() {
			return nil, fmt.Errorf("catalog item %q has a negative price", item.ID)
		}
		c.items = append(c.items, item)
		c.byID[item.ID] = item
	}
	return c, nil
}

// Lookup returns the item with id
func (c *Catalog) Lookup(id string) (CatalogItem, bool) {
	item, ok := c.byID[id]
	return item, ok
}

// Items returns the items in declaration order
func (c *Catalog) Items() []CatalogItem {
	out := make([]CatalogItem, len(c.items))
	copy(out, c.items)
	return out
}

// DefaultCatalog is the storefront's built-in product list
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]CatalogItem{
		{
			ID:              "box-of-cookies",
			DisplayName:     "Cookies",
			Description:     "A large basket of handmade cookies",
			UnitLabel:       "box",
			PriceSettlement: decimal.RequireFromString("0.05"),
			PriceDisplay:    decimal.RequireFromString("3"),
		},
		{
			ID:              "Sandwich",
			DisplayName:     "Sandwich",
			Description:     "A sandwich prepared with fresh ingredients",
			UnitLabel:       "Sandwich",
			PriceSettlement: decimal.RequireFromString("0.05"),
			PriceDisplay:    decimal.RequireFromString("2"),
		},
		{
			ID:              "COKE",
			DisplayName:     "Cola",
			Description:     "A refreshing carbonated beverage",
			UnitLabel:       "Cola",
			PriceSettlement: decimal.RequireFromString("0.1"),
			PriceDisplay:    decimal.RequireFromString("1"),
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// catalogFile is the on-disk YAML shape. Prices are strings so they never pass through float64.
type catalogFile struct {
	Items []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		Description     string `yaml:"description"`
		UnitName        string `yaml:"unitName"`
		PriceSettlement string `yaml:"priceSettlement"`
		PriceDisplay    string `yaml:"priceDisplay"`
	} `yaml:"items"`
}

// ParseCatalog decodes a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	items := make([]CatalogItem, 0, len(file.Items))
	for _, raw := range file.Items {
		settlement, err := decimal.NewFromString(raw.PriceSettlement)
		if err != nil {
			return nil, fmt.Errorf("item %q: invalid priceSettlement %q: %w", raw.ID, raw.PriceSettlement, err)
		}
		display := decimal.Zero
		if raw.PriceDisplay != "" {
			display, err = decimal.NewFromString(raw.PriceDisplay)
			if err != nil {
				return nil, fmt.Errorf("item %q: invalid priceDisplay %q: %w", raw.ID, raw.PriceDisplay, err)
			}
		}
		name := raw.Name
		if name == "" {
			name = raw.ID
		}
		items = append(items, CatalogItem{
			ID:              raw.ID,
			DisplayName:     name,
			Description:     raw.Description,
			UnitLabel:       raw.UnitName,
			PriceSettlement: settlement,
			PriceDisplay:    display,
		})
	}
	return NewCatalog(items)
}

// LoadCatalog reads a YAML catalog from path
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}
