// Package catalog holds the authoritative prices of the funnel offers. All
// totals charged to the customer are computed here, never taken from the client.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed offers.yaml
var defaultOffers []byte

// Kind identifies one of the four funnel offers.
type Kind string

const (
	Tripwire Kind = "tripwire"
	Bump     Kind = "bump"
	Upsell   Kind = "upsell"
	Downsell Kind = "downsell"
)

// Kinds lists the offers in funnel order.
var Kinds = []Kind{Tripwire, Bump, Upsell, Downsell}

// Offer describes a single purchasable item.
type Offer struct {
	Label       string   `yaml:"label" json:"label"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	PriceCents  int64    `yaml:"price_cents" json:"price_cents"`
	ValueCents  int64    `yaml:"value_cents" json:"value_cents"`
	Features    []string `yaml:"features" json:"features"`
}

// Catalog is the full price list.
type Catalog struct {
	Product  string         `yaml:"product" json:"product"`
	Currency string         `yaml:"currency" json:"currency"`
	Offers   map[Kind]Offer `yaml:"offers" json:"offers"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultOffers)
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog override from path. An empty path yields the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every offer exists with a positive price.
func (c *Catalog) Validate() error {
	if c.Product == "" {
		return errors.New("catalog: product is required")
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	for _, k := range Kinds {
		o, ok := c.Offers[k]
		if !ok {
			return fmt.Errorf("catalog: offer %q is missing", k)
		}
		if o.PriceCents <= 0 {
			return fmt.Errorf("catalog: offer %q must have a positive price", k)
		}
	}
	return nil
}

// Offer returns the offer of the given kind.
func (c *Catalog) Offer(k Kind) Offer {
	return c.Offers[k]
}

// CheckoutTotal is the amount charged at checkout: the tripwire plus the
// order bump when selected.
func (c *Catalog) CheckoutTotal(orderBump bool) int64 {
	total := c.Offers[Tripwire].PriceCents
	if orderBump {
		total += c.Offers[Bump].PriceCents
	}
	return total
}

// Description is the statement line sent to the payment provider.
func (c *Catalog) Description(orderBump bool) string {
	desc := c.Offers[Tripwire].Label
	if orderBump {
		desc += " + " + c.Offers[Bump].Label
	}
	return desc
}
