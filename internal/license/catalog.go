package license

import (
	"fmt"
	"sort"
	"strings"
)

// Capabilities unlocked by the built-in catalog
const (
	CapabilityBitcoin          = "bitcoin"
	CapabilityEthereum         = "ethereum"
	CapabilityLitecoin         = "litecoin"
	CapabilityDogecoin         = "dogecoin"
	CapabilitySolana           = "solana"
	CapabilityBNB              = "bnb"
	CapabilityPerformanceBoost = "performance_boost"
)

// Product identifiers of the built-in catalog
const (
	ProductAllChain   = "ALLCHAIN"
	ProductMultiChain = "MULTICHAIN"
	ProductDuoChain   = "DUOCHAIN"
	ProductEthOnly    = "ETH-ONLY"
	ProductBtcOnly    = "BTC-ONLY"
	ProductBoost2X    = "BOOST-2X"
)

// ProductEntitlement is one purchasable SKU and what it unlocks.
// Rank orders tiers from broadest (lowest) to narrowest; performance
// products ignore it.
type ProductEntitlement struct {
	Identifier        string
	Capabilities      []string
	IsPerformanceFlag bool
	Rank              int
}

// Catalog is an immutable lookup table of product entitlements
type Catalog struct {
	byID        map[string]ProductEntitlement
	tiers       []ProductEntitlement
	performance []ProductEntitlement
	identifiers []string
}

// NewCatalog validates entries and builds a catalog. Identifiers are
// matched case-insensitively.
func NewCatalog(entries ...ProductEntitlement) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one product")
	}

	c := &Catalog{byID: make(map[string]ProductEntitlement, len(entries))}
	ranks := make(map[int]string)

	for _, e := range entries {
		id := normalizeIdentifier(e.Identifier)
		if id == "" {
			return nil, fmt.Errorf("catalog entry has an empty identifier")
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate catalog identifier %q", id)
		}
		if len(e.Capabilities) == 0 {
			return nil, fmt.Errorf("catalog entry %q unlocks no capabilities", id)
		}
		if !e.IsPerformanceFlag {
			if other, clash := ranks[e.Rank]; clash {
				return nil, fmt.Errorf("catalog entries %q and %q share rank %d", other, id, e.Rank)
			}
			ranks[e.Rank] = id
		}

		entry := ProductEntitlement{
			Identifier:        id,
			Capabilities:      dedupe(e.Capabilities),
			IsPerformanceFlag: e.IsPerformanceFlag,
			Rank:              e.Rank,
		}
		c.byID[id] = entry
		c.identifiers = append(c.identifiers, id)
		if entry.IsPerformanceFlag {
			c.performance = append(c.performance, entry)
		} else {
			c.tiers = append(c.tiers, entry)
		}
	}

	sort.SliceStable(c.tiers, func(i, j int) bool { return c.tiers[i].Rank < c.tiers[j].Rank })

	return c, nil
}

// DefaultCatalog returns the built-in chain tiers plus the performance boost
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		ProductEntitlement{
			Identifier:   ProductAllChain,
			Capabilities: []string{CapabilityBitcoin, CapabilityEthereum, CapabilityLitecoin, CapabilityDogecoin, CapabilitySolana, CapabilityBNB},
			Rank:         10,
		},
		ProductEntitlement{
			Identifier:   ProductMultiChain,
			Capabilities: []string{CapabilityBitcoin, CapabilityEthereum, CapabilityLitecoin, CapabilityDogecoin},
			Rank:         20,
		},
		ProductEntitlement{
			Identifier:   ProductDuoChain,
			Capabilities: []string{CapabilityBitcoin, CapabilityEthereum},
			Rank:         30,
		},
		ProductEntitlement{
			Identifier:   ProductEthOnly,
			Capabilities: []string{CapabilityEthereum},
			Rank:         40,
		},
		ProductEntitlement{
			Identifier:   ProductBtcOnly,
			Capabilities: []string{CapabilityBitcoin},
			Rank:         50,
		},
		ProductEntitlement{
			Identifier:        ProductBoost2X,
			Capabilities:      []string{CapabilityPerformanceBoost},
			IsPerformanceFlag: true,
		},
	)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Lookup returns the entitlement for an identifier
func (c *Catalog) Lookup(identifier string) (ProductEntitlement, bool) {
	e, ok := c.byID[normalizeIdentifier(identifier)]
	if !ok {
		return ProductEntitlement{}, false
	}
	e.Capabilities = append([]string(nil), e.Capabilities...)
	return e, true
}

// Tiers returns the non-performance entitlements ordered broad to narrow
func (c *Catalog) Tiers() []ProductEntitlement {
	return append([]ProductEntitlement(nil), c.tiers...)
}

// PerformanceProducts returns the entitlements outside the precedence chain
func (c *Catalog) PerformanceProducts() []ProductEntitlement {
	return append([]ProductEntitlement(nil), c.performance...)
}

// Identifiers returns every product identifier in declaration order
func (c *Catalog) Identifiers() []string {
	return append([]string(nil), c.identifiers...)
}

// Len returns the number of products
func (c *Catalog) Len() int {
	return len(c.identifiers)
}

func normalizeIdentifier(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func dedupe(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
