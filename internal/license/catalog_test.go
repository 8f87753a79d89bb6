package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, 6, c.Len())

	var order []string
	for _, tier := range c.Tiers() {
		order = append(order, tier.Identifier)
	}
	assert.Equal(t, []string{ProductAllChain, ProductMultiChain, ProductDuoChain, ProductEthOnly, ProductBtcOnly}, order)

	perf := c.PerformanceProducts()
	require.Len(t, perf, 1)
	assert.Equal(t, ProductBoost2X, perf[0].Identifier)
	assert.True(t, perf[0].IsPerformanceFlag)
}

func TestCatalog_Lookup(t *testing.T) {
	c := DefaultCatalog()

	e, ok := c.Lookup(" duochain ")
	require.True(t, ok)
	assert.Equal(t, ProductDuoChain, e.Identifier)
	assert.ElementsMatch(t, []string{CapabilityBitcoin, CapabilityEthereum}, e.Capabilities)

	// returned slices are copies
	e.Capabilities[0] = "tampered"
	again, _ := c.Lookup(ProductDuoChain)
	assert.NotContains(t, again.Capabilities, "tampered")

	_, ok = c.Lookup("UNKNOWN")
	assert.False(t, ok)
}

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entries []ProductEntitlement
		wantErr string
	}{
		{name: "empty", entries: nil, wantErr: "at least one product"},
		{
			name:    "blank identifier",
			entries: []ProductEntitlement{{Identifier: "  ", Capabilities: []string{"x"}}},
			wantErr: "empty identifier",
		},
		{
			name: "duplicate after normalization",
			entries: []ProductEntitlement{
				{Identifier: "p1", Capabilities: []string{"x"}, Rank: 1},
				{Identifier: "P1", Capabilities: []string{"y"}, Rank: 2},
			},
			wantErr: "duplicate",
		},
		{
			name:    "no capabilities",
			entries: []ProductEntitlement{{Identifier: "P1", Rank: 1}},
			wantErr: "unlocks no capabilities",
		},
		{
			name: "shared rank",
			entries: []ProductEntitlement{
				{Identifier: "P1", Capabilities: []string{"x"}, Rank: 1},
				{Identifier: "P2", Capabilities: []string{"y"}, Rank: 1},
			},
			wantErr: "share rank",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.entries...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewCatalog_PerformanceProductsIgnoreRank(t *testing.T) {
	c, err := NewCatalog(
		ProductEntitlement{Identifier: "P1", Capabilities: []string{"x"}, Rank: 0},
		ProductEntitlement{Identifier: "B1", Capabilities: []string{"boost"}, IsPerformanceFlag: true},
		ProductEntitlement{Identifier: "B2", Capabilities: []string{"turbo", "turbo"}, IsPerformanceFlag: true},
	)
	require.NoError(t, err)

	assert.Len(t, c.Tiers(), 1)
	assert.Len(t, c.PerformanceProducts(), 2)

	b2, _ := c.Lookup("B2")
	assert.Equal(t, []string{"turbo"}, b2.Capabilities)
}
