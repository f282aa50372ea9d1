package types

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Chain describes an EVM network the terminal can accept payments on.
type Chain struct {
	ID           int64
	Name         string
	NativeSymbol string
	// PushSupported is false for networks whose providers do not offer the
	// pending transaction subscription; those run in poll mode only.
	PushSupported bool
	// RequeryDelay is how long to wait after a new head before re-querying
	// recent blocks for token transfer logs.
	RequeryDelay time.Duration
	PollInterval time.Duration
	IsTestnet    bool
}

func (c Chain) String() string {
	return fmt.Sprintf("%s(%d)", c.Name, c.ID)
}

// Chain ids
const (
	ChainEthereum    int64 = 1
	ChainOptimism    int64 = 10
	ChainPolygon     int64 = 137
	ChainBase        int64 = 8453
	ChainArbitrum    int64 = 42161
	ChainBaseSepolia int64 = 84532
	ChainSepolia     int64 = 11155111
)

var knownChains = map[int64]Chain{
	ChainEthereum: {
		ID: ChainEthereum, Name: "ethereum", NativeSymbol: "ETH",
		PushSupported: true, RequeryDelay: 2 * time.Second, PollInterval: 12 * time.Second,
	},
	ChainOptimism: {
		ID: ChainOptimism, Name: "optimism", NativeSymbol: "ETH",
		PushSupported: false, RequeryDelay: 500 * time.Millisecond, PollInterval: 2 * time.Second,
	},
	ChainPolygon: {
		ID: ChainPolygon, Name: "polygon", NativeSymbol: "POL",
		PushSupported: true, RequeryDelay: time.Second, PollInterval: 2 * time.Second,
	},
	ChainBase: {
		ID: ChainBase, Name: "base", NativeSymbol: "ETH",
		PushSupported: true, RequeryDelay: 500 * time.Millisecond, PollInterval: 2 * time.Second,
	},
	ChainArbitrum: {
		ID: ChainArbitrum, Name: "arbitrum", NativeSymbol: "ETH",
		PushSupported: false, RequeryDelay: 250 * time.Millisecond, PollInterval: time.Second,
	},
	ChainBaseSepolia: {
		ID: ChainBaseSepolia, Name: "base-sepolia", NativeSymbol: "ETH",
		PushSupported: true, RequeryDelay: 500 * time.Millisecond, PollInterval: 2 * time.Second, IsTestnet: true,
	},
	ChainSepolia: {
		ID: ChainSepolia, Name: "sepolia", NativeSymbol: "ETH",
		PushSupported: true, RequeryDelay: 2 * time.Second, PollInterval: 12 * time.Second, IsTestnet: true,
	},
}

// LookupChain returns the registry entry for id.
func LookupChain(id int64) (Chain, bool) {
	c, ok := knownChains[id]
	return c, ok
}

// ChainOrDefault returns the registry entry for id, or a poll-only entry with
// conservative timings for chains the registry does not know.
func ChainOrDefault(id int64) Chain {
	if c, ok := knownChains[id]; ok {
		return c
	}
	return Chain{
		ID:           id,
		Name:         fmt.Sprintf("eip155-%d", id),
		NativeSymbol: "ETH",
		RequeryDelay: 2 * time.Second,
		PollInterval: 5 * time.Second,
	}
}

// KnownChains lists the registry entries ordered by chain id.
func KnownChains() []Chain {
	out := make([]Chain, 0, len(knownChains))
	for _, c := range knownChains {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Chain) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
