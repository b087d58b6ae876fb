package web3

import "context"

// ChainSnapshot represents summarized network metadata used to enrich agent
// instructions and status reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Client defines the minimal chain access surface higher layers depend on.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
