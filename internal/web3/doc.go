// Package web3 houses Mantle network connectivity utilities: chain metadata
// configuration, an ethclient-backed snapshot client, and request validation
// helpers for wallet addresses and private keys. Snapshots feed the agent's
// instruction enrichment; validation runs at the API boundary before any
// model or downstream call is made.
package web3
