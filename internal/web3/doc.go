// Package web3 defines the chain-facing abstractions shared by the buy-back
// daemon: a uniform client interface, chain endpoint definitions loaded from
// YAML, and transaction/subscription value types decoupled from go-ethereum.
package web3
