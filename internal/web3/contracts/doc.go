// Package contracts provides ABI-bound clients for the external contracts the
// buy-back agent depends on: the governance contract that settles rewards, the
// Permit2 allowance relay, the universal swap router and standard ERC-20
// tokens. Clients are built on bind.ContractBackend so they run unchanged
// against a live node or the simulated backend.
package contracts
