// Package buyback contains the treasury buy-back agent, the business core of
// the daemon. It claims accrued reward tokens from the governance contract,
// exchanges a bounded amount of reward tokens for the target token through a
// swap router, and lets the owner withdraw the accumulated target tokens. All
// external systems are reached through narrow collaborator interfaces so the
// agent can be exercised against mocks.
package buyback
