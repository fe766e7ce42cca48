// Package api exposes the REST surface of the buy-back daemon: submitting
// and querying buy-back jobs, triggering reward claims and withdrawals, and
// inspecting ownership. Handlers delegate to the job service and the buy-back
// agent and never talk to the chain directly.
package api
