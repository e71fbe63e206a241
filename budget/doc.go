// Package budget tracks spending per tenant/workspace scope and enforces
// per-request, daily, and monthly limits with exact decimal arithmetic.
//
// Admission uses a reserve-then-commit protocol: Reserve holds the requested
// amount under the scope's lock so concurrent requests cannot both be
// admitted against the same remaining budget, and Commit turns the hold into
// an append-only ledger entry once the real cost is known.
package budget
