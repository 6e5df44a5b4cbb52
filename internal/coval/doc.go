// Package coval implements the CoValue core: cryptographically
// verifiable collaborative values backed by per-session append-only
// transaction logs.
//
// A CoValue is identified by the hash of its immutable header. Writers
// append transactions to their own session log only; each log carries a
// cumulative signature plus periodic signature checkpoints so a partial
// log tail can be verified without replaying the whole log. Current
// state is a pure, memoized reduction over the set of transactions known
// so far, in a canonical cross-session order, which is what makes two
// nodes holding the same transactions converge.
//
// The package also contains the permission engine (group role state
// machine, read-key rotation and revelation chains) and the three
// content reductions (map, list, stream). Permission failures on role
// changes are deliberately silent: the transaction stays in the log and
// simply has no materialized effect, so uncoordinated peers reach the
// same conclusion without a negotiation round trip.
package coval
