// Package storage persists the "already forwarded" record set.
//
// The store's single correctness-critical operation is Claim: an atomic
// insert-if-absent on the candidate dedup key. A claimed key survives
// process restarts, which is what gives the pipeline its at-most-once
// guarantee. Records are never deleted; correctness is favored over
// storage growth.
package storage
