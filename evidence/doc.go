// Package evidence implements Byzantine fault detection and evidence management.
//
// The evidence pool collects and validates proofs of Byzantine behavior. In
// Streamlet an equivocating node never halts consensus: conflicting votes are
// all counted toward notarization. Evidence only makes the misbehavior
// observable.
//
// # Evidence Types
//
// DuplicateVoteEvidence: two votes signed by the same node in the same epoch
// for different blocks.
//
// DuplicateProposalEvidence: two proposals signed by the same leader for the
// same epoch with different blocks.
//
// # Evidence Validation
//
// Before accepting evidence, callers verify:
//
//	1. Both messages are from the same node
//	2. Both messages are for the same epoch
//	3. They reference different blocks
//	4. Both signatures are valid
//
// # Memory Bounds
//
// Seen votes and proposals are held in LRU caches of Config.MaxSeenVotes
// entries, and pending evidence older than Config.MaxAgeEpochs is pruned by
// Update.
package evidence
