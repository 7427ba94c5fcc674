// Package privval implements private validator functionality with double-sign prevention.
//
// A private validator holds the key used for signing consensus messages
// (proposals and votes). The key responsibility is preventing double-signing,
// which would constitute Byzantine behavior and violate consensus safety.
//
// # Core Interface
//
//	type PrivValidator interface {
//	    NodeID() types.NodeID
//	    GetPubKey() types.PublicKey
//	    SignVote(chainID string, vote *types.Vote) error
//	    SignProposal(chainID string, proposal *types.Proposal) error
//	}
//
// # Double-Sign Prevention
//
// LastSignState tracks the last epoch/step signed by this validator.
// Before signing any message, the validator checks:
//
//	1. Never sign two different messages at the same epoch/step
//	2. Never regress to a lower epoch, or to the proposal step after voting
//
// Re-signing the identical message returns the cached signature.
//
// # Implementation
//
// MemoryPV keeps its key and sign state in memory. Keys are derived from a
// 32-byte seed (Ed25519 or secp256k1), so simulations are reproducible.
// MemoryPV also implements UnsafeSigner, which bypasses the double-sign guard
// and is used only to simulate equivocating nodes.
package privval
