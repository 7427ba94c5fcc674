// Package types defines the core data structures for the Streamberry consensus engine.
//
// # Core Types
//
// Block: An immutable block identified by the hash of (epoch, parent hash, payload).
// The epoch-0 block with no parent is the genesis block shared by every node.
//
// Proposal: A block signed by the leader of its epoch.
//
// Vote: A node's signed approval of one block in one epoch.
//
// Validator / ValidatorSet: The closed, static membership. Validators are
// ordered by NodeID; leader election and voter bitmaps index into that order.
//
// Message: The envelope exchanged between nodes: proposals, votes, block
// requests and responses, and transaction gossip.
//
// # Payloads
//
// Consensus treats block payloads as opaque bytes. Interpreting them is the
// application's responsibility.
//
// # Serialization
//
// Hashes and sign bytes are computed over core deterministic CBOR
// (github.com/fxamacker/cbor/v2), so every node derives identical bytes for
// identical values. Messages use the same encoding on the simulated wire and in
// the message log.
//
// # Keys
//
// Ed25519 is the default signature scheme. Secp256k1 ECDSA keys are also
// supported; those signatures are DER encoded over the SHA-256 of the sign bytes.
//
// # Usage Example
//
//	valSet, err := types.NewValidatorSet([]*types.Validator{
//	    {ID: "alice", PublicKey: alicePub},
//	    {ID: "bob", PublicKey: bobPub},
//	})
//
//	genesis := types.NewGenesisBlock()
//	block := types.NewBlock(genesis.Hash, 1, "alice", payload)
//
//	vote := types.NewVote("bob", block)
//	err = privVal.SignVote("chain-id", vote)
//	err = types.VerifyVoteSignature("chain-id", vote, valSet.GetByID("bob").PublicKey)
package types
