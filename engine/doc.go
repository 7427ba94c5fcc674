// Package engine implements the Streamlet consensus protocol for one node.
//
// Time is divided into epochs. Every epoch has one leader, chosen by hashing
// the epoch number over the validator set. Each node moves through
//
//	Idle → AwaitingProposal | Proposing → Voting → Notarizing → FinalizationCheck → Idle
//
// # Core Components
//
// Engine: Drives one node through epochs. BeginEpoch, Receive and EndEpoch
// consume input and return the messages the node wants sent; the engine has no
// goroutines or timers of its own.
//
// VoteTracker: Collects votes per block and marks a block notarized once
// ⌈2n/3⌉ distinct validators voted for it.
//
// LongestNotarizedChain: The fork-choice rule. Leaders extend the tip of the
// longest fully notarized chain, ties going to the smallest tip hash.
//
// Finalization: Three notarized blocks at consecutive epochs, each extending
// the previous, finalize the first of them and all of its ancestors.
//
// Pending buffer: Proposals whose parent is unknown, and votes for unknown
// blocks, wait here while the missing blocks are requested from peers.
//
// EpochClock: Maps wall time to epochs of length 2Δ for paced runs.
//
// Replay: Rebuilds a node's view from its message log.
//
// # Usage Example
//
//	eng, err := engine.NewEngine(engine.DefaultConfig(), valSet, privVal, types.NewGenesisBlock(),
//	    engine.WithLogger(logger),
//	    engine.WithApplication(mempool.New(mempool.DefaultConfig(), logger)),
//	)
//
//	out := eng.BeginEpoch(1)
//	out = append(out, eng.Receive(delivered)...)
//	eng.EndEpoch(1)
//
//	final := eng.FinalizedChain()
//
// # Thread Safety
//
// All public methods are safe for concurrent use and serialize on an internal
// lock.
//
// # Consensus Properties
//
// Safety: Honest nodes never finalize conflicting blocks while fewer than a
// third of the validators are faulty.
//
// Liveness: After the network stabilizes, five consecutive epochs with honest
// leaders finalize new blocks.
package engine
