// Package wal implements a per-node message log for deterministic replay.
//
// The simulator records, for every node, the epoch boundaries and each batch
// of messages delivered to it. Feeding the same records into a fresh engine
// with the same key and configuration reproduces the node's view, including
// its finalized chain, which makes divergences debuggable after the fact.
//
// # Record Types
//
//	- EpochBegin: the node entered an epoch (the engine proposes if it is leader)
//	- Delivery:   a batch of messages handed to the engine in one step
//	- EpochEnd:   the node closed an epoch
//
// # File Format
//
// Each entry is encoded as:
//
//	[4 bytes: length][N bytes: CBOR-encoded record][4 bytes: CRC32]
//
// The length prefix enables fast seeking and validation.
// CRC32 detects corruption from incomplete writes or disk errors.
//
// # Segments
//
// Records are appended to numbered segments (wal-00000, wal-00001, ...).
// A new segment is opened once the current one exceeds the configured size.
// SearchForEndEpoch positions a reader right after a given epoch, so a log
// can be inspected from any epoch on without reading what precedes it.
package wal
