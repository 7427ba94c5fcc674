// Package sim runs Streamlet nodes against each other over a simulated,
// seeded network.
//
// A Harness owns every node and the Network. Each epoch it lets all nodes
// produce their first messages, then runs a fixed number of delivery steps
// in which every node handles its inbox in parallel, and finally closes the
// epoch on every node. Loss, delay and partitions are drawn from the run
// seed, so a Config fully determines a run.
//
// Faulty nodes are configured per node as a BehaviorKind: Silent nodes act
// crashed, Equivocating nodes sign conflicting proposals and votes. After a
// run, Report compares the finalized chains of all non-Byzantine nodes.
package sim
