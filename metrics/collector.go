// Package metrics exposes consensus engine counters.
package metrics

// Reasons reported with MessageDropped
const (
	DropInvalid      = "invalid"
	DropSignature    = "signature"
	DropNotLeader    = "not_leader"
	DropStale        = "stale"
	DropBufferFull   = "buffer_full"
	DropUnknownVoter = "unknown_voter"
)

// Collector receives engine events. Implementations must be safe for
// concurrent use; each engine reports through its own Collector.
type Collector interface {
	// ProposalCreated is called when this node proposes a block
	ProposalCreated(epoch uint64)

	// ProposalReceived is called for every accepted proposal
	ProposalReceived(epoch uint64)

	// VoteCast is called when this node signs a vote
	VoteCast(epoch uint64)

	// VoteReceived is called for every recorded vote
	VoteReceived()

	// BlockNotarized is called when a block reaches the notarization threshold
	BlockNotarized(epoch uint64)

	// BlocksFinalized is called with the number of newly final blocks and the
	// height of the last one
	BlocksFinalized(count int, height int)

	// EquivocationDetected is called for every conflicting vote or proposal
	EquivocationDetected()

	// MessageDropped is called for rejected input
	MessageDropped(reason string)

	// PendingProposals reports the size of the missing-ancestor buffer
	PendingProposals(size int)

	// EpochStarted reports the current epoch
	EpochStarted(epoch uint64)
}

// NoopCollector discards all events
type NoopCollector struct{}

// NewNoopCollector returns a Collector that does nothing
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) ProposalCreated(epoch uint64)          {}
func (nc *NoopCollector) ProposalReceived(epoch uint64)         {}
func (nc *NoopCollector) VoteCast(epoch uint64)                 {}
func (nc *NoopCollector) VoteReceived()                         {}
func (nc *NoopCollector) BlockNotarized(epoch uint64)           {}
func (nc *NoopCollector) BlocksFinalized(count int, height int) {}
func (nc *NoopCollector) EquivocationDetected()                 {}
func (nc *NoopCollector) MessageDropped(reason string)          {}
func (nc *NoopCollector) PendingProposals(size int)             {}
func (nc *NoopCollector) EpochStarted(epoch uint64)             {}

var _ Collector = (*NoopCollector)(nil)
