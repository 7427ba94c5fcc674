package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/blockstore"
	"github.com/blockberries/streamberry/evidence"
	"github.com/blockberries/streamberry/metrics"
	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/types"
	"github.com/blockberries/streamberry/wal"
)

// PayloadSource supplies the payload of blocks this node proposes.
// chain is the proposal's ancestry, genesis first, ending at the parent.
type PayloadSource interface {
	Payload(epoch uint64, chain []*types.Block) []byte
}

// Application is a PayloadSource that also receives transactions and
// finalized blocks
type Application interface {
	PayloadSource
	// AddTx reports whether tx was new to the application
	AddTx(tx string) bool
	// OnFinalized receives newly finalized blocks in chain order
	OnFinalized(blocks []*types.Block)
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPayloadSource sets where proposal payloads come from
func WithPayloadSource(ps PayloadSource) Option {
	return func(e *Engine) { e.payloads = ps }
}

// WithApplication connects an application. It also becomes the payload source.
func WithApplication(app Application) Option {
	return func(e *Engine) {
		e.app = app
		e.payloads = app
	}
}

// WithEvidencePool sets the pool that collects equivocation evidence
func WithEvidencePool(pool *evidence.Pool) Option {
	return func(e *Engine) { e.evidence = pool }
}

// WithWAL records every epoch boundary and delivered batch to w
func WithWAL(w wal.WAL) Option {
	return func(e *Engine) { e.wal = w }
}

// Engine runs Streamlet for one node. It is driven from outside: BeginEpoch,
// Receive and EndEpoch return the messages the node wants sent, and never
// block. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	config   *Config
	valSet   *types.ValidatorSet
	privVal  privval.PrivValidator
	nodeID   types.NodeID
	logger   zerolog.Logger
	metrics  metrics.Collector
	evidence *evidence.Pool
	wal      wal.WAL
	payloads PayloadSource
	app      Application

	store   *blockstore.Store
	tracker *VoteTracker
	final   *finalizer
	pending *pendingBuffer

	epoch uint64
	step  EpochStep

	// First valid leader proposal seen per epoch; the only one voted for
	firstProposal map[uint64]types.Hash
	// Signed proposal behind every stored block, used to answer block requests
	signed map[types.Hash]*types.Proposal
	voted  map[uint64]bool
	// Epoch in which each hash was last requested
	requested map[types.Hash]uint64

	outbox []*types.Message
}

// NewEngine creates a consensus engine for the validator behind pv.
// Only invalid setup is an error; nothing received later is fatal.
func NewEngine(
	config *Config,
	valSet *types.ValidatorSet,
	pv privval.PrivValidator,
	genesis *types.Block,
	opts ...Option,
) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if valSet == nil || valSet.Size() == 0 {
		return nil, types.ErrEmptyValidatorSet
	}
	if pv == nil {
		return nil, ErrNoPrivValidator
	}
	val := valSet.GetByID(pv.NodeID())
	if val == nil {
		return nil, fmt.Errorf("%w: %s", ErrSignerNotInSet, pv.NodeID())
	}
	if !types.PublicKeyEqual(val.PublicKey, pv.GetPubKey()) {
		return nil, fmt.Errorf("%w: public key of %s does not match", ErrSignerNotInSet, pv.NodeID())
	}
	if genesis == nil || !genesis.IsGenesis() {
		return nil, ErrInvalidGenesis
	}
	store, err := blockstore.New(genesis)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}

	e := &Engine{
		config:        config,
		valSet:        valSet,
		privVal:       pv,
		nodeID:        pv.NodeID(),
		logger:        zerolog.Nop(),
		metrics:       metrics.NewNoopCollector(),
		store:         store,
		firstProposal: make(map[uint64]types.Hash),
		signed:        make(map[types.Hash]*types.Proposal),
		voted:         make(map[uint64]bool),
		requested:     make(map[types.Hash]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evidence == nil {
		e.evidence, err = evidence.NewPool(evidence.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.With().Str("component", "engine").Str("node", string(e.nodeID)).Logger()
	e.tracker = NewVoteTracker(config.ChainID, valSet, genesis.Hash)
	e.final = newFinalizer(store, e.tracker, e.logger)
	e.pending = newPendingBuffer(config.MaxPendingProposals, config.MaxPendingVotes)
	return e, nil
}

// BeginEpoch enters epoch. The leader proposes on the longest notarized
// chain; every node votes on an already received proposal for epoch and
// re-requests blocks it is still missing.
func (e *Engine) BeginEpoch(epoch uint64) []*types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch == 0 || epoch < e.epoch {
		e.logger.Warn().Uint64("epoch", epoch).Uint64("current", e.epoch).Msg("Ignoring epoch regression")
		return nil
	}
	e.writeWAL(wal.NewEpochBeginMessage(epoch), false)

	e.epoch = epoch
	e.metrics.EpochStarted(epoch)
	e.evidence.Update(epoch)

	leader := LeaderForEpoch(e.valSet, epoch)
	e.logger.Debug().Uint64("epoch", epoch).Str("leader", string(leader)).Msg("Epoch started")
	if leader == e.nodeID {
		e.step = StepProposing
		p, err := e.buildProposal(epoch)
		if err != nil {
			e.logger.Error().Err(err).Uint64("epoch", epoch).Msg("Failed to create proposal")
		} else {
			e.send(types.NewProposalMessage(e.nodeID, p))
			e.handleProposal(e.nodeID, p)
		}
	} else {
		e.step = StepAwaitingProposal
	}
	e.tryVote()
	if e.config.RelayNotarizations {
		e.relayNotarizations()
	}

	if missing := e.pending.missing(); len(missing) > 0 {
		e.requestBlocks("", missing)
	}
	return e.flush()
}

// Receive processes delivered messages and returns the messages to send in
// response. Invalid input is dropped and logged.
func (e *Engine) Receive(msgs []*types.Message) []*types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	if e.wal != nil {
		rec, err := wal.NewDeliveryMessage(e.epoch, msgs)
		if err != nil {
			e.logger.Error().Err(err).Msg("Failed to encode delivery")
		} else {
			e.writeWAL(rec, false)
		}
	}

	for _, m := range msgs {
		e.handleMessage(m)
	}
	e.tryVote()
	return e.flush()
}

// EndEpoch closes the current epoch: stale buffered proposals are dropped
// and the finalization rule is re-applied to every notarized block.
func (e *Engine) EndEpoch(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch {
		e.logger.Warn().Uint64("epoch", epoch).Uint64("current", e.epoch).Msg("Ending an epoch that is not current")
	}
	e.step = StepFinalizationCheck

	for _, p := range e.pending.expire(e.epoch+1, e.config.PendingTimeoutEpochs) {
		e.metrics.MessageDropped(metrics.DropStale)
		e.logger.Debug().
			Err(ErrStaleProposal).
			Str("block", p.Block.Hash.Short()).
			Uint64("epoch", p.Epoch).
			Str("missing", p.Block.Parent.Short()).
			Msg("Dropped buffered proposal")
	}
	e.metrics.PendingProposals(e.pending.numProposals())

	newly, err := e.final.rescan()
	e.commit(newly, err)

	e.writeWAL(wal.NewEpochEndMessage(e.epoch), true)
	e.step = StepIdle
	e.outbox = nil
}

// NewProposal builds and signs a proposal for epoch on the current longest
// notarized chain without processing it
func (e *Engine) NewProposal(epoch uint64) (*types.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildProposal(epoch)
}

// BuildBlock returns an unsigned block for epoch with the given payload on the
// current longest notarized chain
func (e *Engine) BuildBlock(epoch uint64, payload []byte) *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	tip := LongestNotarizedChain(e.store, e.tracker)
	return types.NewBlock(tip.Hash, epoch, e.nodeID, payload)
}

// CastVote signs a vote for block and records it locally. It bypasses the
// voting rule but not the signer's double-sign protection.
func (e *Engine) CastVote(block *types.Block) (*types.Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vote := types.NewVote(e.nodeID, block)
	if err := e.privVal.SignVote(e.config.ChainID, vote); err != nil {
		return nil, err
	}
	e.voted[block.Epoch] = true
	e.metrics.VoteCast(block.Epoch)
	own := types.CopyVote(vote)
	e.checkVoteEvidence(own)
	e.applyVote(own)
	e.outbox = nil
	return vote, nil
}

// buildProposal creates and signs the leader's block for epoch.
// Caller must hold e.mu.
func (e *Engine) buildProposal(epoch uint64) (*types.Proposal, error) {
	tip := LongestNotarizedChain(e.store, e.tracker)
	var payload []byte
	if e.payloads != nil {
		chain, err := e.store.Chain(tip.Hash)
		if err != nil {
			return nil, err
		}
		payload = e.payloads.Payload(epoch, chain)
	}

	block := types.NewBlock(tip.Hash, epoch, e.nodeID, payload)
	proposal := types.NewProposal(block)
	if err := e.privVal.SignProposal(e.config.ChainID, proposal); err != nil {
		return nil, err
	}
	e.metrics.ProposalCreated(epoch)
	e.logger.Info().
		Uint64("epoch", epoch).
		Str("block", block.Hash.Short()).
		Str("parent", tip.Hash.Short()).
		Int("payload_bytes", len(payload)).
		Msg("Proposing block")
	return proposal, nil
}

func (e *Engine) writeWAL(msg *wal.Message, sync bool) {
	if e.wal == nil {
		return
	}
	var err error
	if sync {
		err = e.wal.WriteSync(msg)
	} else {
		err = e.wal.Write(msg)
	}
	if err != nil {
		e.logger.Error().Err(err).Stringer("type", msg.Type).Msg("Failed to write message log")
	}
}

// NodeID returns this node's id
func (e *Engine) NodeID() types.NodeID {
	return e.nodeID
}

// ChainID returns the chain id bound into signatures
func (e *Engine) ChainID() string {
	return e.config.ChainID
}

// ValidatorSet returns the validator set
func (e *Engine) ValidatorSet() *types.ValidatorSet {
	return e.valSet
}

// Epoch returns the current epoch
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Step returns the position within the current epoch
func (e *Engine) Step() EpochStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

// Tip returns the tip of the longest notarized chain
func (e *Engine) Tip() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return LongestNotarizedChain(e.store, e.tracker)
}

// FinalizedChain returns the finalized blocks, genesis first
func (e *Engine) FinalizedChain() []*types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final.finalizedChain()
}

// Output returns the node's canonical output: the finalized chain
func (e *Engine) Output() []*types.Block {
	return e.FinalizedChain()
}

// LastFinal returns the last finalized block
func (e *Engine) LastFinal() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final.lastFinal()
}

// IsFinal reports whether hash is finalized
func (e *Engine) IsFinal(hash types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final.isFinal(hash)
}

// IsNotarized reports whether hash is notarized
func (e *Engine) IsNotarized(hash types.Hash) bool {
	return e.tracker.IsNotarized(hash)
}

// HasVoted reports whether this node voted in epoch
func (e *Engine) HasVoted(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voted[epoch]
}

// Store returns the block store
func (e *Engine) Store() *blockstore.Store {
	return e.store
}

// Tracker returns the vote tracker
func (e *Engine) Tracker() *VoteTracker {
	return e.tracker
}

// Evidence returns the evidence pool
func (e *Engine) Evidence() *evidence.Pool {
	return e.evidence
}

// PendingProposals returns the number of proposals waiting for an ancestor
func (e *Engine) PendingProposals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.numProposals()
}
