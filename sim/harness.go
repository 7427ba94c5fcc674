package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/engine"
	"github.com/blockberries/streamberry/evidence"
	"github.com/blockberries/streamberry/mempool"
	"github.com/blockberries/streamberry/metrics"
	"github.com/blockberries/streamberry/privval"
	"github.com/blockberries/streamberry/types"
	"github.com/blockberries/streamberry/wal"
)

// ClientID is the sender of injected transactions. It is not a validator.
const ClientID types.NodeID = "client"

// Option configures a Harness
type Option func(*Harness)

// WithLogger sets the root logger; nodes derive theirs from it
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// WithRegisterer exports node and network metrics to reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Harness) { h.registerer = reg }
}

// Harness runs a set of nodes over a simulated network in lock-step epochs.
// Within a delivery step every node handles its inbox on the worker pool;
// the step ends when all of them are done.
type Harness struct {
	cfg        Config
	logger     zerolog.Logger
	registerer prometheus.Registerer

	valSet  *types.ValidatorSet
	genesis *types.Block
	ids     []types.NodeID
	nodes   map[types.NodeID]*Node
	network *Network
	pool    *workerpool.WorkerPool
	rng     *rand.Rand

	epoch uint64
}

// NodeIDs returns the ids of a simulated validator set of n nodes
func NodeIDs(n int) []types.NodeID {
	ids := make([]types.NodeID, n)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("node%d", i))
	}
	return ids
}

// New builds the validator set, the network and every node described by cfg.
// Keys are derived from cfg.Seed, so equal configs produce equal runs.
func New(cfg Config, opts ...Option) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Harness{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		genesis: types.NewGenesisBlock(),
		nodes:   make(map[types.NodeID]*Node, cfg.Nodes.Count),
		rng:     rand.New(rand.NewPCG(cfg.Seed^0x5bd1e995, cfg.Seed)),
	}
	for _, opt := range opts {
		opt(h)
	}

	signers := make(map[types.NodeID]*privval.MemoryPV, cfg.Nodes.Count)
	vals := make([]*types.Validator, 0, cfg.Nodes.Count)
	for _, id := range NodeIDs(cfg.Nodes.Count) {
		pv, err := privval.NewMemoryPV(id, cfg.Nodes.KeyType, privval.DeterministicSeed(cfg.Seed, id))
		if err != nil {
			return nil, fmt.Errorf("failed to create signer for %s: %w", id, err)
		}
		signers[id] = pv
		vals = append(vals, &types.Validator{ID: id, PublicKey: pv.GetPubKey()})
	}
	valSet, err := types.NewValidatorSet(vals)
	if err != nil {
		return nil, err
	}
	h.valSet = valSet
	h.ids = valSet.IDs()

	for id := range cfg.Nodes.Overrides {
		if !valSet.Has(id) {
			return nil, fmt.Errorf("%w: override for unknown node %s", ErrInvalidConfig, id)
		}
	}
	byzantine, err := h.byzantineSet()
	if err != nil {
		return nil, err
	}

	h.network = NewNetwork(h.ids, cfg.Network, cfg.Seed, h.logger)
	var collector *metrics.ConsensusCollector
	if h.registerer != nil {
		collector = metrics.NewConsensusCollector(h.registerer)
		h.network.SetObserver(collector)
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = len(h.ids)
	}
	h.pool = workerpool.New(workers)

	for _, id := range h.ids {
		var behaviors []NodeBehavior
		if o, ok := cfg.Nodes.Overrides[id]; ok {
			behaviors = append(behaviors, o)
		}
		if byzantine[id] {
			behaviors = append(behaviors, NodeBehavior{Kind: cfg.Nodes.Behavior, From: 1})
		}
		var m metrics.Collector = metrics.NewNoopCollector()
		if collector != nil {
			m = collector.ForNode(string(id))
		}
		node, err := h.newNode(id, signers[id], behaviors, m)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.nodes[id] = node
	}
	return h, nil
}

func (h *Harness) byzantineSet() (map[types.NodeID]bool, error) {
	set := make(map[types.NodeID]bool)
	if len(h.cfg.Nodes.ByzantineIDs) > 0 {
		for _, id := range h.cfg.Nodes.ByzantineIDs {
			if !h.valSet.Has(id) {
				return nil, fmt.Errorf("%w: unknown byzantine node %s", ErrInvalidConfig, id)
			}
			set[id] = true
		}
		return set, nil
	}
	for _, id := range h.ids[len(h.ids)-h.cfg.Nodes.Byzantine:] {
		set[id] = true
	}
	return set, nil
}

func (h *Harness) engineConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ChainID = h.cfg.Consensus.ChainID
	cfg.StrictLongestChain = h.cfg.Consensus.StrictLongestChain
	cfg.PendingTimeoutEpochs = h.cfg.Consensus.PendingTimeoutEpochs
	return cfg
}

func (h *Harness) newNode(id types.NodeID, pv *privval.MemoryPV, behaviors []NodeBehavior, m metrics.Collector) (*Node, error) {
	logger := h.logger.With().Str("node", string(id)).Logger()
	pool, err := evidence.NewPool(evidence.DefaultConfig())
	if err != nil {
		return nil, err
	}
	mp := mempool.New(mempool.DefaultConfig(), logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithEvidencePool(pool),
		engine.WithApplication(mp),
	}
	var fw *wal.FileWAL
	if h.cfg.WALDir != "" {
		fw, err = wal.NewFileWAL(h.WALPath(id))
		if err != nil {
			return nil, err
		}
		if err := fw.Start(); err != nil {
			return nil, fmt.Errorf("failed to start message log for %s: %w", id, err)
		}
		opts = append(opts, engine.WithWAL(fw))
	}

	eng, err := engine.NewEngine(h.engineConfig(), h.valSet, pv, h.genesis, opts...)
	if err != nil {
		if fw != nil {
			_ = fw.Stop()
		}
		return nil, err
	}
	return &Node{
		ID:        id,
		Engine:    eng,
		Mempool:   mp,
		signer:    pv,
		behaviors: behaviors,
		wal:       fw,
		logger:    logger.With().Str("component", "behavior").Logger(),
		begun:     make(map[uint64]bool),
	}, nil
}

// WALPath returns where node's message log is written
func (h *Harness) WALPath(id types.NodeID) string {
	return filepath.Join(h.cfg.WALDir, string(id))
}

// Replica creates a fresh engine with node id's identity and configuration
// but none of its state, e.g. to replay its message log into
func (h *Harness) Replica(id types.NodeID) (*engine.Engine, error) {
	if !h.valSet.Has(id) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownValidator, id)
	}
	pv, err := privval.NewMemoryPV(id, h.cfg.Nodes.KeyType, privval.DeterministicSeed(h.cfg.Seed, id))
	if err != nil {
		return nil, err
	}
	return engine.NewEngine(h.engineConfig(), h.valSet, pv, h.genesis,
		engine.WithApplication(mempool.New(mempool.DefaultConfig(), zerolog.Nop())))
}

// Run executes the remaining epochs and reports the outcome. It returns
// ErrDivergence, together with the report, if correct nodes disagree.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	var clock *engine.EpochClock
	if h.cfg.EpochDuration > 0 {
		clock = engine.NewEpochClock(time.Now(), h.cfg.EpochDuration/2)
	}
	start := h.epoch + 1
	for epoch := start; epoch <= h.cfg.Epochs; epoch++ {
		if clock != nil {
			if err := clock.WaitForEpoch(ctx, epoch-start+1); err != nil {
				return h.Report(), err
			}
		} else if err := ctx.Err(); err != nil {
			return h.Report(), err
		}
		h.RunEpoch(epoch)
	}

	report := h.Report()
	if !report.Consistent {
		h.logger.Error().Str("divergence", report.Divergence).Msg("SAFETY VIOLATION: honest outputs diverge")
		return report, fmt.Errorf("%w: %s", ErrDivergence, report.Divergence)
	}
	h.logger.Info().
		Uint64("epochs", report.Epochs).
		Int("common_prefix", report.CommonPrefix).
		Msg("Simulation finished")
	return report, nil
}

// RunEpoch executes one epoch: proposals, StepsPerEpoch delivery steps, and
// the end-of-epoch finalization check
func (h *Harness) RunEpoch(epoch uint64) {
	h.epoch = epoch
	h.network.SetEpoch(epoch)
	h.injectTxs(epoch)

	h.route(h.parallel(func(n *Node) []*types.Message {
		return n.Produce(epoch)
	}))
	for s := 0; s < h.cfg.StepsPerEpoch; s++ {
		h.network.Advance()
		inboxes := make(map[types.NodeID][]*types.Message, len(h.ids))
		for _, id := range h.ids {
			inboxes[id] = h.network.Deliver(id)
		}
		h.route(h.parallel(func(n *Node) []*types.Message {
			return n.React(epoch, inboxes[n.ID])
		}))
	}
	h.parallel(func(n *Node) []*types.Message {
		n.Finish(epoch)
		return nil
	})
	h.logEpoch(epoch)
}

// parallel runs fn for every node on the worker pool and waits for all of
// them. Results are indexed like h.ids.
func (h *Harness) parallel(fn func(*Node) []*types.Message) [][]*types.Message {
	outs := make([][]*types.Message, len(h.ids))
	var wg sync.WaitGroup
	wg.Add(len(h.ids))
	for i, id := range h.ids {
		node := h.nodes[id]
		h.pool.Submit(func() {
			defer wg.Done()
			outs[i] = fn(node)
		})
	}
	wg.Wait()
	return outs
}

// route hands outputs to the network in canonical node order
func (h *Harness) route(outs [][]*types.Message) {
	for i, msgs := range outs {
		for _, m := range msgs {
			h.network.Route(h.ids[i], m)
		}
	}
}

func (h *Harness) injectTxs(epoch uint64) {
	for i := 0; i < h.cfg.TxsPerEpoch; i++ {
		to := h.ids[h.rng.IntN(len(h.ids))]
		m := types.NewTxMessage(ClientID, fmt.Sprintf("tx/%d/%d", epoch, i))
		m.To = to
		h.network.Send(ClientID, to, m)
	}
}

func (h *Harness) logEpoch(epoch uint64) {
	leader := engine.LeaderForEpoch(h.valSet, epoch)
	minFinal, maxFinal := -1, 0
	notarized := 0
	for _, id := range h.ids {
		n := h.nodes[id]
		if n.IsByzantine() {
			continue
		}
		height := len(n.Engine.Output())
		if minFinal < 0 || height < minFinal {
			minFinal = height
		}
		if height > maxFinal {
			maxFinal = height
		}
		for _, b := range n.Engine.Store().BlocksAtEpoch(epoch) {
			if n.Engine.IsNotarized(b.Hash) {
				notarized++
				break
			}
		}
	}
	stats := h.network.Stats()
	h.logger.Info().
		Uint64("epoch", epoch).
		Str("leader", string(leader)).
		Str("leader_behavior", h.nodes[leader].KindAt(epoch).String()).
		Int("nodes_notarized", notarized).
		Int("min_final_height", minFinal).
		Int("max_final_height", maxFinal).
		Int("sent", stats.Sent).
		Int("lost", stats.Lost+stats.Cut).
		Msg("Epoch complete")
}

// Close stops the worker pool and closes every message log
func (h *Harness) Close() error {
	h.pool.StopWait()
	var result *multierror.Error
	for _, id := range h.ids {
		n, ok := h.nodes[id]
		if !ok || n.wal == nil {
			continue
		}
		if err := n.wal.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop message log of %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Epoch returns the last epoch run
func (h *Harness) Epoch() uint64 {
	return h.epoch
}

// Nodes returns the nodes in canonical order
func (h *Harness) Nodes() []*Node {
	out := make([]*Node, len(h.ids))
	for i, id := range h.ids {
		out[i] = h.nodes[id]
	}
	return out
}

// Node returns the node with id, or nil
func (h *Harness) Node(id types.NodeID) *Node {
	return h.nodes[id]
}

// Network returns the simulated network
func (h *Harness) Network() *Network {
	return h.network
}

// ValidatorSet returns the simulated validator set
func (h *Harness) ValidatorSet() *types.ValidatorSet {
	return h.valSet
}
