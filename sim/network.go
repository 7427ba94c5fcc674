package sim

import (
	"math/rand/v2"
	"sort"

	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"

	"github.com/blockberries/streamberry/types"
)

// NetworkStats counts what happened to sent messages.
// A broadcast counts once per recipient.
type NetworkStats struct {
	Sent      int
	Delivered int
	Lost      int
	Delayed   int
	Cut       int // dropped by a partition
}

// NetworkObserver receives per-delivery events, e.g. for metrics
type NetworkObserver interface {
	MessageSent()
	MessageLost()
	MessageDelayed()
}

// envelope is a message in flight to one recipient
type envelope struct {
	data      []byte
	readyStep int
}

// Network is the in-process message transport. Every node has a FIFO inbox.
// Messages are serialized on send and decoded on delivery, so nodes never
// share memory. Loss and delay are drawn from a seeded source, making runs
// reproducible.
//
// Network is not safe for concurrent use; the harness is its only caller.
type Network struct {
	cfg      NetworkConfig
	ids      []types.NodeID
	index    map[types.NodeID]int
	inboxes  map[types.NodeID]*deque.Deque
	rng      *rand.Rand
	logger   zerolog.Logger
	observer NetworkObserver

	epoch uint64
	step  int
	stats NetworkStats
}

// NewNetwork creates a network connecting ids
func NewNetwork(ids []types.NodeID, cfg NetworkConfig, seed uint64, logger zerolog.Logger) *Network {
	sorted := make([]types.NodeID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := &Network{
		cfg:     cfg,
		ids:     sorted,
		index:   make(map[types.NodeID]int, len(sorted)),
		inboxes: make(map[types.NodeID]*deque.Deque, len(sorted)),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:  logger.With().Str("component", "network").Logger(),
	}
	for i, id := range sorted {
		n.index[id] = i
		n.inboxes[id] = deque.New()
	}
	return n
}

// SetObserver installs an observer for send, loss and delay events
func (n *Network) SetObserver(o NetworkObserver) {
	n.observer = o
}

// SetEpoch tells the network which epoch is running; partitions and GST
// depend on it
func (n *Network) SetEpoch(epoch uint64) {
	n.epoch = epoch
}

// Advance moves to the next delivery step
func (n *Network) Advance() {
	n.step++
}

// Step returns the current delivery step
func (n *Network) Step() int {
	return n.step
}

// Broadcast sends msg from sender to every other node
func (n *Network) Broadcast(sender types.NodeID, msg *types.Message) {
	data, ok := n.encode(msg)
	if !ok {
		return
	}
	for _, id := range n.ids {
		if id != sender {
			n.enqueue(sender, id, data)
		}
	}
}

// Send sends msg from sender to a single node
func (n *Network) Send(sender, to types.NodeID, msg *types.Message) {
	if _, ok := n.inboxes[to]; !ok {
		n.logger.Warn().Str("from", string(sender)).Str("to", string(to)).Msg("Send to unknown node")
		return
	}
	data, ok := n.encode(msg)
	if !ok {
		return
	}
	n.enqueue(sender, to, data)
}

// Route sends msg to its addressee, or to everyone else if it has none
func (n *Network) Route(sender types.NodeID, msg *types.Message) {
	if msg.IsBroadcast() {
		n.Broadcast(sender, msg)
		return
	}
	n.Send(sender, msg.To, msg)
}

// Deliver removes and returns the messages for node that are due by the
// current step, in send order. Undecodable messages are dropped.
func (n *Network) Deliver(node types.NodeID) []*types.Message {
	inbox, ok := n.inboxes[node]
	if !ok {
		return nil
	}
	var out []*types.Message
	pending := inbox.Len()
	for i := 0; i < pending; i++ {
		v, _ := inbox.PopFront()
		env := v.(*envelope)
		if env.readyStep > n.step {
			inbox.PushBack(env)
			continue
		}
		msg, err := types.DecodeMessage(env.data)
		if err != nil {
			n.logger.Error().Err(err).Str("to", string(node)).Msg("Dropping undecodable message")
			continue
		}
		out = append(out, msg)
		n.stats.Delivered++
	}
	return out
}

// Pending returns the number of messages in flight to node
func (n *Network) Pending(node types.NodeID) int {
	if inbox, ok := n.inboxes[node]; ok {
		return inbox.Len()
	}
	return 0
}

// Stats returns delivery counters
func (n *Network) Stats() NetworkStats {
	return n.stats
}

// Partitioned reports whether a and b are cut off from each other in the
// current epoch. Outsiders such as clients are never cut off.
func (n *Network) Partitioned(a, b types.NodeID) bool {
	if n.cfg.PartitionUntil == 0 || n.epoch >= n.cfg.PartitionUntil || n.stable() {
		return false
	}
	ia, okA := n.index[a]
	ib, okB := n.index[b]
	if !okA || !okB {
		return false
	}
	half := len(n.ids) / 2
	return (ia < half) != (ib < half)
}

func (n *Network) stable() bool {
	return n.cfg.GST != 0 && n.epoch >= n.cfg.GST
}

func (n *Network) encode(msg *types.Message) ([]byte, bool) {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		n.logger.Error().Err(err).Stringer("msg", msg).Msg("Failed to encode message")
		return nil, false
	}
	return data, true
}

func (n *Network) enqueue(from, to types.NodeID, data []byte) {
	n.stats.Sent++
	if n.observer != nil {
		n.observer.MessageSent()
	}
	if n.Partitioned(from, to) {
		n.stats.Cut++
		if n.observer != nil {
			n.observer.MessageLost()
		}
		return
	}

	// Faults are drawn in a fixed order so the random stream, and the run,
	// depend only on the seed
	faulty := !n.stable()
	if faulty && n.cfg.LossRate > 0 && n.rng.Float64() < n.cfg.LossRate {
		n.stats.Lost++
		if n.observer != nil {
			n.observer.MessageLost()
		}
		return
	}
	delay := 0
	if faulty && n.cfg.MaxDelaySteps > 0 {
		delay = n.rng.IntN(n.cfg.MaxDelaySteps + 1)
	}
	if delay > 0 {
		n.stats.Delayed++
		if n.observer != nil {
			n.observer.MessageDelayed()
		}
	}
	// Messages sent during a step are delivered at the next one at the earliest
	n.inboxes[to].PushBack(&envelope{data: data, readyStep: n.step + 1 + delay})
}
