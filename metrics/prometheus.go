package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceStreamlet = "streamlet"
	subsystemConsensus = "consensus"
	subsystemNetwork   = "network"

	labelNode   = "node"
	labelReason = "reason"
)

// ConsensusCollector holds Prometheus vectors shared by every node in the
// process. ForNode returns the per-node view handed to an engine.
type ConsensusCollector struct {
	proposalsCreated  *prometheus.CounterVec
	proposalsReceived *prometheus.CounterVec
	votesCast         *prometheus.CounterVec
	votesReceived     *prometheus.CounterVec
	notarized         *prometheus.CounterVec
	finalized         *prometheus.CounterVec
	finalizedHeight   *prometheus.GaugeVec
	equivocations     *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	pending           *prometheus.GaugeVec
	epoch             *prometheus.GaugeVec

	// Network-level counters, reported by the simulator
	messagesSent    prometheus.Counter
	messagesLost    prometheus.Counter
	messagesDelayed prometheus.Counter
}

// NewConsensusCollector creates and registers the consensus metrics
func NewConsensusCollector(registerer prometheus.Registerer) *ConsensusCollector {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceStreamlet,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceStreamlet,
			Subsystem: subsystemConsensus,
			Name:      name,
			Help:      help,
		}, []string{labelNode})
	}

	cc := &ConsensusCollector{
		proposalsCreated:  counter(subsystemConsensus, "proposals_created_total", "number of blocks proposed by the node", labelNode),
		proposalsReceived: counter(subsystemConsensus, "proposals_received_total", "number of valid proposals accepted by the node", labelNode),
		votesCast:         counter(subsystemConsensus, "votes_cast_total", "number of votes signed by the node", labelNode),
		votesReceived:     counter(subsystemConsensus, "votes_received_total", "number of votes recorded by the node", labelNode),
		notarized:         counter(subsystemConsensus, "blocks_notarized_total", "number of blocks the node observed as notarized", labelNode),
		finalized:         counter(subsystemConsensus, "blocks_finalized_total", "number of blocks the node finalized", labelNode),
		equivocations:     counter(subsystemConsensus, "equivocations_total", "number of conflicting votes or proposals detected", labelNode),
		dropped:           counter(subsystemConsensus, "messages_dropped_total", "number of rejected messages by reason", labelNode, labelReason),
		finalizedHeight:   gauge("finalized_height", "chain length from genesis to the last final block"),
		pending:           gauge("pending_proposals", "proposals waiting for a missing ancestor"),
		epoch:             gauge("epoch", "current epoch of the node"),
		messagesSent:      prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStreamlet,
			Subsystem: subsystemNetwork,
			Name:      "messages_sent_total",
			Help:      "number of point-to-point deliveries scheduled by the simulated network",
		}),
		messagesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStreamlet,
			Subsystem: subsystemNetwork,
			Name:      "messages_lost_total",
			Help:      "number of deliveries dropped by loss or partition",
		}),
		messagesDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStreamlet,
			Subsystem: subsystemNetwork,
			Name:      "messages_delayed_total",
			Help:      "number of deliveries held back by injected delay",
		}),
	}

	registerer.MustRegister(
		cc.proposalsCreated,
		cc.proposalsReceived,
		cc.votesCast,
		cc.votesReceived,
		cc.notarized,
		cc.finalized,
		cc.finalizedHeight,
		cc.equivocations,
		cc.dropped,
		cc.pending,
		cc.epoch,
		cc.messagesSent,
		cc.messagesLost,
		cc.messagesDelayed,
	)
	return cc
}

// ForNode returns a Collector that labels every event with node
func (cc *ConsensusCollector) ForNode(node string) Collector {
	return &nodeCollector{cc: cc, node: node}
}

// MessageSent counts a scheduled delivery
func (cc *ConsensusCollector) MessageSent() { cc.messagesSent.Inc() }

// MessageLost counts a delivery dropped by the network
func (cc *ConsensusCollector) MessageLost() { cc.messagesLost.Inc() }

// MessageDelayed counts a delivery held back by the network
func (cc *ConsensusCollector) MessageDelayed() { cc.messagesDelayed.Inc() }

type nodeCollector struct {
	cc   *ConsensusCollector
	node string
}

func (n *nodeCollector) ProposalCreated(epoch uint64) {
	n.cc.proposalsCreated.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) ProposalReceived(epoch uint64) {
	n.cc.proposalsReceived.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) VoteCast(epoch uint64) {
	n.cc.votesCast.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) VoteReceived() {
	n.cc.votesReceived.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) BlockNotarized(epoch uint64) {
	n.cc.notarized.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) BlocksFinalized(count int, height int) {
	n.cc.finalized.WithLabelValues(n.node).Add(float64(count))
	n.cc.finalizedHeight.WithLabelValues(n.node).Set(float64(height))
}

func (n *nodeCollector) EquivocationDetected() {
	n.cc.equivocations.WithLabelValues(n.node).Inc()
}

func (n *nodeCollector) MessageDropped(reason string) {
	n.cc.dropped.WithLabelValues(n.node, reason).Inc()
}

func (n *nodeCollector) PendingProposals(size int) {
	n.cc.pending.WithLabelValues(n.node).Set(float64(size))
}

func (n *nodeCollector) EpochStarted(epoch uint64) {
	n.cc.epoch.WithLabelValues(n.node).Set(float64(epoch))
}

var _ Collector = (*nodeCollector)(nil)
