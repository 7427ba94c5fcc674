package sim

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/blockberries/streamberry/types"
)

// ErrDivergence is returned when two correct nodes finalize conflicting chains
var ErrDivergence = errors.New("finalized chains diverge")

// NodeResult is one node's state at the end of a run
type NodeResult struct {
	ID        types.NodeID
	Byzantine bool
	Behaviors []NodeBehavior
	// Output is the finalized chain, genesis first
	Output    []types.Hash
	Tip       types.Hash
	TipHeight int
	Evidence  int
	Offenders []types.NodeID
}

// FinalizedHeight returns the number of finalized blocks after genesis
func (r NodeResult) FinalizedHeight() int {
	if len(r.Output) == 0 {
		return 0
	}
	return len(r.Output) - 1
}

// Report summarizes a run
type Report struct {
	Seed   uint64
	Epochs uint64
	Nodes  []NodeResult
	// Consistent is true when the outputs of all non-Byzantine nodes are
	// prefixes of one another
	Consistent bool
	Divergence string
	// CommonPrefix is the number of finalized blocks after genesis that every
	// non-Byzantine node has output
	CommonPrefix int
	Network      NetworkStats
}

// Report collects the current state of every node
func (h *Harness) Report() *Report {
	r := &Report{
		Seed:    h.cfg.Seed,
		Epochs:  h.epoch,
		Network: h.network.Stats(),
	}
	for _, id := range h.ids {
		n := h.nodes[id]
		output := n.Engine.Output()
		hashes := make([]types.Hash, len(output))
		for i, b := range output {
			hashes[i] = b.Hash
		}
		tip := n.Engine.Tip()
		r.Nodes = append(r.Nodes, NodeResult{
			ID:        id,
			Byzantine: n.IsByzantine(),
			Behaviors: n.Behaviors(),
			Output:    hashes,
			Tip:       tip.Hash,
			TipHeight: n.Engine.Store().Height(tip.Hash) - 1,
			Evidence:  n.Engine.Evidence().Size(),
			Offenders: n.Engine.Evidence().Offenders(),
		})
	}
	r.CommonPrefix, r.Divergence = checkOutputs(r.Nodes)
	r.Consistent = r.Divergence == ""
	return r
}

// checkOutputs compares the outputs of non-Byzantine nodes pairwise and
// returns the length of their shared finalized prefix, or a description of
// the first conflict
func checkOutputs(nodes []NodeResult) (int, string) {
	var correct []NodeResult
	for _, n := range nodes {
		if !n.Byzantine {
			correct = append(correct, n)
		}
	}
	if len(correct) == 0 {
		return 0, ""
	}
	common := correct[0].FinalizedHeight()
	for i := range correct {
		if h := correct[i].FinalizedHeight(); h < common {
			common = h
		}
		for j := i + 1; j < len(correct); j++ {
			a, b := correct[i], correct[j]
			for k := 0; k < len(a.Output) && k < len(b.Output); k++ {
				if a.Output[k] != b.Output[k] {
					return 0, fmt.Sprintf("%s and %s disagree at height %d: %s vs %s",
						a.ID, b.ID, k, a.Output[k].Short(), b.Output[k].Short())
				}
			}
		}
	}
	return common, ""
}

// Render writes a human-readable summary to w
func (r *Report) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "seed %d, %d epochs\n\n", r.Seed, r.Epochs)
	fmt.Fprintln(tw, "NODE\tROLE\tFINAL\tTIP\tEVIDENCE\tFINALIZED CHAIN")
	for _, n := range r.Nodes {
		role := "honest"
		if len(n.Behaviors) > 0 {
			kinds := make([]string, len(n.Behaviors))
			for i, b := range n.Behaviors {
				kinds[i] = b.Kind.String()
			}
			role = strings.Join(kinds, ",")
		}
		chain := make([]string, 0, len(n.Output))
		for _, h := range n.Output {
			chain = append(chain, h.Short())
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			n.ID, role, n.FinalizedHeight(), n.TipHeight, n.Evidence, strings.Join(chain, " <- "))
	}
	fmt.Fprintf(tw, "\nnetwork\tsent %d\tdelivered %d\tlost %d\tdelayed %d\tcut %d\n",
		r.Network.Sent, r.Network.Delivered, r.Network.Lost, r.Network.Delayed, r.Network.Cut)
	if r.Consistent {
		fmt.Fprintf(tw, "outputs consistent, common finalized prefix %d\n", r.CommonPrefix)
	} else {
		fmt.Fprintf(tw, "DIVERGENCE: %s\n", r.Divergence)
	}
	return tw.Flush()
}
