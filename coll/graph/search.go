package graph

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/collring/collring/coll/topo"
)

// Options tune the channel search.
type Options struct {
	ChannelTarget      int // rings to aim for before capacity stops the search (default 2)
	MaxChannelsPerLink int // channels one physical link may back (default 2)
	MinChannels        int // lower bound, met by duplicating found rings (default 1)
	MaxChannels        int // hard upper bound on the channel list (default 16)
}

func (o Options) withDefaults() Options {
	if o.ChannelTarget <= 0 {
		o.ChannelTarget = 2
	}
	if o.MaxChannelsPerLink <= 0 {
		o.MaxChannelsPerLink = 2
	}
	if o.MinChannels <= 0 {
		o.MinChannels = 1
	}
	if o.MaxChannels <= 0 {
		o.MaxChannels = 16
	}
	if o.MinChannels > o.MaxChannels {
		o.MinChannels = o.MaxChannels
	}
	return o
}

// Search derives the channel list for ranks over the local topology graph.
// It produces rings until the channel target is met or link capacity is
// exhausted, then a tree per channel. When no capacity-respecting ring
// covering all ranks exists it falls back to the degenerate sequential ring
// and records a DegradedTopology warning instead of failing: correctness is
// preserved, only performance degrades.
func Search(g *topo.Graph, ranks []RankInfo, opts Options) (*Plan, error) {
	opts = opts.withDefaults()
	n := len(ranks)
	if n == 0 {
		return nil, fmt.Errorf("search: no ranks")
	}
	for r, ri := range ranks {
		if ri.Host == g.Host() && !g.HasNode(ri.Device) {
			return nil, &topo.ConfigurationError{
				Reason: fmt.Sprintf("rank %d device %q not in topology graph", r, ri.Device),
			}
		}
	}

	st := newSearchState(g, ranks, opts.MaxChannelsPerLink)
	plan := &Plan{}
	for len(plan.Channels) < opts.ChannelTarget {
		order := st.findRing()
		if order == nil {
			break
		}
		st.commitRing(order)
		plan.Channels = append(plan.Channels, Channel{ID: len(plan.Channels), Ring: Ring{Order: order}})
		logrus.Debugf("graph: ring %d: %s", len(plan.Channels)-1, ringString(order))
	}

	if len(plan.Channels) == 0 {
		warn := &DegradedTopology{Reason: "no capacity-respecting ring covers all ranks, using sequential fallback"}
		logrus.Warnf("graph: %v", warn)
		plan.Degraded = true
		plan.Warnings = append(plan.Warnings, warn.Error())
		plan.Channels = append(plan.Channels, Channel{ID: 0, Ring: Ring{Order: degenerateRing(n)}})
	}

	// Clamp the channel count: duplicate the found rings up to the minimum,
	// drop surplus beyond the maximum.
	found := len(plan.Channels)
	for len(plan.Channels) < opts.MinChannels {
		src := plan.Channels[len(plan.Channels)%found]
		dup := Channel{ID: len(plan.Channels), Ring: Ring{Order: append([]int(nil), src.Ring.Order...)}}
		plan.Channels = append(plan.Channels, dup)
	}
	if len(plan.Channels) > opts.MaxChannels {
		plan.Channels = plan.Channels[:opts.MaxChannels]
	}

	// Tree pass: alternate the complementary tree pair across channels.
	for i := range plan.Channels {
		plan.Channels[i].Tree = buildTree(plan.Channels[i].Ring.Order, i)
	}

	Connect(plan)
	if err := Validate(plan, n); err != nil {
		return nil, fmt.Errorf("search produced invalid plan: %w", err)
	}
	return plan, nil
}
