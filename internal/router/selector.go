package router

import (
	"math/rand"

	cperrors "github.com/pgcluster/controlplane/pkg/errors"
	"github.com/pgcluster/controlplane/pkg/types"
)

// RoutingConfig configures read/write fallback behavior.
type RoutingConfig struct {
	ReadOnlyFallbackToPrimary bool
}

// connCounter reports the current live connection count for a node, used to
// weight read-replica selection away from already-busy upstreams.
type connCounter interface {
	LiveConns(node types.NodeID) int
}

// selectUpstream applies the CRP's routing rule for one (group, intent)
// pair against a TopologySnapshot, returning the chosen node and the
// (GroupID, Epoch) fencing tuple the forward must carry.
func selectUpstream(snapshot *types.TopologySnapshot, group types.GroupID, intent types.Intent, cfg RoutingConfig, counts connCounter) (types.NodeID, types.Epoch, error) {
	gt, ok := snapshot.Groups[group]
	if !ok {
		return "", 0, cperrors.NewError(cperrors.ErrCodeNoPrimary, "unknown group").WithGroup(string(group))
	}

	switch intent {
	case types.IntentReadWrite:
		if !gt.Leader.Known {
			return "", 0, cperrors.NewError(cperrors.ErrCodeNoPrimary, "no leader for group").WithGroup(string(group))
		}
		return gt.Leader.NodeID, gt.Leader.Epoch, nil

	case types.IntentReadOnly:
		if node, ok := pickWeighted(gt.InSync, counts); ok {
			return node, gt.Leader.Epoch, nil
		}
		if cfg.ReadOnlyFallbackToPrimary && gt.Leader.Known {
			return gt.Leader.NodeID, gt.Leader.Epoch, nil
		}
		return "", 0, cperrors.NewError(cperrors.ErrCodeNoReplica, "no in-sync replica available").WithGroup(string(group))

	default: // IntentAny
		if node, ok := pickWeighted(gt.InSync, counts); ok {
			return node, gt.Leader.Epoch, nil
		}
		if gt.Leader.Known {
			return gt.Leader.NodeID, gt.Leader.Epoch, nil
		}
		return "", 0, cperrors.NewError(cperrors.ErrCodeNoPrimary, "no leader or replica available").WithGroup(string(group))
	}
}

// pickWeighted chooses among candidates at random, weighting each by
// 1/(1+currentConnCount): nodes with fewer live connections are
// proportionally more likely to be picked. Each call is an independent
// draw; no round-robin position is kept between calls.
func pickWeighted(candidates []types.ReplicaInfo, counts connCounter) (types.NodeID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		live := 0
		if counts != nil {
			live = counts.LiveConns(c.NodeID)
		}
		weights[i] = 1.0 / float64(1+live)
		total += weights[i]
	}
	if total <= 0 {
		return candidates[0].NodeID, true
	}
	r := rand.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return candidates[i].NodeID, true
		}
	}
	return candidates[len(candidates)-1].NodeID, true
}
