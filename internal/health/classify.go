package health

import "github.com/pgcluster/controlplane/pkg/types"

// Thresholds configures the lag bounds separating StandbyInSync from
// StandbyLagging, per group.
type Thresholds struct {
	LagBytes   int64
	LagSeconds int
}

// classify applies the HM's ordered classification rules to one probe
// outcome. probeErr is the error from the probe round trip itself (timeout,
// connection refused); a non-nil probeErr always yields Unreachable.
func classify(result ProbeResult, probeErr error, th Thresholds) types.Role {
	if probeErr != nil || !result.Reachable {
		return types.RoleUnreachable
	}
	if result.Writable {
		return types.RolePrimary
	}
	if result.InRecovery {
		withinBytes := th.LagBytes <= 0 || int64(result.ReplicationLagBytes) <= th.LagBytes
		withinSecs := th.LagSeconds <= 0 || result.ReplicationLagSecs <= float64(th.LagSeconds)
		if withinBytes && withinSecs {
			return types.RoleStandbyInSync
		}
		return types.RoleStandbyLagging
	}
	return types.RoleUnknown
}
