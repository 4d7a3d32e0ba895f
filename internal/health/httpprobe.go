package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// statusPayload is the JSON shape expected from a database host's local
// status sidecar. Actually talking to the database (its wire protocol) is
// out of scope for this package; HTTPProbe instead polls whatever small
// agent the host runs to expose its own view of role and replication lag.
type statusPayload struct {
	Writable            bool    `json:"writable"`
	InRecovery          bool    `json:"in_recovery"`
	ReplicationLagBytes uint64  `json:"replication_lag_bytes"`
	ReplicationLagSecs  float64 `json:"replication_lag_seconds"`
	WALPosition         uint64  `json:"wal_position"`
}

// HTTPProbe implements DBProbe by polling a status endpoint over HTTP. It is
// the default wiring for deployments that run a small per-host sidecar
// reporting database role and lag as JSON; anything that needs to speak the
// database's own wire protocol instead should provide its own DBProbe.
type HTTPProbe struct {
	StatusURL string
	Client    *http.Client
}

// NewHTTPProbe constructs an HTTPProbe with a client timeout of 0 (the
// caller's ctx deadline governs instead).
func NewHTTPProbe(statusURL string) *HTTPProbe {
	return &HTTPProbe{StatusURL: statusURL, Client: &http.Client{}}
}

func (p *HTTPProbe) Probe(ctx context.Context) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.StatusURL, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{Reachable: false}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Reachable: false}, fmt.Errorf("status probe returned %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ProbeResult{Reachable: false}, err
	}

	return ProbeResult{
		Reachable:           true,
		Writable:            payload.Writable,
		InRecovery:          payload.InRecovery,
		ReplicationLagBytes: payload.ReplicationLagBytes,
		ReplicationLagSecs:  payload.ReplicationLagSecs,
		WALPosition:         payload.WALPosition,
	}, nil
}

var _ DBProbe = (*HTTPProbe)(nil)

// HTTPDemoter implements health.DatabaseDemoter by POSTing to the same
// sidecar's demote endpoint.
type HTTPDemoter struct {
	DemoteURL string
	Client    *http.Client
}

func NewHTTPDemoter(demoteURL string) *HTTPDemoter {
	return &HTTPDemoter{DemoteURL: demoteURL, Client: &http.Client{}}
}

func (d *HTTPDemoter) DemoteDatabase(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.DemoteURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("demote request returned %d", resp.StatusCode)
	}
	return nil
}

var _ DatabaseDemoter = (*HTTPDemoter)(nil)
