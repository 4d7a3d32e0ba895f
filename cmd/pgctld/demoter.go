package main

import (
	"context"
	"time"

	"github.com/pgcluster/controlplane/internal/health"
	"github.com/pgcluster/controlplane/internal/router"
)

// compositeDemoter satisfies lease.Demoter by splitting its obligations
// across the two collaborators that actually own them: the router owns
// client-session lifecycle (reject/drain), the database-side sidecar owns
// the demotion command itself.
type compositeDemoter struct {
	router *router.Router
	db     health.DatabaseDemoter
}

func (d *compositeDemoter) RejectWriteIntents(reject bool) {
	d.router.RejectWriteIntents(reject)
}

func (d *compositeDemoter) DemoteDatabase(ctx context.Context) error {
	return d.db.DemoteDatabase(ctx)
}

func (d *compositeDemoter) DrainWriteSessions(ctx context.Context, timeout time.Duration) error {
	return d.router.DrainWriteSessions(ctx, timeout)
}
