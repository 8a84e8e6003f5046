// Package chaos injects connection-level faults during the stress run. The
// swap services must survive losing a backend mid-transaction: row locks
// release, the guarded updates roll back and the idempotency keys make the
// retry safe.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one live backend whose
// application_name matches appName, excluding the session doing the killing.
// On a shared server the filter keeps the blast radius inside the harness.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
                SELECT pg_terminate_backend(pid)
                FROM pg_stat_activity
                WHERE datname = current_database()
                  AND application_name = $1
                  AND pid <> pg_backend_pid()
                ORDER BY random()
                LIMIT 1
            `, appName)
		}
	}
}
