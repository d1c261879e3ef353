package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random database backend of the stress
// database at jittered intervals, forcing actors to survive dropped
// connections mid-transaction. Blocks until ctx or stop fires.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	for {
		wait := time.Duration(5+rand.Intn(10)) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(wait):
		}
		// never our own session; in-flight actor transactions are fair game
		_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid)
                                 FROM pg_stat_activity
                                 WHERE datname = current_database()
                                   AND pid <> pg_backend_pid()
                                 ORDER BY random() LIMIT 1`)
	}
}
