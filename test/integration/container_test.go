//go:build integration

package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/okatech-org/sante-sub008/internal/platform/retry"
)

const postgresImage = "postgres:16-alpine"

// startPostgres runs a throwaway Postgres through the Docker CLI. Docker
// picks the host port; the container is removed by the returned stop func.
func startPostgres(ctx context.Context) (string, func(), error) {
	name := fmt.Sprintf("sante-integration-%d", time.Now().UnixNano())
	out, err := docker(ctx, "run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=sante",
		"-e", "POSTGRES_PASSWORD=sante",
		"-e", "POSTGRES_DB=santetest",
		postgresImage)
	if err != nil {
		return "", nil, err
	}
	id := strings.TrimSpace(out)
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", id) }

	mapped, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, err
	}
	// "127.0.0.1:49153", possibly followed by an IPv6 line
	hostPort := strings.TrimSpace(strings.SplitN(mapped, "\n", 2)[0])
	dsn := fmt.Sprintf("postgres://sante:sante@%s/santetest?sslmode=disable", hostPort)

	if err := awaitPostgres(ctx, dsn); err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, out)
	}
	return string(out), nil
}

// awaitPostgres polls until the server answers a query. The entrypoint
// restarts postgres once after init, so a single successful dial is not
// enough.
func awaitPostgres(ctx context.Context, dsn string) error {
	cfg := retry.Config{
		MaxAttempts:   60,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 1.5,
	}
	healthy := 0
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		conn, err := pgx.Connect(dialCtx, dsn)
		if err != nil {
			healthy = 0
			return err
		}
		defer conn.Close(dialCtx)
		var one int
		if err := conn.QueryRow(dialCtx, "SELECT 1").Scan(&one); err != nil {
			healthy = 0
			return err
		}
		if healthy++; healthy < 2 {
			return fmt.Errorf("postgres answered once, waiting for it to settle")
		}
		return nil
	})
}
