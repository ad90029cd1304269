// Package testinfinispan runs a disposable Infinispan server with its RESP
// connector for cache tests.
package testinfinispan

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	Username = "admin"
	Password = "password"
)

// StartInfinispan starts the container and returns its host:port once the RESP
// connector answers PING.
func StartInfinispan(tb testing.TB) string {
	tb.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/infinispan/server:15.2",
			ExposedPorts: []string{"11222/tcp"},
			Env:          map[string]string{"USER": Username, "PASS": Password},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("11222/tcp"),
				wait.ForLog("Started connector Resp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start infinispan container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate infinispan container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		tb.Fatalf("get infinispan host: %v", err)
	}
	port, err := container.MappedPort(ctx, "11222")
	if err != nil {
		tb.Fatalf("get infinispan mapped port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())
	if err := awaitPing(ctx, endpoint); err != nil {
		tb.Fatalf("infinispan RESP not ready: %v", err)
	}
	return endpoint
}

func awaitPing(ctx context.Context, endpoint string) error {
	client := goredis.NewClient(&goredis.Options{Addr: endpoint, Username: Username, Password: Password, Protocol: 2})
	defer client.Close()

	var lastErr error
	for attempt := 0; attempt < 60; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("ping: %w", lastErr)
}
