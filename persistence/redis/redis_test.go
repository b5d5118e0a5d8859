package redis

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// All tests in this package share one Redis container started in TestMain.
// When Docker is unavailable the container error is kept and every test
// that asks for a client skips instead of failing.
var (
	testContainer *tcredis.RedisContainer
	testConnStr   string
	testSetupErr  error
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// testcontainers panics (rather than returning an error) when no Docker
	// host can be found; convert that into the setup-error skip path.
	c, err := func() (c *tcredis.RedisContainer, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers: %v", r)
			}
		}()
		return tcredis.Run(ctx, "redis:7-alpine")
	}()
	if err != nil {
		testSetupErr = err
		os.Exit(m.Run())
	}
	testContainer = c

	testConnStr, err = c.ConnectionString(ctx)
	if err != nil {
		testSetupErr = err
	}

	code := m.Run()

	_ = c.Terminate(ctx)
	os.Exit(code)
}

// testRedisClient connects to the shared container and flushes the database
// so the test starts from an empty keyspace.
func testRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	if testSetupErr != nil {
		t.Skipf("redis container unavailable: %v", testSetupErr)
	}

	opts, err := redis.ParseURL(testConnStr)
	if err != nil {
		t.Fatalf("parse redis connection string: %v", err)
	}
	client := redis.NewClient(opts)

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis db: %v", err)
	}
	return client
}
