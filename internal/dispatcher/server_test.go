package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kvrepl/internal/keyspace"
	"kvrepl/internal/replstate"
)

func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := &Server{
		Keyspace: keyspace.New(),
		Repl:     replstate.New(replstate.RoleMaster),
		Log:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestEndToEndOverRealClient(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	require.Equal(t, "PONG", mustStatus(t, client.Ping(ctx)))

	require.NoError(t, client.Set(ctx, "foo", "bar", 0).Err())
	require.Equal(t, "bar", mustString(t, client.Get(ctx, "foo")))

	require.Equal(t, "string", mustStatus(t, client.Type(ctx, "foo")))

	id, err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: "mystream",
		ID:     "*",
		Values: map[string]interface{}{"field1": "value1"},
	}).Result()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := client.XRange(ctx, "mystream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "value1", entries[0].Values["field1"])
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	_, err := client.Get(context.Background(), "nope").Result()
	require.ErrorIs(t, err, goredis.Nil)
}

func TestSetWithPXExpiresOverWire(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "ttl-key", "v", 30*time.Millisecond).Err())
	require.Equal(t, "v", mustString(t, client.Get(ctx, "ttl-key")))

	time.Sleep(60 * time.Millisecond)
	_, err := client.Get(ctx, "ttl-key").Result()
	require.ErrorIs(t, err, goredis.Nil)
}

func TestWaitWithNoReplicasReturnsZero(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	n, err := client.Wait(context.Background(), 0, 100*time.Millisecond).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func mustStatus(t *testing.T, cmd *goredis.StatusCmd) string {
	t.Helper()
	v, err := cmd.Result()
	require.NoError(t, err)
	return v
}

func mustString(t *testing.T, cmd *goredis.StringCmd) string {
	t.Helper()
	v, err := cmd.Result()
	require.NoError(t, err)
	return v
}
