package replicaclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kvrepl/internal/keyspace"
	"kvrepl/internal/replstate"
	"kvrepl/internal/resp"
	"kvrepl/internal/snapshot"
)

// fakePrimary plays the primary side of the handshake and then forwards a
// fixed sequence of raw frames. Handshake frames it reads are discarded.
func fakePrimary(t *testing.T, ln net.Listener, frames [][]byte) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)

	_, _, err = resp.ParseCommand(r) // PING
	require.NoError(t, err)
	conn.Write(resp.EncodeSimpleString("PONG"))

	_, _, err = resp.ParseCommand(r) // REPLCONF listening-port
	require.NoError(t, err)
	conn.Write(resp.EncodeSimpleString("OK"))

	_, _, err = resp.ParseCommand(r) // REPLCONF capa psync2
	require.NoError(t, err)
	conn.Write(resp.EncodeSimpleString("OK"))

	_, _, err = resp.ParseCommand(r) // PSYNC ? -1
	require.NoError(t, err)
	conn.Write(resp.EncodeSimpleString("FULLRESYNC abc123 0"))
	conn.Write(resp.EncodeSnapshot(snapshot.Blob()))

	for _, f := range frames {
		conn.Write(f)
		time.Sleep(10 * time.Millisecond)
	}

	// Keep the connection open briefly so the client's streamLoop has a
	// chance to process everything before we close it out from under it.
	time.Sleep(50 * time.Millisecond)
}

func TestHandshakeAndApplySet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	setFrame := resp.EncodeArray([]string{"SET", "foo", "bar"})
	go fakePrimary(t, ln, [][]byte{setFrame})

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ks := keyspace.New()
	repl := replstate.New(replstate.RoleReplica)
	client := &Client{
		PrimaryAddr: ln.Addr().String(),
		OwnPort:     12345,
		Keyspace:    ks,
		Repl:        repl,
		Log:         log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		v, ok := ks.Get("foo")
		return ok && v == "bar"
	}, time.Second, 5*time.Millisecond)

	require.EqualValues(t, len(setFrame), repl.Offset())

	<-errCh
}
