// Package replicaclient implements the outbound side of replication: the
// handshake a replica performs against its primary, and the steady-state
// loop that applies the resulting command stream.
package replicaclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"kvrepl/internal/command"
	"kvrepl/internal/keyspace"
	"kvrepl/internal/replstate"
	"kvrepl/internal/resp"
)

// Client dials a primary, completes the PSYNC handshake, and applies the
// resulting replication stream to Keyspace, advancing Repl's offset by the
// raw byte length of every frame received after the snapshot.
type Client struct {
	PrimaryAddr string
	OwnPort     int

	Keyspace *keyspace.Keyspace
	Repl     *replstate.State

	Log *logrus.Logger
}

// Run blocks until ctx is cancelled or the connection to the primary is
// lost, at which point it returns an error for the caller to decide
// whether to reconnect.
func (c *Client) Run(ctx context.Context) error {
	log := c.Log.WithField("primary_addr", c.PrimaryAddr)

	conn, err := net.Dial("tcp", c.PrimaryAddr)
	if err != nil {
		return fmt.Errorf("replicaclient: dial %s: %w", c.PrimaryAddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r := bufio.NewReader(conn)

	if err := c.handshake(conn, r); err != nil {
		return fmt.Errorf("replicaclient: handshake: %w", err)
	}
	log.Info("replication handshake complete")

	return c.streamLoop(r, conn, log)
}

func (c *Client) handshake(conn net.Conn, r *bufio.Reader) error {
	if err := sendAndExpect(conn, r, []string{"PING"}, "PONG"); err != nil {
		return err
	}
	if err := sendAndExpect(conn, r, []string{"REPLCONF", "listening-port", strconv.Itoa(c.OwnPort)}, "OK"); err != nil {
		return err
	}
	if err := sendAndExpect(conn, r, []string{"REPLCONF", "capa", "psync2"}, "OK"); err != nil {
		return err
	}

	if _, err := conn.Write(resp.EncodeArray([]string{"PSYNC", "?", "-1"})); err != nil {
		return err
	}
	fullresync, err := resp.ReadSimpleLine(r)
	if err != nil {
		return err
	}
	fields := strings.Fields(fullresync)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" {
		return fmt.Errorf("unexpected PSYNC reply: %q", fullresync)
	}
	startOffset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("unexpected PSYNC offset %q: %w", fields[2], err)
	}
	c.Repl.SetOffset(startOffset)

	blobLen, err := resp.ReadBulkHeader(r)
	if err != nil {
		return err
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return err
	}
	return nil
}

func sendAndExpect(conn net.Conn, r *bufio.Reader, args []string, want string) error {
	if _, err := conn.Write(resp.EncodeArray(args)); err != nil {
		return err
	}
	line, err := resp.ReadSimpleLine(r)
	if err != nil {
		return err
	}
	if !strings.EqualFold(line, want) && !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(want)) {
		return fmt.Errorf("unexpected reply to %v: %q (want %q)", args, line, want)
	}
	return nil
}

// streamLoop applies every frame the primary forwards, advancing the local
// replication offset by each frame's exact raw byte length regardless of
// which command it carries.
func (c *Client) streamLoop(r *bufio.Reader, conn net.Conn, log *logrus.Entry) error {
	for {
		frame, raw, err := resp.ParseCommand(r)
		if err != nil {
			return fmt.Errorf("replicaclient: stream decode: %w", err)
		}

		newOffset := c.Repl.AddOffset(int64(len(raw)))

		cmd, err := command.Parse(frame.Args)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable replicated frame")
			continue
		}

		switch cmd.Kind {
		case command.Set:
			c.Keyspace.Set(cmd.Key, cmd.Value, cmd.HasPX, cmd.PXMilli)

		case command.XAdd:
			fields := make([]keyspace.Field, len(cmd.Fields))
			for i, f := range cmd.Fields {
				fields[i] = keyspace.Field{Field: f.Field, Value: f.Value}
			}
			if _, err := c.Keyspace.XAdd(cmd.StreamKey, cmd.IDSpec, fields); err != nil {
				log.WithError(err).Warn("failed to apply replicated XADD")
			}

		case command.ReplConf:
			if normalizeSub(cmd.ReplConfSub) == "getack" {
				if _, err := conn.Write(resp.EncodeArray([]string{"REPLCONF", "ACK", strconv.FormatInt(newOffset, 10)})); err != nil {
					return err
				}
			}

		default:
			log.WithField("command", frame.Args[0]).Debug("ignoring non-write command on replication stream")
		}
	}
}

func normalizeSub(s string) string {
	return strings.ToLower(s)
}
