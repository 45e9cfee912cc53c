// Package dispatcher runs the TCP listener, decodes inbound RESP frames
// per connection, classifies them into commands, and drives the keyspace
// and replication state in response.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kvrepl/internal/command"
	"kvrepl/internal/keyspace"
	"kvrepl/internal/replstate"
	"kvrepl/internal/resp"
	"kvrepl/internal/snapshot"
)

// Server owns the listening socket and the shared keyspace/replication
// state every connection operates on.
type Server struct {
	Addr string

	Keyspace *keyspace.Keyspace
	Repl     *replstate.State

	Log *logrus.Logger
}

// ListenAndServe accepts connections until ctx is cancelled, handling each
// on its own goroutine. It returns once the listener and every in-flight
// connection handler have stopped.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen on %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop against an already-created listener, letting
// callers (tests in particular) bind to an ephemeral port and learn its
// address before traffic starts flowing.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		return ln.Close()
	})
	eg.Go(func() error {
		return s.acceptLoop(egCtx, ln)
	})

	return eg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var conns errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			conns.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conns.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

type connState struct {
	id      string
	log     *logrus.Entry
	session *replstate.Session
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	st := &connState{
		id:  id,
		log: s.Log.WithFields(logrus.Fields{"conn_id": id, "remote_addr": conn.RemoteAddr().String()}),
	}
	st.log.Info("connection accepted")

	wq := newWriteQueue(conn)
	defer func() {
		wq.Close()
		conn.Close()
		if st.session != nil {
			s.Repl.RemoveSession(st.session.ID)
		}
		st.log.Info("connection closed")
	}()

	reader := bufio.NewReader(conn)
	for {
		cmd, raw, err := resp.ParseCommand(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				st.log.WithError(err).Warn("frame decode failed, closing connection")
			}
			return
		}
		s.dispatch(ctx, st, wq, cmd, raw)
	}
}

func (s *Server) dispatch(ctx context.Context, st *connState, wq *writeQueue, frame *resp.Command, raw []byte) {
	c, err := command.Parse(frame.Args)
	if err != nil {
		wq.Send(resp.EncodeError(err.Error()))
		return
	}

	switch c.Kind {
	case command.Ping:
		wq.Send(resp.EncodeSimpleString("PONG"))

	case command.Echo:
		wq.Send(resp.EncodeBulkString(c.EchoArg))

	case command.Set:
		s.Keyspace.Set(c.Key, c.Value, c.HasPX, c.PXMilli)
		if s.Repl.Role() == replstate.RoleMaster {
			s.Repl.AddOffset(int64(len(raw)))
			s.Repl.Broadcast(raw)
		}
		wq.Send(resp.EncodeSimpleString("OK"))

	case command.Get:
		v, ok := s.Keyspace.Get(c.Key)
		if !ok {
			wq.Send(resp.EncodeNullBulkString())
			return
		}
		wq.Send(resp.EncodeBulkString(v))

	case command.Type:
		wq.Send(resp.EncodeSimpleString(s.Keyspace.Type(c.Key)))

	case command.Keys:
		wq.Send(resp.EncodeArray(s.Keyspace.Keys(c.Pattern)))

	case command.ConfigGet:
		val, ok := s.Keyspace.ConfigGet(c.ConfigParam)
		if !ok {
			wq.Send(resp.EncodeArray(nil))
			return
		}
		wq.Send(resp.EncodeArray([]string{c.ConfigParam, val}))

	case command.Info:
		wq.Send(resp.EncodeBulkString(s.Repl.InfoReplication()))

	case command.ReplConf:
		s.handleReplConf(st, wq, c)

	case command.PSync:
		s.handlePSync(st, wq)

	case command.Wait:
		getack := resp.EncodeArray([]string{"REPLCONF", "GETACK", "*"})
		var wctx context.Context = ctx
		var cancel context.CancelFunc
		if c.WaitTimeoutMs > 0 {
			wctx, cancel = context.WithTimeout(ctx, time.Duration(c.WaitTimeoutMs)*time.Millisecond)
			defer cancel()
		}
		n := s.Repl.Wait(wctx, c.WaitNumReplicas, c.WaitTimeoutMs, getack)
		wq.Send(resp.EncodeInteger(int64(n)))

	case command.XAdd:
		fields := make([]keyspace.Field, len(c.Fields))
		for i, f := range c.Fields {
			fields[i] = keyspace.Field{Field: f.Field, Value: f.Value}
		}
		id, err := s.Keyspace.XAdd(c.StreamKey, c.IDSpec, fields)
		if err != nil {
			wq.Send(resp.EncodeError(err.Error()))
			return
		}
		// XADD is not a write-class command for replication purposes: only
		// SET advances primary_repl_offset and is fanned out to replicas.
		wq.Send(resp.EncodeBulkString(id.String()))

	case command.XRange:
		entries, err := s.Keyspace.XRange(c.StreamKey, c.RangeStart, c.RangeEnd)
		if err != nil {
			wq.Send(resp.EncodeError(err.Error()))
			return
		}
		wq.Send(encodeStreamEntries(entries))

	case command.XRead:
		wq.Send(s.handleXRead(ctx, c))

	default:
		wq.Send(resp.EncodeError(fmt.Sprintf("ERR unknown command '%s'", firstArg(frame.Args))))
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (s *Server) handleReplConf(st *connState, wq *writeQueue, c *command.Command) {
	switch normalizeSub(c.ReplConfSub) {
	case "listening-port", "capa":
		wq.Send(resp.EncodeSimpleString("OK"))
	case "ack":
		offset, err := strconv.ParseInt(c.ReplConfArg, 10, 64)
		if err != nil {
			return
		}
		if st.session != nil {
			s.Repl.RecordAck(st.session.ID, offset)
		}
		// no reply to ACK
	default:
		wq.Send(resp.EncodeSimpleString("OK"))
	}
}

func normalizeSub(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

func (s *Server) handlePSync(st *connState, wq *writeQueue) {
	// The offset is always reported as 0 here, matching the reference
	// handshake verbatim (original_source/state.rs's handle_response hardcodes
	// it too) rather than the primary's actual repl_offset at attach time.
	reply := fmt.Sprintf("FULLRESYNC %s 0", s.Repl.ReplID())
	wq.Send(resp.EncodeSimpleString(reply))
	wq.Send(resp.EncodeSnapshot(snapshot.Blob()))
	st.session = s.Repl.AddSession(st.id, wq)
	st.log.Info("replica session promoted")
}
