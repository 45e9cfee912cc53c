package dispatcher

import (
	"context"
	"time"

	"kvrepl/internal/command"
	"kvrepl/internal/keyspace"
	"kvrepl/internal/resp"
)

// handleXRead resolves every stream's start id once, attempts a
// non-blocking read, and — for a BLOCK call that came up empty — suspends
// this connection's goroutine until either the stream's notification
// channel fires or the block timeout elapses, then retries the read
// exactly once more before replying.
func (s *Server) handleXRead(ctx context.Context, c *command.Command) []byte {
	keys := make([]string, len(c.Queries))
	starts := make(map[string]keyspace.StreamID, len(c.Queries))
	for i, q := range c.Queries {
		keys[i] = q.Key
		id, err := s.Keyspace.ResolveStart(q.Key, q.StartID)
		if err != nil {
			return resp.EncodeError(err.Error())
		}
		starts[q.Key] = id
	}

	// Subscribe before the first read attempt: if an XADD's notify() closes
	// and replaces this channel anywhere after this point, the select below
	// still fires immediately on the now-closed ch instead of missing it.
	ch := s.Keyspace.NotifyChan()

	result := s.Keyspace.XReadOnce(keys, starts)
	if result != nil || !c.HasBlock {
		return encodeXReadResult(result)
	}

	if c.BlockMs == 0 {
		select {
		case <-ch:
		case <-ctx.Done():
			return resp.EncodeNullBulkString()
		}
	} else {
		timer := time.NewTimer(time.Duration(c.BlockMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			return resp.EncodeNullBulkString()
		}
	}

	result = s.Keyspace.XReadOnce(keys, starts)
	return encodeXReadResult(result)
}
