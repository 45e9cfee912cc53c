package dispatcher

import (
	"bytes"
	"fmt"

	"kvrepl/internal/keyspace"
	"kvrepl/internal/resp"
)

// encodeStreamEntries renders an XRANGE-shaped reply: an array of
// [id, [field, value, ...]] pairs.
func encodeStreamEntries(entries []keyspace.StreamEntry) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", len(entries))
	for _, e := range entries {
		b.Write(encodeOneEntry(e))
	}
	return b.Bytes()
}

func encodeOneEntry(e keyspace.StreamEntry) []byte {
	var b bytes.Buffer
	b.WriteString("*2\r\n")
	b.Write(resp.EncodeBulkString(e.ID.String()))
	fmt.Fprintf(&b, "*%d\r\n", len(e.Fields)*2)
	for _, f := range e.Fields {
		b.Write(resp.EncodeBulkString(f.Field))
		b.Write(resp.EncodeBulkString(f.Value))
	}
	return b.Bytes()
}

// encodeXReadResult renders an XREAD reply. Per key with matching entries:
// [key, entries-array]. A nil result (no key yielded anything) replies
// with a null bulk string rather than a null array.
func encodeXReadResult(result []keyspace.XReadResult) []byte {
	if result == nil {
		return resp.EncodeNullBulkString()
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", len(result))
	for _, r := range result {
		b.WriteString("*2\r\n")
		b.Write(resp.EncodeBulkString(r.Key))
		b.Write(encodeStreamEntries(r.Entries))
	}
	return b.Bytes()
}
