// Package keyspace holds the in-memory string and stream data and the
// single lock that guards all access to it.
package keyspace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Field is one field/value pair stored in a stream entry.
type Field struct {
	Field string
	Value string
}

// StreamID is a stream entry identifier: a millisecond timestamp paired
// with a sequence number that disambiguates entries sharing a timestamp.
type StreamID struct {
	MS  int64
	Seq int64
}

func (id StreamID) String() string {
	return strconv.FormatInt(id.MS, 10) + "-" + strconv.FormatInt(id.Seq, 10)
}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than
// other, ordering first by MS then by Seq.
func (id StreamID) Compare(other StreamID) int {
	if id.MS != other.MS {
		if id.MS < other.MS {
			return -1
		}
		return 1
	}
	if id.Seq != other.Seq {
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	}
	return 0
}

func (id StreamID) Greater(other StreamID) bool { return id.Compare(other) > 0 }

var zeroID = StreamID{0, 0}
var maxID = StreamID{math.MaxInt64, math.MaxInt64}

// StreamEntry is one appended stream record.
type StreamEntry struct {
	ID     StreamID
	Fields []Field
}

type stringCell struct {
	value     string
	expiresAt time.Time
	hasExpiry bool
}

type streamCell struct {
	entries []StreamEntry
}

type cellKind int

const (
	kindString cellKind = iota
	kindStream
)

type cell struct {
	kind   cellKind
	str    *stringCell
	stream *streamCell
}

// Keyspace is the single shared map of every key in the server, guarded by
// one RWMutex. Errors from XADD carry the exact wording the testable
// properties require, since they surface to the client verbatim.
type Keyspace struct {
	mu   sync.RWMutex
	data map[string]*cell

	notifyMu sync.Mutex
	notifyCh chan struct{}

	clock func() time.Time

	dir        string
	dbFilename string
}

// Option configures a Keyspace at construction.
type Option func(*Keyspace)

// WithClock overrides the wall clock used for PX expiry and auto-generated
// stream IDs, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(k *Keyspace) { k.clock = clock }
}

// WithConfig records the bootstrap dir/dbfilename so CONFIG GET can serve
// them, mirroring the original prototype's Database.dir()/dbfilename().
func WithConfig(dir, dbFilename string) Option {
	return func(k *Keyspace) { k.dir, k.dbFilename = dir, dbFilename }
}

func New(opts ...Option) *Keyspace {
	k := &Keyspace{
		data:     make(map[string]*cell),
		notifyCh: make(chan struct{}),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Seed installs a key directly, bypassing expiry computation, for bootstrap
// loading from a snapshot file where the expiry is already absolute.
func (k *Keyspace) Seed(key, value string, expiresAt time.Time, hasExpiry bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = &cell{kind: kindString, str: &stringCell{value: value, expiresAt: expiresAt, hasExpiry: hasExpiry}}
}

// Set stores a string value, computing an absolute expiry from pxMilli when
// hasPX is set.
func (k *Keyspace) Set(key, value string, hasPX bool, pxMilli int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c := &stringCell{value: value}
	if hasPX {
		c.hasExpiry = true
		c.expiresAt = k.clock().Add(time.Duration(pxMilli) * time.Millisecond)
	}
	k.data[key] = &cell{kind: kindString, str: c}
}

// Get returns the string value for key, or ok=false if the key is absent,
// expired, or holds a non-string value. An expired key is evicted as a
// side effect.
func (k *Keyspace) Get(key string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, found := k.data[key]
	if !found {
		return "", false
	}
	if c.kind != kindString {
		return "", false
	}
	if k.expireIfNeeded(key, c) {
		return "", false
	}
	return c.str.value, true
}

// Type reports "string", "stream" or "none", evicting an expired string key
// as a side effect.
func (k *Keyspace) Type(key string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, found := k.data[key]
	if !found {
		return "none"
	}
	if c.kind == kindString && k.expireIfNeeded(key, c) {
		return "none"
	}
	if c.kind == kindStream {
		return "stream"
	}
	return "string"
}

// expireIfNeeded deletes key from the map if c is an expired string cell.
// Caller must hold k.mu for writing.
func (k *Keyspace) expireIfNeeded(key string, c *cell) bool {
	if c.kind != kindString || !c.str.hasExpiry {
		return false
	}
	if k.clock().Before(c.str.expiresAt) {
		return false
	}
	delete(k.data, key)
	return true
}

// Keys returns every live key. Pattern matching beyond "*" is out of scope;
// any pattern is treated as matching every key.
func (k *Keyspace) Keys(pattern string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.data))
	for key, c := range k.data {
		if c.kind == kindString && k.expireIfNeeded(key, c) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// ConfigGet serves the subset of CONFIG parameters the bootstrap knows
// about (dir, dbfilename).
func (k *Keyspace) ConfigGet(param string) (string, bool) {
	switch strings.ToLower(param) {
	case "dir":
		return k.dir, true
	case "dbfilename":
		return k.dbFilename, true
	default:
		return "", false
	}
}

var (
	errXAddTooSmall     = fmt.Errorf("ERR The ID specified in XADD must be greater than 0-0")
	errXAddNotIncreasing = fmt.Errorf("ERR The ID specified in XADD is equal or smaller than the target stream top item")
)

// XAdd appends one entry to the stream at key, creating it if absent, and
// returns the resolved ID. Wakes any goroutine blocked in XRead.
func (k *Keyspace) XAdd(key, idSpec string, fields []Field) (StreamID, error) {
	k.mu.Lock()
	c, found := k.data[key]
	if !found {
		c = &cell{kind: kindStream, stream: &streamCell{}}
		k.data[key] = c
	} else if c.kind != kindStream {
		k.mu.Unlock()
		return StreamID{}, fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value")
	}

	var top *StreamID
	if n := len(c.stream.entries); n > 0 {
		id := c.stream.entries[n-1].ID
		top = &id
	}

	id, err := resolveID(idSpec, top, k.clock().UnixMilli())
	if err != nil {
		k.mu.Unlock()
		return StreamID{}, err
	}

	entry := StreamEntry{ID: id, Fields: append([]Field(nil), fields...)}
	c.stream.entries = append(c.stream.entries, entry)
	k.mu.Unlock()

	k.notify()
	return id, nil
}

func resolveID(spec string, top *StreamID, nowMs int64) (StreamID, error) {
	var id StreamID
	if spec == "*" {
		ms := nowMs
		id = StreamID{MS: ms, Seq: autoSeq(ms, top)}
	} else {
		parts := strings.SplitN(spec, "-", 2)
		ms, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		var seq int64
		if len(parts) == 2 && parts[1] == "*" {
			seq = autoSeq(ms, top)
		} else if len(parts) == 2 {
			seq, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
			}
		}
		id = StreamID{MS: ms, Seq: seq}
	}

	if id.Compare(zeroID) <= 0 {
		return StreamID{}, errXAddTooSmall
	}
	if top != nil && !id.Greater(*top) {
		return StreamID{}, errXAddNotIncreasing
	}
	return id, nil
}

func autoSeq(ms int64, top *StreamID) int64 {
	if top == nil {
		if ms == 0 {
			return 1
		}
		return 0
	}
	if ms == top.MS {
		return top.Seq + 1
	}
	return 0
}

// XRange returns the entries at key with ID in [start, end], inclusive,
// resolving the "-"/"+"/bare-ms shorthand bounds.
func (k *Keyspace) XRange(key, startSpec, endSpec string) ([]StreamEntry, error) {
	start, err := parseRangeBound(startSpec, true)
	if err != nil {
		return nil, err
	}
	end, err := parseRangeBound(endSpec, false)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	c, found := k.data[key]
	if !found || c.kind != kindStream {
		return nil, nil
	}
	var out []StreamEntry
	for _, e := range c.stream.entries {
		if e.ID.Compare(start) >= 0 && e.ID.Compare(end) <= 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

func parseRangeBound(s string, isStart bool) (StreamID, error) {
	switch s {
	case "-":
		return zeroID, nil
	case "+":
		return maxID, nil
	}
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		ms, err1 := strconv.ParseInt(s[:idx], 10, 64)
		seq, err2 := strconv.ParseInt(s[idx+1:], 10, 64)
		if err1 != nil || err2 != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		return StreamID{MS: ms, Seq: seq}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	if isStart {
		return StreamID{MS: ms, Seq: 0}, nil
	}
	return StreamID{MS: ms, Seq: math.MaxInt64}, nil
}

// ResolveStart resolves one XREAD start-id argument against the current
// state of key, performed once at entry to the handler so that "$" is
// pinned to the stream's top at call time rather than re-evaluated on
// every retry of a blocking read.
func (k *Keyspace) ResolveStart(key, spec string) (StreamID, error) {
	if spec == "$" {
		k.mu.RLock()
		defer k.mu.RUnlock()
		c, found := k.data[key]
		if !found || c.kind != kindStream || len(c.stream.entries) == 0 {
			return zeroID, nil
		}
		return c.stream.entries[len(c.stream.entries)-1].ID, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	var seq int64
	if len(parts) == 2 {
		seq, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
	}
	return StreamID{MS: ms, Seq: seq}, nil
}

// XReadResult is one key's contribution to an XREAD reply.
type XReadResult struct {
	Key     string
	Entries []StreamEntry
}

// XReadOnce performs one non-blocking pass over queries, returning nil if
// no key yielded any entry after its resolved start id.
func (k *Keyspace) XReadOnce(queries []string, starts map[string]StreamID) []XReadResult {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []XReadResult
	for _, key := range queries {
		after := starts[key]
		c, found := k.data[key]
		if !found || c.kind != kindStream {
			continue
		}
		var entries []StreamEntry
		for _, e := range c.stream.entries {
			if e.ID.Greater(after) {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			out = append(out, XReadResult{Key: key, Entries: entries})
		}
	}
	return out
}

// NotifyChan returns the current stream-write notification channel. It is
// closed and replaced on every successful XADD, so a blocked XREAD wakes
// with last-value-wins semantics: it must re-check state rather than trust
// the wakeup carries new data for its specific key.
func (k *Keyspace) NotifyChan() <-chan struct{} {
	k.notifyMu.Lock()
	defer k.notifyMu.Unlock()
	return k.notifyCh
}

func (k *Keyspace) notify() {
	k.notifyMu.Lock()
	close(k.notifyCh)
	k.notifyCh = make(chan struct{})
	k.notifyMu.Unlock()
}
