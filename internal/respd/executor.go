package respd

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/flonle/respd/internal/respd/resp3"
	"github.com/flonle/respd/internal/respd/streams"
)

// writeCommands is the set of commands whose bytes get propagated to
// replicas after a successful execution, per §4.3's replication side
// effect and the supplemented List/DEL/FLUSHDB features.
var writeCommands = map[string]bool{
	"SET": true, "INCR": true, "DEL": true, "FLUSHDB": true,
	"XADD": true, "LPUSH": true, "RPUSH": true, "LPOP": true, "RPOP": true,
}

// ExecContext is the connection-scoped handle threaded through every
// Execute call: shared Storage and Replication, this connection's
// identity for replica bookkeeping, and the replica-role bytes-processed
// counter (nil on ordinary client connections).
type ExecContext struct {
	Store *Storage
	Repl  *Replication
	Cfg   *Config
	Conn  net.Conn

	// BytesProcessed counts bytes read from the leader connection when
	// this ExecContext belongs to a replica's outbound link to its
	// leader; nil for ordinary client connections, where it's unused.
	BytesProcessed *int64

	pendingListenPort string
	replicaKey        string

	// BecomeReplica is called by a live REPLICAOF/SLAVEOF command to kick
	// off the bootstrap handshake against a new leader. nil on
	// connections where becoming a replica isn't wired (e.g. replica
	// connections themselves).
	BecomeReplica func(host, port string)
}

// Retry is returned by a blocking command that has nothing to report yet.
// The driver sleeps Interval and calls Continue again; Continue itself
// checks Deadline and returns Done once it has passed. Continue closes
// over everything the command needs to resume, so the
// driver itself stays ignorant of XREAD/WAIT internals, per the
// recommended {Done, Retry} split.
type Retry struct {
	Interval time.Duration
	Deadline time.Time // zero means no deadline (block forever)
	Continue func() Outcome
}

// Outcome is what Execute returns: either Done holds the reply bytes ready
// to write (nil/empty means no reply at all, e.g. REPLCONF ACK), or Retry
// is set and the driver must wait before trying again.
type Outcome struct {
	Done  []byte
	Retry *Retry
}

func done(b []byte) Outcome { return Outcome{Done: b} }

// Execute dispatches a single parsed command. It is the sole mutator of
// Storage and Replication; it never blocks itself.
func Execute(cmd Command, ctx *ExecContext) Outcome {
	var reply []byte

	switch cmd.Name {
	case "PING":
		if len(cmd.Args) > 0 {
			reply = bulkReply(cmd.Args[0])
		} else {
			reply = pongReply()
		}

	case "ECHO":
		reply = bulkReply(cmd.Args[0])

	case "SET":
		reply = execSet(cmd, ctx)

	case "GET":
		val, ok := ctx.Store.Get(cmd.Args[0])
		if !ok {
			reply = nilBulkReply()
		} else {
			reply = bulkReply(val)
		}

	case "TYPE":
		reply = simpleStringReply(ctx.Store.Type(cmd.Args[0]))

	case "KEYS":
		reply = keysReply(ctx.Store.Keys(cmd.Args[0]))

	case "INCR":
		n, err := ctx.Store.Incr(cmd.Args[0])
		if err != nil {
			reply = errorReply(err.Error())
		} else {
			reply = intReply(n)
		}

	case "DEL":
		reply = intReply(int64(ctx.Store.Del(cmd.Args)))

	case "EXISTS":
		reply = intReply(int64(ctx.Store.Exists(cmd.Args)))

	case "FLUSHDB":
		ctx.Store.Flush()
		reply = okReply()

	case "XADD":
		reply = execXAdd(cmd, ctx)

	case "XRANGE":
		reply = execXRange(cmd, ctx)

	case "XREAD":
		return execXRead(cmd, ctx)

	case "LPUSH":
		reply = execListPush(cmd, ctx, ctx.Store.LPush)

	case "RPUSH":
		reply = execListPush(cmd, ctx, ctx.Store.RPush)

	case "LPOP":
		reply = execListPop(cmd, ctx.Store.LPop)

	case "RPOP":
		reply = execListPop(cmd, ctx.Store.RPop)

	case "LLEN":
		n, err := ctx.Store.LLen(cmd.Args[0])
		reply = intOrErr(n, err)

	case "LRANGE":
		reply = execLRange(cmd, ctx)

	case "LINDEX":
		reply = execLIndex(cmd, ctx)

	case "CONFIG":
		reply = execConfig(cmd, ctx)

	case "INFO":
		reply = execInfo(cmd, ctx)

	case "REPLCONF":
		return execReplConf(cmd, ctx)

	case "PSYNC":
		reply = execPSync(cmd, ctx)

	case "WAIT":
		return execWait(cmd, ctx, time.Now())

	case "REPLICAOF", "SLAVEOF":
		reply = execReplicaOf(cmd, ctx)

	default:
		reply = unknownCommandErr(cmd.Name)
	}

	if writeCommands[cmd.Name] && !isErrorReply(reply) {
		ctx.Repl.Enqueue(cmd.Raw)
	}
	return done(reply)
}

func isErrorReply(b []byte) bool {
	return len(b) > 0 && b[0] == '-'
}

func intOrErr(n int, err error) []byte {
	if err != nil {
		return errorReply(err.Error())
	}
	return intReply(int64(n))
}

func execSet(cmd Command, ctx *ExecContext) []byte {
	key, val := cmd.Args[0], cmd.Args[1]
	var ttl time.Duration
	if len(cmd.Args) > 3 {
		switch strings.ToUpper(cmd.Args[2]) {
		case "EX":
			n, err := strconv.Atoi(cmd.Args[3])
			if err != nil {
				return errorReply("ERR value is not an integer or out of range")
			}
			ttl = time.Duration(n) * time.Second
		case "PX":
			n, err := strconv.Atoi(cmd.Args[3])
			if err != nil {
				return errorReply("ERR value is not an integer or out of range")
			}
			ttl = time.Duration(n) * time.Millisecond
		}
	}
	ctx.Store.Set(key, val, ttl)
	return okReply()
}

func keysReply(keys []string) []byte {
	var e resp3.Encoder
	e.WriteArrHeader(len(keys))
	for _, k := range keys {
		e.WriteBulkStr(k)
	}
	return e.Buf
}

func execXAdd(cmd Command, ctx *ExecContext) []byte {
	key, rawID := cmd.Args[0], cmd.Args[1]
	kv := cmd.Args[2:]
	if len(kv)%2 != 0 {
		return errorReply("ERR A stream entry needs a value for every field")
	}
	fields := make([]streams.Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		fields = append(fields, streams.Field{Name: kv[i], Value: kv[i+1]})
	}

	id, err := ctx.Store.XAdd(key, rawID, fields)
	if errors.Is(err, ErrWrongType) {
		return errorReply(err.Error())
	}
	if err != nil {
		return errorReply("ERR " + err.Error())
	}
	return simpleStringReply(id)
}

func execXRange(cmd Command, ctx *ExecContext) []byte {
	key := cmd.Args[0]
	from, err := streams.ParseBound(cmd.Args[1])
	if err != nil {
		return errorReply("ERR Invalid stream ID specified as stream command argument")
	}
	to, err := streams.ParseBound(cmd.Args[2])
	if err != nil {
		return errorReply("ERR Invalid stream ID specified as stream command argument")
	}

	entries, err := ctx.Store.XRange(key, from, to)
	if err != nil {
		return errorReply(err.Error())
	}
	return entriesReply(entries)
}

// entriesReply renders a slice of stream entries the way XRANGE and each
// per-stream block of XREAD do: an array of [id, [field, value, ...]]
// pairs.
func entriesReply(entries []streams.Entry) []byte {
	var e resp3.Encoder
	e.WriteArrHeader(len(entries))
	for _, entry := range entries {
		e.WriteArrHeader(2)
		e.WriteBulkStr(entry.ID.String())
		e.WriteArrHeader(len(entry.Fields) * 2)
		for _, f := range entry.Fields {
			e.WriteBulkStr(f.Name)
			e.WriteBulkStr(f.Value)
		}
	}
	return e.Buf
}

// xreadQuery is the resolved, retry-stable state for one in-flight XREAD:
// every "$" has already been turned into a concrete last-seen ID the first
// time the command is evaluated, so repeated retries compare against a
// fixed point rather than a moving target.
type xreadQuery struct {
	keys     []string
	ids      []streams.ID
	count    int
	hasCount bool
}

func execXRead(cmd Command, ctx *ExecContext) Outcome {
	q, blockMs, hasBlock, errReply := parseXRead(cmd, ctx)
	if errReply != nil {
		return done(errReply)
	}

	started := time.Now()
	return runXRead(q, ctx, started, hasBlock, blockMs)
}

func parseXRead(cmd Command, ctx *ExecContext) (xreadQuery, int, bool, []byte) {
	args := cmd.Args
	var q xreadQuery
	blockMs := 0
	hasBlock := false

	i := 0
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "COUNT":
			if i+1 >= len(args) {
				return q, 0, false, errorReply("ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return q, 0, false, errorReply("ERR value is not an integer or out of range")
			}
			q.count, q.hasCount = n, true
			i += 2
		case "BLOCK":
			if i+1 >= len(args) {
				return q, 0, false, errorReply("ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return q, 0, false, errorReply("ERR timeout is not an integer or out of range")
			}
			blockMs, hasBlock = n, true
			i += 2
		case "STREAMS":
			i++
			rest := args[i:]
			if len(rest)%2 != 0 {
				return q, 0, false, errorReply("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.")
			}
			n := len(rest) / 2
			q.keys = rest[:n]
			rawIDs := rest[n:]
			q.ids = make([]streams.ID, n)
			for k := 0; k < n; k++ {
				if rawIDs[k] == "$" {
					last, has, err := ctx.Store.XLastID(q.keys[k])
					if err != nil {
						return q, 0, false, errorReply(err.Error())
					}
					if has {
						q.ids[k] = last
					} else {
						q.ids[k] = streams.MinID
					}
					continue
				}
				id, err := streams.ParseBound(rawIDs[k])
				if err != nil {
					return q, 0, false, errorReply("ERR Invalid stream ID specified as stream command argument")
				}
				q.ids[k] = id
			}
			return q, blockMs, hasBlock, nil
		default:
			return q, 0, false, errorReply("ERR syntax error")
		}
	}
	return q, 0, false, errorReply("ERR syntax error")
}

const xreadRetryInterval = 100 * time.Millisecond

func runXRead(q xreadQuery, ctx *ExecContext, started time.Time, hasBlock bool, blockMs int) Outcome {
	type streamResult struct {
		key     string
		entries []streams.Entry
	}
	results := make([]streamResult, len(q.keys))
	hasEntries := false

	for i, key := range q.keys {
		entries, err := ctx.Store.XAfter(key, q.ids[i])
		if err != nil {
			return done(errorReply(err.Error()))
		}
		results[i] = streamResult{key, entries}
		if len(entries) > 0 {
			hasEntries = true
		}
	}

	if hasEntries && q.hasCount {
		total := 0
		for _, r := range results {
			total += len(r.entries)
		}
		if total >= q.count {
			trimmed := results[:0:0]
			remaining := q.count
			for _, r := range results {
				take := remaining
				if take > len(r.entries) {
					take = len(r.entries)
				}
				trimmed = append(trimmed, streamResult{r.key, r.entries[:take]})
				remaining -= take
				if remaining == 0 {
					break
				}
			}
			results = trimmed
		}
	}

	if hasEntries {
		var e resp3.Encoder
		e.WriteArrHeader(len(results))
		for _, r := range results {
			e.WriteArrHeader(2)
			e.WriteBulkStr(r.key)
			e.WriteRaw(entriesReply(r.entries))
		}
		return done(e.Buf)
	}

	if !hasBlock {
		return done(nilArrayReply())
	}

	var deadline time.Time
	if blockMs > 0 {
		deadline = started.Add(time.Duration(blockMs) * time.Millisecond)
		if time.Now().After(deadline) {
			return done(nilArrayReply())
		}
	}

	return Outcome{Retry: &Retry{
		Interval: xreadRetryInterval,
		Deadline: deadline,
		Continue: func() Outcome {
			if !deadline.IsZero() && time.Now().After(deadline) {
				return done(nilArrayReply())
			}
			return runXRead(q, ctx, started, hasBlock, blockMs)
		},
	}}
}

func execListPush(cmd Command, ctx *ExecContext, push func(string, []string) (int, error)) []byte {
	n, err := push(cmd.Args[0], cmd.Args[1:])
	return intOrErr(n, err)
}

func execListPop(cmd Command, pop func(string, int) ([]string, bool, error)) []byte {
	key := cmd.Args[0]
	count := 1
	hasCount := false
	if len(cmd.Args) > 1 {
		n, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		count, hasCount = n, true
	}

	vals, ok, err := pop(key, count)
	if err != nil {
		return errorReply(err.Error())
	}
	if !ok {
		if hasCount {
			return nilArrayReply()
		}
		return nilBulkReply()
	}
	if !hasCount {
		return bulkReply(vals[0])
	}
	var e resp3.Encoder
	e.WriteArrHeader(len(vals))
	for _, v := range vals {
		e.WriteBulkStr(v)
	}
	return e.Buf
}

func execLRange(cmd Command, ctx *ExecContext) []byte {
	start, err1 := strconv.Atoi(cmd.Args[1])
	stop, err2 := strconv.Atoi(cmd.Args[2])
	if err1 != nil || err2 != nil {
		return errorReply("ERR value is not an integer or out of range")
	}
	vals, err := ctx.Store.LRange(cmd.Args[0], start, stop)
	if err != nil {
		return errorReply(err.Error())
	}
	var e resp3.Encoder
	e.WriteArrHeader(len(vals))
	for _, v := range vals {
		e.WriteBulkStr(v)
	}
	return e.Buf
}

func execLIndex(cmd Command, ctx *ExecContext) []byte {
	idx, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return errorReply("ERR value is not an integer or out of range")
	}
	val, ok, err := ctx.Store.LIndex(cmd.Args[0], idx)
	if err != nil {
		return errorReply(err.Error())
	}
	if !ok {
		return nilBulkReply()
	}
	return bulkReply(val)
}

func execConfig(cmd Command, ctx *ExecContext) []byte {
	if len(cmd.Args) < 2 || strings.ToUpper(cmd.Args[0]) != "GET" {
		return errorReply("ERR syntax error")
	}
	var val string
	switch strings.ToLower(cmd.Args[1]) {
	case "dir":
		val = ctx.Cfg.Dir
	case "dbfilename":
		val = ctx.Cfg.DBFilename
	default:
		var e resp3.Encoder
		e.WriteArrHeader(0)
		return e.Buf
	}
	var e resp3.Encoder
	e.WriteArrHeader(2)
	e.WriteBulkStr(strings.ToLower(cmd.Args[1]))
	e.WriteBulkStr(val)
	return e.Buf
}
