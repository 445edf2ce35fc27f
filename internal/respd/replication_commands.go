package respd

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/flonle/respd/internal/respd/resp3"
)

// execInfo renders the "replication" section described in §4.3. Only that
// section is implemented; any other requested section yields an empty
// body, matching a minimal INFO.
func execInfo(cmd Command, ctx *ExecContext) []byte {
	if len(cmd.Args) > 0 && !strings.EqualFold(cmd.Args[0], "replication") {
		return bulkReply("")
	}
	var b strings.Builder
	if ctx.Cfg.IsReplica() {
		b.WriteString("role:slave\r\n")
		b.WriteString("master_host:" + ctx.Cfg.ReplicaOfHost + "\r\n")
		b.WriteString("master_port:" + strconv.Itoa(ctx.Cfg.ReplicaOfPort) + "\r\n")
	} else {
		b.WriteString("role:master\r\n")
		b.WriteString("connected_slaves:" + strconv.Itoa(ctx.Repl.ReplicaCount()) + "\r\n")
	}
	b.WriteString("master_replid:" + ctx.Repl.ReplID() + "\r\n")
	b.WriteString("master_repl_offset:" + strconv.FormatInt(ctx.Repl.Offset(), 10) + "\r\n")
	return bulkReply(b.String())
}

// execReplConf handles the four REPLCONF subcommands this server
// supports. listening-port and capa reply +OK and are only meaningful on
// the leader side of a handshake; ack has no reply at all (Done is left
// empty); getack computes the response size from the actual inbound frame
// length per the resolved open question, rather than a hardcoded 37.
func execReplConf(cmd Command, ctx *ExecContext) Outcome {
	if len(cmd.Args) == 0 {
		return done(errorReply("ERR wrong number of arguments for 'replconf' command"))
	}
	switch strings.ToUpper(cmd.Args[0]) {
	case "LISTENING-PORT":
		if len(cmd.Args) < 2 {
			return done(errorReply("ERR wrong number of arguments"))
		}
		ctx.pendingListenPort = cmd.Args[1]
		return done(okReply())

	case "CAPA":
		return done(okReply())

	case "GETACK":
		n := int64(0)
		if ctx.BytesProcessed != nil {
			n = *ctx.BytesProcessed - int64(len(cmd.Raw))
		}
		var e resp3.Encoder
		e.WriteArrHeader(3)
		e.WriteBulkStr("REPLCONF")
		e.WriteBulkStr("ACK")
		e.WriteBulkStr(strconv.FormatInt(n, 10))
		return done(e.Buf)

	case "ACK":
		if len(cmd.Args) >= 2 {
			if n, err := strconv.ParseInt(cmd.Args[1], 10, 64); err == nil && ctx.replicaKey != "" {
				ctx.Repl.UpdateOffset(ctx.replicaKey, n)
			}
		}
		return done(nil)

	default:
		return done(okReply())
	}
}

// execPSync answers PSYNC ? -1 with a FULLRESYNC handshake line followed
// by the embedded snapshot, framed with no trailing CRLF per the resolved
// open question; the replica's bootstrap reads exactly the declared
// length. The calling connection is registered as a replica.
func execPSync(cmd Command, ctx *ExecContext) []byte {
	snapshot := BuildSnapshot(ctx.Store)

	var e resp3.Encoder
	e.WriteSimpleString("FULLRESYNC " + ctx.Repl.ReplID() + " 0")
	e.Buf = append(e.Buf, '$')
	e.Buf = append(e.Buf, strconv.Itoa(len(snapshot))...)
	e.Buf = append(e.Buf, "\r\n"...)
	e.Buf = append(e.Buf, snapshot...)

	ctx.replicaKey = replicaKeyFor(ctx.Conn, ctx.pendingListenPort)
	ctx.Repl.AddReplica(ctx.replicaKey, ctx.Conn)
	return e.Buf
}

func replicaKeyFor(conn net.Conn, listenPort string) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if listenPort == "" {
		return conn.RemoteAddr().String()
	}
	return net.JoinHostPort(host, listenPort)
}

const waitRetryInterval = 10 * time.Millisecond

// execWait implements §4.5's WAIT: it answers immediately if enough
// replicas are already caught up, otherwise hands back a Retry that the
// driver re-evaluates every 10ms until either the condition holds or the
// deadline (relative to started, the moment the driver first saw WAIT)
// passes, at which point the current count is returned regardless.
func execWait(cmd Command, ctx *ExecContext, started time.Time) Outcome {
	n, err1 := strconv.Atoi(cmd.Args[0])
	t, err2 := strconv.Atoi(cmd.Args[1])
	if err1 != nil || err2 != nil {
		return done(errorReply("ERR value is not an integer or out of range"))
	}

	if k := ctx.Repl.UpToDateCount(); k >= n {
		return done(intReply(int64(k)))
	}

	deadline := started.Add(time.Duration(t) * time.Millisecond)
	var continue_ func() Outcome
	continue_ = func() Outcome {
		k := ctx.Repl.UpToDateCount()
		if k >= n || time.Now().After(deadline) {
			return done(intReply(int64(k)))
		}
		return Outcome{Retry: &Retry{Interval: waitRetryInterval, Deadline: deadline, Continue: continue_}}
	}
	return Outcome{Retry: &Retry{Interval: waitRetryInterval, Deadline: deadline, Continue: continue_}}
}

// execReplicaOf implements the supplemented live REPLICAOF/SLAVEOF
// command: "REPLICAOF NO ONE" is accepted syntactically but this server
// doesn't support demoting a running replica back to a master, since the
// core's bootstrap handshake is a one-way process transition, and replies
// with an error; any other host/port pair kicks off the same bootstrap
// handshake used at startup.
func execReplicaOf(cmd Command, ctx *ExecContext) []byte {
	if len(cmd.Args) != 2 {
		return errorReply("ERR wrong number of arguments for 'replicaof' command")
	}
	host, port := cmd.Args[0], cmd.Args[1]
	if strings.EqualFold(host, "NO") && strings.EqualFold(port, "ONE") {
		return errorReply("ERR REPLICAOF NO ONE is not supported once replicating")
	}
	if ctx.BecomeReplica == nil {
		return errorReply("ERR this connection cannot initiate replication")
	}
	ctx.BecomeReplica(host, port)
	return okReply()
}
