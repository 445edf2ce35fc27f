package respd

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// transactionWhitelist is the restrictive set of commands a connection may
// queue inside MULTI/EXEC, per the resolved open question (§9) keeping
// canonical Redis's "queue anything" behavior out.
var transactionWhitelist = map[string]bool{
	"SET": true, "GET": true, "INCR": true,
}

const readChunk = 4096

// Session drives one client connection: it owns the read buffer, the
// in_transaction flag and queued commands, and runs blocking-command
// retries on the executor's behalf.
type Session struct {
	conn net.Conn
	log  *zap.SugaredLogger
	ctx  *ExecContext

	inTransaction bool
	queue         []Command

	// replicaLink is true when this Session reads commands propagated by
	// a leader (the connection this process opened during bootstrap);
	// on that path every batch's byte count feeds BytesProcessed.
	replicaLink bool
}

func NewSession(conn net.Conn, log *zap.SugaredLogger, ctx *ExecContext, replicaLink bool) *Session {
	return &Session{conn: conn, log: log, ctx: ctx, replicaLink: replicaLink}
}

// Run reads and dispatches commands until the connection closes or a fatal
// I/O error occurs.
func (s *Session) Run() {
	s.RunWithPreloaded(nil)
}

// RunWithPreloaded is Run, seeded with bytes already pulled off the
// connection (e.g. by a bufio.Reader used during the replica bootstrap
// handshake, whose read-ahead may have swallowed the leader's first
// propagated writes).
func (s *Session) RunWithPreloaded(preloaded []byte) {
	buf := s.drain(preloaded)
	read := make([]byte, readChunk)

	for {
		n, err := s.conn.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugw("connection read error", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		buf = s.drain(buf)
	}
}

// drain parses and dispatches as many complete commands as sit at the
// head of buf, returning the unconsumed remainder. A malformed frame or
// an oversized batch terminates the current batch entirely: the rest of
// buf is discarded and parsing resumes clean on the next read, per §7.
func (s *Session) drain(buf []byte) []byte {
	cmds, consumed, err := ParseBatch(buf)
	if s.replicaLink && s.ctx.BytesProcessed != nil {
		*s.ctx.BytesProcessed += int64(consumed)
	}
	for _, cmd := range cmds {
		s.dispatch(cmd)
	}

	if err == nil {
		return nil
	}
	if err == ErrIncomplete {
		return buf[consumed:]
	}
	// Malformed or too-many-commands: drop the rest of this read.
	s.log.Debugw("dropping malformed batch", "error", err)
	return nil
}

// dispatch applies the transaction rules of §4.4, then either queues or
// executes the command, running any blocking retry loop to completion
// before writing the reply.
func (s *Session) dispatch(cmd Command) {
	switch cmd.Name {
	case "MULTI":
		if s.inTransaction {
			s.write(errorReply("ERR MULTI calls can not be nested"))
			return
		}
		s.inTransaction = true
		s.write(okReply())
		return

	case "EXEC":
		if !s.inTransaction {
			s.write(errorReply("ERR EXEC without MULTI"))
			return
		}
		s.execTransaction()
		return

	case "DISCARD":
		if !s.inTransaction {
			s.write(errorReply("ERR DISCARD without MULTI"))
			return
		}
		s.inTransaction = false
		s.queue = nil
		s.write(okReply())
		return
	}

	if s.inTransaction {
		if !transactionWhitelist[cmd.Name] {
			s.write(errorReply("ERR Command not supported in transaction"))
			return
		}
		s.queue = append(s.queue, cmd)
		s.write(queuedReply())
		return
	}

	s.write(s.run(cmd))
}

// execTransaction runs every queued command in FIFO order and replies
// with a single array whose length is the queue size.
func (s *Session) execTransaction() {
	s.inTransaction = false
	queued := s.queue
	s.queue = nil

	var parts [][]byte
	for _, cmd := range queued {
		parts = append(parts, s.run(cmd))
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	header := []byte("*" + strconv.Itoa(len(parts)) + "\r\n")
	out := make([]byte, 0, len(header)+total)
	out = append(out, header...)
	for _, p := range parts {
		out = append(out, p...)
	}
	s.write(out)
}

// run executes cmd, driving the retry loop for blocking commands until a
// Done reply is available.
func (s *Session) run(cmd Command) []byte {
	outcome := Execute(cmd, s.ctx)
	for outcome.Retry != nil {
		retry := outcome.Retry
		time.Sleep(retry.Interval)
		outcome = retry.Continue()
	}
	return outcome.Done
}

func (s *Session) write(b []byte) {
	if len(b) == 0 {
		return
	}
	if _, err := s.conn.Write(b); err != nil {
		s.log.Debugw("connection write error", "error", err)
	}
}

