package respd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCtx() *ExecContext {
	return &ExecContext{
		Store: NewStorage(),
		Repl:  NewReplication(zap.NewNop().Sugar()),
		Cfg:   DefaultConfig(),
	}
}

func exec1(t *testing.T, ctx *ExecContext, name string, args ...string) []byte {
	t.Helper()
	out := Execute(Command{Name: name, Args: args, Raw: []byte(name)}, ctx)
	require.Nil(t, out.Retry, "command unexpectedly blocked: %s", name)
	return out.Done
}

func TestExecutePing(t *testing.T) {
	ctx := newTestCtx()
	assert.Equal(t, []byte("+PONG\r\n"), exec1(t, ctx, "PING"))
}

func TestExecuteSetGet(t *testing.T) {
	ctx := newTestCtx()
	assert.Equal(t, []byte("+OK\r\n"), exec1(t, ctx, "SET", "k", "v"))
	assert.Equal(t, []byte("$1\r\nv\r\n"), exec1(t, ctx, "GET", "k"))
}

func TestExecuteGetMissingIsNilBulk(t *testing.T) {
	ctx := newTestCtx()
	assert.Equal(t, []byte("$-1\r\n"), exec1(t, ctx, "GET", "nope"))
}

func TestExecuteXAddRepliesSimpleString(t *testing.T) {
	ctx := newTestCtx()
	reply := exec1(t, ctx, "XADD", "s", "1-1", "field", "value")
	assert.Equal(t, []byte("+1-1\r\n"), reply)
}

func TestExecuteSetEnqueuesReplication(t *testing.T) {
	ctx := newTestCtx()
	before := ctx.Repl.Offset()
	exec1(t, ctx, "SET", "k", "v")
	assert.Greater(t, ctx.Repl.Offset(), before)
}

func TestExecuteGetDoesNotEnqueueReplication(t *testing.T) {
	ctx := newTestCtx()
	exec1(t, ctx, "SET", "k", "v")
	before := ctx.Repl.Offset()
	exec1(t, ctx, "GET", "k")
	assert.Equal(t, before, ctx.Repl.Offset())
}

func TestExecuteXReadBlockTimesOutToNilArray(t *testing.T) {
	ctx := newTestCtx()
	out := Execute(Command{Name: "XREAD", Args: []string{"BLOCK", "10", "STREAMS", "s", "$"}}, ctx)
	require.NotNil(t, out.Retry)

	deadline := time.Now().Add(time.Second)
	for out.Retry != nil && time.Now().Before(deadline) {
		out = out.Retry.Continue()
	}
	assert.Equal(t, []byte("*-1\r\n"), out.Done)
}

func TestExecuteXReadReturnsNewEntries(t *testing.T) {
	ctx := newTestCtx()
	exec1(t, ctx, "XADD", "s", "1-1", "a", "b")

	out := Execute(Command{Name: "XREAD", Args: []string{"STREAMS", "s", "0"}}, ctx)
	require.Nil(t, out.Retry)
	assert.Contains(t, string(out.Done), "1-1")
}

func TestExecuteXReadMultiStreamIncludesEmptyStreams(t *testing.T) {
	ctx := newTestCtx()
	exec1(t, ctx, "XADD", "b", "1-1", "a", "b")

	out := Execute(Command{Name: "XREAD", Args: []string{"STREAMS", "a", "b", "0", "0"}}, ctx)
	require.Nil(t, out.Retry)
	// both keys must appear, "a" with an empty entries array and "b" with its entry.
	assert.Equal(t, []byte("*2\r\n*2\r\n$1\r\na\r\n*0\r\n*2\r\n$1\r\nb\r\n*1\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\na\r\n$1\r\nb\r\n"), out.Done)
}

func TestExecuteXReadCountTrimsAcrossStreamsDroppingKeysPastBudget(t *testing.T) {
	ctx := newTestCtx()
	exec1(t, ctx, "XADD", "a", "1-1", "f", "v")
	exec1(t, ctx, "XADD", "a", "1-2", "f", "v")
	exec1(t, ctx, "XADD", "b", "1-1", "f", "v")

	out := Execute(Command{Name: "XREAD", Args: []string{"COUNT", "2", "STREAMS", "a", "b", "0", "0"}}, ctx)
	require.Nil(t, out.Retry)
	s := string(out.Done)
	assert.Contains(t, s, "1-1")
	assert.Contains(t, s, "1-2")
	// budget exhausted by "a" alone; "b" is dropped once the COUNT budget reaches zero,
	// matching the reference run_loop()'s trim-then-break behavior.
	assert.NotContains(t, s, "\r\n$1\r\nb\r\n")
}

func TestExecuteWaitReturnsImmediatelyWhenZeroReplicasRequired(t *testing.T) {
	ctx := newTestCtx()
	out := Execute(Command{Name: "WAIT", Args: []string{"0", "100"}}, ctx)
	require.Nil(t, out.Retry)
	assert.Equal(t, []byte(":0\r\n"), out.Done)
}

func TestExecuteUnknownCommand(t *testing.T) {
	ctx := newTestCtx()
	out := exec1(t, ctx, "NOPE")
	assert.Contains(t, string(out), "ERR")
}
