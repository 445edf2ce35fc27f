package respd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	ctx := newTestCtx()
	ctx.Conn = server
	s := NewSession(server, zap.NewNop().Sugar(), ctx, false)
	go s.Run()
	return s, client
}

func sendAndRead(t *testing.T, client net.Conn, frame string) string {
	t.Helper()
	_, err := client.Write([]byte(frame))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestSessionRunsSimpleCommand(t *testing.T) {
	_, client := newTestSession(t)
	reply := sendAndRead(t, client, "*1\r\n$4\r\nPING\r\n")
	assert.Equal(t, "+PONG\r\n", reply)
}

func TestSessionTransactionQueuesThenRunsOnExec(t *testing.T) {
	_, client := newTestSession(t)

	assert.Equal(t, "+OK\r\n", sendAndRead(t, client, "*1\r\n$5\r\nMULTI\r\n"))
	assert.Equal(t, "+QUEUED\r\n", sendAndRead(t, client, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	assert.Equal(t, "+QUEUED\r\n", sendAndRead(t, client, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))

	reply := sendAndRead(t, client, "*1\r\n$4\r\nEXEC\r\n")
	assert.Equal(t, "*2\r\n+OK\r\n$1\r\nv\r\n", reply)
}

func TestSessionRejectsNonWhitelistedCommandInTransaction(t *testing.T) {
	_, client := newTestSession(t)

	assert.Equal(t, "+OK\r\n", sendAndRead(t, client, "*1\r\n$5\r\nMULTI\r\n"))
	reply := sendAndRead(t, client, "*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n")
	assert.Contains(t, reply, "ERR")
}

func TestSessionExecWithoutMultiErrors(t *testing.T) {
	_, client := newTestSession(t)
	reply := sendAndRead(t, client, "*1\r\n$4\r\nEXEC\r\n")
	assert.Contains(t, reply, "ERR EXEC without MULTI")
}
