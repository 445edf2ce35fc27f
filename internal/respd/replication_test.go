package respd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepl() *Replication {
	return NewReplication(zap.NewNop().Sugar())
}

// pipeConn gives Replication something real to write to without a network
// listener; the reader end is drained in a goroutine so Flush/SendGetAckAll
// never block on a full pipe.
func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { server.Close(); client.Close() })
	return server
}

func TestReplicationOffsetAdvancesOnEnqueue(t *testing.T) {
	r := newTestRepl()
	before := r.Offset()
	r.Enqueue([]byte("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, before+14, r.Offset())
}

func TestUpToDateCountRequiresAckAtOrAboveOffset(t *testing.T) {
	r := newTestRepl()
	conn := pipeConn(t)
	r.AddReplica("replica-1", conn)
	r.Enqueue([]byte("*1\r\n$4\r\nPING\r\n"))

	assert.Equal(t, 0, r.UpToDateCount())

	r.UpdateOffset("replica-1", r.Offset())
	assert.Equal(t, 1, r.UpToDateCount())
}

func TestUpdateOffsetIsMonotonic(t *testing.T) {
	r := newTestRepl()
	conn := pipeConn(t)
	r.AddReplica("replica-1", conn)

	r.UpdateOffset("replica-1", 100)
	r.UpdateOffset("replica-1", 50)
	assert.Equal(t, 1, r.UpToDateCount())

	r.Enqueue(make([]byte, 200))
	assert.Equal(t, 0, r.UpToDateCount())
}

func TestReplicaCountReflectsAddAndRemove(t *testing.T) {
	r := newTestRepl()
	conn := pipeConn(t)
	r.AddReplica("replica-1", conn)
	require.Equal(t, 1, r.ReplicaCount())

	r.RemoveReplica("replica-1")
	assert.Equal(t, 0, r.ReplicaCount())
}

func TestFlushDeliversQueuedBytesToReplicas(t *testing.T) {
	r := newTestRepl()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	r.AddReplica("replica-1", server)

	r.Enqueue([]byte("*1\r\n$4\r\nPING\r\n"))

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()
	r.Flush()

	got := <-done
	assert.Equal(t, []byte("*1\r\n$4\r\nPING\r\n"), got)
}

func TestReplIDIsFixedLength(t *testing.T) {
	r := newTestRepl()
	assert.Len(t, r.ReplID(), 40)
}
