package respd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// generateReplID returns a random 40-character hex replication ID.
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000000000000000000000000000"[:40]
	}
	return hex.EncodeToString(b)
}

// replicaRecord is one connected follower, keyed by the host:port it
// reported via REPLCONF listening-port.
type replicaRecord struct {
	conn            net.Conn
	lastAckedOffset int64
}

// getAckFrame is the fixed RESP frame a leader sends to ask a replica to
// report its offset.
var getAckFrame = []byte("*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n")

// Replication owns the set of connected replicas, the FIFO queue of
// propagated write bytes, and the process-wide replication offset. It is
// guarded by its own mutex, separate from Storage's, per the concurrency
// model's "separate mutex around Replication manager state".
type Replication struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	replicas map[string]*replicaRecord
	queue    [][]byte

	offset int64 // atomic

	replID string
}

func NewReplication(log *zap.SugaredLogger) *Replication {
	return &Replication{
		log:      log,
		replicas: make(map[string]*replicaRecord),
		replID:   generateReplID(),
	}
}

// ReplID is the fixed 40-character replication ID this leader advertises.
func (r *Replication) ReplID() string { return r.replID }

// Offset returns the current replication offset.
func (r *Replication) Offset() int64 { return atomic.LoadInt64(&r.offset) }

// AddReplica registers conn under key (its reported host:port).
func (r *Replication) AddReplica(key string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas[key] = &replicaRecord{conn: conn}
	r.log.Infow("replica registered", "addr", key)
}

// RemoveReplica drops a replica record. Write failures in Flush/
// SendGetAckAll do not call this; a replica is only ever deregistered
// explicitly.
func (r *Replication) RemoveReplica(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.replicas, key)
}

// ReplicaCount reports how many replicas are currently registered.
func (r *Replication) ReplicaCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replicas)
}

// Enqueue appends raw to the propagation queue and advances the
// replication offset by its length. Called by the executor after every
// successful write.
func (r *Replication) Enqueue(raw []byte) {
	r.mu.Lock()
	r.queue = append(r.queue, append([]byte(nil), raw...))
	r.mu.Unlock()
	atomic.AddInt64(&r.offset, int64(len(raw)))
}

// Flush drains the queue, writing every pending command to every
// registered replica's connection. A write error is logged and the drain
// continues for the rest; the replica stays registered regardless, per
// §9 ("replica write failures don't abort propagation to others, and
// don't deregister the replica either").
func (r *Replication) Flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	pending := r.queue
	r.queue = nil
	replicas := make(map[string]*replicaRecord, len(r.replicas))
	for k, v := range r.replicas {
		replicas[k] = v
	}
	r.mu.Unlock()

	for key, rep := range replicas {
		for _, cmd := range pending {
			if _, err := rep.conn.Write(cmd); err != nil {
				r.log.Warnw("replica write failed", "addr", key, "error", err)
				break
			}
		}
	}
}

// SendGetAckAll writes the fixed GETACK frame to every replica. A write
// error is logged and the replica stays registered, same as Flush.
func (r *Replication) SendGetAckAll() {
	r.mu.Lock()
	replicas := make(map[string]*replicaRecord, len(r.replicas))
	for k, v := range r.replicas {
		replicas[k] = v
	}
	r.mu.Unlock()

	for key, rep := range replicas {
		if _, err := rep.conn.Write(getAckFrame); err != nil {
			r.log.Warnw("GETACK write failed", "addr", key, "error", err)
		}
	}
}

// UpdateOffset sets a replica's last-acked offset to the max of its
// current value and offset.
func (r *Replication) UpdateOffset(key string, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[key]
	if !ok {
		return
	}
	if offset > rep.lastAckedOffset {
		rep.lastAckedOffset = offset
	}
}

// UpToDateCount counts replicas whose last-acked offset is at least the
// current replication offset.
func (r *Replication) UpToDateCount() int {
	current := r.Offset()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.replicas {
		if rep.lastAckedOffset >= current {
			n++
		}
	}
	return n
}

// Run drives the background flush/GETACK loop until ctx is cancelled: a
// 10ms tick calls Flush, and every 10s also SendGetAckAll.
func (r *Replication) Run(ctx context.Context) error {
	flushTick := time.NewTicker(10 * time.Millisecond)
	defer flushTick.Stop()
	getAckTick := time.NewTicker(10 * time.Second)
	defer getAckTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushTick.C:
			r.Flush()
		case <-getAckTick.C:
			r.SendGetAckAll()
		}
	}
}
