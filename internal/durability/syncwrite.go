package durability

import (
	"time"

	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/model"
)

// tracking selects which medium an acknowledgement refers to.
type tracking uint8

const (
	trackingMemory tracking = iota
	trackingDisk
)

func (t tracking) String() string {
	if t == trackingMemory {
		return "memory"
	}
	return "disk"
}

// ack records one node's acknowledgements for a SyncWrite.
type ack struct {
	memory bool
	disk   bool
}

// SyncWrite is a tracked prepare awaiting quorum acknowledgement.
type SyncWrite struct {
	// cookie identifies the client waiting on this write; it is handed
	// back on the commit/abort callback.
	cookie interface{}

	item model.Item

	// acks holds one entry per defined chain node at creation time.
	acks map[string]*ack

	// ackCount avoids scanning the ack map when testing satisfaction.
	ackCount struct {
		memory int
		disk   int
	}

	// majority of the chain this write was enqueued under.
	majority int

	// active node name, needed for MajorityAndPersistOnMaster.
	active string

	// expiry is set when the write carries a timeout; nil writes never
	// expire.
	expiry *time.Time
}

// newSyncWrite creates a tracked write under the given chain. The
// caller has already verified that durability is possible.
func newSyncWrite(cookie interface{}, item model.Item, chain *replicationChain, now time.Time) *SyncWrite {
	sw := &SyncWrite{
		cookie:   cookie,
		item:     item,
		acks:     make(map[string]*ack, len(chain.positions)),
		majority: chain.majority,
		active:   chain.active,
	}
	if item.Durability.Timeout > 0 {
		t := now.Add(time.Duration(item.Durability.Timeout) * time.Millisecond)
		sw.expiry = &t
	}
	for node := range chain.positions {
		sw.acks[node] = &ack{}
	}
	return sw
}

// Key returns the key of the tracked prepare.
func (sw *SyncWrite) Key() string {
	return sw.item.Key
}

// Seqno returns the seqno assigned to the tracked prepare.
func (sw *SyncWrite) Seqno() int64 {
	return sw.item.Seqno
}

// Cookie returns the client cookie.
func (sw *SyncWrite) Cookie() interface{} {
	return sw.cookie
}

// recordAck marks the node's acknowledgement for the medium. A node
// introduced by a topology change after this write was enqueued gets an
// entry on first ack; a duplicate ack is an invariant violation. Only
// the chain walk reaches here, so the node is always a chain member.
func (sw *SyncWrite) recordAck(node string, t tracking) {
	a, ok := sw.acks[node]
	if !ok {
		a = &ack{}
		sw.acks[node] = a
	}
	flag := &a.memory
	count := &sw.ackCount.memory
	if t == trackingDisk {
		flag = &a.disk
		count = &sw.ackCount.disk
	}
	if *flag {
		errors.Fatalf("SyncWrite seqno %d: duplicate %s ack for node %s",
			sw.item.Seqno, t, node)
	}
	*flag = true
	*count++
}

// isSatisfied reports whether the durability requirements hold.
func (sw *SyncWrite) isSatisfied() bool {
	switch sw.item.Durability.Level {
	case model.LevelMajority:
		return sw.ackCount.memory >= sw.majority
	case model.LevelMajorityAndPersistOnMaster:
		return sw.ackCount.memory >= sw.majority && sw.acks[sw.active].disk
	case model.LevelPersistToMajority:
		return sw.ackCount.disk >= sw.majority
	case model.LevelNone:
		errors.Fatalf("SyncWrite seqno %d: satisfaction test at level none",
			sw.item.Seqno)
	}
	return false
}

// isExpired reports whether the write's expiry time is strictly before
// asOf.
func (sw *SyncWrite) isExpired(asOf time.Time) bool {
	if sw.expiry == nil {
		return false
	}
	return sw.expiry.Before(asOf)
}

// diskAckedByMajority reports whether a majority of chain nodes have
// persisted this prepare.
func (sw *SyncWrite) diskAckedByMajority() bool {
	return sw.ackCount.disk >= sw.majority
}
