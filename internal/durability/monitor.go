package durability

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/model"
	"go.uber.org/zap"
)

// VBucket is the surface the monitor consumes from its owning vbucket.
// Commit and Abort are invoked with the monitor lock released; both
// must succeed, any failure is an unrecoverable logic error.
type VBucket interface {
	Commit(key string, prepareSeqno int64, commitSeqno *int64, cookie interface{}) error
	Abort(key string, prepareSeqno int64, abortSeqno *int64, cookie interface{}) error
	PersistenceSeqno() int64
	State() model.VBucketState
}

// NodeSeqnos is the memory/disk seqno pair reported for a chain node.
type NodeSeqnos struct {
	Memory int64
	Disk   int64
}

// Monitor tracks the in-flight SyncWrites of an active vbucket,
// advances per-node memory/disk cursors as acknowledgements arrive, and
// drives commit or abort once a write's durability requirements are
// decided.
//
// One exclusive lock protects the whole state. Any operation that can
// complete writes collects them under the lock and invokes the vbucket
// callbacks only after releasing it: the commit path acquires the
// hash-bucket lock, which the ingress path holds while calling into the
// monitor, so calling out under the monitor lock would invert the two.
type Monitor struct {
	vb          VBucket
	maxReplicas int
	logger      *zap.Logger
	now         func() time.Time

	mu sync.RWMutex

	// trackedWrites holds *SyncWrite ordered by strictly increasing
	// seqno. A list keeps element addresses stable under append and
	// interior removal, which the chain cursors rely on.
	trackedWrites *list.List

	firstChain *replicationChain

	lastTrackedSeqno model.Monotonic
}

// NewMonitor creates a monitor for the given vbucket. maxReplicas
// bounds the chain size at 1+maxReplicas.
func NewMonitor(vb VBucket, maxReplicas int, logger *zap.Logger) *Monitor {
	return &Monitor{
		vb:               vb,
		maxReplicas:      maxReplicas,
		logger:           logger,
		now:              time.Now,
		trackedWrites:    list.New(),
		lastTrackedSeqno: model.NewMonotonic("last_tracked_seqno", 0),
	}
}

// SetClock overrides the monotonic clock used to stamp expiry times.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// ParseTopology decodes the wire form of a replication topology: an
// array of chains, each an array of node names where JSON null marks an
// undefined replica slot.
func ParseTopology(doc []byte) ([][]string, error) {
	var raw [][]*string
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, errors.InvalidArgument("topology is not an array of chains", err)
	}
	chains := make([][]string, len(raw))
	for i, chain := range raw {
		chains[i] = make([]string, len(chain))
		for j, node := range chain {
			if node != nil {
				chains[i][j] = *node
			}
		}
	}
	return chains, nil
}

// SetReplicationTopology installs a new replication topology. The first
// chain is mandatory; a second chain is accepted for two-chain
// failover but not yet enforced in satisfaction. Installing a topology
// resets every per-node cursor to the head of the tracked container;
// recorded acks on in-flight writes survive, but nodes absent from the
// new chain no longer count toward satisfaction.
func (m *Monitor) SetReplicationTopology(chains [][]string) error {
	if m.vb.State() == model.VBucketStateReplica {
		return errors.InvalidArgument(
			"set replication topology: not supported at replica", nil)
	}
	if len(chains) == 0 {
		return errors.InvalidArgument("set replication topology: topology is empty", nil)
	}
	firstChain := chains[0]
	if len(firstChain) == 0 {
		return errors.InvalidArgument("set replication topology: first chain cannot be empty", nil)
	}
	if len(firstChain) > 1+m.maxReplicas {
		return errors.InvalidArgumentf(
			"set replication topology: too many nodes in chain: %v", firstChain)
	}
	if firstChain[0] == undefinedNode {
		return errors.InvalidArgument(
			"set replication topology: first node in chain (active) cannot be undefined", nil)
	}

	chain, err := newReplicationChain(firstChain)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.firstChain = chain
	for el := m.trackedWrites.Front(); el != nil; el = el.Next() {
		sw := el.Value.(*SyncWrite)
		sw.ackCount.memory, sw.ackCount.disk = 0, 0
		for node, a := range sw.acks {
			if _, ok := chain.positions[node]; !ok {
				continue
			}
			if a.memory {
				sw.ackCount.memory++
			}
			if a.disk {
				sw.ackCount.disk++
			}
		}
	}
	m.mu.Unlock()

	m.logger.Info("Installed replication topology",
		zap.Strings("first_chain", firstChain),
		zap.Int("chains", len(chains)),
		zap.Int("majority", chain.majority))
	return nil
}

// IsDurabilityPossible reports whether the installed first chain has
// enough defined nodes to ever reach majority.
func (m *Monitor) IsDurabilityPossible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstChain != nil && m.firstChain.isDurabilityPossible()
}

// AddSyncWrite enqueues a prepare for tracking. The item's seqno must
// be strictly greater than any previously added. The active implicitly
// holds the prepare in memory the moment it is enqueued, so its memory
// cursor advances over the new entry straight away.
func (m *Monitor) AddSyncWrite(cookie interface{}, item model.Item) error {
	if item.Durability.Level == model.LevelNone {
		return errors.InvalidArgument("add sync write: durability level none", nil)
	}
	if m.vb.State() == model.VBucketStateReplica {
		return errors.InvalidArgument("add sync write: not supported at replica", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstChain == nil || !m.firstChain.isDurabilityPossible() {
		size, majority := 0, 0
		if m.firstChain != nil {
			size, majority = m.firstChain.size(), m.firstChain.majority
		}
		return errors.DurabilityImpossible(size, majority)
	}

	sw := newSyncWrite(cookie, item, m.firstChain, m.now())
	m.trackedWrites.PushBack(sw)
	m.lastTrackedSeqno.Set(item.Seqno)

	active := m.firstChain.active
	pos := m.firstChain.positionFor(active, trackingMemory)
	m.advanceNodePosition(pos, active, trackingMemory)
	pos.lastAckSeqno.Set(item.Seqno)
	return nil
}

// SeqnoAckReceived processes a replica's acknowledgement that it holds
// every prepare up to and including ackedPreparedSeqno in memory and on
// disk. Repeating the same seqno is legal and a no-op. Satisfied writes
// are committed after the lock is released.
func (m *Monitor) SeqnoAckReceived(node string, ackedPreparedSeqno int64) error {
	var toCommit []*SyncWrite

	m.mu.Lock()
	err := m.processSeqnoAck(node, trackingMemory, ackedPreparedSeqno, &toCommit)
	if err == nil {
		err = m.processSeqnoAck(node, trackingDisk, ackedPreparedSeqno, &toCommit)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sw := range toCommit {
		m.commit(sw)
	}
	return nil
}

// NotifyLocalPersistence folds the vbucket's persisted seqno in as a
// disk acknowledgement from the active node.
func (m *Monitor) NotifyLocalPersistence() error {
	var toCommit []*SyncWrite

	m.mu.Lock()
	if m.firstChain == nil {
		m.mu.Unlock()
		return nil
	}
	// Everything up to the last persisted seqno is in consistent state
	// on the active.
	err := m.processSeqnoAck(
		m.firstChain.active, trackingDisk, m.vb.PersistenceSeqno(), &toCommit)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sw := range toCommit {
		m.commit(sw)
	}
	return nil
}

// ProcessTimeout removes and aborts every tracked SyncWrite whose
// expiry time is strictly before asOf, returning how many were
// aborted.
func (m *Monitor) ProcessTimeout(asOf time.Time) int {
	if m.vb.State() != model.VBucketStateActive {
		errors.Fatalf("process timeout: vbucket state is %s", m.vb.State())
	}

	var toAbort []*SyncWrite
	m.mu.Lock()
	el := m.trackedWrites.Front()
	for el != nil {
		next := el.Next()
		if sw := el.Value.(*SyncWrite); sw.isExpired(asOf) {
			m.removeSyncWrite(el)
			toAbort = append(toAbort, sw)
		}
		el = next
	}
	m.mu.Unlock()

	for _, sw := range toAbort {
		m.logger.Debug("Aborting timed out sync write",
			zap.String("key", sw.Key()),
			zap.Int64("seqno", sw.Seqno()))
		m.abort(sw)
	}
	return len(toAbort)
}

// ChainNodes returns the defined node names of the first chain.
func (m *Monitor) ChainNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.firstChain == nil {
		return nil
	}
	nodes := make([]string, 0, len(m.firstChain.positions))
	for node := range m.firstChain.positions {
		nodes = append(nodes, node)
	}
	return nodes
}

// processSeqnoAck advances the node's cursor for the medium up to
// ackSeqno, collecting every write that becomes satisfied. Caller holds
// the write lock.
func (m *Monitor) processSeqnoAck(node string, t tracking, ackSeqno int64, toCommit *[]*SyncWrite) error {
	if m.firstChain == nil {
		errors.Fatalf("process seqno ack: first chain not set")
	}
	pos := m.firstChain.positionFor(node, t)
	if pos == nil {
		return errors.InvalidArgumentf("seqno ack from node not in chain: %s", node)
	}

	for {
		next := m.nodeNext(pos)
		if next == nil || next.Value.(*SyncWrite).Seqno() > ackSeqno {
			break
		}
		m.advanceNodePosition(pos, node, t)

		if sw := pos.cursor.Value.(*SyncWrite); sw.isSatisfied() {
			m.removeSyncWrite(pos.cursor)
			*toCommit = append(*toCommit, sw)
		}
	}

	// Track the raw acked seqno; repeats are legal, it just means the
	// node has not advanced.
	pos.lastAckSeqno.Set(ackSeqno)
	return nil
}

// nodeNext returns the element after the cursor. A nil cursor is the
// end sentinel (the pointed element was removed from the head, or
// nothing was ever acked), so next is the container front.
func (m *Monitor) nodeNext(pos *position) *list.Element {
	if pos.cursor == nil {
		return m.trackedWrites.Front()
	}
	return pos.cursor.Next()
}

// advanceNodePosition moves the cursor one element forward and records
// the ack on the newly pointed write. Caller holds the write lock and
// has verified the next element exists.
func (m *Monitor) advanceNodePosition(pos *position, node string, t tracking) {
	if pos.cursor == nil {
		pos.cursor = m.trackedWrites.Front()
	} else {
		pos.cursor = pos.cursor.Next()
	}
	if pos.cursor == nil {
		errors.Fatalf("advance node position: %s/%s cursor advanced past end", node, t)
	}

	sw := pos.cursor.Value.(*SyncWrite)
	// lastWriteSeqno keeps the replica seqno-state even after the
	// pointed write is removed.
	pos.lastWriteSeqno.Set(sw.Seqno())
	sw.recordAck(node, t)
}

// removeSyncWrite splices the element out of trackedWrites. Every chain
// cursor pointing at the victim is first repositioned to its
// predecessor (the end sentinel when removing the head) so no cursor is
// ever left dangling.
func (m *Monitor) removeSyncWrite(el *list.Element) {
	if el == nil {
		errors.Fatalf("remove sync write: position points to end")
	}
	prev := el.Prev()
	var positions map[string]*nodePosition
	if m.firstChain != nil {
		positions = m.firstChain.positions
	}
	for _, np := range positions {
		if np.memory.cursor == el {
			np.memory.cursor = prev
		}
		if np.disk.cursor == el {
			np.disk.cursor = prev
		}
	}
	m.trackedWrites.Remove(el)
}

// commit invokes the vbucket commit callback. Must be called without
// the monitor lock held.
func (m *Monitor) commit(sw *SyncWrite) {
	if err := m.vb.Commit(sw.Key(), sw.Seqno(), nil, sw.Cookie()); err != nil {
		errors.Fatalf("monitor commit: vbucket commit failed: %v", err)
	}
}

// abort invokes the vbucket abort callback. Must be called without the
// monitor lock held.
func (m *Monitor) abort(sw *SyncWrite) {
	if err := m.vb.Abort(sw.Key(), sw.Seqno(), nil, sw.Cookie()); err != nil {
		errors.Fatalf("monitor abort: vbucket abort failed: %v", err)
	}
}

// NumTracked returns the number of SyncWrites currently tracked.
func (m *Monitor) NumTracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trackedWrites.Len()
}

// LastTrackedSeqno returns the seqno of the last prepare added.
func (m *Monitor) LastTrackedSeqno() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTrackedSeqno.Get()
}

// FirstChainSize returns the number of defined nodes in the first
// chain.
func (m *Monitor) FirstChainSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.firstChain == nil {
		return 0
	}
	return m.firstChain.size()
}

// FirstChainMajority returns the majority of the first chain.
func (m *Monitor) FirstChainMajority() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.firstChain == nil {
		return 0
	}
	return m.firstChain.majority
}

// NodeWriteSeqnos returns the last write seqnos tracked for the node.
func (m *Monitor) NodeWriteSeqnos(node string) (NodeSeqnos, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	np, ok := m.chainPositions(node)
	if !ok {
		return NodeSeqnos{}, errors.InvalidArgumentf("unknown chain node: %s", node)
	}
	return NodeSeqnos{
		Memory: np.memory.lastWriteSeqno.Get(),
		Disk:   np.disk.lastWriteSeqno.Get(),
	}, nil
}

// NodeAckSeqnos returns the last seqnos the node acknowledged.
func (m *Monitor) NodeAckSeqnos(node string) (NodeSeqnos, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	np, ok := m.chainPositions(node)
	if !ok {
		return NodeSeqnos{}, errors.InvalidArgumentf("unknown chain node: %s", node)
	}
	return NodeSeqnos{
		Memory: np.memory.lastAckSeqno.Get(),
		Disk:   np.disk.lastAckSeqno.Get(),
	}, nil
}

func (m *Monitor) chainPositions(node string) (*nodePosition, bool) {
	if m.firstChain == nil {
		return nil, false
	}
	np, ok := m.firstChain.positions[node]
	return np, ok
}

// TrackedSeqnos returns the seqnos of every tracked write in order.
func (m *Monitor) TrackedSeqnos() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, m.trackedWrites.Len())
	for el := m.trackedWrites.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*SyncWrite).Seqno())
	}
	return out
}

// HighPreparedSeqno returns the highest seqno up to which every tracked
// write has been persisted by a majority of chain nodes, scanning the
// tracked container in seqno order and stopping at the first gap.
func (m *Monitor) HighPreparedSeqno() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hps int64
	for el := m.trackedWrites.Front(); el != nil; el = el.Next() {
		sw := el.Value.(*SyncWrite)
		if !sw.diskAckedByMajority() {
			break
		}
		hps = sw.Seqno()
	}
	return hps
}

// WipeTracked drops every tracked write without completing it, used
// when the vbucket leaves the active role. Removal goes through the
// cursor-safe path so chain cursors stay valid.
func (m *Monitor) WipeTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	el := m.trackedWrites.Front()
	for el != nil {
		next := el.Next()
		m.removeSyncWrite(el)
		removed++
		el = next
	}
	return removed
}
