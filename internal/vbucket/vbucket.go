package vbucket

import (
	"sync"
	"sync/atomic"

	"github.com/harbordb/kvengine/internal/collections"
	"github.com/harbordb/kvengine/internal/durability"
	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/failover"
	"github.com/harbordb/kvengine/internal/model"
	"go.uber.org/zap"
)

// NotifyFunc wakes the client waiting on a durable write once its
// terminal outcome is known. It is called synchronously after the
// commit or abort callback returns.
type NotifyFunc func(cookie interface{}, outcome model.OperationType, key string, seqno int64)

// Config carries the per-vbucket construction parameters.
type Config struct {
	ID                 uint16
	State              model.VBucketState
	FailoverMaxEntries int
	MaxReplicas        int
	Manifests          *collections.Holder
	Notify             NotifyFunc
	Logger             *zap.Logger
}

// VBucket is one shard of the keyspace. It owns its failover table and
// durability monitor, stamps every mutation with a strictly increasing
// seqno, and adapts the monitor's callbacks onto the client
// notification hook.
type VBucket struct {
	id        uint16
	logger    *zap.Logger
	notify    NotifyFunc
	manifests *collections.Holder

	failoverTable *failover.Table
	monitor       *durability.Monitor

	// state is atomic: the monitor reads it from paths that already
	// hold the vbucket mutex.
	state atomic.Uint32

	mu        sync.Mutex
	highSeqno int64

	persistenceSeqno atomic.Int64
	purgeSeqno       atomic.Uint64

	committed atomic.Uint64
	aborted   atomic.Uint64
}

// New creates a vbucket with a fresh failover table seeded at seqno 0.
func New(cfg Config) *VBucket {
	vb := &VBucket{
		id:            cfg.ID,
		logger:        cfg.Logger.With(zap.Uint16("vb", cfg.ID)),
		notify:        cfg.Notify,
		manifests:     cfg.Manifests,
		failoverTable: failover.NewTable(cfg.FailoverMaxEntries),
	}
	vb.state.Store(uint32(cfg.State))
	vb.monitor = durability.NewMonitor(vb, cfg.MaxReplicas, vb.logger)
	return vb
}

// ID returns the vbucket id.
func (vb *VBucket) ID() uint16 {
	return vb.id
}

// State returns the replication role of the vbucket.
func (vb *VBucket) State() model.VBucketState {
	return model.VBucketState(vb.state.Load())
}

// SetState changes the replication role. A promotion to active starts a
// new history branch, so a failover entry is pushed at the current high
// seqno; tracked writes from the previous role are wiped.
func (vb *VBucket) SetState(newState model.VBucketState) {
	old := model.VBucketState(vb.state.Swap(uint32(newState)))
	high := vb.HighSeqno()

	if old == newState {
		return
	}
	if newState == model.VBucketStateActive {
		vb.failoverTable.CreateEntry(uint64(high))
	}
	if old == model.VBucketStateActive {
		if wiped := vb.monitor.WipeTracked(); wiped > 0 {
			vb.logger.Warn("Wiped tracked sync writes on state change",
				zap.Int("wiped", wiped),
				zap.String("old_state", old.String()),
				zap.String("new_state", newState.String()))
		}
	}
	vb.logger.Info("VBucket state changed",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()))
}

// Monitor exposes the durability monitor for topology installs, acks
// and stats.
func (vb *VBucket) Monitor() *durability.Monitor {
	return vb.monitor
}

// FailoverTable exposes the failover table for persistence and stream
// arbitration.
func (vb *VBucket) FailoverTable() *failover.Table {
	return vb.failoverTable
}

// Manifest returns the current collections manifest view.
func (vb *VBucket) Manifest() *collections.Manifest {
	return vb.manifests.Current()
}

// HighSeqno returns the highest seqno assigned so far.
func (vb *VBucket) HighSeqno() int64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.highSeqno
}

// PersistenceSeqno returns the highest seqno known persisted locally.
func (vb *VBucket) PersistenceSeqno() int64 {
	return vb.persistenceSeqno.Load()
}

// PurgeSeqno returns the seqno below which deletions may have been
// purged by compaction.
func (vb *VBucket) PurgeSeqno() uint64 {
	return vb.purgeSeqno.Load()
}

// SetPurgeSeqno records a compaction purge point.
func (vb *VBucket) SetPurgeSeqno(seqno uint64) {
	vb.purgeSeqno.Store(seqno)
}

// AddPrepare stamps the mutation with the next seqno and enqueues it
// into the durability monitor. The seqno is only consumed when the
// monitor accepts the prepare.
func (vb *VBucket) AddPrepare(cookie interface{}, key string, reqs model.Requirements) (int64, error) {
	// Keys live in the default collection, which must exist in the
	// current manifest before a prepare is accepted.
	manifest := vb.manifests.Current()
	if !manifest.DefaultCollectionExists() {
		return 0, errors.NotFound("collection", collections.DefaultCollectionName)
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()

	seqno := vb.highSeqno + 1
	item := model.Item{Key: key, Seqno: seqno, Durability: reqs}
	if err := vb.monitor.AddSyncWrite(cookie, item); err != nil {
		return 0, err
	}
	vb.highSeqno = seqno
	return seqno, nil
}

// ReceiveAck feeds a replica's seqno acknowledgement to the monitor.
func (vb *VBucket) ReceiveAck(node string, preparedSeqno int64) error {
	return vb.monitor.SeqnoAckReceived(node, preparedSeqno)
}

// NotifyFlush records that the local store has persisted up to
// persistedSeqno and lets the monitor re-evaluate satisfaction. The
// persisted seqno never regresses.
func (vb *VBucket) NotifyFlush(persistedSeqno int64) error {
	for {
		cur := vb.persistenceSeqno.Load()
		if persistedSeqno <= cur {
			break
		}
		if vb.persistenceSeqno.CompareAndSwap(cur, persistedSeqno) {
			break
		}
	}
	return vb.monitor.NotifyLocalPersistence()
}

// Commit applies the terminal commit of a prepare and wakes the waiting
// client. Invoked by the monitor with its lock released.
func (vb *VBucket) Commit(key string, prepareSeqno int64, commitSeqno *int64, cookie interface{}) error {
	vb.committed.Add(1)
	vb.logger.Debug("Committed sync write",
		zap.String("key", key),
		zap.Int64("prepare_seqno", prepareSeqno))
	if vb.notify != nil {
		vb.notify(cookie, model.OperationTypeCommit, key, prepareSeqno)
	}
	return nil
}

// Abort applies the terminal abort of a prepare and wakes the waiting
// client. Invoked by the monitor with its lock released.
func (vb *VBucket) Abort(key string, prepareSeqno int64, abortSeqno *int64, cookie interface{}) error {
	vb.aborted.Add(1)
	vb.logger.Debug("Aborted sync write",
		zap.String("key", key),
		zap.Int64("prepare_seqno", prepareSeqno))
	if vb.notify != nil {
		vb.notify(cookie, model.OperationTypeAbort, key, prepareSeqno)
	}
	return nil
}

// NumCommitted returns how many sync writes this vbucket committed.
func (vb *VBucket) NumCommitted() uint64 {
	return vb.committed.Load()
}

// NumAborted returns how many sync writes this vbucket aborted.
func (vb *VBucket) NumAborted() uint64 {
	return vb.aborted.Load()
}

// StreamRequest arbitrates a consumer's resume position against this
// vbucket's history, deciding whether the consumer must roll back.
func (vb *VBucket) StreamRequest(startSeqno, vbUUID, snapStart, snapEnd uint64,
	maxCollectionHighSeqno *uint64) failover.RollbackResult {
	return vb.failoverTable.NeedsRollback(failover.RollbackRequest{
		StartSeqno:             startSeqno,
		CurSeqno:               uint64(vb.HighSeqno()),
		VBUUID:                 vbUUID,
		SnapStart:              snapStart,
		SnapEnd:                snapEnd,
		PurgeSeqno:             vb.purgeSeqno.Load(),
		StrictVBUUIDMatch:      true,
		MaxCollectionHighSeqno: maxCollectionHighSeqno,
	})
}
