package durability

import (
	"testing"
	"time"

	"github.com/harbordb/kvengine/internal/errors"
	"github.com/harbordb/kvengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeVBucket records the terminal outcomes the monitor drives.
type fakeVBucket struct {
	state            model.VBucketState
	persistenceSeqno int64
	commits          []int64
	aborts           []int64
	committedKeys    []string
}

func newFakeVBucket() *fakeVBucket {
	return &fakeVBucket{state: model.VBucketStateActive}
}

func (vb *fakeVBucket) Commit(key string, prepareSeqno int64, commitSeqno *int64, cookie interface{}) error {
	vb.commits = append(vb.commits, prepareSeqno)
	vb.committedKeys = append(vb.committedKeys, key)
	return nil
}

func (vb *fakeVBucket) Abort(key string, prepareSeqno int64, abortSeqno *int64, cookie interface{}) error {
	vb.aborts = append(vb.aborts, prepareSeqno)
	return nil
}

func (vb *fakeVBucket) PersistenceSeqno() int64 {
	return vb.persistenceSeqno
}

func (vb *fakeVBucket) State() model.VBucketState {
	return vb.state
}

func newTestMonitor(t *testing.T, vb VBucket, chain ...string) *Monitor {
	t.Helper()
	m := NewMonitor(vb, 3, zap.NewNop())
	if len(chain) > 0 {
		require.NoError(t, m.SetReplicationTopology([][]string{chain}))
	}
	return m
}

func addWrite(t *testing.T, m *Monitor, seqno int64, level model.Level, timeoutMillis uint32) {
	t.Helper()
	item := model.Item{
		Key:   "key",
		Seqno: seqno,
		Durability: model.Requirements{
			Level:   level,
			Timeout: timeoutMillis,
		},
	}
	require.NoError(t, m.AddSyncWrite(nil, item))
}

func TestSetReplicationTopology(t *testing.T) {
	tests := []struct {
		name    string
		chains  [][]string
		wantErr bool
	}{
		{"single node", [][]string{{"a"}}, false},
		{"active plus replicas", [][]string{{"a", "r1", "r2", "r3"}}, false},
		{"undefined replicas allowed", [][]string{{"a", "", ""}}, false},
		{"second chain accepted", [][]string{{"a", "r1"}, {"b", "r2"}}, false},
		{"empty topology", [][]string{}, true},
		{"empty first chain", [][]string{{}}, true},
		{"undefined active", [][]string{{"", "r1"}}, true},
		{"too many nodes", [][]string{{"a", "r1", "r2", "r3", "r4"}}, true},
		{"duplicate node", [][]string{{"a", "a"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(newFakeVBucket(), 3, zap.NewNop())
			err := m.SetReplicationTopology(tt.chains)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSetReplicationTopologyAtReplica(t *testing.T) {
	vb := newFakeVBucket()
	vb.state = model.VBucketStateReplica
	m := NewMonitor(vb, 3, zap.NewNop())
	assert.Error(t, m.SetReplicationTopology([][]string{{"a"}}))
}

func TestParseTopology(t *testing.T) {
	chains, err := ParseTopology([]byte(`[["a", "r1", null], ["b", null]]`))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "r1", ""}, {"b", ""}}, chains)

	_, err = ParseTopology([]byte(`{"active": "a"}`))
	assert.Error(t, err)
}

func TestMajority(t *testing.T) {
	m := newTestMonitor(t, newFakeVBucket(), "a", "r1", "r2")
	assert.Equal(t, 3, m.FirstChainSize())
	assert.Equal(t, 2, m.FirstChainMajority())

	// Undefined slots still count toward the quorum denominator
	m = newTestMonitor(t, newFakeVBucket(), "a", "", "")
	assert.Equal(t, 1, m.FirstChainSize())
	assert.Equal(t, 2, m.FirstChainMajority())
	assert.False(t, m.IsDurabilityPossible())
}

func TestAddSyncWriteRejections(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	item := model.Item{Key: "k", Seqno: 1}

	// Level none is never durable
	item.Durability.Level = model.LevelNone
	assert.Error(t, m.AddSyncWrite(nil, item))

	// Replica vbuckets do not run an active monitor
	item.Durability.Level = model.LevelMajority
	vb.state = model.VBucketStateReplica
	assert.Error(t, m.AddSyncWrite(nil, item))
	vb.state = model.VBucketStateActive

	// A chain without enough defined nodes cannot reach majority
	impossible := newTestMonitor(t, newFakeVBucket(), "a", "", "")
	err := impossible.AddSyncWrite(nil, item)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDurabilityImpossible, errors.GetCode(err))
}

func TestMajorityCommit(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 10, model.LevelMajority, 0)
	addWrite(t, m, 11, model.LevelMajority, 0)
	addWrite(t, m, 12, model.LevelMajority, 0)
	require.Equal(t, 3, m.NumTracked())

	// One replica ack plus the active's implicit ack reaches majority
	// for everything up to the acked seqno, in seqno order.
	require.NoError(t, m.SeqnoAckReceived("r1", 11))

	assert.Equal(t, []int64{10, 11}, vb.commits)
	assert.Equal(t, 1, m.NumTracked())
	assert.Equal(t, []int64{12}, m.TrackedSeqnos())
}

func TestSeqnoAckIdempotent(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 5, model.LevelMajority, 0)
	require.NoError(t, m.SeqnoAckReceived("r1", 5))
	require.Equal(t, []int64{5}, vb.commits)

	// Re-acking the same seqno is legal and commits nothing further
	require.NoError(t, m.SeqnoAckReceived("r1", 5))
	assert.Equal(t, []int64{5}, vb.commits)

	acks, err := m.NodeAckSeqnos("r1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acks.Memory)
	assert.Equal(t, int64(5), acks.Disk)
}

func TestPersistToMajority(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 5, model.LevelPersistToMajority, 0)

	// A replica memory/disk ack alone is one disk ack: not a majority
	require.NoError(t, m.SeqnoAckReceived("r1", 5))
	assert.Empty(t, vb.commits)
	require.Equal(t, 1, m.NumTracked())

	// Local persistence is the active's disk ack: two of three
	vb.persistenceSeqno = 5
	require.NoError(t, m.NotifyLocalPersistence())
	assert.Equal(t, []int64{5}, vb.commits)
	assert.Zero(t, m.NumTracked())
}

func TestMajorityAndPersistOnMaster(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 3, model.LevelMajorityAndPersistOnMaster, 0)

	// Memory majority reached but the active has not persisted yet
	require.NoError(t, m.SeqnoAckReceived("r1", 3))
	assert.Empty(t, vb.commits)

	vb.persistenceSeqno = 3
	require.NoError(t, m.NotifyLocalPersistence())
	assert.Equal(t, []int64{3}, vb.commits)
}

func TestProcessTimeout(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	start := time.Now()
	m.SetClock(func() time.Time { return start })

	addWrite(t, m, 7, model.LevelMajority, 50)
	require.Equal(t, 1, m.NumTracked())

	// Not expired yet: expiry is start+50ms
	assert.Zero(t, m.ProcessTimeout(start.Add(50*time.Millisecond)))
	require.Equal(t, 1, m.NumTracked())

	aborted := m.ProcessTimeout(start.Add(60 * time.Millisecond))
	assert.Equal(t, 1, aborted)
	assert.Equal(t, []int64{7}, vb.aborts)
	assert.Zero(t, m.NumTracked())
	assert.Empty(t, vb.commits)
}

func TestTimeoutSkipsUnexpired(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	start := time.Now()
	m.SetClock(func() time.Time { return start })

	addWrite(t, m, 1, model.LevelMajority, 10)
	addWrite(t, m, 2, model.LevelMajority, 0)
	addWrite(t, m, 3, model.LevelMajority, 500)

	require.Equal(t, 1, m.ProcessTimeout(start.Add(100*time.Millisecond)))
	assert.Equal(t, []int64{1}, vb.aborts)
	assert.Equal(t, []int64{2, 3}, m.TrackedSeqnos())

	// The untimed write survives and can still commit
	require.NoError(t, m.SeqnoAckReceived("r1", 3))
	assert.Equal(t, []int64{2, 3}, vb.commits)
}

func TestAckUnknownNode(t *testing.T) {
	m := newTestMonitor(t, newFakeVBucket(), "a", "r1")
	addWrite(t, m, 1, model.LevelMajority, 0)

	err := m.SeqnoAckReceived("stranger", 1)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestNodeSeqnoTracking(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 10, model.LevelPersistToMajority, 0)
	addWrite(t, m, 20, model.LevelPersistToMajority, 0)

	// The active implicitly holds its prepares in memory
	writes, err := m.NodeWriteSeqnos("a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), writes.Memory)
	assert.Zero(t, writes.Disk)

	acks, err := m.NodeAckSeqnos("a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acks.Memory)

	// An ack beyond the tracked tail parks the cursor at the tail but
	// remembers the raw acked seqno.
	require.NoError(t, m.SeqnoAckReceived("r1", 25))
	writes, err = m.NodeWriteSeqnos("r1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), writes.Memory)
	assert.Equal(t, int64(20), writes.Disk)

	acks, err = m.NodeAckSeqnos("r1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), acks.Memory)
	assert.Equal(t, int64(25), acks.Disk)
}

func TestLastTrackedSeqnoMonotonic(t *testing.T) {
	m := newTestMonitor(t, newFakeVBucket(), "a", "r1", "r2")

	addWrite(t, m, 10, model.LevelMajority, 0)
	assert.Equal(t, int64(10), m.LastTrackedSeqno())

	// Re-adding an already used seqno corrupts ordering and must die
	assert.Panics(t, func() {
		item := model.Item{Key: "k", Seqno: 10,
			Durability: model.Requirements{Level: model.LevelMajority}}
		_ = m.AddSyncWrite(nil, item)
	})
}

func TestHighPreparedSeqno(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 10, model.LevelPersistToMajority, 0)
	addWrite(t, m, 20, model.LevelPersistToMajority, 0)
	addWrite(t, m, 30, model.LevelPersistToMajority, 0)
	assert.Zero(t, m.HighPreparedSeqno())

	// r1's disk ack at 20 plus local persistence at 10: only seqno 10
	// has a disk majority, and it commits straight away; the remaining
	// front (20) has one disk ack so the prepared horizon stays 0.
	require.NoError(t, m.SeqnoAckReceived("r1", 20))
	vb.persistenceSeqno = 10
	require.NoError(t, m.NotifyLocalPersistence())
	assert.Equal(t, []int64{10}, vb.commits)
	assert.Zero(t, m.HighPreparedSeqno())

	// Persisting locally up to 20 gives 20 a majority; it commits too
	vb.persistenceSeqno = 20
	require.NoError(t, m.NotifyLocalPersistence())
	assert.Equal(t, []int64{10, 20}, vb.commits)
}

func TestTopologyChangeResetsPositions(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 1, model.LevelMajority, 0)
	addWrite(t, m, 2, model.LevelMajority, 0)

	// Replace r2 with r3; cursors reset to the head of the container
	require.NoError(t, m.SetReplicationTopology([][]string{{"a", "r1", "r3"}}))

	writes, err := m.NodeWriteSeqnos("a")
	require.NoError(t, err)
	assert.Zero(t, writes.Memory)

	_, err = m.NodeWriteSeqnos("r2")
	assert.Error(t, err)

	// The new replica can still satisfy the in-flight writes: its walk
	// from the head re-acks both prepares. The active's prior memory
	// acks are already recorded on the writes themselves.
	require.NoError(t, m.SeqnoAckReceived("r3", 2))
	assert.Equal(t, []int64{1, 2}, vb.commits)
}

func TestWipeTracked(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	addWrite(t, m, 1, model.LevelMajority, 0)
	addWrite(t, m, 2, model.LevelMajority, 0)
	addWrite(t, m, 3, model.LevelMajority, 0)

	assert.Equal(t, 3, m.WipeTracked())
	assert.Zero(t, m.NumTracked())
	assert.Empty(t, vb.commits)
	assert.Empty(t, vb.aborts)

	// The wiped monitor keeps accepting strictly newer prepares
	addWrite(t, m, 4, model.LevelMajority, 0)
	require.NoError(t, m.SeqnoAckReceived("r1", 4))
	assert.Equal(t, []int64{4}, vb.commits)
}

func TestCommitOrderPreserved(t *testing.T) {
	vb := newFakeVBucket()
	m := newTestMonitor(t, vb, "a", "r1", "r2")

	for seqno := int64(1); seqno <= 5; seqno++ {
		addWrite(t, m, seqno, model.LevelMajority, 0)
	}
	require.NoError(t, m.SeqnoAckReceived("r2", 3))
	require.NoError(t, m.SeqnoAckReceived("r1", 5))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, vb.commits)
}
