package failover

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableFromEntries(t *testing.T, entries []Entry, maxEntries int) *Table {
	t.Helper()
	doc, err := json.Marshal(entries)
	require.NoError(t, err)
	tbl, err := NewTableFromJSON(doc, maxEntries, 0)
	require.NoError(t, err)
	return tbl
}

func TestNewTable(t *testing.T) {
	tbl := NewTable(25)

	require.Equal(t, 1, tbl.NumEntries())
	entry := tbl.LatestEntry()
	assert.NotZero(t, entry.UUID)
	assert.Zero(t, entry.Seqno)
	assert.Equal(t, entry.UUID, tbl.LatestUUID())
}

func TestCreateEntry(t *testing.T) {
	tbl := NewTable(25)

	tbl.CreateEntry(100)
	tbl.CreateEntry(200)
	require.Equal(t, 3, tbl.NumEntries())
	assert.Equal(t, uint64(200), tbl.LatestEntry().Seqno)

	// A new branch at a lower seqno drops the diverged entries above it
	tbl.CreateEntry(150)
	log := tbl.FailoverLog()
	require.Equal(t, 3, len(log))
	assert.Equal(t, uint64(150), log[0].Seqno)
	assert.Equal(t, uint64(100), log[1].Seqno)
	assert.Equal(t, uint64(0), log[2].Seqno)

	for _, e := range log {
		assert.NotZero(t, e.UUID)
		assert.Less(t, e.UUID, uint64(1)<<48)
	}
}

func TestCreateEntryCapsSize(t *testing.T) {
	tbl := NewTable(3)
	for i := 1; i <= 10; i++ {
		tbl.CreateEntry(uint64(i * 10))
	}
	assert.Equal(t, 3, tbl.NumEntries())
	assert.Equal(t, uint64(100), tbl.LatestEntry().Seqno)
}

func TestRemoveLatestEntry(t *testing.T) {
	tbl := NewTable(25)
	tbl.CreateEntry(100)
	require.Equal(t, 2, tbl.NumEntries())

	tbl.RemoveLatestEntry()
	assert.Equal(t, 1, tbl.NumEntries())
	assert.Equal(t, uint64(0), tbl.LatestEntry().Seqno)
}

func TestPruneEntries(t *testing.T) {
	tbl := tableFromEntries(t, []Entry{
		{UUID: 7, Seqno: 300},
		{UUID: 5, Seqno: 200},
		{UUID: 3, Seqno: 0},
	}, 25)

	require.Error(t, tbl.PruneEntries(0), "pruning entry zero is invalid")

	require.NoError(t, tbl.PruneEntries(250))
	assert.Equal(t, 2, tbl.NumEntries())
	assert.Equal(t, uint64(5), tbl.LatestUUID())

	// Pruning everything away must be refused and leave the table alone
	smaller := tableFromEntries(t, []Entry{{UUID: 9, Seqno: 100}}, 25)
	require.Error(t, smaller.PruneEntries(50))
	assert.Equal(t, 1, smaller.NumEntries())
}

func TestLastSeqnoForUUID(t *testing.T) {
	tbl := tableFromEntries(t, []Entry{
		{UUID: 7, Seqno: 300},
		{UUID: 5, Seqno: 200},
		{UUID: 3, Seqno: 0},
	}, 25)

	// The front entry is the current branch, it has not ended yet
	_, ok := tbl.LastSeqnoForUUID(7)
	assert.False(t, ok)

	// An older branch ends where the next younger one begins
	seqno, ok := tbl.LastSeqnoForUUID(5)
	require.True(t, ok)
	assert.Equal(t, uint64(300), seqno)

	seqno, ok = tbl.LastSeqnoForUUID(3)
	require.True(t, ok)
	assert.Equal(t, uint64(200), seqno)

	_, ok = tbl.LastSeqnoForUUID(42)
	assert.False(t, ok)
}

func TestReplaceFailoverLog(t *testing.T) {
	tbl := NewTable(25)

	records := []Entry{
		{UUID: 11, Seqno: 100},
		{UUID: 22, Seqno: 200},
	}
	buf := make([]byte, 0, len(records)*16)
	for _, r := range records {
		var rec [16]byte
		binary.BigEndian.PutUint64(rec[0:8], r.UUID)
		binary.BigEndian.PutUint64(rec[8:16], r.Seqno)
		buf = append(buf, rec[:]...)
	}

	require.NoError(t, tbl.ReplaceFailoverLog(buf))

	// The last record in the buffer becomes the head
	log := tbl.FailoverLog()
	require.Equal(t, 2, len(log))
	assert.Equal(t, Entry{UUID: 22, Seqno: 200}, log[0])
	assert.Equal(t, Entry{UUID: 11, Seqno: 100}, log[1])
	assert.Equal(t, uint64(22), tbl.LatestUUID())

	// Encoding emits one 16-byte record per entry, newest first
	assert.Equal(t, 2*16, len(tbl.EncodeFailoverLog()))
}

func TestReplaceFailoverLogRejectsBadLength(t *testing.T) {
	tbl := NewTable(25)
	assert.Error(t, tbl.ReplaceFailoverLog(nil))
	assert.Error(t, tbl.ReplaceFailoverLog(make([]byte, 15)))
	assert.Error(t, tbl.ReplaceFailoverLog(make([]byte, 17)))
}

func TestNeedsRollback(t *testing.T) {
	collHigh := func(v uint64) *uint64 { return &v }

	tests := []struct {
		name    string
		entries []Entry
		req     RollbackRequest
		want    RollbackResult
		reason  string
	}{
		{
			name:    "start zero without strict match",
			entries: []Entry{{UUID: 99, Seqno: 100}},
			req: RollbackRequest{
				StartSeqno: 0, CurSeqno: 100, VBUUID: 42,
				StrictVBUUIDMatch: false,
			},
			want: RollbackResult{},
		},
		{
			name:    "start zero with zero uuid",
			entries: []Entry{{UUID: 99, Seqno: 100}},
			req: RollbackRequest{
				StartSeqno: 0, CurSeqno: 100, VBUUID: 0,
				StrictVBUUIDMatch: true,
			},
			want: RollbackResult{},
		},
		{
			name:    "uuid not found",
			entries: []Entry{{UUID: 99, Seqno: 100}},
			req: RollbackRequest{
				StartSeqno: 50, CurSeqno: 100, VBUUID: 42,
				SnapStart: 50, SnapEnd: 50,
				StrictVBUUIDMatch: true,
			},
			want:   RollbackResult{Required: true, RollbackSeqno: 0},
			reason: "UUID not found",
		},
		{
			// A closed branch ends where its younger neighbour begins:
			// branch 3 runs up to 200, so a snapshot inside that range
			// is shared history and needs no rollback.
			name: "snapshot within closed branch history",
			entries: []Entry{
				{UUID: 7, Seqno: 200},
				{UUID: 3, Seqno: 100},
			},
			req: RollbackRequest{
				StartSeqno: 150, CurSeqno: 200, VBUUID: 3,
				SnapStart: 130, SnapEnd: 180,
				StrictVBUUIDMatch: true,
			},
			want: RollbackResult{},
		},
		{
			// Branch 3 ended at 200 (where branch 7 began); a consumer
			// whose whole snapshot lies beyond that diverged past the
			// shared history and rolls back to the branch end.
			name: "rollback to producer upper below snap start",
			entries: []Entry{
				{UUID: 9, Seqno: 400},
				{UUID: 7, Seqno: 200},
				{UUID: 3, Seqno: 100},
			},
			req: RollbackRequest{
				StartSeqno: 260, CurSeqno: 400, VBUUID: 3,
				SnapStart: 250, SnapEnd: 300,
				StrictVBUUIDMatch: true,
			},
			want:   RollbackResult{Required: true, RollbackSeqno: 200},
			reason: "producer upper at 200",
		},
		{
			// The snapshot straddles the branch end at 200, so the
			// consumer rolls back to the snapshot start to cope with
			// deduplicated mutations inside the snapshot.
			name: "rollback to snap start for deduplication",
			entries: []Entry{
				{UUID: 7, Seqno: 200},
				{UUID: 3, Seqno: 100},
			},
			req: RollbackRequest{
				StartSeqno: 220, CurSeqno: 300, VBUUID: 3,
				SnapStart: 150, SnapEnd: 250,
				StrictVBUUIDMatch: true,
			},
			want:   RollbackResult{Required: true, RollbackSeqno: 150},
			reason: "producer upper at 200",
		},
		{
			name:    "no rollback on shared history",
			entries: []Entry{{UUID: 99, Seqno: 200}},
			req: RollbackRequest{
				StartSeqno: 150, CurSeqno: 200, VBUUID: 99,
				SnapStart: 150, SnapEnd: 150,
				StrictVBUUIDMatch: true,
			},
			want: RollbackResult{},
		},
		{
			name:    "purged beyond start seqno",
			entries: []Entry{{UUID: 99, Seqno: 200}},
			req: RollbackRequest{
				StartSeqno: 50, CurSeqno: 200, VBUUID: 99,
				SnapStart: 50, SnapEnd: 50, PurgeSeqno: 100,
				StrictVBUUIDMatch: true,
			},
			want:   RollbackResult{Required: true, RollbackSeqno: 0},
			reason: "purge seqno",
		},
		{
			name:    "collection stream exempt from purge check",
			entries: []Entry{{UUID: 99, Seqno: 200}},
			req: RollbackRequest{
				StartSeqno: 50, CurSeqno: 200, VBUUID: 99,
				SnapStart: 50, SnapEnd: 50, PurgeSeqno: 100,
				StrictVBUUIDMatch:      true,
				MaxCollectionHighSeqno: collHigh(40),
			},
			want: RollbackResult{},
		},
		{
			name:    "snapshot normalised when start equals snap end",
			entries: []Entry{{UUID: 99, Seqno: 200}},
			req: RollbackRequest{
				// The consumer holds the whole snapshot, so snapStart is
				// lifted to startSeqno and no rollback is needed.
				StartSeqno: 180, CurSeqno: 200, VBUUID: 99,
				SnapStart: 150, SnapEnd: 180,
				StrictVBUUIDMatch: true,
			},
			want: RollbackResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := tableFromEntries(t, tt.entries, 25)
			got := tbl.NeedsRollback(tt.req)
			assert.Equal(t, tt.want.Required, got.Required)
			assert.Equal(t, tt.want.RollbackSeqno, got.RollbackSeqno)
			if tt.reason != "" {
				assert.Contains(t, got.Reason, tt.reason)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tbl := NewTable(25)
	tbl.CreateEntry(100)
	tbl.CreateEntry(200)

	doc := tbl.ToJSON()
	loaded, err := NewTableFromJSON(doc, 25, 200)
	require.NoError(t, err)

	assert.Equal(t, tbl.FailoverLog(), loaded.FailoverLog())
	assert.Equal(t, doc, loaded.ToJSON())
	assert.Zero(t, loaded.NumErroneousEntriesErased())
}

func TestLoadFromJSONRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not an array", `{"id": 1, "seq": 2}`},
		{"entry not an object", `[42]`},
		{"missing id", `[{"seq": 2}]`},
		{"missing seq", `[{"id": 1}]`},
		{"id wrong type", `[{"id": "x", "seq": 2}]`},
		{"seq wrong type", `[{"id": 1, "seq": "y"}]`},
		{"empty array", `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTableFromJSON([]byte(tt.doc), 25, 0)
			assert.Error(t, err)
		})
	}
}

func TestSanitize(t *testing.T) {
	// UUID 0 entries and entries out of seqno order are erased at load
	doc := `[{"id":9,"seq":300},{"id":0,"seq":250},{"id":5,"seq":400},{"id":3,"seq":100}]`
	tbl, err := NewTableFromJSON([]byte(doc), 25, 300)
	require.NoError(t, err)

	log := tbl.FailoverLog()
	require.Equal(t, 2, len(log))
	assert.Equal(t, Entry{UUID: 9, Seqno: 300}, log[0])
	assert.Equal(t, Entry{UUID: 3, Seqno: 100}, log[1])
	assert.Equal(t, uint64(2), tbl.NumErroneousEntriesErased())
}

func TestSanitizeReseedsEmptyTable(t *testing.T) {
	doc := `[{"id":0,"seq":300}]`
	tbl, err := NewTableFromJSON([]byte(doc), 25, 300)
	require.NoError(t, err)

	require.Equal(t, 1, tbl.NumEntries())
	entry := tbl.LatestEntry()
	assert.NotZero(t, entry.UUID)
	assert.Equal(t, uint64(300), entry.Seqno)
	assert.Equal(t, uint64(1), tbl.NumErroneousEntriesErased())
}
