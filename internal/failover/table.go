package failover

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/harbordb/kvengine/internal/errors"
)

// Entry is one branch of a vbucket's history: the UUID assigned when
// the branch began and the highest seqno the branch reached.
type Entry struct {
	UUID  uint64 `json:"id"`
	Seqno uint64 `json:"seq"`
}

// wireRecordSize is the packed size of one entry in the failover log
// wire format: 8 bytes UUID then 8 bytes seqno, both big-endian.
const wireRecordSize = 16

// Table is the per-vbucket failover table: an ordered log of history
// branches, newest at the front. It is never empty and is consulted to
// arbitrate rollback when a stream consumer reconnects.
type Table struct {
	mu         sync.Mutex
	entries    []Entry // index 0 is the newest entry
	maxEntries int
	latestUUID atomic.Uint64
	cachedJSON []byte

	erroneousEntriesErased uint64
}

// NewTable creates a table seeded with a single entry at seqno 0.
func NewTable(maxEntries int) *Table {
	t := &Table{maxEntries: maxEntries}
	t.CreateEntry(0)
	return t
}

// NewTableFromJSON loads a table from its durable JSON form and
// sanitizes it against the vbucket's current high seqno.
func NewTableFromJSON(doc []byte, maxEntries int, highSeqno uint64) (*Table, error) {
	t := &Table{maxEntries: maxEntries}
	if err := t.loadFromJSON(doc); err != nil {
		return nil, errors.InvalidArgument("failover table: unable to load from JSON", err)
	}
	t.sanitize(highSeqno)
	return t, nil
}

// CreateEntry prepends a new entry for a fresh history branch at
// highSeqno. Entries above highSeqno belong to branches this node has
// diverged from and are dropped first.
func (t *Table) CreateEntry(highSeqno uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The table represents only our branch of history; drop entries
	// from branches we have diverged past.
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Seqno <= highSeqno {
			kept = append(kept, e)
		}
	}
	t.entries = kept

	// UUID 0 has shown up on disk from historic write bugs, so it is
	// not a valid branch identifier; regenerate until nonzero. The wire
	// format carries 48 significant bits.
	var uuid uint64
	for uuid == 0 {
		uuid = rand.Uint64() >> 16
	}

	t.entries = append([]Entry{{UUID: uuid, Seqno: highSeqno}}, t.entries...)
	t.latestUUID.Store(uuid)

	if len(t.entries) > t.maxEntries {
		t.entries = t.entries[:t.maxEntries]
	}
	t.cacheJSON()
}

// LatestEntry returns the entry at the front of the table.
func (t *Table) LatestEntry() Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[0]
}

// LatestUUID returns the UUID of the current history branch.
func (t *Table) LatestUUID() uint64 {
	return t.latestUUID.Load()
}

// RemoveLatestEntry pops the front entry. The caller is responsible for
// restoring nonemptiness with CreateEntry before the table is used
// again.
func (t *Table) RemoveLatestEntry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) > 0 {
		t.entries = t.entries[1:]
		t.cacheJSON()
	}
}

// PruneEntries removes every entry with a seqno above the given seqno.
// Pruning to seqno 0 or pruning the table empty is an error.
func (t *Table) PruneEntries(seqno uint64) error {
	if seqno == 0 {
		return errors.InvalidArgument("failover table: cannot prune entry zero", nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	surviving := 0
	for _, e := range t.entries {
		if e.Seqno <= seqno {
			surviving++
		}
	}
	if surviving < 1 {
		return errors.InvalidArgumentf(
			"failover table: cannot prune up to seqno %d, table would be empty", seqno)
	}

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Seqno <= seqno {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	t.latestUUID.Store(t.entries[0].UUID)
	t.cacheJSON()
	return nil
}

// ReplaceFailoverLog replaces the table from a packed wire buffer of
// 16-byte records. Records are pushed front to back, so the last record
// in the buffer becomes the head of the table.
func (t *Table) ReplaceFailoverLog(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(b) == 0 || len(b)%wireRecordSize != 0 {
		return errors.InvalidArgumentf(
			"failover table: length (which is %d) must be a non-zero multiple of %d",
			len(b), wireRecordSize)
	}

	entries := make([]Entry, 0, len(b)/wireRecordSize)
	for off := 0; off < len(b); off += wireRecordSize {
		entries = append([]Entry{{
			UUID:  binary.BigEndian.Uint64(b[off : off+8]),
			Seqno: binary.BigEndian.Uint64(b[off+8 : off+16]),
		}}, entries...)
	}
	t.entries = entries
	t.latestUUID.Store(t.entries[0].UUID)
	t.cacheJSON()
	return nil
}

// FailoverLog returns a copy of the table in wire iteration order,
// newest first.
func (t *Table) FailoverLog() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// EncodeFailoverLog packs the table into the 16-byte-record wire form.
func (t *Table) EncodeFailoverLog() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var buf bytes.Buffer
	var rec [wireRecordSize]byte
	for _, e := range t.entries {
		binary.BigEndian.PutUint64(rec[0:8], e.UUID)
		binary.BigEndian.PutUint64(rec[8:16], e.Seqno)
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// LastSeqnoForUUID returns the seqno at which the history branch
// identified by uuid ended, which is the seqno of the next younger
// entry. Returns false if uuid is the current branch or unknown.
func (t *Table) LastSeqnoForUUID(uuid uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[0].UUID == uuid {
		return 0, false
	}
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].UUID == uuid {
			return t.entries[i-1].Seqno, true
		}
	}
	return 0, false
}

// RollbackRequest carries a consumer's stream-resume position plus the
// producer-local context needed to arbitrate it.
type RollbackRequest struct {
	StartSeqno uint64
	CurSeqno   uint64
	VBUUID     uint64
	SnapStart  uint64
	SnapEnd    uint64
	PurgeSeqno uint64

	// StrictVBUUIDMatch requires a branch match even at start seqno 0.
	StrictVBUUIDMatch bool

	// MaxCollectionHighSeqno, when set, is the highest seqno across the
	// collections being streamed; it can exempt the request from the
	// purge check.
	MaxCollectionHighSeqno *uint64
}

// RollbackResult is the arbitration outcome.
type RollbackResult struct {
	Required      bool
	RollbackSeqno uint64
	Reason        string
}

// NeedsRollback decides whether the requesting consumer must roll back
// before resuming the stream, and to which seqno.
func (t *Table) NeedsRollback(req RollbackRequest) RollbackResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Consumers can legitimately diverge at seqno 0; without a strict
	// match requirement (or with no branch claimed at all) they restart
	// cleanly from zero.
	if req.StartSeqno == 0 && (!req.StrictVBUUIDMatch || req.VBUUID == 0) {
		return RollbackResult{}
	}

	snapStart, snapEnd := adjustSnapshotRange(req.StartSeqno, req.SnapStart, req.SnapEnd)

	// A collection stream whose start seqno covers every mutation of
	// the streamed collections cannot have missed a purged deletion.
	allowNonRollbackCollectionStream := false
	if req.MaxCollectionHighSeqno != nil {
		allowNonRollbackCollectionStream =
			req.StartSeqno < req.PurgeSeqno &&
				req.StartSeqno >= *req.MaxCollectionHighSeqno &&
				*req.MaxCollectionHighSeqno <= req.PurgeSeqno
	}

	if req.StartSeqno < req.PurgeSeqno && req.StartSeqno != 0 &&
		!allowNonRollbackCollectionStream {
		return RollbackResult{
			Required: true,
			Reason: fmt.Sprintf("purge seqno (%d) is greater than start seqno - "+
				"could miss purged deletions", req.PurgeSeqno),
		}
	}

	// Walk oldest to newest looking for the consumer's branch. A closed
	// branch ends where the next younger entry begins, so that entry's
	// seqno bounds the shared history; the front branch is still
	// growing and is bounded by the current seqno. Same indexing as
	// LastSeqnoForUUID.
	upper := req.CurSeqno
	found := false
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].UUID == req.VBUUID {
			if i > 0 {
				upper = t.entries[i-1].Seqno
			}
			found = true
			break
		}
	}

	if !found {
		return RollbackResult{
			Required: true,
			Reason: "vBucket UUID not found in failover table, " +
				"consumer and producer have no common history",
		}
	}

	if snapEnd <= upper {
		return RollbackResult{}
	}

	rollbackSeqno := snapStart
	if upper < snapStart {
		rollbackSeqno = upper
	}
	return RollbackResult{
		Required:      true,
		RollbackSeqno: rollbackSeqno,
		Reason: fmt.Sprintf(
			"consumer ahead of producer - producer upper at %d", upper),
	}
}

// adjustSnapshotRange collapses the snapshot range when the start seqno
// shows the consumer holds all of the snapshot, or none of it.
func adjustSnapshotRange(startSeqno, snapStart, snapEnd uint64) (uint64, uint64) {
	if startSeqno == snapEnd {
		snapStart = startSeqno
	} else if startSeqno == snapStart {
		snapEnd = startSeqno
	}
	return snapStart, snapEnd
}

// ToJSON returns the durable JSON form: an array of {"id","seq"}
// objects, newest first.
func (t *Table) ToJSON() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.cachedJSON))
	copy(out, t.cachedJSON)
	return out
}

// cacheJSON recomputes the cached durable form. Caller holds t.mu.
func (t *Table) cacheJSON() {
	b, err := json.Marshal(t.entries)
	if err != nil {
		errors.Fatalf("failover table: failed to encode JSON: %v", err)
	}
	t.cachedJSON = b
}

// loadFromJSON replaces the table from its durable form. On any schema
// violation the table is left untouched and an error is returned.
func (t *Table) loadFromJSON(doc []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("not a JSON array: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(r, &fields); err != nil {
			return fmt.Errorf("entry is not an object: %w", err)
		}
		id, okID := fields["id"]
		seq, okSeq := fields["seq"]
		if !okID || !okSeq {
			return fmt.Errorf("entry missing id or seq")
		}
		var e Entry
		if err := json.Unmarshal(id, &e.UUID); err != nil {
			return fmt.Errorf("entry id is not a number: %w", err)
		}
		if err := json.Unmarshal(seq, &e.Seqno); err != nil {
			return fmt.Errorf("entry seq is not a number: %w", err)
		}
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return fmt.Errorf("table must have at least one entry")
	}

	t.entries = entries
	t.latestUUID.Store(t.entries[0].UUID)
	t.cachedJSON = append([]byte(nil), doc...)
	return nil
}

// sanitize restores the table invariants after a load: entries with
// UUID 0 and entries whose seqno exceeds their predecessor's are
// erased. An emptied table is reseeded at highSeqno.
func (t *Table) sanitize(highSeqno uint64) {
	t.mu.Lock()
	initial := len(t.entries)

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.UUID == 0 {
			continue
		}
		if len(kept) > 0 && e.Seqno > kept[len(kept)-1].Seqno {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	t.erroneousEntriesErased += uint64(initial - len(t.entries))

	if len(t.entries) == 0 {
		t.mu.Unlock()
		t.CreateEntry(highSeqno)
		return
	}
	t.latestUUID.Store(t.entries[0].UUID)
	if initial != len(t.entries) {
		t.cacheJSON()
	}
	t.mu.Unlock()
}

// NumEntries returns the number of entries in the table.
func (t *Table) NumEntries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// NumErroneousEntriesErased returns how many invalid entries sanitize
// has erased over the table's lifetime.
func (t *Table) NumErroneousEntriesErased() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.erroneousEntriesErased
}
