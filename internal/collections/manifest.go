package collections

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/harbordb/kvengine/internal/errors"
)

// ScopeID identifies a scope within a bucket.
type ScopeID uint32

// CollectionID identifies a collection within a bucket.
type CollectionID uint32

const (
	// DefaultScope is the scope every bucket starts with.
	DefaultScope ScopeID = 0
	// SystemScope is reserved and must not appear in a manifest.
	SystemScope ScopeID = 1

	// DefaultCollection is the collection every bucket starts with.
	DefaultCollection CollectionID = 0
	// SystemCollection is reserved and must not appear in a manifest.
	SystemCollection CollectionID = 1

	// DefaultScopeName and DefaultCollectionName are the fixed names of
	// the default identifiers.
	DefaultScopeName      = "_default"
	DefaultCollectionName = "_default"

	// MaxCollectionNameSize bounds scope and collection name length.
	MaxCollectionNameSize = 251
)

// ManifestUID is the monotonically non-decreasing manifest version.
type ManifestUID uint64

// CollectionEntry is a collection as it appears inside its scope,
// carrying the optional per-collection TTL in seconds.
type CollectionEntry struct {
	ID     CollectionID
	MaxTTL *uint32
}

// Scope is a named group of collections.
type Scope struct {
	Name        string
	Collections []CollectionEntry
}

// collectionInfo is the denormalised index entry for a collection.
type collectionInfo struct {
	ScopeID ScopeID
	Name    string
}

// Manifest is the versioned namespace of scopes and collections.
// It is immutable after construction and shared read-only; replacement
// goes through a Holder.
type Manifest struct {
	uid                     ManifestUID
	defaultCollectionExists bool
	scopes                  map[ScopeID]Scope
	collections             map[CollectionID]collectionInfo
}

// IsVisibleFunc filters scopes and collections out of a serialised
// manifest. A nil collection ID asks about the scope itself.
type IsVisibleFunc func(sid ScopeID, cid *CollectionID) bool

// NewEpochManifest returns the canonical initial manifest: uid 0, the
// default scope holding the default collection.
func NewEpochManifest() *Manifest {
	return &Manifest{
		uid:                     0,
		defaultCollectionExists: true,
		scopes: map[ScopeID]Scope{
			DefaultScope: {
				Name:        DefaultScopeName,
				Collections: []CollectionEntry{{ID: DefaultCollection}},
			},
		},
		collections: map[CollectionID]collectionInfo{
			DefaultCollection: {ScopeID: DefaultScope, Name: DefaultCollectionName},
		},
	}
}

// NewManifest parses and validates a manifest document.
func NewManifest(doc []byte) (*Manifest, error) {
	m := &Manifest{
		scopes:      make(map[ScopeID]Scope),
		collections: make(map[CollectionID]collectionInfo),
	}

	invalid := func(format string, args ...interface{}) error {
		return errors.InvalidArgumentf("manifest: "+format, args...)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, invalid("cannot parse json: %v", err)
	}

	uid, err := parseUID(top, "uid", 64)
	if err != nil {
		return nil, invalid("%v", err)
	}
	m.uid = ManifestUID(uid)

	rawScopes, ok := top["scopes"]
	if !ok {
		return nil, invalid("missing scopes")
	}
	var scopeList []json.RawMessage
	if err := json.Unmarshal(rawScopes, &scopeList); err != nil {
		return nil, invalid("scopes is not an array: %v", err)
	}

	for _, rawScope := range scopeList {
		var scope map[string]json.RawMessage
		if err := json.Unmarshal(rawScope, &scope); err != nil {
			return nil, invalid("scope is not an object: %v", err)
		}

		name, err := parseName(scope, "name")
		if err != nil {
			return nil, invalid("%v", err)
		}
		if !ValidName(name) {
			return nil, invalid("scope name %q is not valid", name)
		}

		sidValue, err := parseUID(scope, "uid", 32)
		if err != nil {
			return nil, invalid("scope %v", err)
		}
		sid := ScopeID(sidValue)
		if sid == SystemScope {
			return nil, invalid("scope uid %#x is reserved", sidValue)
		}

		if sid == DefaultScope && name != DefaultScopeName {
			return nil, invalid("default scope with wrong name %q", name)
		}
		if _, exists := m.scopes[sid]; exists {
			return nil, invalid("duplicate scope uid %#x, name %q", sidValue, name)
		}
		for _, existing := range m.scopes {
			if existing.Name == name {
				return nil, invalid("duplicate scope name %q", name)
			}
		}

		rawCollections, ok := scope["collections"]
		if !ok {
			return nil, invalid("scope %q missing collections", name)
		}
		var collectionList []json.RawMessage
		if err := json.Unmarshal(rawCollections, &collectionList); err != nil {
			return nil, invalid("scope %q collections is not an array: %v", name, err)
		}

		var scopeCollections []CollectionEntry
		for _, rawCollection := range collectionList {
			var collection map[string]json.RawMessage
			if err := json.Unmarshal(rawCollection, &collection); err != nil {
				return nil, invalid("collection is not an object: %v", err)
			}

			cname, err := parseName(collection, "name")
			if err != nil {
				return nil, invalid("%v", err)
			}
			if !ValidName(cname) {
				return nil, invalid("collection name %q is not valid", cname)
			}

			cidValue, err := parseUID(collection, "uid", 32)
			if err != nil {
				return nil, invalid("collection %v", err)
			}
			cid := CollectionID(cidValue)

			if cid == DefaultCollection {
				if cname != DefaultCollectionName {
					return nil, invalid("the default collection has unexpected name %q", cname)
				}
				if sid != DefaultScope {
					return nil, invalid("the default collection is not in the default scope")
				}
			} else if cid == SystemCollection {
				return nil, invalid("collection uid %#x is reserved", cidValue)
			}
			if _, exists := m.collections[cid]; exists {
				return nil, invalid("duplicate collection uid %#x, name %q", cidValue, cname)
			}
			for _, sibling := range scopeCollections {
				if m.collections[sibling.ID].Name == cname {
					return nil, invalid("duplicate collection name %q in scope %q", cname, name)
				}
			}

			var maxTTL *uint32
			if rawTTL, ok := collection["maxTTL"]; ok {
				var ttl int64
				if err := json.Unmarshal(rawTTL, &ttl); err != nil || ttl < 0 {
					return nil, invalid("collection %q maxTTL is not an unsigned number", cname)
				}
				if ttl > math.MaxUint32 {
					return nil, invalid("collection %q maxTTL %d out of range", cname, ttl)
				}
				v := uint32(ttl)
				maxTTL = &v
			}

			if cid == DefaultCollection {
				m.defaultCollectionExists = true
			}
			m.collections[cid] = collectionInfo{ScopeID: sid, Name: cname}
			scopeCollections = append(scopeCollections, CollectionEntry{ID: cid, MaxTTL: maxTTL})
		}

		m.scopes[sid] = Scope{Name: name, Collections: scopeCollections}
	}

	// uid 0 must be the epoch state; any other table must be non-empty
	// and hold the default scope.
	if m.uid == 0 && !m.IsEpoch() {
		return nil, invalid("uid of 0 but not the expected epoch manifest")
	}
	if len(m.scopes) == 0 {
		return nil, invalid("no scopes were defined in the manifest")
	}
	if _, ok := m.scopes[DefaultScope]; !ok {
		return nil, invalid("the default scope was not defined")
	}

	return m, nil
}

// parseUID reads a hex-string identifier ("uid": "1a2b") bounded to
// bits significant bits.
func parseUID(obj map[string]json.RawMessage, key string, bits int) (uint64, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%s is not a string: %w", key, err)
	}
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a valid hex identifier: %w", key, s, err)
	}
	return v, nil
}

// parseName reads a string field.
func parseName(obj map[string]json.RawMessage, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s is not a string: %w", key, err)
	}
	return s, nil
}

// ValidName checks scope/collection naming rules: nonempty, bounded
// length, charset A-Za-z0-9 _ - % $, and no leading $ (reserved).
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > MaxCollectionNameSize || name[0] == '$' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '%' || c == '$':
		default:
			return false
		}
	}
	return true
}

// UID returns the manifest version.
func (m *Manifest) UID() ManifestUID {
	return m.uid
}

// DefaultCollectionExists reports whether the default collection is
// present in this manifest.
func (m *Manifest) DefaultCollectionExists() bool {
	return m.defaultCollectionExists
}

// NumScopes returns the number of scopes.
func (m *Manifest) NumScopes() int {
	return len(m.scopes)
}

// NumCollections returns the number of collections.
func (m *Manifest) NumCollections() int {
	return len(m.collections)
}

// IsEpoch reports whether this is the canonical initial manifest: uid 0
// with exactly the default scope and default collection.
func (m *Manifest) IsEpoch() bool {
	if m.uid != 0 || len(m.scopes) != 1 || len(m.collections) != 1 {
		return false
	}
	scope, ok := m.scopes[DefaultScope]
	return m.defaultCollectionExists && ok && scope.Name == DefaultScopeName
}

// GetScopeID resolves the scope component of a dotted
// "scope.collection" path. An empty scope component means the default
// scope. A syntactically invalid name is an error; a valid but unknown
// name returns ok=false.
func (m *Manifest) GetScopeID(path string) (ScopeID, bool, error) {
	scope, _ := splitPath(path)
	if scope == "" {
		scope = DefaultScopeName
	}
	if !ValidName(scope) {
		return 0, false, errors.InvalidName("scope", scope)
	}
	for sid, s := range m.scopes {
		if s.Name == scope {
			return sid, true, nil
		}
	}
	return 0, false, nil
}

// GetCollectionID resolves the collection component of a dotted
// "scope.collection" path within the given scope. The scope must have
// been resolved first via GetScopeID.
func (m *Manifest) GetCollectionID(sid ScopeID, path string) (CollectionID, bool, error) {
	_, collection := splitPath(path)
	if collection == "" {
		collection = DefaultCollectionName
	}
	if !ValidName(collection) {
		return 0, false, errors.InvalidName("collection", collection)
	}
	scope, ok := m.scopes[sid]
	if !ok {
		return 0, false, errors.InvalidArgumentf("manifest: unknown scope %d", sid)
	}
	for _, c := range scope.Collections {
		if m.collections[c.ID].Name == collection {
			return c.ID, true, nil
		}
	}
	return 0, false, nil
}

// GetScopeIDForCollection returns the scope owning the collection.
func (m *Manifest) GetScopeIDForCollection(cid CollectionID) (ScopeID, bool) {
	if cid == DefaultCollection && m.defaultCollectionExists {
		return DefaultScope, true
	}
	info, ok := m.collections[cid]
	if !ok {
		return 0, false
	}
	return info.ScopeID, true
}

// splitPath splits a "scope.collection" path at the first dot.
func splitPath(path string) (string, string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// Equals performs a deep comparison of two manifests.
func (m *Manifest) Equals(other *Manifest) bool {
	if m.uid != other.uid ||
		m.defaultCollectionExists != other.defaultCollectionExists ||
		len(m.scopes) != len(other.scopes) ||
		len(m.collections) != len(other.collections) {
		return false
	}
	for sid, scope := range m.scopes {
		os, ok := other.scopes[sid]
		if !ok || os.Name != scope.Name ||
			len(os.Collections) != len(scope.Collections) {
			return false
		}
		for _, c := range scope.Collections {
			found := false
			for _, oc := range os.Collections {
				if oc.ID == c.ID && equalTTL(oc.MaxTTL, c.MaxTTL) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for cid, info := range m.collections {
		if other.collections[cid] != info {
			return false
		}
	}
	return true
}

func equalTTL(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// IsSuccessor decides whether candidate may replace this manifest. The
// candidate's uid must be greater (with every surviving scope keeping
// its name and every surviving collection keeping its name and scope)
// or equal (with the manifests identical). Removals are always allowed.
func (m *Manifest) IsSuccessor(candidate *Manifest) error {
	switch {
	case candidate.uid > m.uid:
		for sid, scope := range m.scopes {
			if cs, ok := candidate.scopes[sid]; ok {
				if cs.Name != scope.Name {
					return errors.ManifestConflict(fmt.Sprintf(
						"invalid name change detected on scope sid:%#x, name:%s, new-name:%s",
						uint32(sid), scope.Name, cs.Name))
				}
			} // a removed sid is fine
		}
		for cid, info := range m.collections {
			if ci, ok := candidate.collections[cid]; ok {
				if ci != info {
					return errors.ManifestConflict(fmt.Sprintf(
						"invalid collection change detected cid:%#x, name:%s, sid:%#x, "+
							"new-name:%s, new-sid:%#x",
						uint32(cid), info.Name, uint32(info.ScopeID),
						ci.Name, uint32(ci.ScopeID)))
				}
			} // a removed cid is fine
		}
	case candidate.uid == m.uid:
		if !m.Equals(candidate) {
			return errors.ManifestConflict("equal uid but not an equal manifest")
		}
	default:
		return errors.ManifestConflict(fmt.Sprintf(
			"uid must be >= current-uid:%d, new-uid:%d", m.uid, candidate.uid))
	}
	return nil
}

// jsonCollection and jsonScope shape the serialised manifest document.
type jsonCollection struct {
	Name   string  `json:"name"`
	UID    string  `json:"uid"`
	MaxTTL *uint32 `json:"maxTTL,omitempty"`
}

type jsonScope struct {
	Name        string           `json:"name"`
	UID         string           `json:"uid"`
	Collections []jsonCollection `json:"collections"`
}

type jsonManifest struct {
	UID    string      `json:"uid"`
	Scopes []jsonScope `json:"scopes"`
}

// ToJSON serialises the manifest, including only the scopes and
// collections the visibility predicate admits. A scope with no visible
// collections is included only if the scope itself is visible. The
// output is canonically ordered (scopes ascending by id, collections in
// manifest order) so consumers can compare documents byte-wise.
func (m *Manifest) ToJSON(isVisible IsVisibleFunc) []byte {
	out := jsonManifest{
		UID:    strconv.FormatUint(uint64(m.uid), 16),
		Scopes: []jsonScope{},
	}

	sids := make([]ScopeID, 0, len(m.scopes))
	for sid := range m.scopes {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	for _, sid := range sids {
		scope := m.scopes[sid]
		js := jsonScope{
			Name:        scope.Name,
			UID:         strconv.FormatUint(uint64(sid), 16),
			Collections: []jsonCollection{},
		}
		scopeVisible := isVisible(sid, nil)
		for _, c := range scope.Collections {
			cid := c.ID
			if !isVisible(sid, &cid) {
				continue
			}
			js.Collections = append(js.Collections, jsonCollection{
				Name:   m.collections[c.ID].Name,
				UID:    strconv.FormatUint(uint64(c.ID), 16),
				MaxTTL: c.MaxTTL,
			})
		}
		if len(js.Collections) > 0 || scopeVisible {
			out.Scopes = append(out.Scopes, js)
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		errors.Fatalf("manifest: failed to encode JSON: %v", err)
	}
	return b
}

// AlwaysVisible admits every scope and collection.
func AlwaysVisible(ScopeID, *CollectionID) bool {
	return true
}
