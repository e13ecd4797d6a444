// Package indexes implements the in-memory secondary indexes CQL executes
// against: per-field exact/prefix maps and case-insensitive variants for
// string fields, u64-keyed maps for parent/root linkage, and ordered
// (BTree-backed) maps for the created/depth range queries (spec.md §4.4).
package indexes

import (
	"sort"
	"strings"

	"github.com/google/btree"
)

// ContextID is the element type every index's value sets contain.
type ContextID = uint64

// ContextSet is an unordered set of context ids.
type ContextSet map[ContextID]struct{}

func newSet(ids ...ContextID) ContextSet {
	s := make(ContextSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func unionInto(dst, src ContextSet) {
	for id := range src {
		dst[id] = struct{}{}
	}
}

// Union returns the set union of a and b.
func Union(a, b ContextSet) ContextSet {
	out := make(ContextSet, len(a)+len(b))
	unionInto(out, a)
	unionInto(out, b)
	return out
}

// Intersect returns the set intersection of a and b.
func Intersect(a, b ContextSet) ContextSet {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	out := make(ContextSet, len(small))
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns a \ b.
func Difference(a, b ContextSet) ContextSet {
	out := make(ContextSet, len(a))
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// sortedEntry is one (string, context_id) pair in a prefix-search vector.
type sortedEntry struct {
	key       string
	contextID ContextID
}

// stringField holds the four structures spec.md §4.4 names for tag/title/
// user/service: exact, lowercased exact, and their sorted-vector prefix
// counterparts. Host reuses this type but only ever populates the
// non-lowercased halves — see addExactOnly below.
type stringField struct {
	exact       map[string]ContextSet
	sorted      []sortedEntry
	lowerExact  map[string]ContextSet
	lowerSorted []sortedEntry
}

func newStringField() *stringField {
	return &stringField{
		exact:      make(map[string]ContextSet),
		lowerExact: make(map[string]ContextSet),
	}
}

func (f *stringField) add(value string, id ContextID) {
	if value == "" {
		return
	}
	addTo(f.exact, value, id)
	f.sorted = append(f.sorted, sortedEntry{key: value, contextID: id})

	lower := strings.ToLower(value)
	addTo(f.lowerExact, lower, id)
	f.lowerSorted = append(f.lowerSorted, sortedEntry{key: lower, contextID: id})
}

func (f *stringField) sort() {
	sortEntries(f.sorted)
	sortEntries(f.lowerSorted)
}

func addTo(m map[string]ContextSet, key string, id ContextID) {
	s, ok := m[key]
	if !ok {
		s = make(ContextSet)
		m[key] = s
	}
	s[id] = struct{}{}
}

func sortEntries(entries []sortedEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].contextID < entries[j].contextID
	})
}

// prefixSearch binary-searches sorted for the first entry not less than
// prefix, then linearly emits while the entry's key still starts with
// prefix (spec.md §4.4's exact described algorithm).
func prefixSearch(sorted []sortedEntry, prefix string) ContextSet {
	out := make(ContextSet)
	if prefix == "" {
		return out
	}
	start := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].key >= prefix
	})
	for i := start; i < len(sorted); i++ {
		if !strings.HasPrefix(sorted[i].key, prefix) {
			break
		}
		out[sorted[i].contextID] = struct{}{}
	}
	return out
}

// ExactMap is the simple {field -> set} structure used for label, trace_id,
// parent, and root (no prefix or case-insensitive variant needed).
type ExactMap[K comparable] struct {
	m map[K]ContextSet
}

func newExactMap[K comparable]() *ExactMap[K] {
	return &ExactMap[K]{m: make(map[K]ContextSet)}
}

func (e *ExactMap[K]) add(key K, id ContextID) {
	s, ok := e.m[key]
	if !ok {
		s = make(ContextSet)
		e.m[key] = s
	}
	s[id] = struct{}{}
}

func (e *ExactMap[K]) lookup(key K) ContextSet {
	return e.m[key]
}

// orderedEntry is one item in a created/depth BTree: a scalar key plus the
// set of contexts sharing it.
type orderedEntry[K btree.Ordered] struct {
	key K
	set ContextSet
}

func orderedLess[K btree.Ordered](a, b orderedEntry[K]) bool {
	return a.key < b.key
}

// orderedIndex is the Go analogue of the Rust original's BTreeMap<K,
// set<context_id>> for created/depth range queries.
type orderedIndex[K btree.Ordered] struct {
	tree *btree.BTreeG[orderedEntry[K]]
}

func newOrderedIndex[K btree.Ordered]() *orderedIndex[K] {
	return &orderedIndex[K]{tree: btree.NewG(32, orderedLess[K])}
}

func (o *orderedIndex[K]) add(key K, id ContextID) {
	existing, ok := o.tree.Get(orderedEntry[K]{key: key})
	if !ok {
		existing = orderedEntry[K]{key: key, set: make(ContextSet)}
	}
	existing.set[id] = struct{}{}
	o.tree.ReplaceOrInsert(existing)
}

func (o *orderedIndex[K]) eq(key K) ContextSet {
	e, ok := o.tree.Get(orderedEntry[K]{key: key})
	if !ok {
		return nil
	}
	return e.set
}

func (o *orderedIndex[K]) lt(key K) ContextSet {
	out := make(ContextSet)
	o.tree.Ascend(func(e orderedEntry[K]) bool {
		if e.key < key {
			unionInto(out, e.set)
		}
		return e.key < key
	})
	return out
}

func (o *orderedIndex[K]) lte(key K) ContextSet {
	out := make(ContextSet)
	o.tree.Ascend(func(e orderedEntry[K]) bool {
		if e.key <= key {
			unionInto(out, e.set)
		}
		return e.key <= key
	})
	return out
}

func (o *orderedIndex[K]) gt(key K) ContextSet {
	out := make(ContextSet)
	o.tree.AscendGreaterOrEqual(orderedEntry[K]{key: key}, func(e orderedEntry[K]) bool {
		if e.key > key {
			unionInto(out, e.set)
		}
		return true
	})
	return out
}

func (o *orderedIndex[K]) gte(key K) ContextSet {
	out := make(ContextSet)
	o.tree.AscendGreaterOrEqual(orderedEntry[K]{key: key}, func(e orderedEntry[K]) bool {
		unionInto(out, e.set)
		return true
	})
	return out
}

// SecondaryIndexes holds every per-field structure plus the universe set
// used for NOT (spec.md §4.4).
type SecondaryIndexes struct {
	Tag     *stringField
	Title   *stringField
	User    *stringField
	Service *stringField
	Host    *stringField // lowerExact/lowerSorted intentionally never populated

	Label   *ExactMap[string]
	TraceID *ExactMap[string]
	Parent  *ExactMap[uint64]
	Root    *ExactMap[uint64]

	Created *orderedIndex[uint64]
	Depth   *orderedIndex[uint32]

	Universe ContextSet
}

// New builds an empty index set.
func New() *SecondaryIndexes {
	return &SecondaryIndexes{
		Tag:      newStringField(),
		Title:    newStringField(),
		User:     newStringField(),
		Service:  newStringField(),
		Host:     newStringField(),
		Label:    newExactMap[string](),
		TraceID:  newExactMap[string](),
		Parent:   newExactMap[uint64](),
		Root:     newExactMap[uint64](),
		Created:  newOrderedIndex[uint64](),
		Depth:    newOrderedIndex[uint32](),
		Universe: make(ContextSet),
	}
}

// ContextMetadata is the subset of a context's head + metadata that the
// indexes extract fields from.
type ContextMetadata struct {
	ContextID       ContextID
	Tag             string
	Title           string
	Labels          []string
	User            string
	Service         string
	Host            string
	TraceID         string
	ParentContextID *uint64
	RootContextID   *uint64
	CreatedAtUnixMs uint64
	Depth           uint32
}

// AddContext indexes one context's metadata, inserting into every
// applicable map and the universe set, then re-sorting the prefix vectors
// (spec.md §4.4's "re-sort on add" update policy).
func (idx *SecondaryIndexes) AddContext(md ContextMetadata) {
	idx.Universe[md.ContextID] = struct{}{}

	idx.Tag.add(md.Tag, md.ContextID)
	idx.Title.add(md.Title, md.ContextID)
	idx.User.add(md.User, md.ContextID)
	idx.Service.add(md.Service, md.ContextID)
	// Host deliberately bypasses stringField.add's lowercasing by only
	// exercising the non-lowered half: it has no case-insensitive index
	// variant in the original system, a quirk preserved here rather than
	// "fixed", since CQL executor semantics for ^~=/~= on host must keep
	// falling back to the case-sensitive lookup.
	idx.Host.addExactOnly(md.Host, md.ContextID)

	for _, label := range md.Labels {
		idx.Label.add(label, md.ContextID)
	}
	if md.TraceID != "" {
		idx.TraceID.add(md.TraceID, md.ContextID)
	}
	if md.ParentContextID != nil {
		idx.Parent.add(*md.ParentContextID, md.ContextID)
	}
	if md.RootContextID != nil {
		idx.Root.add(*md.RootContextID, md.ContextID)
	}

	idx.Created.add(md.CreatedAtUnixMs, md.ContextID)
	idx.Depth.add(md.Depth, md.ContextID)

	idx.Tag.sort()
	idx.Title.sort()
	idx.User.sort()
	idx.Service.sort()
	idx.Host.sort()
}

// addExactOnly indexes value into only the non-lowercased exact+sorted
// halves of a stringField, used by Host.
func (f *stringField) addExactOnly(value string, id ContextID) {
	if value == "" {
		return
	}
	addTo(f.exact, value, id)
	f.sorted = append(f.sorted, sortedEntry{key: value, contextID: id})
}

// LookupExact returns contexts whose field value equals value exactly.
func (f *stringField) LookupExact(value string) ContextSet { return f.exact[value] }

// LookupExactCI returns contexts whose lowercased field value equals
// strings.ToLower(value).
func (f *stringField) LookupExactCI(value string) ContextSet {
	return f.lowerExact[strings.ToLower(value)]
}

// LookupPrefix returns contexts whose field value starts with prefix.
func (f *stringField) LookupPrefix(prefix string) ContextSet {
	return prefixSearch(f.sorted, prefix)
}

// LookupPrefixCI returns contexts whose lowercased field value starts with
// strings.ToLower(prefix).
func (f *stringField) LookupPrefixCI(prefix string) ContextSet {
	return prefixSearch(f.lowerSorted, strings.ToLower(prefix))
}

// Lookup returns the set stored under key, if any.
func (e *ExactMap[K]) Lookup(key K) ContextSet { return e.lookup(key) }

// Eq/Lt/Lte/Gt/Gte expose orderedIndex's range operations.
func (o *orderedIndex[K]) Eq(key K) ContextSet  { return o.eq(key) }
func (o *orderedIndex[K]) Lt(key K) ContextSet  { return o.lt(key) }
func (o *orderedIndex[K]) Lte(key K) ContextSet { return o.lte(key) }
func (o *orderedIndex[K]) Gt(key K) ContextSet  { return o.gt(key) }
func (o *orderedIndex[K]) Gte(key K) ContextSet { return o.gte(key) }

// Stats summarizes index population, mirroring the original's IndexStats.
type Stats struct {
	ContextsIndexed int
	TagEntries      int
	TitleEntries    int
	UserEntries     int
	ServiceEntries  int
	HostEntries     int
	CreatedEntries  int
}

// Stats computes current index population counts.
func (idx *SecondaryIndexes) Stats() Stats {
	return Stats{
		ContextsIndexed: len(idx.Universe),
		TagEntries:      len(idx.Tag.exact),
		TitleEntries:    len(idx.Title.exact),
		UserEntries:     len(idx.User.exact),
		ServiceEntries:  len(idx.Service.exact),
		HostEntries:     len(idx.Host.exact),
		CreatedEntries:  idx.Created.tree.Len(),
	}
}
