// state.go implements C8: the compacted state-diff representation.
// This is the central algorithm of the whole storage core (spec.md
// §1, §4.7) — read it before touching anything else in this package.
package rooms

import (
	"crypto/sha256"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var stateLogger = log.New("component", "rooms.state")

// Entry is a resolved-state member: short_state_key ‖ short_event_id.
type Entry [16]byte

func NewEntry(shortStateKey, shortEventID uint64) Entry {
	var e Entry
	copy(e[0:8], codec.U64(shortStateKey))
	copy(e[8:16], codec.U64(shortEventID))
	return e
}

func (e Entry) ShortStateKey() uint64 { v, _ := codec.ParseU64(e[0:8]); return v }
func (e Entry) ShortEventID() uint64  { v, _ := codec.ParseU64(e[8:16]); return v }

// StateSet is the resolved state after some event: short_state_key ->
// short_event_id. Equivalent to a set of Entry values.
type StateSet map[uint64]uint64

func (s StateSet) entries() []Entry {
	out := make([]Entry, 0, len(s))
	for k, v := range s {
		out = append(out, NewEntry(k, v))
	}
	return out
}

// stateDiffStore is C8's tree pair, plus the LRU memoisation cache.
const stateLRUCapacity = 100_000

type StateStore struct {
	shortstatehash_statediff  kv.Tree
	statehash_shortstatehash  kv.Tree
	roomid_shortstatehash     kv.Tree
	shorteventid_shortstatehash kv.Tree
	globalTree                kv.Tree

	cache *lru.Cache // ShortStateHash -> StateSet
}

func OpenStateStore(statediff, statehash, roomState, eventState, globalTree kv.Tree) (*StateStore, error) {
	cache, err := lru.New(stateLRUCapacity)
	if err != nil {
		return nil, err
	}
	return &StateStore{
		shortstatehash_statediff:    statediff,
		statehash_shortstatehash:    statehash,
		roomid_shortstatehash:       roomState,
		shorteventid_shortstatehash: eventState,
		globalTree:                  globalTree,
		cache:                       cache,
	}, nil
}

// --- on-disk diff layer encoding -----------------------------------------

type diffLayer struct {
	hash    uint64
	parent  uint64
	added   []Entry
	removed []Entry
}

func encodeDiffLayer(parent uint64, added, removed []Entry) []byte {
	sortEntries(added)
	sortEntries(removed)
	out := make([]byte, 0, 8+16*len(added)+8+16*len(removed))
	out = append(out, codec.U64(parent)...)
	for _, e := range added {
		out = append(out, e[:]...)
	}
	if len(removed) > 0 {
		out = append(out, codec.U64(0)...)
		for _, e := range removed {
			out = append(out, e[:]...)
		}
	}
	return out
}

func decodeDiffLayer(hash uint64, raw []byte) (diffLayer, error) {
	if len(raw) < 8 {
		return diffLayer{}, errors.BadDatabase(fmt.Errorf("state diff record for %d shorter than parent field", hash))
	}
	parent, _ := codec.ParseU64(raw[:8])
	rest := raw[8:]

	// added runs until either the end of the record, or an 8-byte zero
	// separator introducing the removed run. Since every Entry is 16
	// bytes, we scan 16-byte-aligned chunks and recognise the
	// separator only at a 16-byte-aligned offset holding exactly
	// eight zero bytes followed by the removed entries.
	var added, removed []Entry
	i := 0
	for i+16 <= len(rest) {
		if isSeparator(rest[i : i+8]) {
			i += 8
			break
		}
		var e Entry
		copy(e[:], rest[i:i+16])
		added = append(added, e)
		i += 16
	}
	for i+16 <= len(rest) {
		var e Entry
		copy(e[:], rest[i:i+16])
		removed = append(removed, e)
		i += 16
	}
	if i != len(rest) {
		return diffLayer{}, errors.BadDatabase(fmt.Errorf("state diff record for %d has trailing %d bytes", hash, len(rest)-i))
	}
	return diffLayer{hash: hash, parent: parent, added: added, removed: removed}, nil
}

func isSeparator(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		return string(es[i][:]) < string(es[j][:])
	})
}

// --- loading resolved state -----------------------------------------------

// chain walks parent pointers from hash to the root, returning layers
// ordered root-first (L in spec.md §4.7). Verifies I4/design-notes:
// parent hashes strictly decrease, so a malformed cycle is caught
// rather than looping forever.
func (s *StateStore) chain(hash uint64) ([]diffLayer, error) {
	var reversed []diffLayer
	cur := hash
	for cur != 0 {
		raw, err := s.shortstatehash_statediff.Get(codec.U64(cur))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, errors.BadDatabase(fmt.Errorf("missing state diff layer for shortstatehash %d", cur))
		}
		layer, err := decodeDiffLayer(cur, raw)
		if err != nil {
			return nil, err
		}
		if layer.parent != 0 && layer.parent >= cur {
			return nil, errors.BadDatabase(fmt.Errorf("state diff chain cycle: %d -> %d", cur, layer.parent))
		}
		reversed = append(reversed, layer)
		cur = layer.parent
	}
	out := make([]diffLayer, len(reversed))
	for i, l := range reversed {
		out[len(reversed)-1-i] = l
	}
	return out, nil
}

// Load resolves the full state set for hash, walking the diff chain
// and memoising the result (spec.md §4.7 "Loading S").
func (s *StateStore) Load(hash uint64) (StateSet, error) {
	if hash == 0 {
		return StateSet{}, nil
	}
	if v, ok := s.cache.Get(hash); ok {
		return cloneState(v.(StateSet)), nil
	}

	layers, err := s.chain(hash)
	if err != nil {
		return nil, err
	}

	state := StateSet{}
	for _, l := range layers {
		for _, e := range l.added {
			state[e.ShortStateKey()] = e.ShortEventID()
		}
		for _, e := range l.removed {
			delete(state, e.ShortStateKey())
		}
	}

	s.cache.Add(hash, cloneState(state))
	return state, nil
}

func cloneState(s StateSet) StateSet {
	out := make(StateSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// --- hashing a state set to a ShortStateHash ------------------------------

func hashStateSet(entries []Entry) [32]byte {
	sortEntries(entries)
	h := sha256.New()
	for _, e := range entries {
		h.Write(e[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// shortStateHashFor returns the existing ShortStateHash for this exact
// state set if one was already assigned (two events producing the same
// set share a ShortStateHash, spec.md §3), or mints a fresh one.
func (s *StateStore) shortStateHashFor(entries []Entry) (hash uint64, isNew bool, err error) {
	digest := hashStateSet(entries)
	if v, err := s.statehash_shortstatehash.Get(digest[:]); err != nil {
		return 0, false, err
	} else if v != nil {
		id, ok := codec.ParseU64(v)
		if !ok {
			return 0, false, errors.BadDatabase(fmt.Errorf("statehash record has wrong length"))
		}
		return id, false, nil
	}

	id, err := codec.NextCount(s.globalTree)
	if err != nil {
		return 0, false, err
	}
	if err := s.statehash_shortstatehash.Insert(digest[:], codec.U64(id)); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// --- adding a new state ----------------------------------------------------

// AddState computes the ShortStateHash for newState given the room's
// current ShortStateHash currentHash (0 if the room has no state yet),
// writing whatever new diff layer(s) the §4.7 compaction rule calls
// for. It never mutates an existing layer.
func (s *StateStore) AddState(currentHash uint64, newState StateSet) (uint64, error) {
	current, err := s.Load(currentHash)
	if err != nil {
		return 0, err
	}

	added, removed := diffStates(current, newState)
	if len(added) == 0 && len(removed) == 0 {
		return currentHash, nil
	}

	layers, err := s.chain(currentHash)
	if err != nil {
		return 0, err
	}

	newEntries := newState.entries()
	hash, isNew, err := s.shortStateHashFor(newEntries)
	if err != nil {
		return 0, err
	}
	if !isNew {
		// Another branch already produced this exact state set and
		// its layer; reuse it rather than writing a duplicate.
		return hash, nil
	}

	parent, finalAdded, finalRemoved := decideLayer(layers, added, removed, 2)
	record := encodeDiffLayer(parent, finalAdded, finalRemoved)
	if err := s.shortstatehash_statediff.Insert(codec.U64(hash), record); err != nil {
		return 0, err
	}

	s.cache.Add(hash, cloneState(newState))
	return hash, nil
}

// decideLayer implements §4.7 steps 2–4: choose where in the diff
// chain the new layer attaches, folding diffs upward as needed. gap is
// the sibling diff size to compare against (diff_to_sibling), threaded
// through as the merged diff's own size on every recursive call so
// each step compares against its immediate sibling, not the original
// caller's diff.
func decideLayer(layers []diffLayer, added, removed []Entry, gap uint64) (parent uint64, finalAdded, finalRemoved []Entry) {
	if len(layers) > 3 {
		top := layers[len(layers)-1]
		mergedAdded, mergedRemoved := composeDiff(top.added, top.removed, added, removed)
		diffsum := uint64(len(mergedAdded) + len(mergedRemoved))
		return decideLayer(layers[:len(layers)-1], mergedAdded, mergedRemoved, diffsum)
	}

	if len(layers) == 0 {
		return 0, added, removed
	}

	top := layers[len(layers)-1]
	diffsum := uint64(len(added) + len(removed))
	p := uint64(len(top.added) + len(top.removed))

	if diffsum*diffsum >= 2*gap*p {
		// Large enough relative to the parent layer: collapse it with
		// the parent and keep climbing.
		mergedAdded, mergedRemoved := composeDiff(top.added, top.removed, added, removed)
		return decideLayer(layers[:len(layers)-1], mergedAdded, mergedRemoved, diffsum)
	}

	// Small relative to the parent layer: attach as its own child.
	return top.hash, added, removed
}

// composeDiff folds a child diff (parentState -> topState consumed,
// topState -> targetState given as added/removed) into the single diff
// parentState -> targetState, cancelling entries added then removed
// (or vice versa) across the two layers.
func composeDiff(parentAdded, parentRemoved, childAdded, childRemoved []Entry) (mergedAdded, mergedRemoved []Entry) {
	pa := toSet(parentAdded)
	pr := toSet(parentRemoved)
	ca := toSet(childAdded)
	cr := toSet(childRemoved)

	addedSet := map[Entry]struct{}{}
	removedSet := map[Entry]struct{}{}

	for e := range pa {
		if _, cancelled := cr[e]; cancelled {
			continue
		}
		addedSet[e] = struct{}{}
	}
	for e := range pr {
		if _, cancelled := ca[e]; cancelled {
			continue
		}
		removedSet[e] = struct{}{}
	}
	for e := range ca {
		if _, touched := pa[e]; touched {
			continue
		}
		if _, touched := pr[e]; touched {
			continue
		}
		addedSet[e] = struct{}{}
	}
	for e := range cr {
		if _, touched := pa[e]; touched {
			continue
		}
		if _, touched := pr[e]; touched {
			continue
		}
		removedSet[e] = struct{}{}
	}

	return fromSet(addedSet), fromSet(removedSet)
}

func toSet(es []Entry) map[Entry]struct{} {
	m := make(map[Entry]struct{}, len(es))
	for _, e := range es {
		m[e] = struct{}{}
	}
	return m
}

func fromSet(m map[Entry]struct{}) []Entry {
	out := make([]Entry, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func diffStates(old, new StateSet) (added, removed []Entry) {
	for k, v := range new {
		if oldV, ok := old[k]; !ok || oldV != v {
			added = append(added, NewEntry(k, v))
		}
	}
	for k, v := range old {
		if newV, ok := new[k]; !ok || newV != v {
			removed = append(removed, NewEntry(k, v))
		}
	}
	sortEntries(added)
	sortEntries(removed)
	return added, removed
}
