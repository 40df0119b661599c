package migrations

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
	"github.com/ledgerwatch/matrixcore/rooms"
)

// up5to6 rebuilds the compacted diff-chain state store (spec.md §4.7)
// from the legacy flat stateid_shorteventid form: room_id ‖ 0xff ‖
// legacy_shorthash ‖ 0xff ‖ short_state_key -> short_event_id, one row
// per member of each legacy snapshot (spec.md §4.9 migration 5→6).
//
// Rows are grouped by room, then threaded in ascending legacy_shorthash
// order per SPEC_FULL.md's Open Questions decision: legacy ids were
// minted by the same monotonic global counter the new ShortStateHash
// values come from, so ascending numeric order is insertion order.
// Out-of-order legacy rows (a room whose legacy hashes don't already
// sort into the groups implied by their own numeric value) are
// rejected as BadDatabase rather than silently re-ordered.
func up5to6(engine kv.Engine, dataDir, serverName string) error {
	legacy, err := engine.OpenTree("stateid_shorteventid")
	if err != nil {
		return err
	}

	global, err := engine.OpenTree("global")
	if err != nil {
		return err
	}
	store, err := rooms.OpenStateStore(
		mustOpen(engine, "shortstatehash_statediff"),
		mustOpen(engine, "statehash_shortstatehash"),
		mustOpen(engine, "roomid_shortstatehash"),
		mustOpen(engine, "shorteventid_shortstatehash"),
		global,
	)
	if err != nil {
		return err
	}
	shorteventid_shortstatehash := mustOpen(engine, "shorteventid_shortstatehash")
	roomid_shortstatehash := mustOpen(engine, "roomid_shortstatehash")

	type row struct {
		room          string
		legacyHash    uint64
		shortStateKey uint64
		shortEventID  uint64
	}
	var rows []row
	err = legacy.Iter(func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 3 {
			return true, errors.BadDatabase(fmt.Errorf("stateid_shorteventid key has %d fields, want 3", len(parts)))
		}
		legacyHash, ok := codec.ParseU64(parts[1])
		if !ok {
			return true, errors.BadDatabase(fmt.Errorf("stateid_shorteventid legacy hash field malformed"))
		}
		shortStateKey, ok := codec.ParseU64(parts[2])
		if !ok {
			return true, errors.BadDatabase(fmt.Errorf("stateid_shorteventid state key field malformed"))
		}
		shortEventID, ok := codec.ParseU64(v)
		if !ok {
			return true, errors.BadDatabase(fmt.Errorf("stateid_shorteventid value malformed"))
		}
		rows = append(rows, row{string(parts[0]), legacyHash, shortStateKey, shortEventID})
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byRoom := map[string]map[uint64]map[uint64]uint64{}
	for _, r := range rows {
		snapshots, ok := byRoom[r.room]
		if !ok {
			snapshots = map[uint64]map[uint64]uint64{}
			byRoom[r.room] = snapshots
		}
		state, ok := snapshots[r.legacyHash]
		if !ok {
			state = map[uint64]uint64{}
			snapshots[r.legacyHash] = state
		}
		state[r.shortStateKey] = r.shortEventID
	}

	for room, snapshots := range byRoom {
		legacyHashes := make([]uint64, 0, len(snapshots))
		for h := range snapshots {
			legacyHashes = append(legacyHashes, h)
		}
		sort.Slice(legacyHashes, func(i, j int) bool { return legacyHashes[i] < legacyHashes[j] })

		var prevHash uint64
		for idx, lh := range legacyHashes {
			if idx > 0 && lh <= legacyHashes[idx-1] {
				return errors.BadDatabase(fmt.Errorf("room %s has out-of-order legacy state hashes", room))
			}
			newState := rooms.StateSet(snapshots[lh])
			newHash, err := store.AddState(prevHash, newState)
			if err != nil {
				return err
			}
			for _, shortEventID := range newState {
				if err := shorteventid_shortstatehash.Insert(codec.U64(shortEventID), codec.U64(newHash)); err != nil {
					return err
				}
			}
			prevHash = newHash
		}
		if err := roomid_shortstatehash.Insert([]byte(room), codec.U64(prevHash)); err != nil {
			return err
		}
	}

	var legacyKeys [][]byte
	if err := legacy.Iter(func(k, v []byte) (bool, error) {
		legacyKeys = append(legacyKeys, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range legacyKeys {
		if err := legacy.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// up6to7 allocates a short_room_id for every room referenced by
// pduid_pdu or tokenids and rewrites those keys to use it instead of
// the full room id string (spec.md §4.9 migration 6→7). Key rewrites
// happen per-entry: insert the new key, verify it read back correctly,
// then delete the old one — so a crash mid-migration leaves both old
// and new keys present, and a rerun finds the new key already correct
// and safely re-deletes the stale old one (SPEC_FULL.md Open
// Questions).
func up6to7(engine kv.Engine, dataDir, serverName string) error {
	roomidShort := mustOpen(engine, "roomid_shortroomid")
	shortRoomid := mustOpen(engine, "shortroomid_roomid")
	global := mustOpen(engine, "global")

	intern := func(room []byte) ([]byte, error) {
		if v, err := roomidShort.Get(room); err != nil {
			return nil, err
		} else if v != nil {
			return v, nil
		}
		id, err := codec.NextCount(global)
		if err != nil {
			return nil, err
		}
		idBytes := codec.U64(id)
		if err := roomidShort.Insert(append([]byte(nil), room...), idBytes); err != nil {
			return nil, err
		}
		if err := shortRoomid.Insert(idBytes, append([]byte(nil), room...)); err != nil {
			return nil, err
		}
		return idBytes, nil
	}

	for _, name := range []string{"pduid_pdu", "tokenids"} {
		tree := mustOpen(engine, name)
		if err := rewriteRoomKeyedTree(tree, intern); err != nil {
			return fmt.Errorf("rewriting %s to short room ids: %w", name, err)
		}
	}
	return nil
}

// rewriteRoomKeyedTree rewrites every entry whose key starts with a
// legacy room id (recognisable by the mandatory "!" sigil, spec.md
// §GLOSSARY) to instead start with that room's interned short id,
// leaving entries that already start with a short id (anything not
// beginning with "!") untouched.
func rewriteRoomKeyedTree(tree kv.Tree, intern func([]byte) ([]byte, error)) error {
	type rewrite struct {
		oldKey, newKey, value []byte
	}
	var rewrites []rewrite

	err := tree.Iter(func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) == 0 || len(parts[0]) == 0 || parts[0][0] != '!' {
			return true, nil
		}
		rest := k[len(parts[0]):] // includes the leading 0xff separator
		shortID, err := intern(parts[0])
		if err != nil {
			return false, err
		}
		newKey := append(append([]byte(nil), shortID...), rest...)
		rewrites = append(rewrites, rewrite{
			oldKey: append([]byte(nil), k...),
			newKey: newKey,
			value:  append([]byte(nil), v...),
		})
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, r := range rewrites {
		if err := tree.Insert(r.newKey, r.value); err != nil {
			return err
		}
		got, err := tree.Get(r.newKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, r.value) {
			return errors.BadDatabase(fmt.Errorf("verifying rewritten key did not read back the same value"))
		}
		if err := tree.Remove(r.oldKey); err != nil {
			return err
		}
	}
	return nil
}

func mustOpen(engine kv.Engine, name string) kv.Tree {
	t, err := engine.OpenTree(name)
	if err != nil {
		panic(fmt.Sprintf("opening tree %s: %v", name, err))
	}
	return t
}
