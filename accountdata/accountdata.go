// Package accountdata implements C6: global and per-room per-user
// event-typed blobs, retaining only the most recent value per
// (room?, user, type), with a since-cursor change stream.
package accountdata

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

// AccountData owns roomuserdataid_accountdata: key
// (room? ‖ user ‖ count ‖ type) -> raw JSON event.
type AccountData struct {
	roomuserdataid_accountdata kv.Tree
	globalTree                 kv.Tree
}

func Open(tree, globalTree kv.Tree) *AccountData {
	return &AccountData{roomuserdataid_accountdata: tree, globalTree: globalTree}
}

// room == "" means global (non-room-scoped) account data.

func prefix(room, user string) []byte {
	return codec.JoinStr(room, user)
}

// Update stores value (which must be a JSON object with both "type"
// and "content" fields) as the latest account data of kind typ for
// (room, user), deleting any prior entry of that type first.
func (a *AccountData) Update(room, user, typ string, value json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return errors.BadRequest("M_INVALID_PARAM", "account data value must be a JSON object")
	}
	if _, ok := obj["type"]; !ok {
		return errors.BadRequest("M_INVALID_PARAM", "account data value missing \"type\"")
	}
	if _, ok := obj["content"]; !ok {
		return errors.BadRequest("M_INVALID_PARAM", "account data value missing \"content\"")
	}

	if err := a.deleteExisting(room, user, typ); err != nil {
		return err
	}

	count, err := codec.NextCount(a.globalTree)
	if err != nil {
		return err
	}
	key := codec.Join(prefix(room, user), codec.U64(count), []byte(typ))
	if err := a.roomuserdataid_accountdata.Insert(key, value); err != nil {
		return fmt.Errorf("storing account data %s for %s/%s: %w", typ, room, user, err)
	}
	return nil
}

func (a *AccountData) deleteExisting(room, user, typ string) error {
	p := prefix(room, user)
	var toDelete []byte
	// Scan backward from the end of this (room, user)'s range so the
	// most recent entry of this type (if any) is found first, then
	// deleted once — spec.md §4.5 step 1.
	err := a.roomuserdataid_accountdata.IterFrom(nextPrefix(p), true, func(k, v []byte) (bool, error) {
		if !hasPrefix(k, p) {
			return false, nil
		}
		parts := codec.Split(k)
		if string(parts[len(parts)-1]) == typ {
			toDelete = append([]byte(nil), k...)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if toDelete != nil {
		return a.roomuserdataid_accountdata.Remove(toDelete)
	}
	return nil
}

// Get returns the latest value of kind typ for (room, user), or nil if
// none exists.
func (a *AccountData) Get(room, user, typ string) (json.RawMessage, error) {
	p := prefix(room, user)
	var found json.RawMessage
	err := a.roomuserdataid_accountdata.IterFrom(nextPrefix(p), true, func(k, v []byte) (bool, error) {
		if !hasPrefix(k, p) {
			return false, nil
		}
		parts := codec.Split(k)
		if string(parts[len(parts)-1]) == typ {
			found = append([]byte(nil), v...)
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// ChangesSince returns, for (room, user), one entry per distinct type
// changed strictly after `since` (the caller's previous next_count
// high-water mark), mapping type -> raw event.
func (a *AccountData) ChangesSince(room, user string, since uint64) (map[string]json.RawMessage, error) {
	p := prefix(room, user)
	start := codec.Join(p, codec.U64(since+1))
	out := make(map[string]json.RawMessage)
	err := a.roomuserdataid_accountdata.IterFrom(start, false, func(k, v []byte) (bool, error) {
		if !hasPrefix(k, p) {
			return false, nil
		}
		parts := codec.Split(k)
		typ := string(parts[len(parts)-1])
		out[typ] = append([]byte(nil), v...) // later (higher count) wins
		return true, nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// nextPrefix returns the smallest key strictly greater than every key
// starting with prefix, for use as the starting point of a descending
// IterFrom scan that covers exactly that prefix's range.
func nextPrefix(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	// prefix is all 0xff bytes: there is no larger key of equal or
	// shorter length, so scanning from "nothing after" means starting
	// at the true end of the keyspace.
	return append(out, 0xff)
}
