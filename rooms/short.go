// Package rooms implements C7 (event store), C8 (state store), and C9
// (membership & EDUs): the room-scoped heart of the storage core.
package rooms

import (
	"fmt"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

// internNamespace bundles a forward/reverse pair of trees implementing
// a bijective string<->u64 intern table (spec.md I2, and the
// eventid/short-event-id and state-key/short-state-key mappings of
// §3).
type internNamespace struct {
	forward kv.Tree // name -> short id (u64 big-endian)
	reverse kv.Tree // short id -> name
	counter kv.Tree // global counter tree, to mint new ids
}

// internOrAssign returns the existing short id for name, or mints and
// persists a fresh one.
func (n internNamespace) internOrAssign(name []byte) (uint64, error) {
	if v, err := n.forward.Get(name); err != nil {
		return 0, err
	} else if v != nil {
		id, ok := codec.ParseU64(v)
		if !ok {
			return 0, errors.BadDatabase(fmt.Errorf("intern forward record has wrong length for %q", name))
		}
		return id, nil
	}

	id, err := codec.NextCount(n.counter)
	if err != nil {
		return 0, err
	}
	idBytes := codec.U64(id)
	if err := n.forward.Insert(append([]byte(nil), name...), idBytes); err != nil {
		return 0, err
	}
	if err := n.reverse.Insert(idBytes, append([]byte(nil), name...)); err != nil {
		return 0, err
	}
	return id, nil
}

func (n internNamespace) lookup(name []byte) (uint64, bool, error) {
	v, err := n.forward.Get(name)
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	id, ok := codec.ParseU64(v)
	if !ok {
		return 0, false, errors.BadDatabase(fmt.Errorf("intern forward record has wrong length for %q", name))
	}
	return id, true, nil
}

func (n internNamespace) resolve(id uint64) ([]byte, bool, error) {
	v, err := n.reverse.Get(codec.U64(id))
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

// stateKeyName canonically encodes a (event_type, state_key) pair for
// interning into a short_state_key.
func stateKeyName(eventType, stateKey string) []byte {
	return codec.JoinStr(eventType, stateKey)
}
