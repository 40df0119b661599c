package migrations

import (
	"fmt"
	"strings"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
	"github.com/ledgerwatch/matrixcore/media"
	"github.com/ledgerwatch/matrixcore/users"
)

// up0to1 populates the reverse serverroomids index from the existing
// roomserverids forward index (spec.md §4.9 migration 0→1).
func up0to1(engine kv.Engine, dataDir, serverName string) error {
	roomserverids, err := engine.OpenTree("roomserverids")
	if err != nil {
		return err
	}
	serverroomids, err := engine.OpenTree("serverroomids")
	if err != nil {
		return err
	}

	var pairs [][2][]byte
	err = roomserverids.Iter(func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 2 {
			return true, errors.BadDatabase(fmt.Errorf("roomserverids key has %d fields, want 2", len(parts)))
		}
		pairs = append(pairs, [2][]byte{
			append([]byte(nil), parts[0]...), // room
			append([]byte(nil), parts[1]...), // server
		})
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, p := range pairs {
		room, server := p[0], p[1]
		if err := serverroomids.Insert(codec.Join(server, room), nil); err != nil {
			return err
		}
	}
	return nil
}

// up1to2 closes the bug where an empty password was Argon2-hashed
// instead of stored as a literal empty record (spec.md §4.9 migration
// 1→2, SPEC_FULL.md "guest/federated users with empty password").
func up1to2(engine kv.Engine, dataDir, serverName string) error {
	userid_password, err := engine.OpenTree("userid_password")
	if err != nil {
		return err
	}

	var toFix [][]byte
	err = userid_password.Iter(func(k, v []byte) (bool, error) {
		if users.VerifiesEmptyPassword(string(v)) {
			toFix = append(toFix, append([]byte(nil), k...))
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, k := range toFix {
		if err := userid_password.Insert(k, nil); err != nil {
			return err
		}
	}
	return nil
}

// up2to3 moves media blobs out of the KV store into flat files
// (spec.md §4.9 migration 2→3).
func up2to3(engine kv.Engine, dataDir, serverName string) error {
	mediaidFile, err := engine.OpenTree("mediaid_file")
	if err != nil {
		return err
	}
	return media.MigrateToFlatFiles(mediaidFile, dataDir)
}

// up3to4 materialises every remote user joined to a room that also has
// a local member as a deactivated row in userid_password, so their
// membership history can be tracked without ever authenticating them
// locally (spec.md §4.9 migration 3→4).
func up3to4(engine kv.Engine, dataDir, serverName string) error {
	joined, err := engine.OpenTree("userroomid_joined")
	if err != nil {
		return err
	}
	userid_password, err := engine.OpenTree("userid_password")
	if err != nil {
		return err
	}
	userid_deactivated, err := engine.OpenTree("userid_deactivated")
	if err != nil {
		return err
	}

	type member struct {
		user, room string
	}
	var members []member
	roomsWithLocal := map[string]bool{}

	err = joined.Iter(func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 2 {
			return true, errors.BadDatabase(fmt.Errorf("userroomid_joined key has %d fields, want 2", len(parts)))
		}
		user, room := string(parts[0]), string(parts[1])
		members = append(members, member{user, room})
		if isLocalUser(user, serverName) {
			roomsWithLocal[room] = true
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, m := range members {
		if isLocalUser(m.user, serverName) || !roomsWithLocal[m.room] {
			continue
		}
		if existing, err := userid_password.Get([]byte(m.user)); err != nil {
			return err
		} else if existing != nil {
			continue
		}
		if err := userid_password.Insert([]byte(m.user), nil); err != nil {
			return err
		}
		if err := userid_deactivated.Insert([]byte(m.user), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func isLocalUser(userID, serverName string) bool {
	return strings.HasSuffix(userID, ":"+serverName)
}

// up4to5 derives roomusertype_roomuserdataid, a (type, room, user) ->
// original-key reverse index, from the existing
// roomuserdataid_accountdata primary index (spec.md §4.9 migration
// 4→5).
func up4to5(engine kv.Engine, dataDir, serverName string) error {
	primary, err := engine.OpenTree("roomuserdataid_accountdata")
	if err != nil {
		return err
	}
	reverse, err := engine.OpenTree("roomusertype_roomuserdataid")
	if err != nil {
		return err
	}

	type row struct {
		room, user, typ string
		originalKey     []byte
	}
	var rows []row
	err = primary.Iter(func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 4 {
			// Pre-existing rows whose count field happened to contain a
			// 0xff byte split further than expected; skip rather than
			// guess at field boundaries.
			return true, nil
		}
		rows = append(rows, row{
			room:        string(parts[0]),
			user:        string(parts[1]),
			typ:         string(parts[3]),
			originalKey: append([]byte(nil), k...),
		})
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, r := range rows {
		key := codec.JoinStr(r.typ, r.room, r.user)
		if err := reverse.Insert(key, r.originalKey); err != nil {
			return err
		}
	}
	return nil
}
