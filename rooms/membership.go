// membership.go implements C9: membership fan-out and EDUs (spec.md
// §4.8).
package rooms

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var membershipLogger = log.New("component", "rooms.membership")

// membershipKind is one of the three mutually exclusive m.room.member
// states spec.md §4.8/I3/P4 index: leave and ban share the "left"
// state, distinguished only by the membership string kept in the
// stored content.
type membershipKind byte

const (
	membershipJoin membershipKind = iota
	membershipInvite
	membershipLeft
)

func parseMembership(s string) (membershipKind, bool) {
	switch s {
	case "join":
		return membershipJoin, true
	case "invite":
		return membershipInvite, true
	case "leave", "ban":
		return membershipLeft, true
	default:
		return 0, false
	}
}

// Membership holds the three exclusive per-(room,user) state indexes,
// each paired with its roomuserid_* reverse index (spec.md §4.8's
// table lists both directions for every transition), plus the
// additive-only "ever joined" index and the EDU trees.
type Membership struct {
	userroomid_joined      kv.Tree
	userroomid_invitestate kv.Tree
	userroomid_leftstate   kv.Tree

	roomuserid_joined      kv.Tree
	roomuserid_invitecount kv.Tree
	roomuserid_leftcount   kv.Tree

	roomuseroncejoinedids kv.Tree

	roomuserid_typing       kv.Tree
	roomid_lasttypingupdate kv.Tree
	presenceid_presence     kv.Tree
	roomuserid_receipt      kv.Tree
	roomuserid_unreadcount  kv.Tree
}

func openMembership(engine kv.Engine, r *Rooms) *Membership {
	must := func(name string) kv.Tree {
		t, err := engine.OpenTree(name)
		if err != nil {
			panic(fmt.Sprintf("opening tree %s: %v", name, err))
		}
		return t
	}
	return &Membership{
		userroomid_joined:      must("userroomid_joined"),
		userroomid_invitestate: must("userroomid_invitestate"),
		userroomid_leftstate:   must("userroomid_leftstate"),

		roomuserid_joined:      must("roomuserid_joined"),
		roomuserid_invitecount: must("roomuserid_invitecount"),
		roomuserid_leftcount:   must("roomuserid_leftcount"),

		roomuseroncejoinedids: must("roomuseroncejoinedids"),

		roomuserid_typing:       must("roomuserid_typing"),
		roomid_lasttypingupdate: must("roomid_lasttypingupdate"),
		presenceid_presence:     must("presenceid_presence"),
		roomuserid_receipt:      must("roomuserid_receipt"),
		roomuserid_unreadcount:  must("roomuserid_unreadcount"),
	}
}

// apply fans an m.room.member event out into exactly one of the three
// membership state indexes plus its reverse roomuserid_* index,
// evicting the user from the others (spec.md §4.8/P4: "a (room, user)
// pair is indexed under exactly one of joined/invitestate/leftstate at
// a time"). join's reverse index carries only a presence marker;
// invite and leave carry a monotonic count in their reverse index so
// callers can enumerate invites/departures in order.
func (m *Membership) apply(roomID, userID string, content json.RawMessage) error {
	var body struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(content, &body); err != nil {
		return errors.BadRequest(fmt.Errorf("m.room.member content: %w", err))
	}
	kind, ok := parseMembership(body.Membership)
	if !ok {
		return errors.BadRequest(fmt.Errorf("unknown membership value %q", body.Membership))
	}

	forward := codec.JoinStr(userID, roomID)
	reverse := codec.JoinStr(roomID, userID)

	forwardTrees := [3]kv.Tree{m.userroomid_joined, m.userroomid_invitestate, m.userroomid_leftstate}
	reverseTrees := [3]kv.Tree{m.roomuserid_joined, m.roomuserid_invitecount, m.roomuserid_leftcount}
	for i := range forwardTrees {
		if membershipKind(i) == kind {
			continue
		}
		if err := forwardTrees[i].Remove(forward); err != nil {
			return err
		}
		if err := reverseTrees[i].Remove(reverse); err != nil {
			return err
		}
	}

	if err := forwardTrees[kind].Insert(forward, content); err != nil {
		return err
	}
	if kind == membershipJoin {
		if err := reverseTrees[kind].Insert(reverse, nil); err != nil {
			return err
		}
	} else {
		count, err := codec.NextCount(m.globalCounterTree(kind))
		if err != nil {
			return err
		}
		if err := reverseTrees[kind].Insert(reverse, codec.U64(count)); err != nil {
			return err
		}
	}

	if kind == membershipJoin {
		onceKey := codec.JoinStr(roomID, userID)
		if err := m.roomuseroncejoinedids.Insert(onceKey, nil); err != nil {
			return err
		}
	}

	membershipLogger.Debug("membership updated", "room_id", roomID, "user_id", userID, "membership", body.Membership)
	return nil
}

// globalCounterTree returns the reverse-index tree itself as the
// counter source for NextCount: each of roomuserid_invitecount and
// roomuserid_leftcount keeps its own monotonic sequence, scoped to
// that index rather than the shared global counter, since their only
// job is giving callers a stable enumeration order within the index.
func (m *Membership) globalCounterTree(kind membershipKind) kv.Tree {
	switch kind {
	case membershipInvite:
		return m.roomuserid_invitecount
	default:
		return m.roomuserid_leftcount
	}
}

// IsJoined reports whether userID currently holds the join membership
// in roomID.
func (m *Membership) IsJoined(roomID, userID string) (bool, error) {
	v, err := m.userroomid_joined.Get(codec.JoinStr(userID, roomID))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// EverJoined reports whether userID has ever held join membership in
// roomID, even if they have since left (spec.md §4.8's additive-only
// index — needed so a left user can still read history up to the
// point they left, per their local timeline rules).
func (m *Membership) EverJoined(roomID, userID string) (bool, error) {
	v, err := m.roomuseroncejoinedids.Get(codec.JoinStr(roomID, userID))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// SetTyping records that userID is (or is no longer) typing in
// roomID, keyed by a per-room monotonic counter so stale typing
// notifications can be superseded without deleting and reinserting
// every other typing user's entry.
func (m *Membership) SetTyping(roomID, userID string, typing bool) (uint64, error) {
	count, err := codec.NextCount(m.roomid_lasttypingupdate)
	if err != nil {
		return 0, err
	}
	key := codec.JoinStr(roomID, userID)
	if !typing {
		return count, m.roomuserid_typing.Remove(key)
	}
	return count, m.roomuserid_typing.Insert(key, codec.U64(count))
}

// SetPresence records a presence update for userID.
func (m *Membership) SetPresence(userID string, presence json.RawMessage) error {
	return m.presenceid_presence.Insert([]byte(userID), presence)
}

// SetReadReceipt records userID's read receipt for roomID at eventID.
func (m *Membership) SetReadReceipt(roomID, userID, eventID string) error {
	key := codec.JoinStr(roomID, userID)
	return m.roomuserid_receipt.Insert(key, []byte(eventID))
}

// IncrementUnread bumps roomID's unread notification counter for
// userID and returns the new total.
func (m *Membership) IncrementUnread(roomID, userID string) (uint64, error) {
	key := codec.JoinStr(roomID, userID)
	return m.roomuserid_unreadcount.Increment(key)
}

// ResetUnread clears roomID's unread notification counter for userID,
// as happens when userID reads up to the latest event.
func (m *Membership) ResetUnread(roomID, userID string) error {
	key := codec.JoinStr(roomID, userID)
	return m.roomuserid_unreadcount.Remove(key)
}
