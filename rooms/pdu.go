// pdu.go implements C7: the event store. AppendPDU is the single entry
// point for mutating a room (spec.md §4.6).
package rooms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var pduLogger = log.New("component", "rooms.pdu")

// Pdu is the tagged-sum event representation of spec.md §9: known
// fields are typed, and Content/Unsigned stay raw JSON so unknown
// event types (or unknown fields of known ones) round-trip untouched.
type Pdu struct {
	RoomID    string          `json:"room_id"`
	Sender    string          `json:"sender"`
	EventType string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Unsigned  json.RawMessage `json:"unsigned,omitempty"`
	StateKey  *string         `json:"state_key,omitempty"`
	Redacts   *string         `json:"redacts,omitempty"`
	EventID   string          `json:"event_id"`
	// OriginServerTS is assigned from the global counter at append
	// time to keep it monotonic with the counter's ordering, not wall
	// clock (which a federation sender could otherwise use to jump
	// the queue).
	OriginServerTS uint64 `json:"origin_server_ts"`
}

// PduBuilder is the caller-facing event-creation request (spec.md
// §4.6).
type PduBuilder struct {
	RoomID    string
	Sender    string
	EventType string
	Content   json.RawMessage
	Unsigned  json.RawMessage
	StateKey  *string
	Redacts   *string
}

// Rooms bundles every tree C7/C8/C9 touch plus the shared counter and
// state store.
type Rooms struct {
	roomID   internNamespace
	eventID  internNamespace
	stateKey internNamespace

	eventid_pduid               kv.Tree
	pduid_pdu                   kv.Tree
	shorteventid_shortstatehash kv.Tree
	roomid_pduleaves            kv.Tree
	tokenids                    kv.Tree
	tokenids_postings           kv.Tree

	globalTree kv.Tree
	State      *StateStore
	Membership *Membership
}

// Open opens every named tree this package needs from engine.
func Open(engine kv.Engine, globalTree kv.Tree) (*Rooms, error) {
	open := func(name string) (kv.Tree, error) { return engine.OpenTree(name) }

	must := func(name string) kv.Tree {
		t, err := open(name)
		if err != nil {
			panic(fmt.Sprintf("opening tree %s: %v", name, err))
		}
		return t
	}

	roomidShort := must("roomid_shortroomid")
	shortRoomid := must("shortroomid_roomid")
	eventidShort := must("eventid_shorteventid")
	shortEventid := must("shorteventid_eventid")
	statekeyShort := must("statekey_shortstatekey")
	shortStatekey := must("shortstatekey_statekey")

	stateStore, err := OpenStateStore(
		must("shortstatehash_statediff"),
		must("statehash_shortstatehash"),
		must("roomid_shortstatehash"),
		must("shorteventid_shortstatehash"),
		globalTree,
	)
	if err != nil {
		return nil, err
	}

	r := &Rooms{
		roomID:   internNamespace{forward: roomidShort, reverse: shortRoomid, counter: globalTree},
		eventID:  internNamespace{forward: eventidShort, reverse: shortEventid, counter: globalTree},
		stateKey: internNamespace{forward: statekeyShort, reverse: shortStatekey, counter: globalTree},

		eventid_pduid:               must("eventid_pduid"),
		pduid_pdu:                   must("pduid_pdu"),
		shorteventid_shortstatehash: must("shorteventid_shortstatehash"),
		roomid_pduleaves:            must("roomid_pduleaves"),
		tokenids:                    must("tokenids"),
		tokenids_postings:           must("tokenids_postings"),

		globalTree: globalTree,
		State:      stateStore,
	}
	r.Membership = openMembership(engine, r)
	return r, nil
}

// AppendPDU is the single entry point for mutating a room (spec.md
// §4.6).
func (r *Rooms) AppendPDU(b PduBuilder) (*Pdu, error) {
	count, err := codec.NextCount(r.globalTree)
	if err != nil {
		return nil, err
	}

	pdu := &Pdu{
		RoomID:         b.RoomID,
		Sender:         b.Sender,
		EventType:      b.EventType,
		Content:        b.Content,
		Unsigned:       b.Unsigned,
		StateKey:       b.StateKey,
		Redacts:        b.Redacts,
		OriginServerTS: count,
	}

	canonical, err := CanonicalJSON(pdu)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing pdu: %w", err)
	}
	pdu.EventID = ComputeEventID(canonical)

	// Re-serialize now that EventID is set; this is the byte sequence
	// persisted under pduid.
	finalBytes, err := json.Marshal(pdu)
	if err != nil {
		return nil, fmt.Errorf("encoding pdu: %w", err)
	}

	shortRoomID, err := r.roomID.internOrAssign([]byte(b.RoomID))
	if err != nil {
		return nil, err
	}
	pduID := codec.Join(codec.U64(shortRoomID), codec.U64(count))

	if err := r.pduid_pdu.Insert(pduID, finalBytes); err != nil {
		return nil, fmt.Errorf("persisting pdu: %w", err)
	}

	shortEventID, err := r.eventID.internOrAssign([]byte(pdu.EventID))
	if err != nil {
		return nil, err
	}
	if err := r.eventid_pduid.Insert([]byte(pdu.EventID), pduID); err != nil {
		return nil, err
	}
	// internOrAssign already wrote eventid_shorteventid/shorteventid_eventid.

	if b.StateKey != nil {
		if err := r.applyStateEvent(b.RoomID, shortRoomID, shortEventID, b.EventType, *b.StateKey); err != nil {
			return nil, err
		}
	}

	if b.EventType == "m.room.member" {
		if err := r.Membership.apply(b.RoomID, *b.StateKey, b.Content); err != nil {
			return nil, err
		}
	}

	if err := r.roomid_pduleaves.Insert([]byte(b.RoomID), []byte(pdu.EventID)); err != nil {
		return nil, err
	}

	if err := r.indexSearchTokens(shortRoomID, count, b.Content); err != nil {
		return nil, err
	}

	pduLogger.Debug("appended pdu", "room_id", b.RoomID, "event_id", pdu.EventID, "type", b.EventType, "count", count)
	return pdu, nil
}

// applyStateEvent produces a new ShortStateHash reflecting this state
// event and records it (spec.md §4.6 step 5, §4.7).
func (r *Rooms) applyStateEvent(roomID string, shortRoomID, shortEventID uint64, eventType, stateKey string) error {
	shortStateKey, err := r.stateKey.internOrAssign(stateKeyName(eventType, stateKey))
	if err != nil {
		return err
	}

	currentHashBytes, err := r.State.roomid_shortstatehash.Get([]byte(roomID))
	if err != nil {
		return err
	}
	var currentHash uint64
	if currentHashBytes != nil {
		var ok bool
		currentHash, ok = codec.ParseU64(currentHashBytes)
		if !ok {
			return errors.BadDatabase(fmt.Errorf("roomid_shortstatehash record for %s has wrong length", roomID))
		}
	}

	current, err := r.State.Load(currentHash)
	if err != nil {
		return err
	}
	next := cloneState(current)
	next[shortStateKey] = shortEventID

	newHash, err := r.State.AddState(currentHash, next)
	if err != nil {
		return err
	}

	if err := r.shorteventid_shortstatehash.Insert(codec.U64(shortEventID), codec.U64(newHash)); err != nil {
		return err
	}
	return r.State.roomid_shortstatehash.Insert([]byte(roomID), codec.U64(newHash))
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// indexSearchTokens tokenizes the textual "body" field of content (if
// present) for full-text search (spec.md §4.6 step 8): one literal
// tokenids[short_room_id ‖ token ‖ 0xff ‖ count] entry per occurrence,
// plus a RoaringBitmap-backed postings list per (room, token) pair for
// efficient membership queries, the same sharded-bitmap technique the
// teacher uses for per-address history shards.
func (r *Rooms) indexSearchTokens(shortRoomID uint64, count uint64, content json.RawMessage) error {
	body, ok := extractBody(content)
	if !ok || body == "" {
		return nil
	}

	seen := map[string]struct{}{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(body), -1) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}

		key := codec.Join(codec.U64(shortRoomID), []byte(tok), codec.U64(count))
		if err := r.tokenids.Insert(key, nil); err != nil {
			return err
		}
		if err := r.addTokenPosting(shortRoomID, tok, count); err != nil {
			return err
		}
	}
	return nil
}

func extractBody(content json.RawMessage) (string, bool) {
	var v struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(content, &v); err != nil {
		return "", false
	}
	return v.Body, v.Body != ""
}

func (r *Rooms) addTokenPosting(shortRoomID uint64, token string, count uint64) error {
	key := codec.Join(codec.U64(shortRoomID), []byte(token))
	bm := roaring.New()
	if v, err := r.tokenids_postings.Get(key); err != nil {
		return err
	} else if v != nil {
		if _, err := bm.FromBuffer(v); err != nil {
			return errors.BadDatabase(fmt.Errorf("decoding token postings for %q: %w", token, err))
		}
	}
	bm.Add(uint32(count))
	buf, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return r.tokenids_postings.Insert(key, buf)
}
