package rooms

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/kv"
)

func openRooms(t *testing.T) *Rooms {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	global, err := e.OpenTree("global")
	require.NoError(t, err)

	r, err := Open(e, global)
	require.NoError(t, err)
	return r
}

func strPtr(s string) *string { return &s }

func TestAppendPDUAssignsEventIDAndPersists(t *testing.T) {
	r := openRooms(t)

	pdu, err := r.AppendPDU(PduBuilder{
		RoomID:    "!room:example.org",
		Sender:    "@alice:example.org",
		EventType: "m.room.message",
		Content:   json.RawMessage(`{"body":"hello world","msgtype":"m.text"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, pdu.EventID)
	require.Equal(t, byte('$'), pdu.EventID[0])

	raw, err := r.eventid_pduid.Get([]byte(pdu.EventID))
	require.NoError(t, err)
	require.NotNil(t, raw)

	stored, err := r.pduid_pdu.Get(raw)
	require.NoError(t, err)
	require.NotNil(t, stored)

	var decoded Pdu
	require.NoError(t, json.Unmarshal(stored, &decoded))
	require.Equal(t, pdu.EventID, decoded.EventID)
	require.Equal(t, "m.room.message", decoded.EventType)
}

func TestAppendPDUDistinctContentYieldsDistinctEventIDs(t *testing.T) {
	r := openRooms(t)

	p1, err := r.AppendPDU(PduBuilder{
		RoomID: "!room:example.org", Sender: "@alice:example.org",
		EventType: "m.room.message", Content: json.RawMessage(`{"body":"one"}`),
	})
	require.NoError(t, err)

	p2, err := r.AppendPDU(PduBuilder{
		RoomID: "!room:example.org", Sender: "@alice:example.org",
		EventType: "m.room.message", Content: json.RawMessage(`{"body":"two"}`),
	})
	require.NoError(t, err)

	require.NotEqual(t, p1.EventID, p2.EventID)
}

func TestAppendStateEventUpdatesRoomShortStateHash(t *testing.T) {
	r := openRooms(t)
	roomID := "!room:example.org"

	before, err := r.State.roomid_shortstatehash.Get([]byte(roomID))
	require.NoError(t, err)
	require.Nil(t, before)

	_, err = r.AppendPDU(PduBuilder{
		RoomID: roomID, Sender: "@alice:example.org",
		EventType: "m.room.member", StateKey: strPtr("@alice:example.org"),
		Content: json.RawMessage(`{"membership":"join"}`),
	})
	require.NoError(t, err)

	after, err := r.State.roomid_shortstatehash.Get([]byte(roomID))
	require.NoError(t, err)
	require.NotNil(t, after)

	joined, err := r.Membership.IsJoined(roomID, "@alice:example.org")
	require.NoError(t, err)
	require.True(t, joined)
}

func TestAppendPDUIndexesSearchTokens(t *testing.T) {
	r := openRooms(t)
	roomID := "!room:example.org"

	_, err := r.AppendPDU(PduBuilder{
		RoomID: roomID, Sender: "@alice:example.org",
		EventType: "m.room.message",
		Content:   json.RawMessage(`{"body":"hello Hello world","msgtype":"m.text"}`),
	})
	require.NoError(t, err)

	_, ok, err := r.roomID.lookup([]byte(roomID))
	require.NoError(t, err)
	require.True(t, ok)

	var tokenCount int
	err = r.tokenids.Iter(func(k, v []byte) (bool, error) {
		tokenCount++
		return true, nil
	})
	require.NoError(t, err)
	// "hello" appears twice (case-insensitively deduped) and "world"
	// once: two distinct tokens indexed.
	require.Equal(t, 2, tokenCount)

	var postingCount int
	err = r.tokenids_postings.Iter(func(k, v []byte) (bool, error) {
		postingCount++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, postingCount)
}
