package migrations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

func openEngine(t *testing.T) (kv.Engine, string) {
	t.Helper()
	dataDir := t.TempDir()
	e, err := kv.Open(filepath.Join(dataDir, "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, dataDir
}

func TestApplyRunsAllMigrationsAndRecordsVersion(t *testing.T) {
	e, dataDir := openEngine(t)

	m := NewMigrator()
	require.NoError(t, m.Apply(e, dataDir, "example.org"))

	global, err := e.OpenTree("global")
	require.NoError(t, err)
	raw, err := global.Get(versionKey)
	require.NoError(t, err)
	require.NotNil(t, raw)
	v, ok := codec.ParseU64(raw)
	require.True(t, ok)
	require.Equal(t, uint64(len(m.Migrations)), v)
}

func TestApplyIsIdempotent(t *testing.T) {
	e, dataDir := openEngine(t)

	m := NewMigrator()
	require.NoError(t, m.Apply(e, dataDir, "example.org"))
	require.NoError(t, m.Apply(e, dataDir, "example.org"))
}

func TestApplyStopsAtFirstFailureAndRetriesOnRerun(t *testing.T) {
	e, dataDir := openEngine(t)

	boom := []Migration{
		{"ok", func(engine kv.Engine, dataDir, serverName string) error { return nil }},
		{"boom", func(engine kv.Engine, dataDir, serverName string) error { return assertErr }},
	}
	m := &Migrator{Migrations: boom}
	err := m.Apply(e, dataDir, "example.org")
	require.Error(t, err)

	global, err2 := e.OpenTree("global")
	require.NoError(t, err2)
	raw, err2 := global.Get(versionKey)
	require.NoError(t, err2)
	v, ok := codec.ParseU64(raw)
	require.True(t, ok)
	require.Equal(t, uint64(1), v, "the failed migration must not advance the version")
}

var assertErr = &stubError{"boom"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestUp0to1PopulatesReverseIndex(t *testing.T) {
	e, dataDir := openEngine(t)

	roomserverids, err := e.OpenTree("roomserverids")
	require.NoError(t, err)
	require.NoError(t, roomserverids.Insert(codec.JoinStr("!room:example.org", "example.org"), nil))

	require.NoError(t, up0to1(e, dataDir, "example.org"))

	serverroomids, err := e.OpenTree("serverroomids")
	require.NoError(t, err)
	v, err := serverroomids.Get(codec.JoinStr("example.org", "!room:example.org"))
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestUp2to3MovesMediaToFlatFile(t *testing.T) {
	e, dataDir := openEngine(t)

	mediaidFile, err := e.OpenTree("mediaid_file")
	require.NoError(t, err)
	key := []byte("mxc://example.org/abc")
	require.NoError(t, mediaidFile.Insert(key, []byte("hello")))

	require.NoError(t, up2to3(e, dataDir, "example.org"))

	v, err := mediaidFile.Get(key)
	require.NoError(t, err)
	require.Empty(t, v)

	_, err = os.Stat(filepath.Join(dataDir, "media"))
	require.NoError(t, err)
}

func TestUp3to4MaterializesRemoteMembersOfLocalRooms(t *testing.T) {
	e, dataDir := openEngine(t)

	joined, err := e.OpenTree("userroomid_joined")
	require.NoError(t, err)
	require.NoError(t, joined.Insert(codec.JoinStr("@alice:example.org", "!room:example.org"), nil))
	require.NoError(t, joined.Insert(codec.JoinStr("@bob:remote.example", "!room:example.org"), nil))

	require.NoError(t, up3to4(e, dataDir, "example.org"))

	userid_password, err := e.OpenTree("userid_password")
	require.NoError(t, err)
	v, err := userid_password.Get([]byte("@bob:remote.example"))
	require.NoError(t, err)
	require.NotNil(t, v)

	userid_deactivated, err := e.OpenTree("userid_deactivated")
	require.NoError(t, err)
	v, err = userid_deactivated.Get([]byte("@bob:remote.example"))
	require.NoError(t, err)
	require.NotNil(t, v)

	v, err = userid_password.Get([]byte("@alice:example.org"))
	require.NoError(t, err)
	require.Nil(t, v, "local users are never materialised by this migration")
}

func TestUp4to5BuildsReverseAccountDataIndex(t *testing.T) {
	e, dataDir := openEngine(t)

	primary, err := e.OpenTree("roomuserdataid_accountdata")
	require.NoError(t, err)
	key := codec.Join(codec.JoinStr("", "@alice:example.org"), codec.U64(1), []byte("m.push_rules"))
	require.NoError(t, primary.Insert(key, []byte(`{"type":"m.push_rules","content":{}}`)))

	require.NoError(t, up4to5(e, dataDir, "example.org"))

	reverse, err := e.OpenTree("roomusertype_roomuserdataid")
	require.NoError(t, err)
	v, err := reverse.Get(codec.JoinStr("m.push_rules", "", "@alice:example.org"))
	require.NoError(t, err)
	require.Equal(t, key, v)
}

func TestUp6to7RewritesPduKeysToShortRoomID(t *testing.T) {
	e, dataDir := openEngine(t)

	pduidPdu, err := e.OpenTree("pduid_pdu")
	require.NoError(t, err)
	oldKey := codec.Join([]byte("!room:example.org"), codec.U64(1))
	require.NoError(t, pduidPdu.Insert(oldKey, []byte(`{"event_id":"$abc"}`)))

	require.NoError(t, up6to7(e, dataDir, "example.org"))

	v, err := pduidPdu.Get(oldKey)
	require.NoError(t, err)
	require.Nil(t, v, "the legacy key must be removed")

	roomidShort, err := e.OpenTree("roomid_shortroomid")
	require.NoError(t, err)
	shortID, err := roomidShort.Get([]byte("!room:example.org"))
	require.NoError(t, err)
	require.NotNil(t, shortID)

	newKey := codec.Join(shortID, codec.U64(1))
	v, err = pduidPdu.Get(newKey)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"event_id":"$abc"}`), v)
}

func TestUp6to7IsIdempotent(t *testing.T) {
	e, dataDir := openEngine(t)

	pduidPdu, err := e.OpenTree("pduid_pdu")
	require.NoError(t, err)
	oldKey := codec.Join([]byte("!room:example.org"), codec.U64(1))
	require.NoError(t, pduidPdu.Insert(oldKey, []byte("v")))

	require.NoError(t, up6to7(e, dataDir, "example.org"))
	require.NoError(t, up6to7(e, dataDir, "example.org"))
}

func TestUp5to6RebuildsDiffChainFromLegacySnapshots(t *testing.T) {
	e, dataDir := openEngine(t)

	legacy, err := e.OpenTree("stateid_shorteventid")
	require.NoError(t, err)
	room := "!room:example.org"
	// Snapshot 1: short_state_key 1 -> short_event_id 10.
	require.NoError(t, legacy.Insert(codec.Join([]byte(room), codec.U64(1), codec.U64(1)), codec.U64(10)))
	// Snapshot 2: adds short_state_key 2 -> short_event_id 20.
	require.NoError(t, legacy.Insert(codec.Join([]byte(room), codec.U64(2), codec.U64(1)), codec.U64(10)))
	require.NoError(t, legacy.Insert(codec.Join([]byte(room), codec.U64(2), codec.U64(2)), codec.U64(20)))

	require.NoError(t, up5to6(e, dataDir, "example.org"))

	roomid_shortstatehash, err := e.OpenTree("roomid_shortstatehash")
	require.NoError(t, err)
	finalHashBytes, err := roomid_shortstatehash.Get([]byte(room))
	require.NoError(t, err)
	require.NotNil(t, finalHashBytes)

	remaining, err := legacy.Get(codec.Join([]byte(room), codec.U64(1), codec.U64(1)))
	require.NoError(t, err)
	require.Nil(t, remaining, "legacy rows must be cleared after rebuilding")
}
