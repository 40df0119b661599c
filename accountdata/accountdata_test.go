package accountdata

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/kv"
)

func openTest(t *testing.T) *AccountData {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tree, err := e.OpenTree("roomuserdataid_accountdata")
	require.NoError(t, err)
	global, err := e.OpenTree("global")
	require.NoError(t, err)
	return Open(tree, global)
}

func msg(typ string) json.RawMessage {
	return json.RawMessage(`{"type":"` + typ + `","content":{}}`)
}

func TestUpdateRejectsMalformedValue(t *testing.T) {
	a := openTest(t)
	err := a.Update("", "@alice:example.org", "m.push_rules", json.RawMessage(`{"content":{}}`))
	require.Error(t, err)

	err = a.Update("", "@alice:example.org", "m.push_rules", json.RawMessage(`{"type":"m.push_rules"}`))
	require.Error(t, err)
}

func TestLatestWins(t *testing.T) {
	a := openTest(t)
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", msg("m.push_rules")))

	v2 := json.RawMessage(`{"type":"m.push_rules","content":{"v":2}}`)
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", v2))

	got, err := a.Get("", "@alice:example.org", "m.push_rules")
	require.NoError(t, err)
	require.JSONEq(t, string(v2), string(got))
}

func TestUpdateDeletesPriorEntryOfSameType(t *testing.T) {
	a := openTest(t)
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", msg("m.push_rules")))
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", msg("m.push_rules")))

	var count int
	err := a.roomuserdataid_accountdata.ScanPrefix(prefix("", "@alice:example.org"), func(k, v []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRoomScopedIsIndependentOfGlobal(t *testing.T) {
	a := openTest(t)
	require.NoError(t, a.Update("", "@alice:example.org", "m.direct", msg("m.direct")))
	require.NoError(t, a.Update("!room:example.org", "@alice:example.org", "m.direct", msg("m.direct")))

	globalV, err := a.Get("", "@alice:example.org", "m.direct")
	require.NoError(t, err)
	roomV, err := a.Get("!room:example.org", "@alice:example.org", "m.direct")
	require.NoError(t, err)
	require.NotNil(t, globalV)
	require.NotNil(t, roomV)
}

func TestChangesSince(t *testing.T) {
	a := openTest(t)
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", msg("m.push_rules")))

	cursor, err := a.globalTree.Increment([]byte("c")) // high-water mark taken between the two writes
	require.NoError(t, err)

	require.NoError(t, a.Update("", "@alice:example.org", "m.direct", msg("m.direct")))

	changes, err := a.ChangesSince("", "@alice:example.org", cursor)
	require.NoError(t, err)
	require.Contains(t, changes, "m.direct")
	require.NotContains(t, changes, "m.push_rules")
}

func TestChangesSinceYieldsOnePerDistinctType(t *testing.T) {
	a := openTest(t)
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", msg("m.push_rules")))
	require.NoError(t, a.Update("", "@alice:example.org", "m.direct", msg("m.direct")))
	require.NoError(t, a.Update("", "@alice:example.org", "m.push_rules", json.RawMessage(`{"type":"m.push_rules","content":{"v":2}}`)))

	changes, err := a.ChangesSince("", "@alice:example.org", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.JSONEq(t, `{"type":"m.push_rules","content":{"v":2}}`, string(changes["m.push_rules"]))
}
