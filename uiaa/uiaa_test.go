package uiaa

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/users"
)

func openTest(t *testing.T) (*Uiaa, *users.Users) {
	t.Helper()
	e, err := kv.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	open := func(name string) kv.Tree {
		tr, err := e.OpenTree(name)
		require.NoError(t, err)
		return tr
	}

	u := users.Open(
		open("userid_password"),
		open("userid_deviceid"),
		open("userdeviceid_token"),
		open("token_userdeviceid"),
		open("userdeviceid_todevice"),
		open("userid_deactivated"),
		open("userid_crosssigning"),
		open("global"),
	)
	a := Open(open("userdevicesessionid_uiaainfo"), u)
	return a, u
}

func TestDummyStageCompletesSession(t *testing.T) {
	a, _ := openTest(t)
	info, err := a.Create("@alice:example.org", "D1", [][]string{{"m.login.dummy"}}, nil)
	require.NoError(t, err)

	done, updated, err := a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.dummy", Session: info.Session})
	require.NoError(t, err)
	require.True(t, done)
	require.Contains(t, updated.Completed, "m.login.dummy")
}

func TestPasswordStageRequiresCorrectPassword(t *testing.T) {
	a, u := openTest(t)
	pw := "s3cret"
	require.NoError(t, u.Create("@alice:example.org", &pw))

	info, err := a.Create("@alice:example.org", "D1", [][]string{{"m.login.password"}}, nil)
	require.NoError(t, err)

	done, updated, err := a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.password", Session: info.Session, Password: "wrong"})
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, updated.AuthError)

	done, updated, err = a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.password", Session: info.Session, Password: "s3cret"})
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, updated.AuthError)
}

func TestMultiStageFlowRequiresAllStages(t *testing.T) {
	a, u := openTest(t)
	pw := "s3cret"
	require.NoError(t, u.Create("@alice:example.org", &pw))

	info, err := a.Create("@alice:example.org", "D1", [][]string{{"m.login.dummy", "m.login.password"}}, nil)
	require.NoError(t, err)

	done, _, err := a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.dummy", Session: info.Session})
	require.NoError(t, err)
	require.False(t, done)

	done, _, err = a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.password", Session: info.Session, Password: "s3cret"})
	require.NoError(t, err)
	require.True(t, done)
}

func TestUnknownSessionIsBadRequest(t *testing.T) {
	a, _ := openTest(t)
	_, _, err := a.TryAuth("@alice:example.org", "D1", Auth{Type: "m.login.dummy", Session: "nope"})
	require.Error(t, err)
}
