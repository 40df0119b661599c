// Package uiaa implements C5: User-Interactive Authentication sessions
// keyed by (user, device, session_id).
package uiaa

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
	"github.com/ledgerwatch/matrixcore/users"
)

// UiaaInfo is the session record handed back to the client on every
// non-terminal response, per spec.md §4.4.
type UiaaInfo struct {
	Flows      [][]string             `json:"flows"`
	Completed  []string               `json:"completed"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Session    string                 `json:"session"`
	AuthError  *string                `json:"auth_error,omitempty"`
}

// Auth is the client-submitted `auth` block of a UIA request.
type Auth struct {
	Type     string `json:"type"`
	Session  string `json:"session"`
	Password string `json:"password,omitempty"`
}

// Uiaa owns the (user, device, session) -> UiaaInfo tree.
type Uiaa struct {
	userdevicesessionid_uiaainfo kv.Tree
	users                        *users.Users
}

func Open(tree kv.Tree, u *users.Users) *Uiaa {
	return &Uiaa{userdevicesessionid_uiaainfo: tree, users: u}
}

func sessionKey(user, device, session string) []byte {
	return codec.JoinStr(user, device, session)
}

// Create persists a fresh session and returns its id.
func (a *Uiaa) Create(user, device string, flows [][]string, params map[string]interface{}) (*UiaaInfo, error) {
	session := uuid.NewString()
	info := &UiaaInfo{Flows: flows, Params: params, Session: session}
	if err := a.save(user, device, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (a *Uiaa) save(user, device string, info *UiaaInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return a.userdevicesessionid_uiaainfo.Insert(sessionKey(user, device, info.Session), b)
}

func (a *Uiaa) get(user, device, session string) (*UiaaInfo, error) {
	v, err := a.userdevicesessionid_uiaainfo.Get(sessionKey(user, device, session))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	var info UiaaInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return nil, errors.BadDatabase(fmt.Errorf("decoding uiaa session: %w", err))
	}
	return &info, nil
}

// TryAuth validates the client-supplied auth block against the
// session's remaining stages (spec.md §4.4). A missing session (no
// prior Create) is a BadRequest, matching "session not found".
func (a *Uiaa) TryAuth(user, device string, auth Auth) (completed bool, info *UiaaInfo, err error) {
	info, err = a.get(user, device, auth.Session)
	if err != nil {
		return false, nil, err
	}
	if info == nil {
		return false, nil, errors.BadRequest("M_UNKNOWN", "unknown UIA session")
	}

	switch auth.Type {
	case "m.login.password":
		ok, verr := a.users.VerifyPassword(user, auth.Password)
		if verr != nil {
			return false, nil, verr
		}
		if !ok {
			msg := "invalid password"
			info.AuthError = &msg
			_ = a.save(user, device, info)
			return false, info, nil
		}
		info.Completed = appendStage(info.Completed, auth.Type)
	case "m.login.dummy":
		info.Completed = appendStage(info.Completed, auth.Type)
	default:
		msg := fmt.Sprintf("unsupported stage %q", auth.Type)
		info.AuthError = &msg
		_ = a.save(user, device, info)
		return false, info, nil
	}

	info.AuthError = nil
	done := satisfiesAnyFlow(info.Flows, info.Completed)
	if err := a.save(user, device, info); err != nil {
		return false, nil, err
	}
	return done, info, nil
}

func appendStage(completed []string, stage string) []string {
	for _, c := range completed {
		if c == stage {
			return completed
		}
	}
	return append(completed, stage)
}

func satisfiesAnyFlow(flows [][]string, completed []string) bool {
	done := make(map[string]bool, len(completed))
	for _, c := range completed {
		done[c] = true
	}
	for _, flow := range flows {
		all := true
		for _, stage := range flow {
			if !done[stage] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
