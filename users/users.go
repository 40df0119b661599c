// Package users implements C4: accounts, password hashes, devices,
// access tokens, to-device queues, and cross-signing keys.
package users

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/argon2"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var logger = log.New("component", "users")

const (
	// TOKEN_LENGTH, spec.md §4.3: freshly generated access tokens are at
	// least this long and never collide.
	TokenLength = 32

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	saltLength    = 32

	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Users owns every tree touched by C4.
type Users struct {
	userid_password     kv.Tree // user -> argon2 record (or empty for federated/guest)
	userid_deviceid      kv.Tree // user ‖ device -> display name
	userdeviceid_token    kv.Tree // user ‖ device -> token
	token_userdeviceid    kv.Tree // token -> user ‖ device
	userdeviceid_todevice kv.Tree // user ‖ device ‖ count -> event json
	userid_deactivated   kv.Tree // user -> "1" marker
	userid_crosssigning  kv.Tree // user ‖ kind -> key json
	globalTree           kv.Tree // for next_count
}

func Open(userid_password, userid_deviceid, userdeviceid_token, token_userdeviceid, userdeviceid_todevice, userid_deactivated, userid_crosssigning, globalTree kv.Tree) *Users {
	return &Users{
		userid_password:      userid_password,
		userid_deviceid:      userid_deviceid,
		userdeviceid_token:   userdeviceid_token,
		token_userdeviceid:   token_userdeviceid,
		userdeviceid_todevice: userdeviceid_todevice,
		userid_deactivated:   userid_deactivated,
		userid_crosssigning:  userid_crosssigning,
		globalTree:           globalTree,
	}
}

// Create registers user with an optional password. A nil/empty
// password stores the empty string verbatim (federated/guest users,
// spec.md §4.3 & SPEC_FULL.md): it is never Argon2-hashed, so it can
// never accidentally verify against a hash of "". Re-creating an
// existing user sets the password but leaves devices untouched.
func (u *Users) Create(user string, password *string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password for %s: %w", user, err)
	}
	if err := u.userid_password.Insert([]byte(user), []byte(hash)); err != nil {
		return fmt.Errorf("creating user %s: %w", user, err)
	}
	return nil
}

func (u *Users) Exists(user string) (bool, error) {
	v, err := u.userid_password.Get([]byte(user))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (u *Users) SetPassword(user string, newPassword *string) error {
	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password for %s: %w", user, err)
	}
	if err := u.userid_password.Insert([]byte(user), []byte(hash)); err != nil {
		return fmt.Errorf("setting password for %s: %w", user, err)
	}
	return nil
}

// VerifyPassword checks candidate against the stored record. A record
// that is the literal empty string (guest/federated accounts) never
// verifies, regardless of candidate.
func (u *Users) VerifyPassword(user, candidate string) (bool, error) {
	v, err := u.userid_password.Get([]byte(user))
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, errors.BadRequest("M_NOT_FOUND", "no such user")
	}
	return verifyPasswordRecord(string(v), candidate), nil
}

// VerifiesEmptyPassword reports whether record, read raw from
// userid_password, Argon2-verifies against the empty string. Exported
// for the migration runner (spec.md §4.9 migration 1→2): a prior bug
// hashed empty passwords instead of storing them as a literal empty
// record, and the migration needs to tell the two apart.
func VerifiesEmptyPassword(record string) bool {
	return record != "" && verifyPasswordRecord(record, "")
}

func hashPassword(password *string) (string, error) {
	if password == nil || *password == "" {
		return "", nil
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(*password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return encodeArgon2Record(salt, hash), nil
}

func verifyPasswordRecord(record, candidate string) bool {
	if record == "" {
		return false
	}
	salt, hash, ok := decodeArgon2Record(record)
	if !ok {
		return false
	}
	got := argon2.IDKey([]byte(candidate), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return constantTimeEqual(got, hash)
}

// encodeArgon2Record packs salt ‖ hash into a fixed-width binary
// record. Both are raw bytes, so a textual PHC-string encoding would
// need escaping; a fixed-width layout sidesteps that since the record
// never leaves the process as a human-facing string.
func encodeArgon2Record(salt, hash []byte) string {
	return string(salt) + string(hash)
}

func decodeArgon2Record(record string) (salt, hash []byte, ok bool) {
	if len(record) != saltLength+argon2KeyLen {
		return nil, nil, false
	}
	return []byte(record[:saltLength]), []byte(record[saltLength:]), true
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// --- devices -------------------------------------------------------------

func deviceKey(user, device string) []byte {
	return codec.JoinStr(user, device)
}

// CreateDevice stores (user, device) -> token and the reverse index,
// overwriting any prior token for that device.
func (u *Users) CreateDevice(user, device, token string, display *string) error {
	key := deviceKey(user, device)

	disp := ""
	if display != nil {
		disp = *display
	}
	if err := u.userid_deviceid.Insert(key, []byte(disp)); err != nil {
		return fmt.Errorf("storing device %s/%s: %w", user, device, err)
	}

	if old, err := u.userdeviceid_token.Get(key); err != nil {
		return err
	} else if old != nil {
		_ = u.token_userdeviceid.Remove(old)
	}

	if err := u.userdeviceid_token.Insert(key, []byte(token)); err != nil {
		return fmt.Errorf("storing token for %s/%s: %w", user, device, err)
	}
	if err := u.token_userdeviceid.Insert([]byte(token), key); err != nil {
		return fmt.Errorf("storing reverse token index for %s/%s: %w", user, device, err)
	}
	return nil
}

// RemoveDevice deletes the token reverse-index, device metadata, and
// every queued to-device event for that device.
func (u *Users) RemoveDevice(user, device string) error {
	key := deviceKey(user, device)

	if tok, err := u.userdeviceid_token.Get(key); err != nil {
		return err
	} else if tok != nil {
		if err := u.token_userdeviceid.Remove(tok); err != nil {
			return err
		}
	}
	if err := u.userdeviceid_token.Remove(key); err != nil {
		return err
	}
	if err := u.userid_deviceid.Remove(key); err != nil {
		return err
	}

	var toDelete [][]byte
	prefix := codec.Join(key, nil)
	if err := u.userdeviceid_todevice.ScanPrefix(prefix, func(k, v []byte) (bool, error) {
		toDelete = append(toDelete, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := u.userdeviceid_todevice.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// FindFromToken resolves an access token to (user, device).
func (u *Users) FindFromToken(token string) (user, device string, ok bool, err error) {
	v, err := u.token_userdeviceid.Get([]byte(token))
	if err != nil {
		return "", "", false, err
	}
	if v == nil {
		return "", "", false, nil
	}
	parts := codec.Split(v)
	if len(parts) != 2 {
		return "", "", false, errors.BadDatabase(fmt.Errorf("token index record has %d fields, want 2", len(parts)))
	}
	return string(parts[0]), string(parts[1]), true, nil
}

// AllDeviceIDs lazily visits every device registered for user.
func (u *Users) AllDeviceIDs(user string, fn func(device string) (bool, error)) error {
	prefix := append(append([]byte(nil), user...), codec.Sep)
	return u.userid_deviceid.ScanPrefix(prefix, func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 2 {
			return true, errors.BadDatabase(fmt.Errorf("device key has %d fields, want 2", len(parts)))
		}
		return fn(string(parts[1]))
	})
}

// --- to-device queues ------------------------------------------------------

// ToDeviceAdd enqueues event for (user, device), ordered by the global
// counter so queues drain in send order.
func (u *Users) ToDeviceAdd(user, device string, event []byte) error {
	count, err := codec.NextCount(u.globalTree)
	if err != nil {
		return err
	}
	key := codec.Join([]byte(user), []byte(device), codec.U64(count))
	return u.userdeviceid_todevice.Insert(key, event)
}

// ToDeviceTake drains and removes every queued event for (user, device)
// up to and including `until` (0 means all).
func (u *Users) ToDeviceTake(user, device string, until uint64) ([][]byte, error) {
	// Trailing separator, matching RemoveDevice's prefix: without it a
	// scan for "device1" would also match a sibling device named
	// "device10".
	prefix := codec.Join(deviceKey(user, device), nil)
	var events [][]byte
	var toDelete [][]byte
	err := u.userdeviceid_todevice.ScanPrefix(prefix, func(k, v []byte) (bool, error) {
		parts := codec.Split(k)
		if len(parts) != 3 {
			return true, errors.BadDatabase(fmt.Errorf("to-device key has %d fields, want 3", len(parts)))
		}
		count, ok := codec.ParseU64(parts[2])
		if !ok {
			return true, errors.BadDatabase(fmt.Errorf("to-device key has malformed counter"))
		}
		if until != 0 && count > until {
			return false, nil
		}
		events = append(events, append([]byte(nil), v...))
		toDelete = append(toDelete, append([]byte(nil), k...))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range toDelete {
		if err := u.userdeviceid_todevice.Remove(k); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// --- cross-signing keys ----------------------------------------------------

// SetCrossSigningKey stores the JSON-encoded key of the given kind
// ("master", "self_signing", "user_signing") for user.
func (u *Users) SetCrossSigningKey(user, kind string, keyJSON []byte) error {
	return u.userid_crosssigning.Insert(codec.JoinStr(user, kind), keyJSON)
}

func (u *Users) CrossSigningKey(user, kind string) ([]byte, error) {
	return u.userid_crosssigning.Get(codec.JoinStr(user, kind))
}

// --- deactivation -----------------------------------------------------------

// DeactivateAccount removes all of user's devices and marks the
// account deactivated; subsequent IsDeactivated calls return true.
func (u *Users) DeactivateAccount(user string) error {
	var devices []string
	if err := u.AllDeviceIDs(user, func(device string) (bool, error) {
		devices = append(devices, device)
		return true, nil
	}); err != nil {
		return err
	}
	for _, d := range devices {
		if err := u.RemoveDevice(user, d); err != nil {
			return err
		}
	}
	if err := u.userid_deactivated.Insert([]byte(user), []byte{1}); err != nil {
		return err
	}
	logger.Info("deactivated account", "user", user)
	return nil
}

func (u *Users) IsDeactivated(user string) (bool, error) {
	v, err := u.userid_deactivated.Get([]byte(user))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// GenerateToken returns a fresh random alphanumeric token of at least
// TokenLength characters; collisions are not possible in practice given
// the alphabet size and length (spec.md §4.3).
func GenerateToken() (string, error) {
	return randomAlphanumeric(TokenLength)
}

func randomAlphanumeric(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out), nil
}
