// Package globals implements C3: server identity (signing keypair,
// server name), the remote-server signing-key cache, the live
// configuration snapshot, and the global "rotate" broadcast that
// releases every long-poll watcher at once (spec.md §5 Cancellation).
package globals

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var logger = log.New("component", "globals")

const keypairVersion = "ed25519-v1"

var keypairKey = []byte("keypair")

// Globals is the long-lived handle every other component is given a
// reference to; it is not a process-wide singleton (spec.md §9).
type Globals struct {
	config Config

	globalTree      kv.Tree
	signingKeyTree  kv.Tree
	keypair         ed25519.PrivateKey
	keypairVersion  string

	rotateMu sync.Mutex
	rotateCh chan struct{}
}

// Config is the subset of configuration C3 cares about directly; the
// full recognised option set lives in the top-level config package and
// is threaded through here as a snapshot (spec.md §9: config is a
// handle, not a singleton).
type Config struct {
	ServerName string
}

// Open loads (or, on first run, generates and persists) the server's
// signing keypair from globalTree, and wires signingKeyTree for the
// remote signing-key cache.
func Open(cfg Config, globalTree, signingKeyTree kv.Tree) (*Globals, error) {
	if cfg.ServerName == "" {
		return nil, errors.BadConfig("server_name is required")
	}

	g := &Globals{
		config:         cfg,
		globalTree:     globalTree,
		signingKeyTree: signingKeyTree,
		rotateCh:       make(chan struct{}),
	}

	if err := g.loadOrCreateKeypair(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Globals) loadOrCreateKeypair() error {
	v, err := g.globalTree.Get(keypairKey)
	if err != nil {
		return fmt.Errorf("reading keypair: %w", err)
	}
	if v != nil {
		parts := codec.Split(v)
		if len(parts) != 2 {
			return errors.BadDatabase(fmt.Errorf("keypair record has %d fields, want 2", len(parts)))
		}
		if len(parts[1]) != ed25519.PrivateKeySize {
			return errors.BadDatabase(fmt.Errorf("signing key has wrong length %d", len(parts[1])))
		}
		g.keypairVersion = string(parts[0])
		g.keypair = ed25519.PrivateKey(append([]byte(nil), parts[1]...))
		return nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating signing keypair: %w", err)
	}
	record := codec.Join([]byte(keypairVersion), priv)
	if err := g.globalTree.Insert(keypairKey, record); err != nil {
		return fmt.Errorf("persisting signing keypair: %w", err)
	}
	g.keypairVersion = keypairVersion
	g.keypair = priv
	logger.Info("generated new server signing keypair", "server_name", cfgServerName(g))
	return nil
}

func cfgServerName(g *Globals) string { return g.config.ServerName }

func (g *Globals) ServerName() string               { return g.config.ServerName }
func (g *Globals) KeypairVersion() string            { return g.keypairVersion }
func (g *Globals) ServerSigningKey() ed25519.PrivateKey { return g.keypair }
func (g *Globals) VerifyKey() ed25519.PublicKey      { return g.keypair.Public().(ed25519.PublicKey) }

// --- remote signing-key cache (I6) -------------------------------------

// signingkey_cache tree keys: server_name 0xff key_id -> key_bytes 0xff valid_until_ts(u64)

func signingKeyCacheKey(server, keyID string) []byte {
	return codec.JoinStr(server, keyID)
}

// AddSigningKey caches a remote server's verify key until validUntilTs
// (milliseconds since epoch, matching Matrix's valid_until_ts). The
// record is key_bytes directly followed by the 8-byte timestamp, with
// no separator: key bytes can contain any byte value, including 0xff,
// so decodeSigningKeyRecord recovers the boundary by length alone.
func (g *Globals) AddSigningKey(server, keyID string, key []byte, validUntilTs int64) error {
	val := append(append([]byte(nil), key...), encodeI64(validUntilTs)...)
	return g.signingKeyTree.Insert(signingKeyCacheKey(server, keyID), val)
}

// SigningKey returns a cached remote verify key, or nil if absent or
// expired (I6: an expired entry is ignored on read even if not yet
// swept by PruneExpiredSigningKeys).
func (g *Globals) SigningKey(server, keyID string, nowMs int64) ([]byte, error) {
	v, err := g.signingKeyTree.Get(signingKeyCacheKey(server, keyID))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	key, validUntil, ok := decodeSigningKeyRecord(v)
	if !ok {
		return nil, errors.BadDatabase(fmt.Errorf("malformed signing key cache record for %s/%s", server, keyID))
	}
	if validUntil < nowMs {
		return nil, nil
	}
	return key, nil
}

// PruneExpiredSigningKeys deletes every cached remote signing key whose
// valid_until_ts has elapsed (supplemented per SPEC_FULL.md, mirroring
// the periodic sweep in the original source alongside the read-time
// filter in SigningKey).
func (g *Globals) PruneExpiredSigningKeys(nowMs int64) (int, error) {
	var toDelete [][]byte
	err := g.signingKeyTree.Iter(func(k, v []byte) (bool, error) {
		_, validUntil, ok := decodeSigningKeyRecord(v)
		if !ok {
			return true, nil
		}
		if validUntil < nowMs {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range toDelete {
		if err := g.signingKeyTree.Remove(k); err != nil {
			return 0, err
		}
	}
	if len(toDelete) > 0 {
		logger.Debug("pruned expired signing keys", "count", len(toDelete))
	}
	return len(toDelete), nil
}

func decodeSigningKeyRecord(v []byte) (key []byte, validUntil int64, ok bool) {
	if len(v) < 8 {
		return nil, 0, false
	}
	key = v[:len(v)-8]
	validUntil = decodeI64(v[len(v)-8:])
	return key, validUntil, true
}

func encodeI64(v int64) []byte {
	return codec.U64(uint64(v))
}

func decodeI64(b []byte) int64 {
	n, _ := codec.ParseU64(b)
	return int64(n)
}

// --- global rotate broadcast --------------------------------------------

// RotateChan returns the channel that closes on the next call to
// Rotate. Long-poll sync handlers select on this alongside their
// per-prefix watchers.
func (g *Globals) RotateChan() <-chan struct{} {
	g.rotateMu.Lock()
	defer g.rotateMu.Unlock()
	return g.rotateCh
}

// Rotate wakes every watcher currently blocked on RotateChan, e.g.
// before a maintenance task takes the exclusive database lock, or on
// shutdown (spec.md §5 Cancellation, §6 Shutdown).
func (g *Globals) Rotate() {
	g.rotateMu.Lock()
	defer g.rotateMu.Unlock()
	close(g.rotateCh)
	g.rotateCh = make(chan struct{})
}
