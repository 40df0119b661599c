// Package migrations implements C10: the schema migration runner.
// Migrations apply sequentially in the order of the migrations slice,
// skipping any migration whose name is already recorded as applied —
// so a restart after a partial run picks up cleanly, and the whole
// sequence is safe to run twice (P7).
package migrations

import (
	"fmt"

	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/kv/codec"
)

var logger = log.New("component", "migrations")

// versionKey is the fixed key under which a Migrator stores the schema
// version it has reached (spec.md §6 on-disk layout: global["version"]).
var versionKey = []byte("version")

// Migration is one named, idempotent schema step.
type Migration struct {
	Name string
	Up   func(engine kv.Engine, dataDir, serverName string) error
}

// migrations lists every schema step this core knows, in order
// (spec.md §4.9). Appending a new one is always safe; reordering or
// removing an already-shipped one is not.
var migrations = []Migration{
	{"0_populate_serverroomids", up0to1},
	{"1_fix_hashed_empty_passwords", up1to2},
	{"2_media_to_flat_files", up2to3},
	{"3_materialize_remote_members", up3to4},
	{"4_roomusertype_reverse_index", up4to5},
	{"5_rebuild_state_diff_chain", up5to6},
	{"6_short_room_id_keys", up6to7},
}

func NewMigrator() *Migrator {
	return &Migrator{Migrations: migrations}
}

type Migrator struct {
	Migrations []Migration
}

// Apply runs every migration whose index is at or past the database's
// current version, writing the advanced version after each one
// succeeds. Failure inside a migration is fatal and leaves the version
// unadvanced, so the next start retries the same migration (spec.md
// §4.9).
func (m *Migrator) Apply(engine kv.Engine, dataDir, serverName string) error {
	if len(m.Migrations) == 0 {
		return nil
	}

	global, err := engine.OpenTree("global")
	if err != nil {
		return fmt.Errorf("opening global tree for migrator: %w", err)
	}

	version := uint64(0)
	if raw, err := global.Get(versionKey); err != nil {
		return err
	} else if raw != nil {
		v, ok := codec.ParseU64(raw)
		if !ok {
			return fmt.Errorf("version record has wrong length")
		}
		version = v
	}

	if int(version) >= len(m.Migrations) {
		return nil
	}

	for i := int(version); i < len(m.Migrations); i++ {
		mig := m.Migrations[i]
		logger.Info("applying migration", "name", mig.Name, "from_version", i)
		if err := mig.Up(engine, dataDir, serverName); err != nil {
			return fmt.Errorf("migration %q failed: %w", mig.Name, err)
		}
		if err := global.Insert(versionKey, codec.U64(uint64(i+1))); err != nil {
			return fmt.Errorf("recording version after migration %q: %w", mig.Name, err)
		}
		logger.Info("applied migration", "name", mig.Name, "to_version", i+1)
	}
	return nil
}
