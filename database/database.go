// Package database wires C1–C10 together behind a single Open entry
// point: run the migrator, then open every component against the same
// kv.Engine.
package database

import (
	"path/filepath"

	"github.com/ledgerwatch/matrixcore/accountdata"
	"github.com/ledgerwatch/matrixcore/config"
	"github.com/ledgerwatch/matrixcore/globals"
	"github.com/ledgerwatch/matrixcore/internal/log"
	"github.com/ledgerwatch/matrixcore/kv"
	"github.com/ledgerwatch/matrixcore/media"
	"github.com/ledgerwatch/matrixcore/migrations"
	"github.com/ledgerwatch/matrixcore/rooms"
	"github.com/ledgerwatch/matrixcore/uiaa"
	"github.com/ledgerwatch/matrixcore/users"
)

var logger = log.New("component", "database")

// Database is the fully wired storage core: every component shares the
// one underlying kv.Engine (spec.md §1's "the core").
type Database struct {
	Engine kv.Engine

	Globals     *globals.Globals
	Users       *users.Users
	Uiaa        *uiaa.Uiaa
	AccountData *accountdata.AccountData
	Rooms       *rooms.Rooms
	Media       *media.Store
}

// Open runs the migration runner to completion, then opens every
// component against engine (spec.md §4.9: "The migration runner (C10)
// runs exactly once at startup before any user traffic").
func Open(cfg config.Config, engine kv.Engine) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := migrations.NewMigrator().Apply(engine, cfg.DatabasePath, cfg.ServerName); err != nil {
		return nil, err
	}

	open := func(name string) (kv.Tree, error) { return engine.OpenTree(name) }
	must := func(name string) kv.Tree {
		t, err := open(name)
		if err != nil {
			panic(err)
		}
		return t
	}

	global := must("global")

	g, err := globals.Open(globals.Config{ServerName: cfg.ServerName}, global, must("signingkey_cache"))
	if err != nil {
		return nil, err
	}

	u := users.Open(
		must("userid_password"),
		must("userid_deviceid"),
		must("userdeviceid_token"),
		must("token_userdeviceid"),
		must("userdeviceid_todevice"),
		must("userid_deactivated"),
		must("userid_crosssigning"),
		global,
	)

	ui := uiaa.Open(must("userdevicesessionid_uiaainfo"), u)

	ad := accountdata.Open(must("roomuserdataid_accountdata"), global)

	r, err := rooms.Open(engine, global)
	if err != nil {
		return nil, err
	}

	m := media.Open(must("mediaid_file"), filepath.Clean(cfg.DatabasePath))

	logger.Info("storage core ready", "server_name", cfg.ServerName, "database_path", cfg.DatabasePath)

	return &Database{
		Engine:      engine,
		Globals:     g,
		Users:       u,
		Uiaa:        ui,
		AccountData: ad,
		Rooms:       r,
		Media:       m,
	}, nil
}

// Close flushes the write-ahead log and closes the underlying engine
// (spec.md §6 Shutdown).
func (d *Database) Close() error {
	if err := d.Engine.FlushWAL(); err != nil {
		return err
	}
	d.Globals.Rotate()
	return d.Engine.Close()
}
