// Package config defines the homeserver's recognised configuration
// options (spec.md §6) and validates them before C1–C10 ever open a
// tree.
package config

import (
	"runtime"

	"github.com/c2h5oh/datasize"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/internal/log"
)

var logger = log.New("component", "config")

// deprecated maps an old option name to the one that replaced it.
var deprecated = map[string]string{
	"cache_capacity": "db_cache_capacity_mb",
}

// Config is every option spec.md §6 recognises.
type Config struct {
	ServerName   string
	DatabasePath string

	DBCacheCapacityMB int

	SQLiteReadPoolSize              int
	SQLiteWALCleanTimer             bool
	SQLiteWALCleanSecondInterval    int
	SQLiteWALCleanSecondTimeout     int
	SQLiteSpilloverReapFraction     float64
	SQLiteSpilloverReapIntervalSecs int

	MaxRequestSize        datasize.ByteSize
	MaxConcurrentRequests int

	AllowRegistration bool
	AllowEncryption   bool
	AllowFederation   bool

	JWTSecret      string
	TrustedServers []string

	// Unknown carries any option key this struct doesn't recognise, so
	// Validate can warn about deprecated ones without silently dropping
	// the rest.
	Unknown map[string]interface{}
}

// Default returns a Config with every spec.md §6 default applied; the
// caller still must set ServerName and DatabasePath.
func Default() Config {
	return Config{
		DBCacheCapacityMB: 200,

		SQLiteReadPoolSize:              runtime.NumCPU(),
		SQLiteWALCleanTimer:             true,
		SQLiteWALCleanSecondInterval:    3600,
		SQLiteWALCleanSecondTimeout:     2,
		SQLiteSpilloverReapFraction:     0.5,
		SQLiteSpilloverReapIntervalSecs: 60,

		MaxRequestSize:        20 * datasize.MB,
		MaxConcurrentRequests: 100,

		AllowRegistration: true,
		AllowEncryption:   true,
		AllowFederation:   false,
	}
}

// Validate rejects a Config missing its required fields, clamps
// sqlite_spillover_reap_fraction into [0.01, 1.0], and logs warnings
// for a too-small max_request_size or any deprecated key present in
// Unknown (spec.md §6).
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.BadConfig("server_name is required")
	}
	if c.DatabasePath == "" {
		return errors.BadConfig("database_path is required")
	}

	if c.SQLiteSpilloverReapFraction < 0.01 {
		c.SQLiteSpilloverReapFraction = 0.01
	} else if c.SQLiteSpilloverReapFraction > 1.0 {
		c.SQLiteSpilloverReapFraction = 1.0
	}

	if c.MaxRequestSize < 1*datasize.KB {
		logger.Warn("max_request_size is suspiciously small", "value", c.MaxRequestSize.HumanReadable())
	}

	for key := range c.Unknown {
		if replacement, ok := deprecated[key]; ok {
			logger.Warn("configuration key is deprecated", "key", key, "use_instead", replacement)
		}
	}

	return nil
}
