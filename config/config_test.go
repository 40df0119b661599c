package config

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/internal/errors"
)

func TestValidateRequiresServerNameAndDatabasePath(t *testing.T) {
	c := Default()
	err := c.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindBadConfig))

	c.ServerName = "example.org"
	err = c.Validate()
	require.Error(t, err)

	c.DatabasePath = "/var/lib/matrixcore"
	require.NoError(t, c.Validate())
}

func TestValidateClampsSpilloverReapFraction(t *testing.T) {
	c := Default()
	c.ServerName, c.DatabasePath = "example.org", "/data"

	c.SQLiteSpilloverReapFraction = 10
	require.NoError(t, c.Validate())
	require.Equal(t, 1.0, c.SQLiteSpilloverReapFraction)

	c.SQLiteSpilloverReapFraction = 0
	require.NoError(t, c.Validate())
	require.Equal(t, 0.01, c.SQLiteSpilloverReapFraction)
}

func TestValidateAcceptsDefaultsUnmodified(t *testing.T) {
	c := Default()
	c.ServerName, c.DatabasePath = "example.org", "/data"
	require.NoError(t, c.Validate())
	require.Equal(t, 20*datasize.MB, c.MaxRequestSize)
}
