package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmdRequiredFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"port", "db-path"} {
		flag := cmd.Flags().Lookup(name)
		require.NotNil(t, flag, "flag %q must be registered", name)
	}

	// MarkFlagRequired rejects Execute without them.
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestNewRootCmdDefaults(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "6379", cmd.Flags().Lookup("redis-port").DefValue)
	assert.Equal(t, "0", cmd.Flags().Lookup("posix-queue").DefValue)
	assert.Equal(t, "info", cmd.Flags().Lookup("log-level").DefValue)
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	_, err := newLogger("not-a-level")
	assert.Error(t, err)
}

func TestNewLoggerAcceptsValidLevel(t *testing.T) {
	entry, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}
