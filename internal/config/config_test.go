package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, 6379, cfg.Port)
	require.False(t, cfg.IsReplica)
}

func TestParseReplicaOf(t *testing.T) {
	cfg, err := Parse([]string{"--replicaof", "localhost 6380"})
	require.NoError(t, err)
	require.True(t, cfg.IsReplica)
	require.Equal(t, "localhost", cfg.MasterHost)
	require.Equal(t, 6380, cfg.MasterPort)
}

func TestParseReplicaOfMalformed(t *testing.T) {
	_, err := Parse([]string{"--replicaof", "localhost"})
	require.Error(t, err)
}

func TestParsePortAndDir(t *testing.T) {
	cfg, err := Parse([]string{"--port", "7000", "--dir", "/tmp/data", "--dbfilename", "dump.rdb"})
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, "/tmp/data", cfg.Dir)
	require.Equal(t, "dump.rdb", cfg.DBFilename)
}
