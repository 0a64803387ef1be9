package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "feedsync", cmd.Use)
	assert.Contains(t, cmd.Long, "authority")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "sync", "append", "query", "subscribe", "count", "trim", "state", "migrate"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("driver"))
}

func TestQueryCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	queryCmd, _, err := cmd.Find([]string{"query"})
	require.NoError(t, err)

	positionFlag := queryCmd.Flags().Lookup("position")
	require.NotNil(t, positionFlag)
	assert.Equal(t, "-1", positionFlag.DefValue)

	for _, name := range []string{"space", "namespace", "feed", "subscription", "cursor", "limit", "unpositioned", "remote"} {
		assert.NotNil(t, queryCmd.Flags().Lookup(name), name)
	}
}

func TestTrimCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	trimCmd, _, err := cmd.Find([]string{"trim"})
	require.NoError(t, err)

	keepFlag := trimCmd.Flags().Lookup("keep")
	require.NotNil(t, keepFlag)
	assert.Equal(t, "0", keepFlag.DefValue)
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	partitionFlag := syncCmd.Flags().Lookup("partition")
	require.NotNil(t, partitionFlag)
	assert.Equal(t, "p", partitionFlag.Shorthand)
	require.NotNil(t, syncCmd.Flags().Lookup("authority"))
	require.NotNil(t, syncCmd.Flags().Lookup("batch-size"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "state", "team", "docs"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestParsePartition(t *testing.T) {
	p, err := parsePartition("team/docs")
	require.NoError(t, err)
	assert.Equal(t, "team", p.SpaceID)
	assert.Equal(t, "docs", p.FeedNamespace)

	for _, bad := range []string{"team", "/docs", "team/", ""} {
		_, err := parsePartition(bad)
		assert.Error(t, err, bad)
	}
}
