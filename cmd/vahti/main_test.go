package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"crawl", "scan", "explain", "cycles", "audit", "daemon"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestParseTimeFilter(t *testing.T) {
	explainSince, explainUntil, explainListUntimed = "", "", false
	f, err := parseTimeFilter()
	require.NoError(t, err)
	assert.Nil(t, f, "no window means no filter")

	explainSince = "2026-01-01"
	explainUntil = "2026-06-30"
	explainListUntimed = true
	f, err = parseTimeFilter()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.Start)
	assert.True(t, f.ListUntimed)

	explainSince = "not-a-date"
	_, err = parseTimeFilter()
	assert.Error(t, err)

	explainSince, explainUntil, explainListUntimed = "", "", false
}
