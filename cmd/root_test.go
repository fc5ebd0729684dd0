package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "market-pulse", rootCmd.Use)
	assert.True(t, rootCmd.SilenceUsage)
	assert.NotNil(t, rootCmd.PersistentPreRunE)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"refresh", "serve", "items", "cycles", "status", "reannotate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		cmd   string
		flags []string
	}{
		{"refresh", []string{"json"}},
		{"serve", []string{"port"}},
		{"items", []string{"entity", "since", "until", "min-relevance", "limit", "all"}},
		{"cycles", []string{"status", "limit"}},
		{"status", []string{"lookback-hours", "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			c, _, err := rootCmd.Find([]string{tt.cmd})
			require.NoError(t, err)
			for _, f := range tt.flags {
				assert.NotNil(t, c.Flags().Lookup(f), "flag --%s", f)
			}
		})
	}
}

func TestItemsSinceDefault(t *testing.T) {
	f := itemsCmd.Flags().Lookup("since")
	require.NotNil(t, f)
	assert.Equal(t, "24h", f.DefValue)
}

func TestReannotateRequiresFingerprint(t *testing.T) {
	require.Error(t, reannotateCmd.Args(reannotateCmd, nil))
	require.NoError(t, reannotateCmd.Args(reannotateCmd, []string{"abc"}))
}
