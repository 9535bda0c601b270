package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedOutput string
		expectError    bool
	}{
		{name: "help flag", args: []string{"--help"}, expectedOutput: "CMPC-libros inventory server"},
		{name: "short help flag", args: []string{"-h"}, expectedOutput: "CMPC-libros inventory server"},
		{name: "invalid flag", args: []string{"--invalid-flag"}, expectedOutput: "unknown flag: --invalid-flag", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedOutput)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.expectedOutput)
		})
	}
}

func TestRootCommandPersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, flag := range []string{"config", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommandAcceptsServeFlags(t *testing.T) {
	cmd := NewRootCommand()
	assert.NotNil(t, cmd.Flags().Lookup("host"))
	assert.NotNil(t, cmd.Flags().Lookup("port"))
}

func TestRootCommandSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "seed", "export", "user", "mcp", "healthcheck", "loadtest", "version"} {
		assert.True(t, names[want], "expected subcommand %q", want)
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{args: []string{"migrate", "--help"}, want: []string{"up", "down", "status", "--path"}},
		{args: []string{"migrate", "down", "--help"}, want: []string{"--steps"}},
		{args: []string{"seed", "--help"}, want: []string{"--file"}},
		{args: []string{"export", "--help"}, want: []string{"--out", "--query"}},
		{args: []string{"user", "create-admin", "--help"}, want: []string{"--email", "--password", "--full-name"}},
		{args: []string{"user", "list", "--help"}, want: []string{"--role", "--limit"}},
		{args: []string{"loadtest", "--help"}, want: []string{"--profile", "--rps", "--read-ratio", "--no-ramp"}},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			cmd := NewRootCommand()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)
			cmd.SetArgs(tt.args)
			require.NoError(t, cmd.Execute())
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestCreateAdminRequiresCredentials(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"user", "create-admin", "--email", "admin@cmpc.cl"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestExportRejectsBadQueryBeforeConnecting(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"export", "--query", "genre=POETRY"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genre")
}

func TestLoadtestValidatesFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing credentials", args: []string{"loadtest", "--email", "", "--password", ""}, want: "--email and --password"},
		{name: "bad ratio", args: []string{"loadtest", "--email", "a@b.cl", "--password", "x", "--read-ratio", "1.5"}, want: "--read-ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetOut(new(bytes.Buffer))
			cmd.SetErr(new(bytes.Buffer))
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
