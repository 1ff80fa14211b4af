package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	cmd := newRootCmd()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"lock", "unlock", "get-file", "set-file", "tree", "redis-addr"} {
		assert.True(t, names[want], "expected subcommand %q to be registered", want)
	}
}

func TestRootCommandDefaultFlags(t *testing.T) {
	cmd := newRootCmd()

	portFlag := cmd.PersistentFlags().Lookup("port")
	assert.NotNil(t, portFlag)
	assert.Equal(t, "0", portFlag.DefValue)

	timeoutFlag := cmd.PersistentFlags().Lookup("connect-timeout")
	assert.NotNil(t, timeoutFlag)
	assert.Equal(t, "3s", timeoutFlag.DefValue)
}

func TestResolveContentPrefersPositionalArg(t *testing.T) {
	content, err := resolveContent([]string{"/a/b", "literal body"}, "")
	assert.NoError(t, err)
	assert.Equal(t, "literal body", string(content))
}

func TestResolveContentReadsFromFile(t *testing.T) {
	path := t.TempDir() + "/content.txt"
	assert.NoError(t, os.WriteFile(path, []byte("from disk"), 0o644))

	content, err := resolveContent([]string{"/a/b"}, path)
	assert.NoError(t, err)
	assert.Equal(t, "from disk", string(content))
}
